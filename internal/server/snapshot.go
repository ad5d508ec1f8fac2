package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/punchlinegame/punchline/internal/game"
)

type responseView struct {
	ID           string         `json:"id"`
	PlayerID     string         `json:"playerId"`
	Text         string         `json:"text"`
	PointsEarned int            `json:"pointsEarned"`
	FailReason   string         `json:"failReason,omitempty"`
	Reactions    map[string]int `json:"reactions,omitempty"`
}

type promptView struct {
	ID          string   `json:"id"`
	Text        string   `json:"text"`
	Position    int      `json:"position"`
	AssignedIDs []string `json:"assignedPlayerIds"`
	// RespondedIDs lets clients show progress while texts stay hidden.
	RespondedIDs []string       `json:"respondedPlayerIds"`
	Votable      bool           `json:"votable"`
	Current      bool           `json:"current"`
	Revealed     bool           `json:"revealed"`
	Responses    []responseView `json:"responses,omitempty"`
	Votes        []game.Vote    `json:"votes,omitempty"`
}

type roundView struct {
	ID      string       `json:"id"`
	Number  int          `json:"number"`
	Scored  bool         `json:"scored"`
	Prompts []promptView `json:"prompts"`
}

type snapshot struct {
	Game    *game.Game            `json:"game"`
	Players []game.Player         `json:"players"`
	Rounds  []roundView           `json:"rounds"`
	Usage   []game.GameModelUsage `json:"modelUsage"`
	Version int64                 `json:"version"`
}

// handleSnapshot is the polling endpoint: sweeps, then either 304s against
// the client's version or returns the full shaped snapshot.
func (s *Server) handleSnapshot(c *gin.Context) {
	g, ok := s.gameByCode(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	playerID := c.Query("playerId")
	touch := c.Query("touch") == "1"
	g, err := s.engine.Sweep(ctx, g, playerID, touch)
	if err != nil {
		s.fail(c, err)
		return
	}

	etag := fmt.Sprintf("%q", strconv.FormatInt(g.Version, 10))
	c.Header("ETag", etag)
	if v, err := strconv.ParseInt(c.Query("v"), 10, 64); err == nil && v == g.Version {
		if match := c.GetHeader("If-None-Match"); match == "" || match == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	players, err := s.store.PlayersByGame(ctx, g.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	usage, err := s.store.ModelUsage(ctx, g.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	rounds, err := s.store.RoundsByGame(ctx, g.ID)
	if err != nil {
		s.fail(c, err)
		return
	}

	snap := snapshot{Game: g, Players: players, Usage: usage, Version: g.Version}
	for i := range rounds {
		rv, err := s.buildRoundView(c, g, &rounds[i])
		if err != nil {
			s.fail(c, err)
			return
		}
		snap.Rounds = append(snap.Rounds, rv)
	}
	c.JSON(http.StatusOK, snap)
}

// buildRoundView shapes one round, hiding what the phase hasn't revealed:
// response texts stay hidden while the round is being written, and
// responses and votes on prompts past votingPromptIndex stay hidden until
// the sequence reaches them.
func (s *Server) buildRoundView(c *gin.Context, g *game.Game, round *game.Round) (roundView, error) {
	ctx := c.Request.Context()
	rv := roundView{ID: round.ID, Number: round.Number, Scored: round.Scored}

	prompts, err := s.store.PromptsByRound(ctx, round.ID)
	if err != nil {
		return rv, err
	}
	assignments, err := s.store.AssignmentsByRound(ctx, round.ID)
	if err != nil {
		return rv, err
	}
	responses, err := s.store.ResponsesByRound(ctx, round.ID)
	if err != nil {
		return rv, err
	}
	votes, err := s.store.VotesByRound(ctx, round.ID)
	if err != nil {
		return rv, err
	}
	reactions, err := s.store.ReactionsByRound(ctx, round.ID)
	if err != nil {
		return rv, err
	}

	reactsByResponse := make(map[string]map[string]int)
	for _, re := range reactions {
		m := reactsByResponse[re.ResponseID]
		if m == nil {
			m = make(map[string]int)
			reactsByResponse[re.ResponseID] = m
		}
		m[re.Emoji]++
	}

	votable := game.VotablePrompts(prompts, responses)
	votableIndex := make(map[string]int, len(votable))
	for i, p := range votable {
		votableIndex[p.ID] = i
	}

	currentRound := round.Number == g.CurrentRound
	roundDone := round.Scored || round.Number < g.CurrentRound ||
		g.Status == game.StatusRoundResults || g.Status == game.StatusFinalResults

	for _, p := range prompts {
		pv := promptView{ID: p.ID, Text: p.Text, Position: p.Position}
		for _, a := range assignments {
			if a.PromptID == p.ID {
				pv.AssignedIDs = append(pv.AssignedIDs, a.PlayerID)
			}
		}
		vi, isVotable := votableIndex[p.ID]
		pv.Votable = isVotable

		showResponses := roundDone
		showVotes := roundDone
		if currentRound && g.Status == game.StatusVoting && isVotable {
			pv.Current = vi == g.VotingPromptIndex
			pv.Revealed = vi < g.VotingPromptIndex || (pv.Current && g.VotingRevealing)
			// Future prompts in the sequence leak nothing.
			showResponses = vi <= g.VotingPromptIndex
			showVotes = vi <= g.VotingPromptIndex
		}
		if roundDone {
			pv.Revealed = true
		}

		for _, r := range responses {
			if r.PromptID != p.ID {
				continue
			}
			pv.RespondedIDs = append(pv.RespondedIDs, r.PlayerID)
			if !showResponses {
				continue
			}
			pv.Responses = append(pv.Responses, responseView{
				ID:           r.ID,
				PlayerID:     r.PlayerID,
				Text:         r.Text,
				PointsEarned: r.PointsEarned,
				FailReason:   r.FailReason,
				Reactions:    reactsByResponse[r.ID],
			})
		}
		if showVotes {
			for _, v := range votes {
				if v.PromptID == p.ID {
					pv.Votes = append(pv.Votes, v)
				}
			}
		}
		rv.Prompts = append(rv.Prompts, pv)
	}
	return rv, nil
}
