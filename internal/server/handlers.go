package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/punchlinegame/punchline/internal/game"
	"github.com/punchlinegame/punchline/internal/store"
)

type createReq struct {
	HostSecret     string `json:"hostSecret"`
	HostName       string `json:"hostName"`
	TotalRounds    int    `json:"totalRounds"`
	TimersDisabled bool   `json:"timersDisabled"`
	RematchOf      string `json:"rematchOf"`
	AIPlayers      []struct {
		Name    string `json:"name"`
		ModelID string `json:"modelId"`
	} `json:"aiPlayers"`
}

func (s *Server) handleCreate(c *gin.Context) {
	var req createReq
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	secret := req.HostSecret
	if secret == "" {
		secret = bearer(c)
	}
	if s.cfg.HostSecret == "" || secret != s.cfg.HostSecret {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "bad host secret"})
		return
	}
	if strings.TrimSpace(req.HostName) == "" {
		badRequest(c, "hostName required")
		return
	}
	rounds := req.TotalRounds
	if rounds <= 0 {
		rounds = s.cfg.TotalRounds
	}
	for _, ap := range req.AIPlayers {
		if _, ok := s.cfg.ModelByID(ap.ModelID); !ok {
			badRequest(c, fmt.Sprintf("unknown model %q", ap.ModelID))
			return
		}
	}

	ctx := c.Request.Context()
	now := time.Now().UTC()
	var g *game.Game
	for attempt := 0; ; attempt++ {
		g = &game.Game{
			ID:             uuid.NewString(),
			Code:           roomCode(),
			Status:         game.StatusLobby,
			TotalRounds:    rounds,
			TimersDisabled: req.TimersDisabled,
			Version:        1,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		err := s.store.CreateGame(ctx, g)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrConflict) || attempt >= 5 {
			s.fail(c, err)
			return
		}
	}

	host := &game.Player{
		ID:            uuid.NewString(),
		GameID:        g.ID,
		Name:          strings.TrimSpace(req.HostName),
		Type:          game.PlayerHuman,
		HumorRating:   1.0,
		Participation: game.ParticipationActive,
		LastSeen:      now,
		RejoinToken:   uuid.NewString(),
		JoinedAt:      now,
	}
	if err := s.store.CreatePlayer(ctx, host); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.store.SetHost(ctx, g.ID, host.ID); err != nil {
		s.fail(c, err)
		return
	}
	for i, ap := range req.AIPlayers {
		name := strings.TrimSpace(ap.Name)
		if name == "" {
			m, _ := s.cfg.ModelByID(ap.ModelID)
			name = m.DisplayName
		}
		p := &game.Player{
			ID:            uuid.NewString(),
			GameID:        g.ID,
			Name:          name,
			Type:          game.PlayerAI,
			ModelID:       ap.ModelID,
			HumorRating:   1.0,
			Participation: game.ParticipationActive,
			LastSeen:      now,
			RejoinToken:   uuid.NewString(),
			JoinedAt:      now.Add(time.Duration(i+1) * time.Millisecond),
		}
		if err := s.store.CreatePlayer(ctx, p); err != nil {
			s.fail(c, err)
			return
		}
	}
	if req.RematchOf != "" {
		if prev, err := s.store.GameByCode(ctx, req.RematchOf); err == nil {
			if err := s.store.SetNextGameCode(ctx, prev.ID, g.Code); err != nil {
				s.log.Warn().Err(err).Msg("link rematch")
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"gameId":       g.ID,
		"roomCode":     g.Code,
		"hostPlayerId": host.ID,
		"rejoinToken":  host.RejoinToken,
	})
}

type joinReq struct {
	Name      string `json:"name"`
	Spectator bool   `json:"spectator"`
}

func (s *Server) handleJoin(c *gin.Context) {
	g, ok := s.gameByCode(c)
	if !ok {
		return
	}
	var req joinReq
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		badRequest(c, "name required")
		return
	}
	ptype := game.PlayerHuman
	if req.Spectator {
		ptype = game.PlayerSpectator
	} else if g.Status != game.StatusLobby {
		c.JSON(http.StatusConflict, gin.H{"error": "game already started, join as spectator"})
		return
	}

	now := time.Now().UTC()
	p := &game.Player{
		ID:            uuid.NewString(),
		GameID:        g.ID,
		Name:          name,
		Type:          ptype,
		HumorRating:   1.0,
		Participation: game.ParticipationActive,
		LastSeen:      now,
		RejoinToken:   uuid.NewString(),
		JoinedAt:      now,
	}
	ctx := c.Request.Context()
	if err := s.store.CreatePlayer(ctx, p); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.store.BumpVersion(ctx, g.ID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"playerId": p.ID, "rejoinToken": p.RejoinToken})
}

type rejoinReq struct {
	RejoinToken string `json:"rejoinToken"`
}

func (s *Server) handleRejoin(c *gin.Context) {
	g, ok := s.gameByCode(c)
	if !ok {
		return
	}
	var req rejoinReq
	if err := c.BindJSON(&req); err != nil || req.RejoinToken == "" {
		badRequest(c, "rejoinToken required")
		return
	}
	ctx := c.Request.Context()
	p, err := s.store.PlayerByRejoinToken(ctx, g.ID, req.RejoinToken)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad rejoin token"})
			return
		}
		s.fail(c, err)
		return
	}
	// Same slot, same id: continuity matters for assignments and scores.
	if err := s.store.TouchPlayer(ctx, p.ID, time.Now().UTC()); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.store.SetParticipation(ctx, p.ID, game.ParticipationActive); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"playerId": p.ID, "name": p.Name, "type": p.Type})
}

type playerReq struct {
	PlayerID string `json:"playerId"`
}

func (s *Server) handleStart(c *gin.Context) {
	g, ok := s.gameByCode(c)
	if !ok {
		return
	}
	var req playerReq
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if !s.requireHost(c, g, req.PlayerID) {
		return
	}
	if err := s.engine.StartGame(c.Request.Context(), g); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type respondReq struct {
	PlayerID string `json:"playerId"`
	PromptID string `json:"promptId"`
	Text     string `json:"text"`
}

func (s *Server) handleRespond(c *gin.Context) {
	g, ok := s.gameByCode(c)
	if !ok {
		return
	}
	if g.Status != game.StatusWriting {
		c.JSON(http.StatusConflict, gin.H{"error": "not accepting responses in this phase"})
		return
	}
	var req respondReq
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	p, ok := s.playerInGame(c, g, req.PlayerID)
	if !ok {
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" || text == game.ForfeitMarker {
		badRequest(c, "text required")
		return
	}

	ctx := c.Request.Context()
	round, err := s.store.RoundByNumber(ctx, g.ID, g.CurrentRound)
	if err != nil {
		s.fail(c, err)
		return
	}
	assignments, err := s.store.AssignmentsByRound(ctx, round.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	assigned := false
	for _, a := range assignments {
		if a.PromptID == req.PromptID && a.PlayerID == p.ID {
			assigned = true
			break
		}
	}
	if !assigned {
		badRequest(c, "prompt not assigned to player")
		return
	}

	r := &game.Response{
		ID:        uuid.NewString(),
		PromptID:  req.PromptID,
		PlayerID:  p.ID,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateResponse(ctx, r); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			s.fail(c, err)
			return
		}
		// Already submitted (maybe a retried request); nothing to do.
		c.JSON(http.StatusOK, gin.H{"ok": true, "duplicate": true})
		return
	}
	if err := s.store.BumpVersion(ctx, g.ID); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.engine.CheckQuorum(ctx, g.ID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type voteReq struct {
	PlayerID   string `json:"playerId"`
	PromptID   string `json:"promptId"`
	ResponseID string `json:"responseId"`
}

func (s *Server) handleVote(c *gin.Context) {
	g, ok := s.gameByCode(c)
	if !ok {
		return
	}
	if g.Status != game.StatusVoting {
		c.JSON(http.StatusConflict, gin.H{"error": "not accepting votes in this phase"})
		return
	}
	var req voteReq
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	p, ok := s.playerInGame(c, g, req.PlayerID)
	if !ok {
		return
	}
	if !p.Contestant() {
		badRequest(c, "spectators cannot vote")
		return
	}

	ctx := c.Request.Context()
	round, err := s.store.RoundByNumber(ctx, g.ID, g.CurrentRound)
	if err != nil {
		s.fail(c, err)
		return
	}
	prompts, err := s.store.PromptsByRound(ctx, round.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	responses, err := s.store.ResponsesByRound(ctx, round.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	votable := game.VotablePrompts(prompts, responses)
	if g.VotingPromptIndex >= len(votable) || votable[g.VotingPromptIndex].ID != req.PromptID {
		c.JSON(http.StatusConflict, gin.H{"error": "not the prompt currently up for voting"})
		return
	}
	if req.ResponseID != "" {
		valid := false
		for _, r := range responses {
			if r.ID == req.ResponseID && r.PromptID == req.PromptID && !r.Forfeit() {
				valid = true
			}
			if r.PromptID == req.PromptID && r.PlayerID == p.ID {
				badRequest(c, "cannot vote on own prompt")
				return
			}
		}
		if !valid {
			badRequest(c, "unknown response")
			return
		}
	} else {
		for _, r := range responses {
			if r.PromptID == req.PromptID && r.PlayerID == p.ID {
				badRequest(c, "cannot vote on own prompt")
				return
			}
		}
	}

	v := &game.Vote{
		ID:         uuid.NewString(),
		PromptID:   req.PromptID,
		VoterID:    p.ID,
		ResponseID: req.ResponseID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateVote(ctx, v); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "duplicate": true})
		return
	}
	if err := s.store.BumpVersion(ctx, g.ID); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.engine.CheckQuorum(ctx, g.ID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type reactReq struct {
	PlayerID   string `json:"playerId"`
	ResponseID string `json:"responseId"`
	Emoji      string `json:"emoji"`
}

func (s *Server) handleReact(c *gin.Context) {
	g, ok := s.gameByCode(c)
	if !ok {
		return
	}
	var req reactReq
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if _, ok := s.playerInGame(c, g, req.PlayerID); !ok {
		return
	}
	if req.ResponseID == "" || req.Emoji == "" {
		badRequest(c, "responseId and emoji required")
		return
	}
	ctx := c.Request.Context()
	added, err := s.store.ToggleReaction(ctx, &game.Reaction{
		ID:         uuid.NewString(),
		ResponseID: req.ResponseID,
		PlayerID:   req.PlayerID,
		Emoji:      req.Emoji,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.store.BumpVersion(ctx, g.ID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "added": added})
}

func (s *Server) handleNext(c *gin.Context) {
	g, ok := s.gameByCode(c)
	if !ok {
		return
	}
	var req playerReq
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if !s.requireHost(c, g, req.PlayerID) {
		return
	}
	if err := s.engine.NextPhase(c.Request.Context(), g); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleEnd(c *gin.Context) {
	g, ok := s.gameByCode(c)
	if !ok {
		return
	}
	var req playerReq
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if !s.requireHost(c, g, req.PlayerID) {
		return
	}
	if err := s.engine.EndGame(c.Request.Context(), g); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": s.cfg.Models})
}

func (s *Server) handleLeaderboard(c *gin.Context) {
	rows, err := s.store.Leaderboard(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if rows == nil {
		rows = []game.LeaderboardRow{}
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": rows})
}

func (s *Server) handleCleanup(c *gin.Context) {
	secret := bearer(c)
	if secret == "" {
		secret = c.Query("secret")
	}
	if s.cfg.CronSecret == "" || secret != s.cfg.CronSecret {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "bad cron secret"})
		return
	}
	now := time.Now().UTC()
	n, err := s.store.PurgeGames(c.Request.Context(),
		now.Add(-s.cfg.FinishedRetention), now.Add(-s.cfg.IdleRetention))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": n})
}
