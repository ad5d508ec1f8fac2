package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/punchlinegame/punchline/internal/ai"
	"github.com/punchlinegame/punchline/internal/game"
	"github.com/punchlinegame/punchline/internal/store"
)

// GenerateResponses drives joke generation for the game's current round.
// Per-process inflight dedup via singleflight: a second caller for the same
// game awaits the running wave instead of doubling the model calls. The
// store's unique keys carry correctness; this just saves tokens.
func (e *Engine) GenerateResponses(gameID string) {
	_, err, _ := e.respFlight.Do(gameID, func() (any, error) {
		return nil, e.generateResponses(context.Background(), gameID)
	})
	if err != nil {
		e.log.Error().Err(err).Str("game", gameID).Msg("ai responses")
	}
}

// GenerateVotes drives AI voting for the game's current round, same dedup
// story as GenerateResponses.
func (e *Engine) GenerateVotes(gameID string) {
	_, err, _ := e.voteFlight.Do(gameID, func() (any, error) {
		return nil, e.generateVotes(context.Background(), gameID)
	})
	if err != nil {
		e.log.Error().Err(err).Str("game", gameID).Msg("ai votes")
	}
}

func (e *Engine) cost(modelID string, u ai.Usage) float64 {
	rate, ok := e.cfg.Rates[modelID]
	if !ok {
		return 0
	}
	return float64(u.InputTokens)/1e6*rate.InputPerM + float64(u.OutputTokens)/1e6*rate.OutputPerM
}

func (e *Engine) generateResponses(ctx context.Context, gameID string) error {
	rc, err := e.loadRound(ctx, gameID)
	if err != nil {
		return err
	}
	if rc.game.Status != game.StatusWriting || rc.round == nil {
		return nil
	}

	playerByID := make(map[string]game.Player)
	for _, p := range rc.players {
		playerByID[p.ID] = p
	}
	have := make(map[game.Assignment]bool)
	for _, r := range rc.responses {
		have[game.Assignment{PromptID: r.PromptID, PlayerID: r.PlayerID}] = true
	}
	promptByID := make(map[string]game.Prompt)
	for _, p := range rc.prompts {
		promptByID[p.ID] = p
	}

	type job struct {
		prompt game.Prompt
		player game.Player
	}
	var jobs []job
	for _, a := range rc.assignments {
		p, ok := playerByID[a.PlayerID]
		if !ok || p.Type != game.PlayerAI || p.Participation != game.ParticipationActive || have[a] {
			continue
		}
		jobs = append(jobs, job{prompt: promptByID[a.PromptID], player: p})
	}
	if len(jobs) == 0 {
		return e.afterResponseWave(ctx, gameID)
	}

	histories, err := e.buildHistories(ctx, rc)
	if err != nil {
		e.log.Warn().Err(err).Str("game", gameID).Msg("history context unavailable")
	}

	var mu sync.Mutex
	usage := make(map[string]*store.UsageDelta)
	persisted := false

	var eg errgroup.Group
	for _, j := range jobs {
		j := j
		eg.Go(func() error {
			res := e.ai.GenerateJoke(ctx, j.player.ModelID, j.prompt.Text, histories[j.player.ID])
			r := &game.Response{
				ID:         uuid.NewString(),
				PromptID:   j.prompt.ID,
				PlayerID:   j.player.ID,
				Text:       res.Text,
				FailReason: res.FailReason,
				CreatedAt:  time.Now().UTC(),
			}
			err := e.store.CreateResponse(ctx, r)
			if err != nil && !errors.Is(err, store.ErrConflict) {
				e.log.Error().Err(err).Str("player", j.player.ID).Msg("persist ai response")
			}
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				persisted = true
			}
			d := usage[j.player.ModelID]
			if d == nil {
				d = &store.UsageDelta{ModelID: j.player.ModelID}
				usage[j.player.ModelID] = d
			}
			d.InputTokens += res.Usage.InputTokens
			d.OutputTokens += res.Usage.OutputTokens
			d.CostUSD += e.cost(j.player.ModelID, res.Usage)
			return nil
		})
	}
	_ = eg.Wait()

	if err := e.store.AddModelUsage(ctx, gameID, usageDeltas(usage)); err != nil {
		e.log.Error().Err(err).Str("game", gameID).Msg("record usage")
	}
	if persisted {
		if err := e.store.BumpVersion(ctx, gameID); err != nil {
			return err
		}
	}
	return e.afterResponseWave(ctx, gameID)
}

func (e *Engine) afterResponseWave(ctx context.Context, gameID string) error {
	rc, err := e.loadRound(ctx, gameID)
	if err != nil {
		return err
	}
	if rc.game.Status != game.StatusWriting || rc.round == nil {
		return nil
	}
	if game.WritingComplete(rc.players, rc.assignments, rc.responses) {
		_, err := e.FinishWriting(ctx, gameID)
		return err
	}
	return nil
}

// buildHistories assembles per-AI-player prior-round context: what they
// answered, whether it won, and what beat them.
func (e *Engine) buildHistories(ctx context.Context, rc *roundContext) (map[string][]ai.HistoryEntry, error) {
	out := make(map[string][]ai.HistoryEntry)
	rounds, err := e.store.RoundsByGame(ctx, rc.game.ID)
	if err != nil {
		return out, err
	}
	for _, round := range rounds {
		if round.Number >= rc.round.Number || !round.Scored {
			continue
		}
		prompts, err := e.store.PromptsByRound(ctx, round.ID)
		if err != nil {
			return out, err
		}
		responses, err := e.store.ResponsesByRound(ctx, round.ID)
		if err != nil {
			return out, err
		}
		byPrompt := make(map[string][]game.Response)
		for _, r := range responses {
			byPrompt[r.PromptID] = append(byPrompt[r.PromptID], r)
		}
		for _, p := range rc.players {
			if p.Type != game.PlayerAI {
				continue
			}
			for _, prompt := range prompts {
				entry, ok := historyEntry(round.Number, prompt, byPrompt[prompt.ID], p.ID)
				if ok {
					out[p.ID] = append(out[p.ID], entry)
				}
			}
		}
	}
	return out, nil
}

func historyEntry(roundNumber int, prompt game.Prompt, responses []game.Response, playerID string) (ai.HistoryEntry, bool) {
	var own *game.Response
	var best *game.Response
	dupe := false
	for i := range responses {
		r := &responses[i]
		if r.PlayerID == playerID {
			own = r
		}
		switch {
		case best == nil || r.PointsEarned > best.PointsEarned:
			best, dupe = r, false
		case r.PointsEarned == best.PointsEarned:
			dupe = true
		}
	}
	if own == nil || own.Forfeit() {
		return ai.HistoryEntry{}, false
	}
	entry := ai.HistoryEntry{Round: roundNumber, Prompt: prompt.Text, OwnText: own.Text}
	if best != nil && !dupe && best.PointsEarned > 0 {
		if best.PlayerID == playerID {
			entry.Won = true
		} else if !best.Forfeit() {
			entry.WinningText = best.Text
		}
	}
	return entry, true
}

func (e *Engine) generateVotes(ctx context.Context, gameID string) error {
	rc, err := e.loadRound(ctx, gameID)
	if err != nil {
		return err
	}
	if rc.game.Status != game.StatusVoting || rc.round == nil {
		return nil
	}

	votable := game.VotablePrompts(rc.prompts, rc.responses)
	if len(votable) == 0 {
		return nil
	}
	currentID := ""
	if rc.game.VotingPromptIndex < len(votable) {
		currentID = votable[rc.game.VotingPromptIndex].ID
	}

	respByPrompt := make(map[string][]game.Response)
	for _, r := range rc.responses {
		respByPrompt[r.PromptID] = append(respByPrompt[r.PromptID], r)
	}
	voted := make(map[game.Assignment]bool)
	for _, v := range rc.votes {
		voted[game.Assignment{PromptID: v.PromptID, PlayerID: v.VoterID}] = true
	}

	type job struct {
		prompt game.Prompt
		voter  game.Player
		cands  []ai.Candidate
	}
	var jobs []job
	for _, prompt := range votable {
		rs := respByPrompt[prompt.ID]
		sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
		var cands []ai.Candidate
		authors := make(map[string]bool)
		for _, r := range rs {
			authors[r.PlayerID] = true
			if !r.Forfeit() {
				cands = append(cands, ai.Candidate{ResponseID: r.ID, Text: r.Text})
			}
		}
		for _, p := range game.ActiveContestants(rc.players) {
			if p.Type != game.PlayerAI || authors[p.ID] {
				continue
			}
			if voted[game.Assignment{PromptID: prompt.ID, PlayerID: p.ID}] {
				continue
			}
			jobs = append(jobs, job{prompt: prompt, voter: p, cands: cands})
		}
	}
	if len(jobs) == 0 {
		return e.checkVotingQuorum(ctx, gameID)
	}

	var mu sync.Mutex
	usage := make(map[string]*store.UsageDelta)
	persisted := false

	var eg errgroup.Group
	for _, j := range jobs {
		j := j
		eg.Go(func() error {
			seed := ai.FallbackSeed{GameID: gameID, Round: rc.round.Number, VoterID: j.voter.ID}
			res := e.ai.Vote(ctx, j.voter.ModelID, j.prompt.Text, j.cands, seed)
			if res.ResponseID == "" && res.FailReason == "" {
				return nil
			}
			v := &game.Vote{
				ID:         uuid.NewString(),
				PromptID:   j.prompt.ID,
				VoterID:    j.voter.ID,
				ResponseID: res.ResponseID,
				FailReason: res.FailReason,
				CreatedAt:  time.Now().UTC(),
			}
			err := e.store.CreateVote(ctx, v)
			if err != nil && !errors.Is(err, store.ErrConflict) {
				e.log.Error().Err(err).Str("voter", j.voter.ID).Msg("persist ai vote")
			}
			if err == nil && j.prompt.ID == currentID {
				// Live progress on the visible prompt only; future prompts
				// stay hidden so their votes must not wake pollers.
				if berr := e.store.BumpVersion(ctx, gameID); berr != nil {
					e.log.Error().Err(berr).Msg("bump after visible vote")
				}
			}
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				persisted = true
			}
			d := usage[j.voter.ModelID]
			if d == nil {
				d = &store.UsageDelta{ModelID: j.voter.ModelID}
				usage[j.voter.ModelID] = d
			}
			d.InputTokens += res.Usage.InputTokens
			d.OutputTokens += res.Usage.OutputTokens
			d.CostUSD += e.cost(j.voter.ModelID, res.Usage)
			return nil
		})
	}
	_ = eg.Wait()

	if err := e.store.AddModelUsage(ctx, gameID, usageDeltas(usage)); err != nil {
		e.log.Error().Err(err).Str("game", gameID).Msg("record usage")
	}
	if persisted {
		if err := e.store.BumpVersion(ctx, gameID); err != nil {
			return err
		}
	}
	return e.checkVotingQuorum(ctx, gameID)
}

func usageDeltas(m map[string]*store.UsageDelta) []store.UsageDelta {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]store.UsageDelta, 0, len(ids))
	for _, id := range ids {
		d := *m[id]
		if d.InputTokens == 0 && d.OutputTokens == 0 && d.CostUSD == 0 {
			continue
		}
		out = append(out, d)
	}
	return out
}
