// Package engine owns the game's phase machine, the AI orchestration and
// the request-driven sweeper. Every transition is an atomic conditional
// update on the game row; concurrent callers race the claim and losers
// no-op. Nothing in here holds a lock across a store or model call.
package engine

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/punchlinegame/punchline/internal/ai"
	"github.com/punchlinegame/punchline/internal/game"
	"github.com/punchlinegame/punchline/internal/promptbank"
	"github.com/punchlinegame/punchline/internal/store"
)

var (
	ErrNotEnoughPlayers = errors.New("not enough players")
	ErrPhaseMismatch    = errors.New("action not valid in current phase")
)

// ModelRate is the USD cost per million tokens for one model.
type ModelRate struct {
	InputPerM  float64
	OutputPerM float64
}

type Config struct {
	MinPlayers     int
	WritingTimeout time.Duration
	VotingTimeout  time.Duration
	RevealTimeout  time.Duration

	InactivityThreshold time.Duration
	HostStaleThreshold  time.Duration
	HeartbeatWindow     time.Duration

	Rates map[string]ModelRate
}

type Engine struct {
	store store.Store
	ai    *ai.Client
	cfg   Config
	log   zerolog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	respFlight singleflight.Group
	voteFlight singleflight.Group
	bg         sync.WaitGroup
}

func New(st store.Store, client *ai.Client, cfg Config, log zerolog.Logger) *Engine {
	return &Engine{
		store: st,
		ai:    client,
		cfg:   cfg,
		log:   log,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Wait blocks until all background AI work has drained. Tests use it; the
// server only calls it on shutdown.
func (e *Engine) Wait() { e.bg.Wait() }

func (e *Engine) async(fn func()) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		fn()
	}()
}

// StartGame runs the LOBBY → WRITING transition for the host.
func (e *Engine) StartGame(ctx context.Context, g *game.Game) error {
	if g.Status != game.StatusLobby {
		return ErrPhaseMismatch
	}
	players, err := e.store.PlayersByGame(ctx, g.ID)
	if err != nil {
		return err
	}
	if len(game.ActiveContestants(players)) < e.cfg.MinPlayers {
		return ErrNotEnoughPlayers
	}
	return e.beginRound(ctx, g, 1, game.StatusLobby)
}

// beginRound creates round `number` with its prompts and assignments, then
// claims the transition into WRITING. The unique (game, number) key on
// rounds makes creation exactly-once; on conflict the round may belong to a
// racing caller or to an earlier attempt that died between CreateRound and
// the claim, so the loser resumes against the existing round instead of
// assuming the work is done. Prompt creation is keyed by (round, position)
// and assignment creation by (prompt, player), which makes the whole
// sequence safe to replay.
func (e *Engine) beginRound(ctx context.Context, g *game.Game, number int, from game.Status) error {
	round := &game.Round{ID: uuid.NewString(), GameID: g.ID, Number: number}
	if err := e.store.CreateRound(ctx, round); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		fresh, err := e.store.GameByID(ctx, g.ID)
		if err != nil {
			return err
		}
		if fresh.Status != from {
			// The transition already happened.
			return nil
		}
		if round, err = e.store.RoundByNumber(ctx, g.ID, number); err != nil {
			return err
		}
	}

	players, err := e.store.PlayersByGame(ctx, g.ID)
	if err != nil {
		return err
	}
	active := game.ActiveContestants(players)
	sort.Slice(active, func(i, j int) bool { return active[i].JoinedAt.Before(active[j].JoinedAt) })
	n := len(active)
	if n < 2 {
		return ErrNotEnoughPlayers
	}

	prompts, err := e.store.PromptsByRound(ctx, round.ID)
	if err != nil {
		return err
	}
	if len(prompts) < n {
		used, err := e.store.PromptTextsByGame(ctx, g.ID)
		if err != nil {
			return err
		}
		exclude := make(map[string]bool, len(used))
		for _, t := range used {
			exclude[t] = true
		}
		have := make(map[int]bool, len(prompts))
		for _, p := range prompts {
			have[p.Position] = true
		}
		e.rngMu.Lock()
		texts := promptbank.Draw(e.rng, n-len(prompts), exclude)
		e.rngMu.Unlock()
		next := 0
		for i := 0; i < n; i++ {
			if have[i] {
				continue
			}
			p := &game.Prompt{ID: uuid.NewString(), RoundID: round.ID, Text: texts[next], Position: i}
			next++
			if err := e.store.CreatePrompt(ctx, p); err != nil && !errors.Is(err, store.ErrConflict) {
				return err
			}
		}
		if prompts, err = e.store.PromptsByRound(ctx, round.ID); err != nil {
			return err
		}
	}

	// Round-robin pairing: prompt i belongs to players i and i+1 (mod n),
	// so everyone writes exactly two answers against two opponents.
	for _, p := range prompts {
		for _, pl := range []game.Player{active[p.Position%n], active[(p.Position+1)%n]} {
			a := &game.Assignment{PromptID: p.ID, PlayerID: pl.ID}
			if err := e.store.CreateAssignment(ctx, a); err != nil && !errors.Is(err, store.ErrConflict) {
				return err
			}
		}
	}

	writing := game.StatusWriting
	zero := 0
	noReveal := false
	patch := store.GamePatch{
		Status:            &writing,
		CurrentRound:      &number,
		VotingPromptIndex: &zero,
		VotingRevealing:   &noReveal,
	}
	e.setDeadline(&patch, g, e.cfg.WritingTimeout)
	claimed, err := e.store.ClaimGame(ctx, g.ID, store.GameGuard{Status: from}, patch)
	if err != nil {
		return err
	}
	if claimed {
		e.async(func() { e.GenerateResponses(g.ID) })
	}
	return nil
}

func (e *Engine) setDeadline(patch *store.GamePatch, g *game.Game, d time.Duration) {
	if g.TimersDisabled {
		patch.ClearDeadline = true
		return
	}
	t := time.Now().UTC().Add(d)
	patch.PhaseDeadline = &t
}

// roundContext is everything the machine needs about the current round.
type roundContext struct {
	game        *game.Game
	players     []game.Player
	round       *game.Round
	prompts     []game.Prompt
	assignments []game.Assignment
	responses   []game.Response
	votes       []game.Vote
}

func (e *Engine) loadRound(ctx context.Context, gameID string) (*roundContext, error) {
	g, err := e.store.GameByID(ctx, gameID)
	if err != nil {
		return nil, err
	}
	rc := &roundContext{game: g}
	if rc.players, err = e.store.PlayersByGame(ctx, gameID); err != nil {
		return nil, err
	}
	if g.CurrentRound == 0 {
		return rc, nil
	}
	if rc.round, err = e.store.RoundByNumber(ctx, gameID, g.CurrentRound); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return rc, nil
		}
		return nil, err
	}
	if rc.prompts, err = e.store.PromptsByRound(ctx, rc.round.ID); err != nil {
		return nil, err
	}
	if rc.assignments, err = e.store.AssignmentsByRound(ctx, rc.round.ID); err != nil {
		return nil, err
	}
	if rc.responses, err = e.store.ResponsesByRound(ctx, rc.round.ID); err != nil {
		return nil, err
	}
	if rc.votes, err = e.store.VotesByRound(ctx, rc.round.ID); err != nil {
		return nil, err
	}
	return rc, nil
}

// FinishWriting attempts the WRITING → VOTING transition. Callers invoke it
// only when warranted (quorum complete or deadline passed); it fills
// forfeits for any active contestant still missing a response, claims the
// transition and kicks off AI voting.
func (e *Engine) FinishWriting(ctx context.Context, gameID string) (bool, error) {
	rc, err := e.loadRound(ctx, gameID)
	if err != nil {
		return false, err
	}
	if rc.game.Status != game.StatusWriting || rc.round == nil {
		return false, nil
	}

	if err := e.fillForfeits(ctx, rc); err != nil {
		return false, err
	}

	voting := game.StatusVoting
	zero := 0
	noReveal := false
	patch := store.GamePatch{Status: &voting, VotingPromptIndex: &zero, VotingRevealing: &noReveal}
	e.setDeadline(&patch, rc.game, e.cfg.VotingTimeout)
	claimed, err := e.store.ClaimGame(ctx, gameID, store.GameGuard{Status: game.StatusWriting}, patch)
	if err != nil || !claimed {
		return false, err
	}

	responses, err := e.store.ResponsesByRound(ctx, rc.round.ID)
	if err != nil {
		return true, err
	}
	if len(game.VotablePrompts(rc.prompts, responses)) == 0 {
		// Everything forfeited or went unanswered; nothing to vote on.
		return true, e.finishRound(ctx, gameID)
	}
	e.async(func() { e.GenerateVotes(gameID) })
	// A prompt with zero eligible voters completes instantly.
	if err := e.checkVotingQuorum(ctx, gameID); err != nil {
		return true, err
	}
	return true, nil
}

func (e *Engine) fillForfeits(ctx context.Context, rc *roundContext) error {
	have := make(map[game.Assignment]bool, len(rc.responses))
	for _, r := range rc.responses {
		have[game.Assignment{PromptID: r.PromptID, PlayerID: r.PlayerID}] = true
	}
	active := make(map[string]bool)
	for _, p := range game.ActiveContestants(rc.players) {
		active[p.ID] = true
	}
	for _, a := range rc.assignments {
		if !active[a.PlayerID] || have[a] {
			continue
		}
		r := &game.Response{
			ID:         uuid.NewString(),
			PromptID:   a.PromptID,
			PlayerID:   a.PlayerID,
			Text:       game.ForfeitMarker,
			FailReason: game.FailTimeout,
			CreatedAt:  time.Now().UTC(),
		}
		if err := e.store.CreateResponse(ctx, r); err != nil && !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return nil
}

// FinishPromptVoting attempts the VOTING(not revealing) → revealing claim
// for the current prompt, writing abstentions for eligible voters who never
// voted.
func (e *Engine) FinishPromptVoting(ctx context.Context, gameID string) (bool, error) {
	rc, err := e.loadRound(ctx, gameID)
	if err != nil {
		return false, err
	}
	if rc.game.Status != game.StatusVoting || rc.game.VotingRevealing || rc.round == nil {
		return false, nil
	}
	votable := game.VotablePrompts(rc.prompts, rc.responses)
	if rc.game.VotingPromptIndex >= len(votable) {
		return true, e.finishRound(ctx, gameID)
	}
	current := votable[rc.game.VotingPromptIndex]

	if err := e.fillAbstentions(ctx, rc, current.ID); err != nil {
		return false, err
	}

	revealing := true
	notRevealing := false
	idx := rc.game.VotingPromptIndex
	patch := store.GamePatch{VotingRevealing: &revealing}
	e.setDeadline(&patch, rc.game, e.cfg.RevealTimeout)
	// Guarding the index keeps a caller that stalled past a full
	// reveal-and-advance cycle from flipping the reveal for a later prompt
	// whose abstentions it never filled.
	return e.store.ClaimGame(ctx, gameID,
		store.GameGuard{Status: game.StatusVoting, VotingRevealing: &notRevealing, VotingPromptIndex: &idx}, patch)
}

func (e *Engine) fillAbstentions(ctx context.Context, rc *roundContext, promptID string) error {
	respondents := make(map[string]bool)
	for _, r := range rc.responses {
		if r.PromptID == promptID {
			respondents[r.PlayerID] = true
		}
	}
	voted := make(map[string]bool)
	for _, v := range rc.votes {
		if v.PromptID == promptID {
			voted[v.VoterID] = true
		}
	}
	for _, p := range game.ActiveContestants(rc.players) {
		if respondents[p.ID] || voted[p.ID] {
			continue
		}
		v := &game.Vote{
			ID:        uuid.NewString(),
			PromptID:  promptID,
			VoterID:   p.ID,
			CreatedAt: time.Now().UTC(),
		}
		if err := e.store.CreateVote(ctx, v); err != nil && !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return nil
}

// AdvanceReveal handles the reveal deadline: step to the next votable
// prompt, or commit the round when the last one has been shown.
func (e *Engine) AdvanceReveal(ctx context.Context, gameID string) (bool, error) {
	rc, err := e.loadRound(ctx, gameID)
	if err != nil {
		return false, err
	}
	if rc.game.Status != game.StatusVoting || !rc.game.VotingRevealing || rc.round == nil {
		return false, nil
	}
	votable := game.VotablePrompts(rc.prompts, rc.responses)
	next := rc.game.VotingPromptIndex + 1
	if next >= len(votable) {
		return true, e.finishRound(ctx, gameID)
	}

	revealing := true
	notRevealing := false
	idx := rc.game.VotingPromptIndex
	patch := store.GamePatch{VotingPromptIndex: &next, VotingRevealing: &notRevealing}
	e.setDeadline(&patch, rc.game, e.cfg.VotingTimeout)
	claimed, err := e.store.ClaimGame(ctx, gameID,
		store.GameGuard{Status: game.StatusVoting, VotingRevealing: &revealing, VotingPromptIndex: &idx}, patch)
	if err != nil || !claimed {
		return false, err
	}
	// AI votes for the new prompt may have landed already.
	return true, e.checkVotingQuorum(ctx, gameID)
}

// finishRound claims VOTING → ROUND_RESULTS; the winner of that claim is
// the one caller that commits scores.
func (e *Engine) finishRound(ctx context.Context, gameID string) error {
	results := game.StatusRoundResults
	claimed, err := e.store.ClaimGame(ctx, gameID,
		store.GameGuard{Status: game.StatusVoting},
		store.GamePatch{Status: &results, ClearDeadline: true})
	if err != nil || !claimed {
		return err
	}
	rc, err := e.loadRound(ctx, gameID)
	if err != nil {
		return err
	}
	if rc.round == nil || rc.round.Scored {
		return nil
	}
	if err := e.commitScores(ctx, rc); err != nil {
		return err
	}
	return e.store.BumpVersion(ctx, gameID)
}

// commitScores runs the kernel over the round and applies the deltas.
// Callers must hold the ROUND_RESULTS (or FINAL_RESULTS) claim.
func (e *Engine) commitScores(ctx context.Context, rc *roundContext) error {
	state := make(map[string]game.PlayerState)
	for _, p := range rc.players {
		if p.Contestant() {
			state[p.ID] = game.PlayerState{Score: p.Score, HumorRating: p.HumorRating, WinStreak: p.WinStreak}
		}
	}

	byPrompt := make(map[string][]game.Response)
	for _, r := range rc.responses {
		byPrompt[r.PromptID] = append(byPrompt[r.PromptID], r)
	}
	votesByPrompt := make(map[string][]game.Vote)
	for _, v := range rc.votes {
		votesByPrompt[v.PromptID] = append(votesByPrompt[v.PromptID], v)
	}
	var tallies []game.PromptTally
	for _, p := range rc.prompts {
		tallies = append(tallies, game.PromptTally{
			PromptID:       p.ID,
			Responses:      byPrompt[p.ID],
			Votes:          votesByPrompt[p.ID],
			EligibleVoters: game.EligibleVoterCount(p.ID, rc.players, rc.responses),
		})
	}
	rs := game.ScoreRound(tallies, state, rc.round.Number)

	for _, r := range rc.responses {
		if pts, ok := rs.ResponsePoints[r.ID]; ok {
			if err := e.store.SetResponsePoints(ctx, r.ID, pts); err != nil {
				return err
			}
		}
	}

	// Idle tracking: a contestant who produced nothing but forfeits this
	// round goes one round idler.
	forfeitOnly := make(map[string]bool)
	submitted := make(map[string]bool)
	for _, r := range rc.responses {
		if r.Forfeit() {
			forfeitOnly[r.PlayerID] = true
		} else {
			submitted[r.PlayerID] = true
		}
	}

	ids := make([]string, 0, len(state))
	for id := range state {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	playerByID := make(map[string]game.Player, len(rc.players))
	for _, p := range rc.players {
		playerByID[p.ID] = p
	}
	for _, id := range ids {
		idle := 0
		if forfeitOnly[id] && !submitted[id] {
			idle = playerByID[id].IdleRounds + 1
		}
		patch := store.ScorePatch{
			PlayerID:    id,
			ScoreDelta:  rs.PlayerDeltas[id],
			HumorRating: rs.Ratings[id],
			WinStreak:   rs.Streaks[id],
			IdleRounds:  idle,
		}
		if err := e.store.ApplyScore(ctx, patch); err != nil {
			return err
		}
	}
	return e.store.MarkRoundScored(ctx, rc.round.ID)
}

// NextPhase is the host's `next`. In ROUND_RESULTS it advances to the next
// round or the final standings; in timed phases it forces the deadline.
func (e *Engine) NextPhase(ctx context.Context, g *game.Game) error {
	switch g.Status {
	case game.StatusRoundResults:
		if g.CurrentRound < g.TotalRounds {
			return e.beginRound(ctx, g, g.CurrentRound+1, game.StatusRoundResults)
		}
		final := game.StatusFinalResults
		_, err := e.store.ClaimGame(ctx, g.ID, store.GameGuard{Status: game.StatusRoundResults},
			store.GamePatch{Status: &final, ClearDeadline: true})
		return err
	case game.StatusWriting:
		_, err := e.FinishWriting(ctx, g.ID)
		return err
	case game.StatusVoting:
		if g.VotingRevealing {
			_, err := e.AdvanceReveal(ctx, g.ID)
			return err
		}
		_, err := e.FinishPromptVoting(ctx, g.ID)
		return err
	default:
		return ErrPhaseMismatch
	}
}

// EndGame jumps from any active phase to FINAL_RESULTS, pro-rating scores:
// unanswered prompts become forfeits, missing votes abstentions, and every
// unscored round goes through the kernel.
func (e *Engine) EndGame(ctx context.Context, g *game.Game) error {
	if !g.Status.Active() {
		return ErrPhaseMismatch
	}
	final := game.StatusFinalResults
	claimed, err := e.store.ClaimGame(ctx, g.ID, store.GameGuard{Status: g.Status},
		store.GamePatch{Status: &final, ClearDeadline: true})
	if err != nil {
		return err
	}
	if !claimed {
		// A racer moved the phase first; tell the host so they retry
		// against the fresh state instead of believing the game ended.
		return ErrPhaseMismatch
	}

	players, err := e.store.PlayersByGame(ctx, g.ID)
	if err != nil {
		return err
	}
	rounds, err := e.store.RoundsByGame(ctx, g.ID)
	if err != nil {
		return err
	}
	for i := range rounds {
		round := rounds[i]
		if round.Scored {
			continue
		}
		rc := &roundContext{game: g, players: players, round: &round}
		if rc.prompts, err = e.store.PromptsByRound(ctx, round.ID); err != nil {
			return err
		}
		if rc.assignments, err = e.store.AssignmentsByRound(ctx, round.ID); err != nil {
			return err
		}
		if rc.responses, err = e.store.ResponsesByRound(ctx, round.ID); err != nil {
			return err
		}
		if rc.votes, err = e.store.VotesByRound(ctx, round.ID); err != nil {
			return err
		}
		if err := e.fillForfeits(ctx, rc); err != nil {
			return err
		}
		if rc.responses, err = e.store.ResponsesByRound(ctx, round.ID); err != nil {
			return err
		}
		for _, p := range game.VotablePrompts(rc.prompts, rc.responses) {
			if err := e.fillAbstentions(ctx, rc, p.ID); err != nil {
				return err
			}
		}
		if rc.votes, err = e.store.VotesByRound(ctx, round.ID); err != nil {
			return err
		}
		if err := e.commitScores(ctx, rc); err != nil {
			return err
		}
	}
	return e.store.BumpVersion(ctx, g.ID)
}

// HandleDeadline dispatches an expired phase deadline.
func (e *Engine) HandleDeadline(ctx context.Context, g *game.Game) error {
	switch g.Status {
	case game.StatusWriting:
		_, err := e.FinishWriting(ctx, g.ID)
		return err
	case game.StatusVoting:
		if g.VotingRevealing {
			_, err := e.AdvanceReveal(ctx, g.ID)
			return err
		}
		_, err := e.FinishPromptVoting(ctx, g.ID)
		return err
	default:
		return nil
	}
}

// CheckQuorum re-evaluates the current phase's completeness and fires the
// matching transition when satisfied. Called after submissions, votes and
// disconnects.
func (e *Engine) CheckQuorum(ctx context.Context, gameID string) error {
	rc, err := e.loadRound(ctx, gameID)
	if err != nil {
		return err
	}
	if rc.round == nil {
		return nil
	}
	switch rc.game.Status {
	case game.StatusWriting:
		if game.WritingComplete(rc.players, rc.assignments, rc.responses) {
			_, err := e.FinishWriting(ctx, gameID)
			return err
		}
	case game.StatusVoting:
		if !rc.game.VotingRevealing {
			return e.checkVotingQuorumLoaded(ctx, rc)
		}
	}
	return nil
}

func (e *Engine) checkVotingQuorum(ctx context.Context, gameID string) error {
	rc, err := e.loadRound(ctx, gameID)
	if err != nil {
		return err
	}
	return e.checkVotingQuorumLoaded(ctx, rc)
}

func (e *Engine) checkVotingQuorumLoaded(ctx context.Context, rc *roundContext) error {
	if rc.game.Status != game.StatusVoting || rc.game.VotingRevealing || rc.round == nil {
		return nil
	}
	votable := game.VotablePrompts(rc.prompts, rc.responses)
	if rc.game.VotingPromptIndex >= len(votable) {
		return e.finishRound(ctx, rc.game.ID)
	}
	current := votable[rc.game.VotingPromptIndex]
	if game.PromptVotingComplete(current.ID, rc.players, rc.responses, rc.votes) {
		_, err := e.FinishPromptVoting(ctx, rc.game.ID)
		return err
	}
	return nil
}
