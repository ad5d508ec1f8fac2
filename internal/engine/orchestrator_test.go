package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/punchlinegame/punchline/internal/ai"
	"github.com/punchlinegame/punchline/internal/game"
	"github.com/punchlinegame/punchline/internal/store"
	"github.com/punchlinegame/punchline/internal/store/memstore"
)

// seedVotingRound puts a game straight into VOTING on one round with the
// given prompts, each carrying the listed (responseID, playerID) answers.
func seedVotingRound(t *testing.T, st *memstore.Store, g *game.Game, answers map[string][][2]string, promptOrder []string) map[string]string {
	t.Helper()
	ctx := context.Background()

	round := &game.Round{ID: uuid.NewString(), GameID: g.ID, Number: 1}
	if err := st.CreateRound(ctx, round); err != nil {
		t.Fatal(err)
	}
	promptIDs := make(map[string]string, len(promptOrder))
	for i, name := range promptOrder {
		p := &game.Prompt{ID: uuid.NewString(), RoundID: round.ID, Text: "prompt " + name, Position: i}
		if err := st.CreatePrompt(ctx, p); err != nil {
			t.Fatal(err)
		}
		promptIDs[name] = p.ID
		for _, ans := range answers[name] {
			r := &game.Response{
				ID: ans[0], PromptID: p.ID, PlayerID: ans[1],
				Text: "joke " + ans[0], CreatedAt: time.Now().UTC(),
			}
			if err := st.CreateResponse(ctx, r); err != nil {
				t.Fatal(err)
			}
		}
	}

	voting := game.StatusVoting
	one := 1
	if _, err := st.ClaimGame(ctx, g.ID, store.GameGuard{Status: game.StatusLobby},
		store.GamePatch{Status: &voting, CurrentRound: &one}); err != nil {
		t.Fatal(err)
	}
	return promptIDs
}

func TestGenerateVotesOutageFallsBackDeterministically(t *testing.T) {
	st := memstore.New()
	provider := &scriptedProvider{voteErr: errors.New("gateway down")}
	e := newTestEngine(st, provider)
	ctx := context.Background()

	g := seedGame(t, st, 3)
	seedPlayer(t, st, g, "h1", game.PlayerHuman, 0)
	seedPlayer(t, st, g, "h2", game.PlayerHuman, 1)
	a1 := seedPlayer(t, st, g, "a1", game.PlayerAI, 2)
	promptIDs := seedVotingRound(t, st, g, map[string][][2]string{
		"p0": {{"ra", "h1"}, {"rb", "h2"}},
	}, []string{"p0"})

	e.GenerateVotes(g.ID)

	round, err := st.RoundByNumber(ctx, g.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	votes, err := st.VotesByRound(ctx, round.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(votes) != 1 {
		t.Fatalf("expected one AI vote, got %d", len(votes))
	}
	v := votes[0]
	if v.VoterID != a1.ID || v.FailReason != game.FailError {
		t.Fatalf("expected error-tagged vote by a1, got %+v", v)
	}
	want := ai.FallbackPick(
		ai.FallbackSeed{GameID: g.ID, Round: 1, VoterID: a1.ID},
		[]ai.Candidate{{ResponseID: "ra"}, {ResponseID: "rb"}},
	)
	if v.ResponseID != want {
		t.Fatalf("fallback pick mismatch: got %q want %q", v.ResponseID, want)
	}

	// The vote completes the only eligible voter's quorum.
	cur := reload(t, st, g.ID)
	if !cur.VotingRevealing {
		t.Fatal("fallback vote should complete the prompt's quorum")
	}
	if _, ok := promptIDs["p0"]; !ok {
		t.Fatal("prompt missing")
	}
}

func TestGenerateVotesIdempotent(t *testing.T) {
	st := memstore.New()
	e := newTestEngine(st, &scriptedProvider{voteReply: "A"})
	ctx := context.Background()

	g := seedGame(t, st, 3)
	seedPlayer(t, st, g, "h1", game.PlayerHuman, 0)
	seedPlayer(t, st, g, "h2", game.PlayerHuman, 1)
	seedPlayer(t, st, g, "h3", game.PlayerHuman, 2)
	seedPlayer(t, st, g, "a1", game.PlayerAI, 3)
	seedVotingRound(t, st, g, map[string][][2]string{
		"p0": {{"ra", "h1"}, {"rb", "h2"}},
	}, []string{"p0"})

	e.GenerateVotes(g.ID)
	e.GenerateVotes(g.ID)

	round, err := st.RoundByNumber(ctx, g.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	votes, err := st.VotesByRound(ctx, round.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(votes) != 1 {
		t.Fatalf("repeat wave must not duplicate votes, got %d", len(votes))
	}
	if votes[0].ResponseID != "ra" {
		t.Fatalf("label A should pick the first sorted candidate, got %q", votes[0].ResponseID)
	}
}

func TestGenerateVotesHiddenPromptDoesNotWakePollers(t *testing.T) {
	st := memstore.New()
	e := newTestEngine(st, &scriptedProvider{voteReply: "A"})
	ctx := context.Background()

	g := seedGame(t, st, 3)
	seedPlayer(t, st, g, "h1", game.PlayerHuman, 0)
	seedPlayer(t, st, g, "h2", game.PlayerHuman, 1)
	seedPlayer(t, st, g, "h3", game.PlayerHuman, 2)
	seedPlayer(t, st, g, "a1", game.PlayerAI, 3)
	seedVotingRound(t, st, g, map[string][][2]string{
		"p0": {{"ra", "h1"}, {"rb", "h2"}},
		"p1": {{"rc", "h1"}, {"rd", "h2"}},
	}, []string{"p0", "p1"})

	before := reload(t, st, g.ID)
	e.GenerateVotes(g.ID)
	after := reload(t, st, g.ID)

	round, err := st.RoundByNumber(ctx, g.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	votes, err := st.VotesByRound(ctx, round.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(votes) != 2 {
		t.Fatalf("a1 votes both prompts, got %d", len(votes))
	}
	// h3 still owes a vote on p0, so no reveal fires. Bumps: one for the
	// visible-prompt vote plus one closing the wave. The hidden p1 vote adds
	// nothing.
	if got := after.Version - before.Version; got != 2 {
		t.Fatalf("expected exactly 2 version bumps, got %d", got)
	}
	if after.VotingRevealing {
		t.Fatal("quorum is not complete; nothing should reveal")
	}
}

func TestGenerateResponsesSkipsDisconnectedAI(t *testing.T) {
	st := memstore.New()
	provider := &scriptedProvider{jokeReply: "a joke"}
	e := newTestEngine(st, provider)
	ctx := context.Background()

	g := seedGame(t, st, 3)
	seedPlayer(t, st, g, "h1", game.PlayerHuman, 0)
	seedPlayer(t, st, g, "h2", game.PlayerHuman, 1)
	a1 := seedPlayer(t, st, g, "a1", game.PlayerAI, 2)
	if err := e.StartGame(ctx, reload(t, st, g.ID)); err != nil {
		t.Fatal(err)
	}
	e.Wait()

	if err := st.SetParticipation(ctx, a1.ID, game.ParticipationDisconnected); err != nil {
		t.Fatal(err)
	}
	calls := provider.jokeCalls
	e.GenerateResponses(g.ID)
	if provider.jokeCalls != calls {
		t.Fatalf("disconnected AI must not generate, calls went %d -> %d", calls, provider.jokeCalls)
	}
}

func TestGenerateResponsesErrorBecomesForfeit(t *testing.T) {
	st := memstore.New()
	e := newTestEngine(st, &scriptedProvider{jokeErr: errors.New("model on fire")})
	ctx := context.Background()

	g := seedGame(t, st, 3)
	seedPlayer(t, st, g, "h1", game.PlayerHuman, 0)
	seedPlayer(t, st, g, "h2", game.PlayerHuman, 1)
	a1 := seedPlayer(t, st, g, "a1", game.PlayerAI, 2)
	if err := e.StartGame(ctx, reload(t, st, g.ID)); err != nil {
		t.Fatal(err)
	}
	e.Wait()

	round, err := st.RoundByNumber(ctx, g.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	responses, err := st.ResponsesByRound(ctx, round.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(responses) != 2 {
		t.Fatalf("expected both AI assignments answered, got %d", len(responses))
	}
	for _, r := range responses {
		if r.PlayerID != a1.ID || !r.Forfeit() || r.FailReason != game.FailError {
			t.Fatalf("expected error forfeit by a1, got %+v", r)
		}
	}
}
