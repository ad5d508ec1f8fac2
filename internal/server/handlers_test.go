package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/punchlinegame/punchline/internal/ai"
	"github.com/punchlinegame/punchline/internal/config"
	"github.com/punchlinegame/punchline/internal/engine"
	"github.com/punchlinegame/punchline/internal/game"
	"github.com/punchlinegame/punchline/internal/store/memstore"
)

type stubProvider struct {
	joke string
	vote string
}

func (p *stubProvider) Complete(_ context.Context, _, system, _ string) (string, ai.Usage, error) {
	if strings.Contains(system, "judging") {
		return p.vote, ai.Usage{InputTokens: 5, OutputTokens: 1}, nil
	}
	return p.joke, ai.Usage{InputTokens: 5, OutputTokens: 5}, nil
}

type fixture struct {
	t      *testing.T
	st     *memstore.Store
	eng    *engine.Engine
	router *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	gin.SetMode(gin.TestMode)
	st := memstore.New()
	cfg := config.Config{
		HostSecret:          "host-secret",
		CronSecret:          "cron-secret",
		MinPlayers:          2,
		TotalRounds:         3,
		WritingTimeout:      time.Minute,
		VotingTimeout:       time.Minute,
		RevealTimeout:       10 * time.Second,
		InactivityThreshold: 45 * time.Second,
		HostStaleThreshold:  time.Minute,
		HeartbeatWindow:     5 * time.Second,
		FinishedRetention:   24 * time.Hour,
		IdleRetention:       6 * time.Hour,
		Models: []config.Model{
			{ID: "m1", DisplayName: "Model One", Provider: "test", InputPerM: 1, OutputPerM: 2},
		},
	}
	eng := engine.New(st, ai.NewClient(&stubProvider{joke: "a scripted joke", vote: "A"}), engine.Config{
		MinPlayers:          cfg.MinPlayers,
		WritingTimeout:      cfg.WritingTimeout,
		VotingTimeout:       cfg.VotingTimeout,
		RevealTimeout:       cfg.RevealTimeout,
		InactivityThreshold: cfg.InactivityThreshold,
		HostStaleThreshold:  cfg.HostStaleThreshold,
		HeartbeatWindow:     cfg.HeartbeatWindow,
		Rates:               map[string]engine.ModelRate{"m1": {InputPerM: 1, OutputPerM: 2}},
	}, zerolog.Nop())
	srv := New(st, eng, cfg, zerolog.Nop())
	r := gin.New()
	srv.Routes(r)
	return &fixture{t: t, st: st, eng: eng, router: r}
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			f.t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

type createResp struct {
	GameID       string `json:"gameId"`
	RoomCode     string `json:"roomCode"`
	HostPlayerID string `json:"hostPlayerId"`
	RejoinToken  string `json:"rejoinToken"`
}

type joinResp struct {
	PlayerID    string `json:"playerId"`
	RejoinToken string `json:"rejoinToken"`
}

func (f *fixture) createGame(body gin.H) createResp {
	f.t.Helper()
	if body == nil {
		body = gin.H{}
	}
	if _, ok := body["hostSecret"]; !ok {
		body["hostSecret"] = "host-secret"
	}
	if _, ok := body["hostName"]; !ok {
		body["hostName"] = "host"
	}
	if _, ok := body["timersDisabled"]; !ok {
		body["timersDisabled"] = true
	}
	w := f.do(http.MethodPost, "/games/create", body)
	if w.Code != http.StatusOK {
		f.t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	return decode[createResp](f.t, w)
}

func TestCreateRequiresHostSecret(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/games/create", gin.H{"hostName": "host"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing secret: expected 401, got %d", w.Code)
	}
	w = f.do(http.MethodPost, "/games/create", gin.H{"hostSecret": "wrong", "hostName": "host"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: expected 401, got %d", w.Code)
	}

	res := f.createGame(nil)
	if len(res.RoomCode) != 4 || res.HostPlayerID == "" || res.RejoinToken == "" {
		t.Fatalf("create response incomplete: %+v", res)
	}
}

func TestCreateRejectsUnknownModel(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/games/create", gin.H{
		"hostSecret": "host-secret",
		"hostName":   "host",
		"aiPlayers":  []gin.H{{"name": "bot", "modelId": "no-such-model"}},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown model, got %d %s", w.Code, w.Body.String())
	}
}

func TestJoinStartAndLateJoin(t *testing.T) {
	f := newFixture(t)
	g := f.createGame(nil)

	w := f.do(http.MethodPost, "/games/"+g.RoomCode+"/join", gin.H{"name": "guest"})
	if w.Code != http.StatusOK {
		t.Fatalf("join: %d %s", w.Code, w.Body.String())
	}
	guest := decode[joinResp](t, w)

	// Only the host can start.
	w = f.do(http.MethodPost, "/games/"+g.RoomCode+"/start", gin.H{"playerId": guest.PlayerID})
	if w.Code != http.StatusForbidden {
		t.Fatalf("non-host start: expected 403, got %d", w.Code)
	}
	w = f.do(http.MethodPost, "/games/"+g.RoomCode+"/start", gin.H{"playerId": g.HostPlayerID})
	if w.Code != http.StatusOK {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	f.eng.Wait()

	// Humans cannot join mid-game; spectators can.
	w = f.do(http.MethodPost, "/games/"+g.RoomCode+"/join", gin.H{"name": "late"})
	if w.Code != http.StatusConflict {
		t.Fatalf("late join: expected 409, got %d", w.Code)
	}
	w = f.do(http.MethodPost, "/games/"+g.RoomCode+"/join", gin.H{"name": "watcher", "spectator": true})
	if w.Code != http.StatusOK {
		t.Fatalf("spectator join: %d %s", w.Code, w.Body.String())
	}
}

func TestStartBelowMinPlayers(t *testing.T) {
	f := newFixture(t)
	g := f.createGame(nil)
	w := f.do(http.MethodPost, "/games/"+g.RoomCode+"/start", gin.H{"playerId": g.HostPlayerID})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 below min players, got %d %s", w.Code, w.Body.String())
	}
}

func TestRejoinKeepsPlayerID(t *testing.T) {
	f := newFixture(t)
	g := f.createGame(nil)

	w := f.do(http.MethodPost, "/games/"+g.RoomCode+"/rejoin", gin.H{"rejoinToken": "bogus"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", w.Code)
	}
	w = f.do(http.MethodPost, "/games/"+g.RoomCode+"/rejoin", gin.H{"rejoinToken": g.RejoinToken})
	if w.Code != http.StatusOK {
		t.Fatalf("rejoin: %d %s", w.Code, w.Body.String())
	}
	res := decode[joinResp](t, w)
	if res.PlayerID != g.HostPlayerID {
		t.Fatalf("rejoin must keep the original player id: %q vs %q", res.PlayerID, g.HostPlayerID)
	}
}

func TestUnknownRoomCode(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/games/ZZZZ", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

type snapJSON struct {
	Game struct {
		Status            string `json:"status"`
		VotingPromptIndex int    `json:"votingPromptIndex"`
	} `json:"game"`
	Rounds []struct {
		Number  int `json:"number"`
		Prompts []struct {
			ID           string   `json:"id"`
			Votable      bool     `json:"votable"`
			Current      bool     `json:"current"`
			Revealed     bool     `json:"revealed"`
			RespondedIDs []string `json:"respondedPlayerIds"`
			Responses    []struct {
				ID       string `json:"id"`
				PlayerID string `json:"playerId"`
				Text     string `json:"text"`
			} `json:"responses"`
			Votes []struct {
				VoterID string `json:"voterId"`
			} `json:"votes"`
		} `json:"prompts"`
	} `json:"rounds"`
	Version int64 `json:"version"`
}

func TestSnapshotETagRoundTrip(t *testing.T) {
	f := newFixture(t)
	g := f.createGame(nil)

	w := f.do(http.MethodGet, "/games/"+g.RoomCode, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("snapshot: %d %s", w.Code, w.Body.String())
	}
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag header")
	}
	snap := decode[snapJSON](t, w)

	// Nothing changed: version match means 304.
	w = f.do(http.MethodGet, "/games/"+g.RoomCode+"?v="+jsonNum(snap.Version), nil)
	if w.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d %s", w.Code, w.Body.String())
	}

	// A join bumps the version, so the stale v gets a full body again.
	if w := f.do(http.MethodPost, "/games/"+g.RoomCode+"/join", gin.H{"name": "guest"}); w.Code != http.StatusOK {
		t.Fatalf("join: %d", w.Code)
	}
	w = f.do(http.MethodGet, "/games/"+g.RoomCode+"?v="+jsonNum(snap.Version), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 after change, got %d", w.Code)
	}
	next := decode[snapJSON](t, w)
	if next.Version <= snap.Version {
		t.Fatalf("version must be monotonic: %d -> %d", snap.Version, next.Version)
	}
}

func jsonNum(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestSnapshotHidesHiddenState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.createGame(nil)

	ids := []string{g.HostPlayerID}
	for _, name := range []string{"p2", "p3", "p4"} {
		w := f.do(http.MethodPost, "/games/"+g.RoomCode+"/join", gin.H{"name": name})
		if w.Code != http.StatusOK {
			t.Fatalf("join %s: %d", name, w.Code)
		}
		ids = append(ids, decode[joinResp](t, w).PlayerID)
	}
	if w := f.do(http.MethodPost, "/games/"+g.RoomCode+"/start", gin.H{"playerId": g.HostPlayerID}); w.Code != http.StatusOK {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	f.eng.Wait()

	round, err := f.st.RoundByNumber(ctx, g.GameID, 1)
	if err != nil {
		t.Fatal(err)
	}
	prompts, err := f.st.PromptsByRound(ctx, round.ID)
	if err != nil {
		t.Fatal(err)
	}
	assignments, err := f.st.AssignmentsByRound(ctx, round.ID)
	if err != nil {
		t.Fatal(err)
	}

	// Submit all but one answer, then check that writing-phase snapshots
	// list who responded without leaking any text.
	for _, a := range assignments[:len(assignments)-1] {
		w := f.do(http.MethodPost, "/games/"+g.RoomCode+"/respond", gin.H{
			"playerId": a.PlayerID, "promptId": a.PromptID, "text": "joke by " + a.PlayerID,
		})
		if w.Code != http.StatusOK {
			t.Fatalf("respond: %d %s", w.Code, w.Body.String())
		}
	}
	w := f.do(http.MethodGet, "/games/"+g.RoomCode, nil)
	snap := decode[snapJSON](t, w)
	if snap.Game.Status != string(game.StatusWriting) {
		t.Fatalf("expected WRITING, got %s", snap.Game.Status)
	}
	seenResponded := 0
	for _, p := range snap.Rounds[0].Prompts {
		seenResponded += len(p.RespondedIDs)
		if len(p.Responses) != 0 {
			t.Fatal("response texts must stay hidden during WRITING")
		}
	}
	if seenResponded != len(assignments)-1 {
		t.Fatalf("expected %d responded markers, got %d", len(assignments)-1, seenResponded)
	}

	// Last answer lands; quorum flips the game to VOTING on prompt 0.
	last := assignments[len(assignments)-1]
	if w := f.do(http.MethodPost, "/games/"+g.RoomCode+"/respond", gin.H{
		"playerId": last.PlayerID, "promptId": last.PromptID, "text": "joke by " + last.PlayerID,
	}); w.Code != http.StatusOK {
		t.Fatalf("final respond: %d %s", w.Code, w.Body.String())
	}
	f.eng.Wait()

	// Sneak a vote onto the second votable prompt straight through the
	// store; the snapshot must not show it while the sequence is on prompt 0.
	responses, err := f.st.ResponsesByRound(ctx, round.ID)
	if err != nil {
		t.Fatal(err)
	}
	futurePrompt := prompts[1]
	authors := make(map[string]bool)
	for _, r := range responses {
		if r.PromptID == futurePrompt.ID {
			authors[r.PlayerID] = true
		}
	}
	var futureVoter, futureTarget string
	for _, id := range ids {
		if !authors[id] {
			futureVoter = id
			break
		}
	}
	for _, r := range responses {
		if r.PromptID == futurePrompt.ID {
			futureTarget = r.ID
			break
		}
	}
	if err := f.st.CreateVote(ctx, &game.Vote{
		ID: uuid.NewString(), PromptID: futurePrompt.ID,
		VoterID: futureVoter, ResponseID: futureTarget, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	// A legitimate vote on the current prompt via the API.
	currentPrompt := prompts[0]
	curAuthors := make(map[string]bool)
	var curTarget string
	for _, r := range responses {
		if r.PromptID == currentPrompt.ID {
			curAuthors[r.PlayerID] = true
			curTarget = r.ID
		}
	}
	var curVoter string
	for _, id := range ids {
		if !curAuthors[id] {
			curVoter = id
			break
		}
	}
	if w := f.do(http.MethodPost, "/games/"+g.RoomCode+"/vote", gin.H{
		"playerId": curVoter, "promptId": currentPrompt.ID, "responseId": curTarget,
	}); w.Code != http.StatusOK {
		t.Fatalf("vote: %d %s", w.Code, w.Body.String())
	}

	w = f.do(http.MethodGet, "/games/"+g.RoomCode, nil)
	snap = decode[snapJSON](t, w)
	if snap.Game.Status != string(game.StatusVoting) || snap.Game.VotingPromptIndex != 0 {
		t.Fatalf("expected VOTING on prompt 0, got %s/%d", snap.Game.Status, snap.Game.VotingPromptIndex)
	}
	for _, p := range snap.Rounds[0].Prompts {
		switch p.ID {
		case currentPrompt.ID:
			if !p.Current {
				t.Fatal("prompt 0 should be current")
			}
			if len(p.Responses) != 2 || len(p.Votes) != 1 {
				t.Fatalf("current prompt should show its responses and votes, got %d/%d", len(p.Responses), len(p.Votes))
			}
		case futurePrompt.ID:
			if p.Current || p.Revealed {
				t.Fatal("future prompt must not be current or revealed")
			}
			if len(p.Responses) != 0 || len(p.Votes) != 0 {
				t.Fatalf("future prompt leaked %d responses / %d votes", len(p.Responses), len(p.Votes))
			}
			if len(p.RespondedIDs) != 2 {
				t.Fatalf("responded markers should still show, got %d", len(p.RespondedIDs))
			}
		}
	}
}

// seedVotingGame builds a VOTING game directly in the store for handler
// validation tests.
func seedVotingGame(t *testing.T, st *memstore.Store) (code string, promptIDs []string, responseIDs map[string]string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	g := &game.Game{
		ID: uuid.NewString(), Code: "ROOM", Status: game.StatusVoting,
		CurrentRound: 1, TotalRounds: 3, TimersDisabled: true,
		Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	if err := st.CreateGame(ctx, g); err != nil {
		t.Fatal(err)
	}
	for i, spec := range []struct {
		id  string
		typ game.PlayerType
	}{
		{"h1", game.PlayerHuman}, {"h2", game.PlayerHuman},
		{"h3", game.PlayerHuman}, {"h4", game.PlayerHuman},
		{"spec", game.PlayerSpectator},
	} {
		p := &game.Player{
			ID: spec.id, GameID: g.ID, Name: spec.id, Type: spec.typ,
			HumorRating: 1.0, Participation: game.ParticipationActive,
			LastSeen: now, JoinedAt: now.Add(time.Duration(i) * time.Millisecond),
		}
		if err := st.CreatePlayer(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	round := &game.Round{ID: uuid.NewString(), GameID: g.ID, Number: 1}
	if err := st.CreateRound(ctx, round); err != nil {
		t.Fatal(err)
	}
	responseIDs = make(map[string]string)
	for i := 0; i < 2; i++ {
		p := &game.Prompt{ID: uuid.NewString(), RoundID: round.ID, Text: "prompt", Position: i}
		if err := st.CreatePrompt(ctx, p); err != nil {
			t.Fatal(err)
		}
		promptIDs = append(promptIDs, p.ID)
		for _, author := range []string{"h1", "h2"} {
			r := &game.Response{
				ID: uuid.NewString(), PromptID: p.ID, PlayerID: author,
				Text: "joke by " + author, CreatedAt: now,
			}
			if err := st.CreateResponse(ctx, r); err != nil {
				t.Fatal(err)
			}
			responseIDs[author+":"+p.ID] = r.ID
		}
	}
	return g.Code, promptIDs, responseIDs
}

func TestVoteValidation(t *testing.T) {
	f := newFixture(t)
	code, promptIDs, responseIDs := seedVotingGame(t, f.st)

	vote := func(playerID, promptID, responseID string) *httptest.ResponseRecorder {
		return f.do(http.MethodPost, "/games/"+code+"/vote", gin.H{
			"playerId": playerID, "promptId": promptID, "responseId": responseID,
		})
	}

	if w := vote("spec", promptIDs[0], responseIDs["h1:"+promptIDs[0]]); w.Code != http.StatusBadRequest {
		t.Fatalf("spectator vote: expected 400, got %d", w.Code)
	}
	if w := vote("h3", promptIDs[1], responseIDs["h1:"+promptIDs[1]]); w.Code != http.StatusConflict {
		t.Fatalf("future prompt vote: expected 409, got %d", w.Code)
	}
	if w := vote("h1", promptIDs[0], responseIDs["h2:"+promptIDs[0]]); w.Code != http.StatusBadRequest {
		t.Fatalf("own-prompt vote: expected 400, got %d", w.Code)
	}
	if w := vote("h3", promptIDs[0], "nonsense"); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown response: expected 400, got %d", w.Code)
	}

	// Abstention: empty responseId from an eligible voter.
	if w := vote("h4", promptIDs[0], ""); w.Code != http.StatusOK {
		t.Fatalf("abstention: %d %s", w.Code, w.Body.String())
	}
	if w := vote("h3", promptIDs[0], responseIDs["h1:"+promptIDs[0]]); w.Code != http.StatusOK {
		t.Fatalf("vote: %d %s", w.Code, w.Body.String())
	}
	w := vote("h3", promptIDs[0], responseIDs["h2:"+promptIDs[0]])
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate vote: %d", w.Code)
	}
	dup := decode[map[string]any](t, w)
	if dup["duplicate"] != true {
		t.Fatalf("expected duplicate flag, got %v", dup)
	}
}

func TestRespondValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.createGame(nil)

	// Wrong phase: the game is still in the lobby.
	w := f.do(http.MethodPost, "/games/"+g.RoomCode+"/respond", gin.H{
		"playerId": g.HostPlayerID, "promptId": "x", "text": "joke",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("lobby respond: expected 409, got %d", w.Code)
	}

	if w := f.do(http.MethodPost, "/games/"+g.RoomCode+"/join", gin.H{"name": "guest"}); w.Code != http.StatusOK {
		t.Fatalf("join: %d", w.Code)
	}
	if w := f.do(http.MethodPost, "/games/"+g.RoomCode+"/start", gin.H{"playerId": g.HostPlayerID}); w.Code != http.StatusOK {
		t.Fatalf("start: %d", w.Code)
	}
	f.eng.Wait()

	round, err := f.st.RoundByNumber(ctx, g.GameID, 1)
	if err != nil {
		t.Fatal(err)
	}
	assignments, err := f.st.AssignmentsByRound(ctx, round.ID)
	if err != nil {
		t.Fatal(err)
	}
	var mine game.Assignment
	for _, a := range assignments {
		if a.PlayerID == g.HostPlayerID {
			mine = a
			break
		}
	}

	cases := []struct {
		name string
		body gin.H
		want int
	}{
		{"empty text", gin.H{"playerId": g.HostPlayerID, "promptId": mine.PromptID, "text": "   "}, http.StatusBadRequest},
		{"marker text", gin.H{"playerId": g.HostPlayerID, "promptId": mine.PromptID, "text": game.ForfeitMarker}, http.StatusBadRequest},
		{"unknown player", gin.H{"playerId": "ghost", "promptId": mine.PromptID, "text": "joke"}, http.StatusBadRequest},
		{"ok", gin.H{"playerId": g.HostPlayerID, "promptId": mine.PromptID, "text": "joke"}, http.StatusOK},
	}
	for _, tc := range cases {
		w := f.do(http.MethodPost, "/games/"+g.RoomCode+"/respond", tc.body)
		if w.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d %s", tc.name, tc.want, w.Code, w.Body.String())
		}
	}

	// Same player, same prompt again: duplicate, not an error.
	w = f.do(http.MethodPost, "/games/"+g.RoomCode+"/respond", gin.H{
		"playerId": g.HostPlayerID, "promptId": mine.PromptID, "text": "second try",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate respond: %d", w.Code)
	}
	if dup := decode[map[string]any](t, w); dup["duplicate"] != true {
		t.Fatalf("expected duplicate flag, got %v", dup)
	}
}

func TestHostPassthroughEndpoints(t *testing.T) {
	f := newFixture(t)
	g := f.createGame(nil)
	guest := decode[joinResp](t, f.do(http.MethodPost, "/games/"+g.RoomCode+"/join", gin.H{"name": "guest"}))

	if w := f.do(http.MethodPost, "/games/"+g.RoomCode+"/next", gin.H{"playerId": guest.PlayerID}); w.Code != http.StatusForbidden {
		t.Fatalf("guest next: expected 403, got %d", w.Code)
	}
	// Host next in the lobby is a phase error.
	if w := f.do(http.MethodPost, "/games/"+g.RoomCode+"/next", gin.H{"playerId": g.HostPlayerID}); w.Code != http.StatusConflict {
		t.Fatalf("lobby next: expected 409, got %d", w.Code)
	}
	if w := f.do(http.MethodPost, "/games/"+g.RoomCode+"/end", gin.H{"playerId": g.HostPlayerID}); w.Code != http.StatusConflict {
		t.Fatalf("lobby end: expected 409, got %d", w.Code)
	}

	if w := f.do(http.MethodPost, "/games/"+g.RoomCode+"/start", gin.H{"playerId": g.HostPlayerID}); w.Code != http.StatusOK {
		t.Fatalf("start: %d", w.Code)
	}
	f.eng.Wait()
	if w := f.do(http.MethodPost, "/games/"+g.RoomCode+"/end", gin.H{"playerId": g.HostPlayerID}); w.Code != http.StatusOK {
		t.Fatalf("end: %d %s", w.Code, w.Body.String())
	}
	snap := decode[snapJSON](t, f.do(http.MethodGet, "/games/"+g.RoomCode, nil))
	if snap.Game.Status != string(game.StatusFinalResults) {
		t.Fatalf("expected FINAL_RESULTS, got %s", snap.Game.Status)
	}
}

func TestCleanupEndpointAuth(t *testing.T) {
	f := newFixture(t)
	if w := f.do(http.MethodGet, "/cron/cleanup-games", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no secret: expected 401, got %d", w.Code)
	}
	w := f.do(http.MethodGet, "/cron/cleanup-games?secret=cron-secret", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cleanup: %d %s", w.Code, w.Body.String())
	}
	res := decode[map[string]any](t, w)
	if _, ok := res["purged"]; !ok {
		t.Fatalf("expected purged count, got %v", res)
	}
}

func TestModelsAndHealth(t *testing.T) {
	f := newFixture(t)
	if w := f.do(http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Fatalf("health: %d", w.Code)
	}
	w := f.do(http.MethodGet, "/models", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("models: %d", w.Code)
	}
	res := decode[map[string][]config.Model](t, w)
	if len(res["models"]) != 1 || res["models"][0].ID != "m1" {
		t.Fatalf("model catalog wrong: %v", res)
	}
}

func TestLeaderboardEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := time.Now().UTC()
	g := &game.Game{
		ID: uuid.NewString(), Code: "DONE", Status: game.StatusFinalResults,
		Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	if err := f.st.CreateGame(ctx, g); err != nil {
		t.Fatal(err)
	}
	if err := f.st.CreatePlayer(ctx, &game.Player{
		ID: uuid.NewString(), GameID: g.ID, Name: "alice", Type: game.PlayerHuman,
		Score: 120, JoinedAt: now, LastSeen: now, Participation: game.ParticipationActive,
	}); err != nil {
		t.Fatal(err)
	}

	w := f.do(http.MethodGet, "/leaderboard", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("leaderboard: %d", w.Code)
	}
	res := decode[map[string][]game.LeaderboardRow](t, w)
	rows := res["leaderboard"]
	if len(rows) != 1 || rows[0].Name != "alice" || rows[0].Wins != 1 {
		t.Fatalf("unexpected leaderboard: %+v", rows)
	}
}
