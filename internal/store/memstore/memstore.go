// Package memstore is the in-memory store adapter. It reproduces the
// postgres adapter's semantics (conditional claims, unique keys, increment
// updates) behind one mutex, which makes it both the dev-mode store and the
// harness the engine tests run against.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/punchlinegame/punchline/internal/game"
	"github.com/punchlinegame/punchline/internal/store"
)

type Store struct {
	mu sync.Mutex

	games       map[string]*game.Game
	players     map[string]*game.Player
	rounds      map[string]*game.Round
	prompts     map[string]*game.Prompt
	assignments []game.Assignment
	responses   map[string]*game.Response
	votes       map[string]*game.Vote
	reactions   map[string]*game.Reaction
	usage       map[string]map[string]*game.GameModelUsage // gameID -> modelID
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		games:     make(map[string]*game.Game),
		players:   make(map[string]*game.Player),
		rounds:    make(map[string]*game.Round),
		prompts:   make(map[string]*game.Prompt),
		responses: make(map[string]*game.Response),
		votes:     make(map[string]*game.Vote),
		reactions: make(map[string]*game.Reaction),
		usage:     make(map[string]map[string]*game.GameModelUsage),
	}
}

func (s *Store) CreateGame(_ context.Context, g *game.Game) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.games {
		if other.Code == g.Code && other.Status != game.StatusFinalResults {
			return store.ErrConflict
		}
	}
	cp := *g
	s.games[g.ID] = &cp
	return nil
}

func (s *Store) GameByID(_ context.Context, id string) (*game.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *Store) GameByCode(_ context.Context, code string) (*game.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code = strings.ToUpper(code)
	var found *game.Game
	for _, g := range s.games {
		if g.Code != code {
			continue
		}
		// Prefer the live game when a finished one shares the code.
		if found == nil || (found.Status == game.StatusFinalResults && g.Status != game.StatusFinalResults) ||
			(found.Status == g.Status && g.CreatedAt.After(found.CreatedAt)) {
			found = g
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (s *Store) ClaimGame(_ context.Context, gameID string, guard store.GameGuard, patch store.GamePatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[gameID]
	if !ok {
		return false, store.ErrNotFound
	}
	if g.Status != guard.Status {
		return false, nil
	}
	if guard.VotingRevealing != nil && g.VotingRevealing != *guard.VotingRevealing {
		return false, nil
	}
	if guard.VotingPromptIndex != nil && g.VotingPromptIndex != *guard.VotingPromptIndex {
		return false, nil
	}
	applyPatch(g, patch)
	g.Version++
	g.UpdatedAt = time.Now().UTC()
	return true, nil
}

func applyPatch(g *game.Game, p store.GamePatch) {
	if p.Status != nil {
		g.Status = *p.Status
	}
	if p.CurrentRound != nil {
		g.CurrentRound = *p.CurrentRound
	}
	if p.ClearDeadline {
		g.PhaseDeadline = nil
	} else if p.PhaseDeadline != nil {
		t := *p.PhaseDeadline
		g.PhaseDeadline = &t
	}
	if p.VotingPromptIndex != nil {
		g.VotingPromptIndex = *p.VotingPromptIndex
	}
	if p.VotingRevealing != nil {
		g.VotingRevealing = *p.VotingRevealing
	}
	if p.NextGameCode != nil {
		g.NextGameCode = *p.NextGameCode
	}
}

func (s *Store) BumpVersion(_ context.Context, gameID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[gameID]
	if !ok {
		return store.ErrNotFound
	}
	g.Version++
	g.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) SetHost(_ context.Context, gameID, playerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[gameID]
	if !ok {
		return store.ErrNotFound
	}
	g.HostPlayerID = playerID
	g.Version++
	g.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) SetNextGameCode(_ context.Context, gameID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[gameID]
	if !ok {
		return store.ErrNotFound
	}
	g.NextGameCode = code
	g.Version++
	g.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) AddModelUsage(_ context.Context, gameID string, deltas []store.UsageDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[gameID]
	if !ok {
		return store.ErrNotFound
	}
	rows := s.usage[gameID]
	if rows == nil {
		rows = make(map[string]*game.GameModelUsage)
		s.usage[gameID] = rows
	}
	for _, d := range deltas {
		g.InputTokens += d.InputTokens
		g.OutputTokens += d.OutputTokens
		g.CostUSD += d.CostUSD
		row := rows[d.ModelID]
		if row == nil {
			row = &game.GameModelUsage{GameID: gameID, ModelID: d.ModelID}
			rows[d.ModelID] = row
		}
		row.InputTokens += d.InputTokens
		row.OutputTokens += d.OutputTokens
		row.CostUSD += d.CostUSD
	}
	return nil
}

func (s *Store) ModelUsage(_ context.Context, gameID string) ([]game.GameModelUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []game.GameModelUsage
	for _, row := range s.usage[gameID] {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out, nil
}

func (s *Store) CreatePlayer(_ context.Context, p *game.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.players[p.ID]; ok {
		return store.ErrConflict
	}
	cp := *p
	s.players[p.ID] = &cp
	return nil
}

func (s *Store) PlayerByID(_ context.Context, id string) (*game.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) PlayerByRejoinToken(_ context.Context, gameID, token string) (*game.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.players {
		if p.GameID == gameID && p.RejoinToken == token {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) PlayersByGame(_ context.Context, gameID string) ([]game.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []game.Player
	for _, p := range s.players {
		if p.GameID == gameID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (s *Store) TouchPlayer(_ context.Context, playerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[playerID]
	if !ok {
		return store.ErrNotFound
	}
	if at.After(p.LastSeen) {
		p.LastSeen = at
	}
	return nil
}

func (s *Store) SetParticipation(_ context.Context, playerID string, st game.Participation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[playerID]
	if !ok {
		return store.ErrNotFound
	}
	if p.Participation == st {
		return nil
	}
	p.Participation = st
	if g, ok := s.games[p.GameID]; ok {
		g.Version++
		g.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *Store) ApplyScore(_ context.Context, patch store.ScorePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[patch.PlayerID]
	if !ok {
		return store.ErrNotFound
	}
	p.Score += patch.ScoreDelta
	p.HumorRating = patch.HumorRating
	p.WinStreak = patch.WinStreak
	p.IdleRounds = patch.IdleRounds
	return nil
}

func (s *Store) CreateRound(_ context.Context, r *game.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.rounds {
		if other.GameID == r.GameID && other.Number == r.Number {
			return store.ErrConflict
		}
	}
	cp := *r
	s.rounds[r.ID] = &cp
	return nil
}

func (s *Store) RoundByNumber(_ context.Context, gameID string, number int) (*game.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rounds {
		if r.GameID == gameID && r.Number == number {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) RoundsByGame(_ context.Context, gameID string) ([]game.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []game.Round
	for _, r := range s.rounds {
		if r.GameID == gameID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (s *Store) MarkRoundScored(_ context.Context, roundID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[roundID]
	if !ok {
		return store.ErrNotFound
	}
	r.Scored = true
	return nil
}

func (s *Store) CreatePrompt(_ context.Context, p *game.Prompt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.prompts {
		if q.RoundID == p.RoundID && q.Position == p.Position {
			return store.ErrConflict
		}
	}
	cp := *p
	s.prompts[p.ID] = &cp
	return nil
}

func (s *Store) PromptsByRound(_ context.Context, roundID string) ([]game.Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []game.Prompt
	for _, p := range s.prompts {
		if p.RoundID == roundID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *Store) PromptTextsByGame(_ context.Context, gameID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, p := range s.prompts {
		if r, ok := s.rounds[p.RoundID]; ok && r.GameID == gameID {
			out = append(out, p.Text)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) CreateAssignment(_ context.Context, a *game.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.assignments {
		if other == *a {
			return store.ErrConflict
		}
	}
	s.assignments = append(s.assignments, *a)
	return nil
}

func (s *Store) AssignmentsByRound(_ context.Context, roundID string) ([]game.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inRound := make(map[string]bool)
	for _, p := range s.prompts {
		if p.RoundID == roundID {
			inRound[p.ID] = true
		}
	}
	var out []game.Assignment
	for _, a := range s.assignments {
		if inRound[a.PromptID] {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) CreateResponse(_ context.Context, r *game.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.responses {
		if other.PromptID == r.PromptID && other.PlayerID == r.PlayerID {
			return store.ErrConflict
		}
	}
	cp := *r
	s.responses[r.ID] = &cp
	return nil
}

func (s *Store) ResponsesByRound(_ context.Context, roundID string) ([]game.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inRound := make(map[string]bool)
	for _, p := range s.prompts {
		if p.RoundID == roundID {
			inRound[p.ID] = true
		}
	}
	var out []game.Response
	for _, r := range s.responses {
		if inRound[r.PromptID] {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SetResponsePoints(_ context.Context, responseID string, points int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.responses[responseID]
	if !ok {
		return store.ErrNotFound
	}
	r.PointsEarned = points
	return nil
}

func (s *Store) CreateVote(_ context.Context, v *game.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.votes {
		if other.PromptID == v.PromptID && other.VoterID == v.VoterID {
			return store.ErrConflict
		}
	}
	cp := *v
	s.votes[v.ID] = &cp
	return nil
}

func (s *Store) VotesByRound(_ context.Context, roundID string) ([]game.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inRound := make(map[string]bool)
	for _, p := range s.prompts {
		if p.RoundID == roundID {
			inRound[p.ID] = true
		}
	}
	var out []game.Vote
	for _, v := range s.votes {
		if inRound[v.PromptID] {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ToggleReaction(_ context.Context, r *game.Reaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, other := range s.reactions {
		if other.ResponseID == r.ResponseID && other.PlayerID == r.PlayerID && other.Emoji == r.Emoji {
			delete(s.reactions, id)
			return false, nil
		}
	}
	cp := *r
	s.reactions[r.ID] = &cp
	return true, nil
}

func (s *Store) ReactionsByRound(_ context.Context, roundID string) ([]game.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inRound := make(map[string]bool)
	for _, p := range s.prompts {
		if p.RoundID == roundID {
			inRound[p.ID] = true
		}
	}
	respInRound := make(map[string]bool)
	for _, resp := range s.responses {
		if inRound[resp.PromptID] {
			respInRound[resp.ID] = true
		}
	}
	var out []game.Reaction
	for _, re := range s.reactions {
		if respInRound[re.ResponseID] {
			out = append(out, *re)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Leaderboard(_ context.Context) ([]game.LeaderboardRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make(map[string]*game.LeaderboardRow)
	for _, g := range s.games {
		if g.Status != game.StatusFinalResults {
			continue
		}
		var members []*game.Player
		haveBest, bestScore := false, 0
		for _, p := range s.players {
			if p.GameID != g.ID || p.Type == game.PlayerSpectator {
				continue
			}
			members = append(members, p)
			if !haveBest || p.Score > bestScore {
				haveBest, bestScore = true, p.Score
			}
		}
		for _, p := range members {
			row := rows[p.Name]
			if row == nil {
				row = &game.LeaderboardRow{Name: p.Name}
				rows[p.Name] = row
			}
			row.Games++
			row.TotalScore += p.Score
			if p.Score > row.BestScore {
				row.BestScore = p.Score
			}
			// Ties share the win, matching the SQL adapter's RANK().
			if p.Score == bestScore {
				row.Wins++
			}
		}
	}
	out := make([]game.LeaderboardRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalScore != out[j].TotalScore {
			return out[i].TotalScore > out[j].TotalScore
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Store) PurgeGames(_ context.Context, finishedBefore, idleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doomed []string
	for id, g := range s.games {
		if (g.Status == game.StatusFinalResults && g.UpdatedAt.Before(finishedBefore)) ||
			g.UpdatedAt.Before(idleBefore) {
			doomed = append(doomed, id)
		}
	}
	for _, id := range doomed {
		s.purgeGame(id)
	}
	return len(doomed), nil
}

func (s *Store) purgeGame(gameID string) {
	delete(s.games, gameID)
	delete(s.usage, gameID)
	for id, p := range s.players {
		if p.GameID == gameID {
			delete(s.players, id)
		}
	}
	promptGone := make(map[string]bool)
	for id, r := range s.rounds {
		if r.GameID != gameID {
			continue
		}
		for pid, p := range s.prompts {
			if p.RoundID == id {
				promptGone[pid] = true
				delete(s.prompts, pid)
			}
		}
		delete(s.rounds, id)
	}
	respGone := make(map[string]bool)
	for id, r := range s.responses {
		if promptGone[r.PromptID] {
			respGone[id] = true
			delete(s.responses, id)
		}
	}
	for id, v := range s.votes {
		if promptGone[v.PromptID] {
			delete(s.votes, id)
		}
	}
	for id, re := range s.reactions {
		if respGone[re.ResponseID] {
			delete(s.reactions, id)
		}
	}
	var kept []game.Assignment
	for _, a := range s.assignments {
		if !promptGone[a.PromptID] {
			kept = append(kept, a)
		}
	}
	s.assignments = kept
}
