// Package store defines the persistence contract the engine runs against.
// Adapters live in subpackages; the engine only ever sees this interface,
// and all cross-invocation exclusion happens here (conditional updates,
// unique keys), never in process memory.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/punchlinegame/punchline/internal/game"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict signals a unique-key loss: the row already exists. Callers
	// treat it as "already done".
	ErrConflict = errors.New("conflict")
	// ErrUnavailable signals quota or connectivity trouble; surfaced as 503.
	ErrUnavailable = errors.New("store unavailable")
)

// GameGuard is the WHERE side of a conditional game update.
type GameGuard struct {
	Status game.Status
	// VotingRevealing and VotingPromptIndex, when non-nil, must also match.
	VotingRevealing   *bool
	VotingPromptIndex *int
}

// GamePatch is the SET side. Nil fields are left untouched; the version is
// always incremented. ClearDeadline wins over PhaseDeadline.
type GamePatch struct {
	Status            *game.Status
	CurrentRound      *int
	PhaseDeadline     *time.Time
	ClearDeadline     bool
	VotingPromptIndex *int
	VotingRevealing   *bool
	NextGameCode      *string
}

// UsageDelta is one model's token/cost increment for a game.
type UsageDelta struct {
	ModelID      string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// ScorePatch applies one round's outcome to a player.
type ScorePatch struct {
	PlayerID    string
	ScoreDelta  int
	HumorRating float64
	WinStreak   int
	IdleRounds  int
}

// Store is implemented by the postgres adapter and, with identical
// semantics, by the in-memory adapter used in tests and dev mode.
type Store interface {
	CreateGame(ctx context.Context, g *game.Game) error
	GameByID(ctx context.Context, id string) (*game.Game, error)
	GameByCode(ctx context.Context, code string) (*game.Game, error)
	// ClaimGame atomically applies patch iff guard matches, bumping the
	// version. Exactly one concurrent caller observes true.
	ClaimGame(ctx context.Context, gameID string, guard GameGuard, patch GamePatch) (bool, error)
	// BumpVersion increments the version so pollers see a change.
	BumpVersion(ctx context.Context, gameID string) error
	SetHost(ctx context.Context, gameID, playerID string) error
	SetNextGameCode(ctx context.Context, gameID, code string) error
	// AddModelUsage increments the game's aggregate counters and upserts the
	// per-model rows (insert-or-add, so concurrent waves never lose tokens).
	AddModelUsage(ctx context.Context, gameID string, deltas []UsageDelta) error
	ModelUsage(ctx context.Context, gameID string) ([]game.GameModelUsage, error)

	CreatePlayer(ctx context.Context, p *game.Player) error
	PlayerByID(ctx context.Context, id string) (*game.Player, error)
	PlayerByRejoinToken(ctx context.Context, gameID, token string) (*game.Player, error)
	PlayersByGame(ctx context.Context, gameID string) ([]game.Player, error)
	// TouchPlayer refreshes lastSeen without a version bump.
	TouchPlayer(ctx context.Context, playerID string, at time.Time) error
	// SetParticipation flips connection state and bumps the game version.
	SetParticipation(ctx context.Context, playerID string, s game.Participation) error
	// ApplyScore uses an increment-style update for the score so concurrent
	// version bumps never clobber it.
	ApplyScore(ctx context.Context, patch ScorePatch) error

	// CreateRound returns ErrConflict when (gameID, number) already exists;
	// that unique key is what makes round creation exactly-once.
	CreateRound(ctx context.Context, r *game.Round) error
	RoundByNumber(ctx context.Context, gameID string, number int) (*game.Round, error)
	RoundsByGame(ctx context.Context, gameID string) ([]game.Round, error)
	MarkRoundScored(ctx context.Context, roundID string) error

	// CreatePrompt returns ErrConflict when (roundID, position) exists, so
	// interrupted round setup can be replayed safely.
	CreatePrompt(ctx context.Context, p *game.Prompt) error
	PromptsByRound(ctx context.Context, roundID string) ([]game.Prompt, error)
	PromptTextsByGame(ctx context.Context, gameID string) ([]string, error)
	CreateAssignment(ctx context.Context, a *game.Assignment) error
	AssignmentsByRound(ctx context.Context, roundID string) ([]game.Assignment, error)

	// CreateResponse returns ErrConflict when (promptID, playerID) exists.
	CreateResponse(ctx context.Context, r *game.Response) error
	ResponsesByRound(ctx context.Context, roundID string) ([]game.Response, error)
	SetResponsePoints(ctx context.Context, responseID string, points int) error

	// CreateVote returns ErrConflict when (promptID, voterID) exists.
	CreateVote(ctx context.Context, v *game.Vote) error
	VotesByRound(ctx context.Context, roundID string) ([]game.Vote, error)

	// ToggleReaction adds the reaction, or removes it when the same player
	// already reacted with the same emoji. Reports whether it was added.
	ToggleReaction(ctx context.Context, r *game.Reaction) (bool, error)
	ReactionsByRound(ctx context.Context, roundID string) ([]game.Reaction, error)

	Leaderboard(ctx context.Context) ([]game.LeaderboardRow, error)
	// PurgeGames deletes finished games older than finishedBefore and any
	// game untouched since idleBefore. Returns the number removed.
	PurgeGames(ctx context.Context, finishedBefore, idleBefore time.Time) (int, error)
}
