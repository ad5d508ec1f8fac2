// Package postgres is the pgx-backed store adapter. Every atomic guarantee
// the engine needs lives here: conditional updates checked by rows-affected,
// unique keys on rounds/responses/votes, and insert-or-add usage upserts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchlinegame/punchline/internal/game"
	"github.com/punchlinegame/punchline/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS games (
	id TEXT PRIMARY KEY,
	code TEXT NOT NULL,
	status TEXT NOT NULL,
	current_round INT NOT NULL DEFAULT 0,
	total_rounds INT NOT NULL,
	host_player_id TEXT NOT NULL DEFAULT '',
	phase_deadline TIMESTAMPTZ,
	timers_disabled BOOLEAN NOT NULL DEFAULT FALSE,
	voting_prompt_index INT NOT NULL DEFAULT 0,
	voting_revealing BOOLEAN NOT NULL DEFAULT FALSE,
	version BIGINT NOT NULL DEFAULT 1,
	input_tokens BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	next_game_code TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS games_active_code ON games (code) WHERE status <> 'FINAL_RESULTS';

CREATE TABLE IF NOT EXISTS players (
	id TEXT PRIMARY KEY,
	game_id TEXT NOT NULL REFERENCES games(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	model_id TEXT NOT NULL DEFAULT '',
	score INT NOT NULL DEFAULT 0,
	humor_rating DOUBLE PRECISION NOT NULL DEFAULT 1.0,
	win_streak INT NOT NULL DEFAULT 0,
	idle_rounds INT NOT NULL DEFAULT 0,
	participation TEXT NOT NULL DEFAULT 'ACTIVE',
	last_seen TIMESTAMPTZ NOT NULL,
	rejoin_token TEXT NOT NULL,
	joined_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS players_game ON players (game_id);

CREATE TABLE IF NOT EXISTS rounds (
	id TEXT PRIMARY KEY,
	game_id TEXT NOT NULL REFERENCES games(id) ON DELETE CASCADE,
	number INT NOT NULL,
	scored BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE (game_id, number)
);

CREATE TABLE IF NOT EXISTS prompts (
	id TEXT PRIMARY KEY,
	round_id TEXT NOT NULL REFERENCES rounds(id) ON DELETE CASCADE,
	text TEXT NOT NULL,
	position INT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS prompts_round_position ON prompts (round_id, position);

CREATE TABLE IF NOT EXISTS assignments (
	prompt_id TEXT NOT NULL REFERENCES prompts(id) ON DELETE CASCADE,
	player_id TEXT NOT NULL,
	PRIMARY KEY (prompt_id, player_id)
);

CREATE TABLE IF NOT EXISTS responses (
	id TEXT PRIMARY KEY,
	prompt_id TEXT NOT NULL REFERENCES prompts(id) ON DELETE CASCADE,
	player_id TEXT NOT NULL,
	text TEXT NOT NULL,
	points_earned INT NOT NULL DEFAULT 0,
	fail_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (prompt_id, player_id)
);

CREATE TABLE IF NOT EXISTS votes (
	id TEXT PRIMARY KEY,
	prompt_id TEXT NOT NULL REFERENCES prompts(id) ON DELETE CASCADE,
	voter_id TEXT NOT NULL,
	response_id TEXT NOT NULL DEFAULT '',
	fail_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (prompt_id, voter_id)
);

CREATE TABLE IF NOT EXISTS reactions (
	id TEXT PRIMARY KEY,
	response_id TEXT NOT NULL REFERENCES responses(id) ON DELETE CASCADE,
	player_id TEXT NOT NULL,
	emoji TEXT NOT NULL,
	UNIQUE (response_id, player_id, emoji)
);

CREATE TABLE IF NOT EXISTS game_model_usage (
	game_id TEXT NOT NULL REFERENCES games(id) ON DELETE CASCADE,
	model_id TEXT NOT NULL,
	input_tokens BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (game_id, model_id)
);
`

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = 30 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	s := &Store{pool: pool}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() { s.pool.Close() }

// wrap translates driver errors into the store's sentinel kinds.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return store.ErrConflict
		case strings.HasPrefix(pgErr.Code, "53"), strings.HasPrefix(pgErr.Code, "08"):
			return fmt.Errorf("%w: %s", store.ErrUnavailable, pgErr.Message)
		}
	}
	if pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return err
}

const gameCols = `id, code, status, current_round, total_rounds, host_player_id,
	phase_deadline, timers_disabled, voting_prompt_index, voting_revealing,
	version, input_tokens, output_tokens, cost_usd, next_game_code, created_at, updated_at`

func scanGame(row pgx.Row) (*game.Game, error) {
	var g game.Game
	err := row.Scan(&g.ID, &g.Code, &g.Status, &g.CurrentRound, &g.TotalRounds,
		&g.HostPlayerID, &g.PhaseDeadline, &g.TimersDisabled, &g.VotingPromptIndex,
		&g.VotingRevealing, &g.Version, &g.InputTokens, &g.OutputTokens, &g.CostUSD,
		&g.NextGameCode, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, wrap(err)
	}
	return &g, nil
}

func (s *Store) CreateGame(ctx context.Context, g *game.Game) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO games (`+gameCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		g.ID, g.Code, g.Status, g.CurrentRound, g.TotalRounds, g.HostPlayerID,
		g.PhaseDeadline, g.TimersDisabled, g.VotingPromptIndex, g.VotingRevealing,
		g.Version, g.InputTokens, g.OutputTokens, g.CostUSD, g.NextGameCode,
		g.CreatedAt, g.UpdatedAt)
	return wrap(err)
}

func (s *Store) GameByID(ctx context.Context, id string) (*game.Game, error) {
	return scanGame(s.pool.QueryRow(ctx, `SELECT `+gameCols+` FROM games WHERE id = $1`, id))
}

func (s *Store) GameByCode(ctx context.Context, code string) (*game.Game, error) {
	return scanGame(s.pool.QueryRow(ctx, `SELECT `+gameCols+` FROM games
		WHERE code = $1 ORDER BY (status <> 'FINAL_RESULTS') DESC, created_at DESC LIMIT 1`,
		strings.ToUpper(code)))
}

func (s *Store) ClaimGame(ctx context.Context, gameID string, guard store.GameGuard, patch store.GamePatch) (bool, error) {
	sets := []string{"version = version + 1", "updated_at = now()"}
	args := []any{gameID, guard.Status}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if patch.Status != nil {
		sets = append(sets, "status = "+arg(*patch.Status))
	}
	if patch.CurrentRound != nil {
		sets = append(sets, "current_round = "+arg(*patch.CurrentRound))
	}
	if patch.ClearDeadline {
		sets = append(sets, "phase_deadline = NULL")
	} else if patch.PhaseDeadline != nil {
		sets = append(sets, "phase_deadline = "+arg(*patch.PhaseDeadline))
	}
	if patch.VotingPromptIndex != nil {
		sets = append(sets, "voting_prompt_index = "+arg(*patch.VotingPromptIndex))
	}
	if patch.VotingRevealing != nil {
		sets = append(sets, "voting_revealing = "+arg(*patch.VotingRevealing))
	}
	if patch.NextGameCode != nil {
		sets = append(sets, "next_game_code = "+arg(*patch.NextGameCode))
	}
	where := "id = $1 AND status = $2"
	if guard.VotingRevealing != nil {
		where += " AND voting_revealing = " + arg(*guard.VotingRevealing)
	}
	if guard.VotingPromptIndex != nil {
		where += " AND voting_prompt_index = " + arg(*guard.VotingPromptIndex)
	}
	tag, err := s.pool.Exec(ctx, "UPDATE games SET "+strings.Join(sets, ", ")+" WHERE "+where, args...)
	if err != nil {
		return false, wrap(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) BumpVersion(ctx context.Context, gameID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE games SET version = version + 1, updated_at = now() WHERE id = $1`, gameID)
	if err != nil {
		return wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetHost(ctx context.Context, gameID, playerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE games SET host_player_id = $2, version = version + 1, updated_at = now() WHERE id = $1`,
		gameID, playerID)
	if err != nil {
		return wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetNextGameCode(ctx context.Context, gameID, code string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE games SET next_game_code = $2, version = version + 1, updated_at = now() WHERE id = $1`,
		gameID, code)
	if err != nil {
		return wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AddModelUsage(ctx context.Context, gameID string, deltas []store.UsageDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrap(err)
	}
	defer tx.Rollback(ctx)
	var in, out int64
	var cost float64
	for _, d := range deltas {
		in += d.InputTokens
		out += d.OutputTokens
		cost += d.CostUSD
		_, err := tx.Exec(ctx, `INSERT INTO game_model_usage (game_id, model_id, input_tokens, output_tokens, cost_usd)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (game_id, model_id) DO UPDATE SET
				input_tokens = game_model_usage.input_tokens + EXCLUDED.input_tokens,
				output_tokens = game_model_usage.output_tokens + EXCLUDED.output_tokens,
				cost_usd = game_model_usage.cost_usd + EXCLUDED.cost_usd`,
			gameID, d.ModelID, d.InputTokens, d.OutputTokens, d.CostUSD)
		if err != nil {
			return wrap(err)
		}
	}
	_, err = tx.Exec(ctx, `UPDATE games SET input_tokens = input_tokens + $2,
		output_tokens = output_tokens + $3, cost_usd = cost_usd + $4 WHERE id = $1`,
		gameID, in, out, cost)
	if err != nil {
		return wrap(err)
	}
	return wrap(tx.Commit(ctx))
}

func (s *Store) ModelUsage(ctx context.Context, gameID string) ([]game.GameModelUsage, error) {
	rows, err := s.pool.Query(ctx, `SELECT game_id, model_id, input_tokens, output_tokens, cost_usd
		FROM game_model_usage WHERE game_id = $1 ORDER BY model_id`, gameID)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()
	var out []game.GameModelUsage
	for rows.Next() {
		var u game.GameModelUsage
		if err := rows.Scan(&u.GameID, &u.ModelID, &u.InputTokens, &u.OutputTokens, &u.CostUSD); err != nil {
			return nil, wrap(err)
		}
		out = append(out, u)
	}
	return out, wrap(rows.Err())
}

const playerCols = `id, game_id, name, type, model_id, score, humor_rating,
	win_streak, idle_rounds, participation, last_seen, rejoin_token, joined_at`

func scanPlayer(row pgx.Row) (*game.Player, error) {
	var p game.Player
	err := row.Scan(&p.ID, &p.GameID, &p.Name, &p.Type, &p.ModelID, &p.Score,
		&p.HumorRating, &p.WinStreak, &p.IdleRounds, &p.Participation,
		&p.LastSeen, &p.RejoinToken, &p.JoinedAt)
	if err != nil {
		return nil, wrap(err)
	}
	return &p, nil
}

func (s *Store) CreatePlayer(ctx context.Context, p *game.Player) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO players (`+playerCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		p.ID, p.GameID, p.Name, p.Type, p.ModelID, p.Score, p.HumorRating,
		p.WinStreak, p.IdleRounds, p.Participation, p.LastSeen, p.RejoinToken, p.JoinedAt)
	return wrap(err)
}

func (s *Store) PlayerByID(ctx context.Context, id string) (*game.Player, error) {
	return scanPlayer(s.pool.QueryRow(ctx, `SELECT `+playerCols+` FROM players WHERE id = $1`, id))
}

func (s *Store) PlayerByRejoinToken(ctx context.Context, gameID, token string) (*game.Player, error) {
	return scanPlayer(s.pool.QueryRow(ctx,
		`SELECT `+playerCols+` FROM players WHERE game_id = $1 AND rejoin_token = $2`, gameID, token))
}

func (s *Store) PlayersByGame(ctx context.Context, gameID string) ([]game.Player, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+playerCols+` FROM players WHERE game_id = $1 ORDER BY joined_at`, gameID)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()
	var out []game.Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, wrap(rows.Err())
}

func (s *Store) TouchPlayer(ctx context.Context, playerID string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE players SET last_seen = GREATEST(last_seen, $2) WHERE id = $1`, playerID, at)
	return wrap(err)
}

func (s *Store) SetParticipation(ctx context.Context, playerID string, st game.Participation) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE players SET participation = $2 WHERE id = $1 AND participation <> $2`, playerID, st)
	if err != nil {
		return wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	_, err = s.pool.Exec(ctx, `UPDATE games SET version = version + 1, updated_at = now()
		WHERE id = (SELECT game_id FROM players WHERE id = $1)`, playerID)
	return wrap(err)
}

func (s *Store) ApplyScore(ctx context.Context, patch store.ScorePatch) error {
	_, err := s.pool.Exec(ctx, `UPDATE players SET score = score + $2,
		humor_rating = $3, win_streak = $4, idle_rounds = $5 WHERE id = $1`,
		patch.PlayerID, patch.ScoreDelta, patch.HumorRating, patch.WinStreak, patch.IdleRounds)
	return wrap(err)
}

func (s *Store) CreateRound(ctx context.Context, r *game.Round) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rounds (id, game_id, number, scored) VALUES ($1,$2,$3,$4)`,
		r.ID, r.GameID, r.Number, r.Scored)
	return wrap(err)
}

func (s *Store) RoundByNumber(ctx context.Context, gameID string, number int) (*game.Round, error) {
	var r game.Round
	err := s.pool.QueryRow(ctx,
		`SELECT id, game_id, number, scored FROM rounds WHERE game_id = $1 AND number = $2`,
		gameID, number).Scan(&r.ID, &r.GameID, &r.Number, &r.Scored)
	if err != nil {
		return nil, wrap(err)
	}
	return &r, nil
}

func (s *Store) RoundsByGame(ctx context.Context, gameID string) ([]game.Round, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, game_id, number, scored FROM rounds WHERE game_id = $1 ORDER BY number`, gameID)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()
	var out []game.Round
	for rows.Next() {
		var r game.Round
		if err := rows.Scan(&r.ID, &r.GameID, &r.Number, &r.Scored); err != nil {
			return nil, wrap(err)
		}
		out = append(out, r)
	}
	return out, wrap(rows.Err())
}

func (s *Store) MarkRoundScored(ctx context.Context, roundID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE rounds SET scored = TRUE WHERE id = $1`, roundID)
	return wrap(err)
}

func (s *Store) CreatePrompt(ctx context.Context, p *game.Prompt) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO prompts (id, round_id, text, position) VALUES ($1,$2,$3,$4)`,
		p.ID, p.RoundID, p.Text, p.Position)
	return wrap(err)
}

func (s *Store) PromptsByRound(ctx context.Context, roundID string) ([]game.Prompt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, round_id, text, position FROM prompts WHERE round_id = $1 ORDER BY position`, roundID)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()
	var out []game.Prompt
	for rows.Next() {
		var p game.Prompt
		if err := rows.Scan(&p.ID, &p.RoundID, &p.Text, &p.Position); err != nil {
			return nil, wrap(err)
		}
		out = append(out, p)
	}
	return out, wrap(rows.Err())
}

func (s *Store) PromptTextsByGame(ctx context.Context, gameID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT p.text FROM prompts p
		JOIN rounds r ON r.id = p.round_id WHERE r.game_id = $1 ORDER BY p.text`, gameID)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, wrap(err)
		}
		out = append(out, t)
	}
	return out, wrap(rows.Err())
}

func (s *Store) CreateAssignment(ctx context.Context, a *game.Assignment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assignments (prompt_id, player_id) VALUES ($1,$2)`, a.PromptID, a.PlayerID)
	return wrap(err)
}

func (s *Store) AssignmentsByRound(ctx context.Context, roundID string) ([]game.Assignment, error) {
	rows, err := s.pool.Query(ctx, `SELECT a.prompt_id, a.player_id FROM assignments a
		JOIN prompts p ON p.id = a.prompt_id WHERE p.round_id = $1`, roundID)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()
	var out []game.Assignment
	for rows.Next() {
		var a game.Assignment
		if err := rows.Scan(&a.PromptID, &a.PlayerID); err != nil {
			return nil, wrap(err)
		}
		out = append(out, a)
	}
	return out, wrap(rows.Err())
}

func (s *Store) CreateResponse(ctx context.Context, r *game.Response) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO responses (id, prompt_id, player_id, text, points_earned, fail_reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		r.ID, r.PromptID, r.PlayerID, r.Text, r.PointsEarned, r.FailReason, r.CreatedAt)
	return wrap(err)
}

func (s *Store) ResponsesByRound(ctx context.Context, roundID string) ([]game.Response, error) {
	rows, err := s.pool.Query(ctx, `SELECT r.id, r.prompt_id, r.player_id, r.text, r.points_earned, r.fail_reason, r.created_at
		FROM responses r JOIN prompts p ON p.id = r.prompt_id WHERE p.round_id = $1 ORDER BY r.id`, roundID)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()
	var out []game.Response
	for rows.Next() {
		var r game.Response
		if err := rows.Scan(&r.ID, &r.PromptID, &r.PlayerID, &r.Text, &r.PointsEarned, &r.FailReason, &r.CreatedAt); err != nil {
			return nil, wrap(err)
		}
		out = append(out, r)
	}
	return out, wrap(rows.Err())
}

func (s *Store) SetResponsePoints(ctx context.Context, responseID string, points int) error {
	_, err := s.pool.Exec(ctx, `UPDATE responses SET points_earned = $2 WHERE id = $1`, responseID, points)
	return wrap(err)
}

func (s *Store) CreateVote(ctx context.Context, v *game.Vote) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO votes (id, prompt_id, voter_id, response_id, fail_reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		v.ID, v.PromptID, v.VoterID, v.ResponseID, v.FailReason, v.CreatedAt)
	return wrap(err)
}

func (s *Store) VotesByRound(ctx context.Context, roundID string) ([]game.Vote, error) {
	rows, err := s.pool.Query(ctx, `SELECT v.id, v.prompt_id, v.voter_id, v.response_id, v.fail_reason, v.created_at
		FROM votes v JOIN prompts p ON p.id = v.prompt_id WHERE p.round_id = $1 ORDER BY v.id`, roundID)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()
	var out []game.Vote
	for rows.Next() {
		var v game.Vote
		if err := rows.Scan(&v.ID, &v.PromptID, &v.VoterID, &v.ResponseID, &v.FailReason, &v.CreatedAt); err != nil {
			return nil, wrap(err)
		}
		out = append(out, v)
	}
	return out, wrap(rows.Err())
}

func (s *Store) ToggleReaction(ctx context.Context, r *game.Reaction) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM reactions WHERE response_id = $1 AND player_id = $2 AND emoji = $3`,
		r.ResponseID, r.PlayerID, r.Emoji)
	if err != nil {
		return false, wrap(err)
	}
	if tag.RowsAffected() > 0 {
		return false, nil
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO reactions (id, response_id, player_id, emoji) VALUES ($1,$2,$3,$4)
		ON CONFLICT (response_id, player_id, emoji) DO NOTHING`,
		r.ID, r.ResponseID, r.PlayerID, r.Emoji)
	if err != nil {
		return false, wrap(err)
	}
	return true, nil
}

func (s *Store) ReactionsByRound(ctx context.Context, roundID string) ([]game.Reaction, error) {
	rows, err := s.pool.Query(ctx, `SELECT re.id, re.response_id, re.player_id, re.emoji
		FROM reactions re
		JOIN responses r ON r.id = re.response_id
		JOIN prompts p ON p.id = r.prompt_id
		WHERE p.round_id = $1 ORDER BY re.id`, roundID)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()
	var out []game.Reaction
	for rows.Next() {
		var re game.Reaction
		if err := rows.Scan(&re.ID, &re.ResponseID, &re.PlayerID, &re.Emoji); err != nil {
			return nil, wrap(err)
		}
		out = append(out, re)
	}
	return out, wrap(rows.Err())
}

func (s *Store) Leaderboard(ctx context.Context) ([]game.LeaderboardRow, error) {
	rows, err := s.pool.Query(ctx, `
		WITH finished AS (
			SELECT p.game_id, p.id, p.name, p.score,
			       RANK() OVER (PARTITION BY p.game_id ORDER BY p.score DESC) AS rk
			FROM players p
			JOIN games g ON g.id = p.game_id
			WHERE g.status = 'FINAL_RESULTS' AND p.type <> 'SPECTATOR'
		)
		SELECT name, COUNT(*), COALESCE(SUM(score), 0), COALESCE(MAX(score), 0),
		       COUNT(*) FILTER (WHERE rk = 1)
		FROM finished GROUP BY name ORDER BY COALESCE(SUM(score), 0) DESC, name`)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()
	var out []game.LeaderboardRow
	for rows.Next() {
		var r game.LeaderboardRow
		if err := rows.Scan(&r.Name, &r.Games, &r.TotalScore, &r.BestScore, &r.Wins); err != nil {
			return nil, wrap(err)
		}
		out = append(out, r)
	}
	return out, wrap(rows.Err())
}

func (s *Store) PurgeGames(ctx context.Context, finishedBefore, idleBefore time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM games
		WHERE (status = 'FINAL_RESULTS' AND updated_at < $1) OR updated_at < $2`,
		finishedBefore, idleBefore)
	if err != nil {
		return 0, wrap(err)
	}
	return int(tag.RowsAffected()), nil
}
