package engine

import (
	"context"
	"time"

	"github.com/punchlinegame/punchline/internal/game"
)

// Sweep is the per-request housekeeping pass, invoked from polling hits.
// Steps, all idempotent: refresh the caller's lastSeen, disconnect idle
// humans, promote a fresh host if the current one went stale, enforce the
// phase deadline, and re-check quorum when a disconnect may have shrunk it.
// Returns the game reloaded after any changes.
func (e *Engine) Sweep(ctx context.Context, g *game.Game, playerID string, touch bool) (*game.Game, error) {
	now := time.Now().UTC()
	players, err := e.store.PlayersByGame(ctx, g.ID)
	if err != nil {
		return g, err
	}

	if touch && playerID != "" {
		for i := range players {
			p := &players[i]
			if p.ID != playerID {
				continue
			}
			if now.Sub(p.LastSeen) >= e.cfg.HeartbeatWindow {
				if err := e.store.TouchPlayer(ctx, p.ID, now); err != nil {
					return g, err
				}
				p.LastSeen = now
			}
			if p.Participation == game.ParticipationDisconnected {
				// Polling again counts as coming back.
				if err := e.store.SetParticipation(ctx, p.ID, game.ParticipationActive); err != nil {
					return g, err
				}
				p.Participation = game.ParticipationActive
			}
			break
		}
	}

	// Only humans go stale; AI contestants are server-driven and never
	// heartbeat.
	disconnected := false
	for i := range players {
		p := &players[i]
		if p.Type != game.PlayerHuman || p.Participation != game.ParticipationActive {
			continue
		}
		if now.Sub(p.LastSeen) > e.cfg.InactivityThreshold {
			if err := e.store.SetParticipation(ctx, p.ID, game.ParticipationDisconnected); err != nil {
				return g, err
			}
			p.Participation = game.ParticipationDisconnected
			disconnected = true
		}
	}

	if err := e.promoteHostIfStale(ctx, g, players, now); err != nil {
		return g, err
	}

	deadlinePassed := g.PhaseDeadline != nil && !g.TimersDisabled && now.After(*g.PhaseDeadline)
	if deadlinePassed {
		if err := e.HandleDeadline(ctx, g); err != nil {
			return g, err
		}
	} else if disconnected {
		// A shrunken quorum may already be satisfied; don't leave the game
		// stalled on a player who is gone.
		if err := e.CheckQuorum(ctx, g.ID); err != nil {
			return g, err
		}
	}

	return e.store.GameByID(ctx, g.ID)
}

func (e *Engine) promoteHostIfStale(ctx context.Context, g *game.Game, players []game.Player, now time.Time) error {
	var host *game.Player
	for i := range players {
		if players[i].ID == g.HostPlayerID {
			host = &players[i]
			break
		}
	}
	if host != nil && now.Sub(host.LastSeen) <= e.cfg.HostStaleThreshold {
		return nil
	}
	var pick *game.Player
	for i := range players {
		p := &players[i]
		if p.Type != game.PlayerHuman || p.Participation != game.ParticipationActive || p.ID == g.HostPlayerID {
			continue
		}
		if pick == nil || p.LastSeen.After(pick.LastSeen) {
			pick = p
		}
	}
	if pick == nil {
		return nil
	}
	e.log.Info().Str("game", g.ID).Str("from", g.HostPlayerID).Str("to", pick.ID).Msg("host promoted")
	if err := e.store.SetHost(ctx, g.ID, pick.ID); err != nil {
		return err
	}
	g.HostPlayerID = pick.ID
	return nil
}
