// Package server wires the HTTP surface: host actions, player actions,
// polling with ETag 304s, leaderboard and housekeeping.
package server

import (
	"errors"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/punchlinegame/punchline/internal/config"
	"github.com/punchlinegame/punchline/internal/engine"
	"github.com/punchlinegame/punchline/internal/game"
	"github.com/punchlinegame/punchline/internal/store"
)

type Server struct {
	store  store.Store
	engine *engine.Engine
	cfg    config.Config
	log    zerolog.Logger
}

func New(st store.Store, eng *engine.Engine, cfg config.Config, log zerolog.Logger) *Server {
	return &Server{store: st, engine: eng, cfg: cfg, log: log}
}

// Routes mounts all endpoints on r.
func (s *Server) Routes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "time": time.Now().UTC()})
	})
	r.GET("/models", s.handleModels)
	r.GET("/leaderboard", s.handleLeaderboard)
	r.GET("/cron/cleanup-games", s.handleCleanup)

	r.POST("/games/create", s.handleCreate)
	r.GET("/games/:code", s.handleSnapshot)
	r.POST("/games/:code/join", s.handleJoin)
	r.POST("/games/:code/rejoin", s.handleRejoin)
	r.POST("/games/:code/start", s.handleStart)
	r.POST("/games/:code/respond", s.handleRespond)
	r.POST("/games/:code/vote", s.handleVote)
	r.POST("/games/:code/react", s.handleReact)
	r.POST("/games/:code/next", s.handleNext)
	r.POST("/games/:code/end", s.handleEnd)
}

// fail maps error kinds onto the HTTP failure envelope.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable, retry shortly"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, engine.ErrPhaseMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": "action not valid in current phase"})
	case errors.Is(err, engine.ErrNotEnoughPlayers):
		c.JSON(http.StatusConflict, gin.H{"error": "not enough players to start"})
	default:
		s.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// gameByCode resolves the :code path param.
func (s *Server) gameByCode(c *gin.Context) (*game.Game, bool) {
	g, err := s.store.GameByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	return g, true
}

// requireHost checks that playerID is the game's current host.
func (s *Server) requireHost(c *gin.Context, g *game.Game, playerID string) bool {
	if playerID == "" || playerID != g.HostPlayerID {
		c.JSON(http.StatusForbidden, gin.H{"error": "host only"})
		return false
	}
	return true
}

// playerInGame loads a player and checks membership.
func (s *Server) playerInGame(c *gin.Context, g *game.Game, playerID string) (*game.Player, bool) {
	if playerID == "" {
		badRequest(c, "playerId required")
		return nil, false
	}
	p, err := s.store.PlayerByID(c.Request.Context(), playerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			badRequest(c, "unknown player")
			return nil, false
		}
		s.fail(c, err)
		return nil, false
	}
	if p.GameID != g.ID {
		badRequest(c, "player not in this game")
		return nil, false
	}
	return p, true
}

var codeLetters = []rune("ABCDEFGHJKLMNPQRSTUVWXYZ23456789")

func roomCode() string {
	b := make([]rune, 4)
	for i := range b {
		b[i] = codeLetters[rand.Intn(len(codeLetters))]
	}
	return string(b)
}

func bearer(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
