package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	zerologlog "github.com/rs/zerolog/log"

	"github.com/punchlinegame/punchline/internal/ai"
	"github.com/punchlinegame/punchline/internal/ai/gateway"
	"github.com/punchlinegame/punchline/internal/config"
	"github.com/punchlinegame/punchline/internal/engine"
	"github.com/punchlinegame/punchline/internal/server"
	"github.com/punchlinegame/punchline/internal/store"
	"github.com/punchlinegame/punchline/internal/store/memstore"
	"github.com/punchlinegame/punchline/internal/store/postgres"
)

const version = "v1.0.0"

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help message")
		showVersion = flag.Bool("version", false, "Show version information")
		portFlag    = flag.String("port", "", "Port to listen on (overrides PORT env var)")
	)
	flag.BoolVar(showHelp, "h", false, "Show help message (shorthand)")
	flag.BoolVar(showVersion, "v", false, "Show version information (shorthand)")
	flag.Parse()

	if *showHelp {
		fmt.Printf(`Punchline - AI party game server

Usage: %s [options]

Options:
  -h, --help      Show this help message
  -v, --version   Show version information
  --port PORT     Port to listen on (default: 8080 or PORT env var)

Environment Variables:
  PORT                 Port to listen on (default: 8080)
  HOST_SECRET          Shared secret gating game creation (required)
  CRON_SECRET          Secret gating /cron/cleanup-games
  AI_GATEWAY_API_KEY   API key for the model gateway
  AI_GATEWAY_BASE_URL  Custom gateway base URL (optional)
  DATABASE_URL         Postgres connection string (in-memory store if unset)
  MODEL_CATALOG        JSON array overriding the built-in model catalog
  TOTAL_ROUNDS         Default rounds per game (default: 3)
  WRITING_SECONDS      Writing phase deadline (default: 90)
  VOTING_SECONDS       Per-prompt voting deadline (default: 30)
  REVEAL_SECONDS       Reveal screen duration (default: 12)
`, os.Args[0])
		return
	}

	if *showVersion {
		fmt.Printf("Punchline %s\n", version)
		return
	}

	_ = godotenv.Load()

	// zerolog setup (human-friendly console)
	zerolog.TimeFieldFormat = time.RFC3339
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	zerologlog.Logger = zerologlog.Output(cw)
	log := zerologlog.Logger

	cfg := config.FromEnv()
	if *portFlag != "" {
		cfg.Port = *portFlag
	}
	if cfg.HostSecret == "" {
		log.Warn().Msg("HOST_SECRET is unset; game creation is disabled")
	}

	var st store.Store
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		pg, err := postgres.Connect(ctx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("connect postgres")
		}
		defer pg.Close()
		st = pg
		log.Info().Msg("using postgres store")
	} else {
		st = memstore.New()
		log.Warn().Msg("DATABASE_URL unset; using in-memory store (dev only)")
	}

	rates := make(map[string]engine.ModelRate, len(cfg.Models))
	for _, m := range cfg.Models {
		rates[m.ID] = engine.ModelRate{InputPerM: m.InputPerM, OutputPerM: m.OutputPerM}
	}
	client := ai.NewClient(gateway.New(cfg.GatewayKey, cfg.GatewayBaseURL))
	eng := engine.New(st, client, engine.Config{
		MinPlayers:          cfg.MinPlayers,
		WritingTimeout:      cfg.WritingTimeout,
		VotingTimeout:       cfg.VotingTimeout,
		RevealTimeout:       cfg.RevealTimeout,
		InactivityThreshold: cfg.InactivityThreshold,
		HostStaleThreshold:  cfg.HostStaleThreshold,
		HeartbeatWindow:     cfg.HeartbeatWindow,
		Rates:               rates,
	}, log.With().Str("component", "engine").Logger())

	// Gin setup with zerolog request logging (skip polling noise at debug)
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		dur := time.Since(start)
		ev := log.Info()
		if c.Request.Method == "GET" && status == 304 {
			ev = log.Debug()
		}
		ev.Str("path", c.Request.URL.Path).Int("status", status).Dur("dur", dur).Msg("http")
	})

	srv := server.New(st, eng, cfg, log.With().Str("component", "http").Logger())
	srv.Routes(r)

	log.Info().Str("port", cfg.Port).Msg("listening")
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}
