package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"
)

// Model is one catalog entry an AI contestant can play as. Costs are USD
// per million tokens.
type Model struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"displayName"`
	Provider    string  `json:"provider"`
	InputPerM   float64 `json:"inputPerM"`
	OutputPerM  float64 `json:"outputPerM"`
}

type Config struct {
	Port string

	HostSecret string
	CronSecret string

	GatewayKey     string
	GatewayBaseURL string

	DatabaseURL string

	MinPlayers  int
	TotalRounds int

	WritingTimeout time.Duration
	VotingTimeout  time.Duration
	RevealTimeout  time.Duration

	InactivityThreshold time.Duration
	HostStaleThreshold  time.Duration
	HeartbeatWindow     time.Duration

	FinishedRetention time.Duration
	IdleRetention     time.Duration

	Models []Model
}

var defaultModels = []Model{
	{ID: "openai/gpt-4o-mini", DisplayName: "GPT-4o mini", Provider: "openai", InputPerM: 0.15, OutputPerM: 0.6},
	{ID: "openai/gpt-4o", DisplayName: "GPT-4o", Provider: "openai", InputPerM: 2.5, OutputPerM: 10},
	{ID: "anthropic/claude-3-5-haiku", DisplayName: "Claude 3.5 Haiku", Provider: "anthropic", InputPerM: 0.8, OutputPerM: 4},
	{ID: "google/gemini-2.0-flash", DisplayName: "Gemini 2.0 Flash", Provider: "google", InputPerM: 0.1, OutputPerM: 0.4},
	{ID: "meta/llama-3.3-70b", DisplayName: "Llama 3.3 70B", Provider: "meta", InputPerM: 0.72, OutputPerM: 0.72},
}

func FromEnv() Config {
	c := Config{}
	c.Port = getenv("PORT", "8080")
	c.HostSecret = os.Getenv("HOST_SECRET")
	c.CronSecret = os.Getenv("CRON_SECRET")
	c.GatewayKey = os.Getenv("AI_GATEWAY_API_KEY")
	c.GatewayBaseURL = os.Getenv("AI_GATEWAY_BASE_URL")
	c.DatabaseURL = os.Getenv("DATABASE_URL")
	c.MinPlayers = getint("MIN_PLAYERS", 2)
	c.TotalRounds = getint("TOTAL_ROUNDS", 3)
	c.WritingTimeout = getdur("WRITING_SECONDS", 90*time.Second)
	c.VotingTimeout = getdur("VOTING_SECONDS", 30*time.Second)
	c.RevealTimeout = getdur("REVEAL_SECONDS", 12*time.Second)
	c.InactivityThreshold = getdur("INACTIVITY_SECONDS", 45*time.Second)
	c.HostStaleThreshold = getdur("HOST_STALE_SECONDS", 60*time.Second)
	c.HeartbeatWindow = getdur("HEARTBEAT_SECONDS", 5*time.Second)
	c.FinishedRetention = getdur("FINISHED_RETENTION_SECONDS", 24*60*60*time.Second)
	c.IdleRetention = getdur("IDLE_RETENTION_SECONDS", 6*60*60*time.Second)
	c.Models = defaultModels
	if raw := os.Getenv("MODEL_CATALOG"); raw != "" {
		var models []Model
		if err := json.Unmarshal([]byte(raw), &models); err == nil && len(models) > 0 {
			c.Models = models
		}
	}
	return c
}

// ModelByID looks up a catalog entry.
func (c Config) ModelByID(id string) (Model, bool) {
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
