package game

import (
	"time"
)

type Status string

const (
	StatusLobby        Status = "LOBBY"
	StatusWriting      Status = "WRITING"
	StatusVoting       Status = "VOTING"
	StatusRoundResults Status = "ROUND_RESULTS"
	StatusFinalResults Status = "FINAL_RESULTS"
)

// Active reports whether the game still accepts gameplay actions.
func (s Status) Active() bool {
	return s == StatusWriting || s == StatusVoting || s == StatusRoundResults
}

type PlayerType string

const (
	PlayerHuman     PlayerType = "HUMAN"
	PlayerAI        PlayerType = "AI"
	PlayerSpectator PlayerType = "SPECTATOR"
)

type Participation string

const (
	ParticipationActive       Participation = "ACTIVE"
	ParticipationDisconnected Participation = "DISCONNECTED"
)

// ForfeitMarker is the sentinel stored as Response.Text when a contestant
// failed to submit. It never appears in real submissions because handlers
// reject empty or marker-equal text.
const ForfeitMarker = "__FORFEIT__"

// Structured failure reasons recorded on responses and votes.
const (
	FailEmpty   = "empty"
	FailError   = "error"
	FailInvalid = "invalid"
	FailTimeout = "timeout"
)

type Game struct {
	ID                string     `json:"id"`
	Code              string     `json:"code"`
	Status            Status     `json:"status"`
	CurrentRound      int        `json:"currentRound"`
	TotalRounds       int        `json:"totalRounds"`
	HostPlayerID      string     `json:"hostPlayerId"`
	PhaseDeadline     *time.Time `json:"phaseDeadline,omitempty"`
	TimersDisabled    bool       `json:"timersDisabled"`
	VotingPromptIndex int        `json:"votingPromptIndex"`
	VotingRevealing   bool       `json:"votingRevealing"`
	Version           int64      `json:"version"`
	InputTokens       int64      `json:"inputTokens"`
	OutputTokens      int64      `json:"outputTokens"`
	CostUSD           float64    `json:"costUsd"`
	NextGameCode      string     `json:"nextGameCode,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

type Player struct {
	ID            string        `json:"id"`
	GameID        string        `json:"gameId"`
	Name          string        `json:"name"`
	Type          PlayerType    `json:"type"`
	ModelID       string        `json:"modelId,omitempty"`
	Score         int           `json:"score"`
	HumorRating   float64       `json:"humorRating"`
	WinStreak     int           `json:"winStreak"`
	IdleRounds    int           `json:"idleRounds"`
	Participation Participation `json:"participationStatus"`
	LastSeen      time.Time     `json:"lastSeen"`
	RejoinToken   string        `json:"-"`
	JoinedAt      time.Time     `json:"joinedAt"`
}

// Contestant reports whether the player counts toward quorum when active.
func (p *Player) Contestant() bool {
	return p.Type != PlayerSpectator
}

type Round struct {
	ID     string `json:"id"`
	GameID string `json:"gameId"`
	Number int    `json:"number"`
	Scored bool   `json:"scored"`
}

type Prompt struct {
	ID       string `json:"id"`
	RoundID  string `json:"roundId"`
	Text     string `json:"text"`
	Position int    `json:"position"`
}

// Assignment states that a player must answer a prompt.
type Assignment struct {
	PromptID string `json:"promptId"`
	PlayerID string `json:"playerId"`
}

type Response struct {
	ID           string    `json:"id"`
	PromptID     string    `json:"promptId"`
	PlayerID     string    `json:"playerId"`
	Text         string    `json:"text"`
	PointsEarned int       `json:"pointsEarned"`
	FailReason   string    `json:"failReason,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Forfeit reports whether the response records a failure to submit.
func (r *Response) Forfeit() bool {
	return r.Text == ForfeitMarker
}

// Vote records a voter's pick on a prompt. An empty ResponseID with an empty
// FailReason is an abstention; with a non-empty FailReason it is an error vote.
type Vote struct {
	ID         string    `json:"id"`
	PromptID   string    `json:"promptId"`
	VoterID    string    `json:"voterId"`
	ResponseID string    `json:"responseId,omitempty"`
	FailReason string    `json:"failReason,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Cast reports whether the vote actually picked a response.
func (v *Vote) Cast() bool { return v.ResponseID != "" }

// Abstention reports a deliberate non-vote, as opposed to an error vote.
func (v *Vote) Abstention() bool { return v.ResponseID == "" && v.FailReason == "" }

type Reaction struct {
	ID         string `json:"id"`
	ResponseID string `json:"responseId"`
	PlayerID   string `json:"playerId"`
	Emoji      string `json:"emoji"`
}

// GameModelUsage is the running token/cost total for one model in one game.
type GameModelUsage struct {
	GameID       string  `json:"gameId"`
	ModelID      string  `json:"modelId"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
}

// LeaderboardRow aggregates one player name across finished games.
type LeaderboardRow struct {
	Name       string `json:"name"`
	Games      int    `json:"games"`
	TotalScore int    `json:"totalScore"`
	BestScore  int    `json:"bestScore"`
	Wins       int    `json:"wins"`
}
