// Package ai layers the contestant contract (joke generation, A/B voting)
// on top of a chat completion provider.
package ai

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/punchlinegame/punchline/internal/game"
)

const jokeSystemPrompt = `You are a contestant in a comedy party game. ` +
	`Given a prompt, reply with one short, punchy, funny answer. ` +
	`No preamble, no quotation marks, just the answer itself.`

const voteSystemPrompt = `You are judging a comedy party game. ` +
	`You will see a prompt and labelled candidate answers. ` +
	`Reply with only the single letter label of the funniest answer.`

// HistoryEntry is one prior-round memory injected as context so later
// rounds can learn from what landed.
type HistoryEntry struct {
	Round       int
	Prompt      string
	OwnText     string
	Won         bool
	WinningText string
}

type JokeResult struct {
	Text       string
	Usage      Usage
	FailReason string
}

// Candidate is a labelled response offered to a voting model.
type Candidate struct {
	ResponseID string
	Text       string
}

type VoteResult struct {
	ResponseID string
	Usage      Usage
	FailReason string
}

// FallbackSeed pins the deterministic fallback pick when a vote call fails.
type FallbackSeed struct {
	GameID  string
	Round   int
	VoterID string
}

type Client struct {
	provider Provider
}

func NewClient(p Provider) *Client {
	return &Client{provider: p}
}

// GenerateJoke asks the model for an answer to promptText. Model failures
// never escape: they come back as a forfeit with a structured reason.
func (c *Client) GenerateJoke(ctx context.Context, modelID, promptText string, history []HistoryEntry) JokeResult {
	var b strings.Builder
	for _, h := range history {
		fmt.Fprintf(&b, "In round %d the prompt was: %q. You answered: %q.", h.Round, h.Prompt, h.OwnText)
		if h.Won {
			b.WriteString(" Your answer won.\n")
		} else if h.WinningText != "" {
			fmt.Fprintf(&b, " The winning answer was: %q.\n", h.WinningText)
		} else {
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "<prompt>%s</prompt>", promptText)

	text, usage, err := c.provider.Complete(ctx, modelID, jokeSystemPrompt, b.String())
	if err != nil {
		return JokeResult{Text: game.ForfeitMarker, FailReason: game.FailError}
	}
	text = cleanJoke(text)
	if text == "" {
		return JokeResult{Text: game.ForfeitMarker, Usage: usage, FailReason: game.FailEmpty}
	}
	return JokeResult{Text: text, Usage: usage}
}

// Vote asks the model to pick the funniest candidate. Candidates must be in
// stable order; labels are assigned positionally (A, B, ...). Invalid output
// or provider errors fall back to a deterministic pick from seed.
func (c *Client) Vote(ctx context.Context, modelID, promptText string, cands []Candidate, seed FallbackSeed) VoteResult {
	switch len(cands) {
	case 0:
		return VoteResult{}
	case 1:
		return VoteResult{ResponseID: cands[0].ResponseID}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Prompt: %s\n\n", promptText)
	for i, cand := range cands {
		fmt.Fprintf(&b, "%c: %s\n", 'A'+i, cand.Text)
	}
	b.WriteString("\nWhich is funniest? Answer with the letter only.")

	text, usage, err := c.provider.Complete(ctx, modelID, voteSystemPrompt, b.String())
	if err != nil {
		return VoteResult{ResponseID: FallbackPick(seed, cands), FailReason: game.FailError}
	}
	if idx, ok := parseLabel(text, len(cands)); ok {
		return VoteResult{ResponseID: cands[idx].ResponseID, Usage: usage}
	}
	return VoteResult{ResponseID: FallbackPick(seed, cands), Usage: usage, FailReason: game.FailInvalid}
}

// FallbackPick chooses a candidate by hashing the seed, so retries and
// reruns land on the same response.
func FallbackPick(seed FallbackSeed, cands []Candidate) string {
	if len(cands) == 0 {
		return ""
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%s", seed.GameID, seed.Round, seed.VoterID)
	return cands[h.Sum64()%uint64(len(cands))].ResponseID
}

// cleanJoke strips whitespace and one layer of surrounding quotes.
func cleanJoke(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			s = s[1 : len(s)-1]
		}
	}
	if strings.HasPrefix(s, "“") && strings.HasSuffix(s, "”") {
		s = strings.TrimPrefix(s, "“")
		s = strings.TrimSuffix(s, "”")
	}
	return strings.TrimSpace(s)
}

func parseLabel(text string, n int) (int, bool) {
	text = strings.TrimSpace(strings.Trim(strings.TrimSpace(text), `."'`))
	if text == "" {
		return 0, false
	}
	ch := text[0]
	if ch >= 'a' && ch <= 'z' {
		ch -= 'a' - 'A'
	}
	idx := int(ch - 'A')
	if idx < 0 || idx >= n {
		return 0, false
	}
	// Reject multi-word answers that merely start with a plausible letter.
	if len(text) > 1 && text[1] != ':' && text[1] != ')' && text[1] != ' ' {
		return 0, false
	}
	return idx, true
}
