package game

import "sort"

// ActiveContestants filters to the players that count toward quorum:
// non-spectators whose participation is still ACTIVE. Disconnected players
// drop out, which shrinks every completeness check below.
func ActiveContestants(players []Player) []Player {
	var out []Player
	for _, p := range players {
		if p.Contestant() && p.Participation == ParticipationActive {
			out = append(out, p)
		}
	}
	return out
}

// WritingComplete reports whether every active contestant has a response on
// every prompt they are assigned to.
func WritingComplete(players []Player, assignments []Assignment, responses []Response) bool {
	have := make(map[Assignment]bool, len(responses))
	for _, r := range responses {
		have[Assignment{PromptID: r.PromptID, PlayerID: r.PlayerID}] = true
	}
	active := make(map[string]bool)
	for _, p := range ActiveContestants(players) {
		active[p.ID] = true
	}
	for _, a := range assignments {
		if active[a.PlayerID] && !have[a] {
			return false
		}
	}
	return true
}

// PromptVotingComplete reports whether the prompt has collected a vote
// (cast, abstention or error) from every eligible voter: active contestants
// minus the prompt's respondents.
func PromptVotingComplete(promptID string, players []Player, responses []Response, votes []Vote) bool {
	respondents := make(map[string]bool)
	for _, r := range responses {
		if r.PromptID == promptID {
			respondents[r.PlayerID] = true
		}
	}
	needed := 0
	for _, p := range ActiveContestants(players) {
		if !respondents[p.ID] {
			needed++
		}
	}
	got := 0
	for _, v := range votes {
		if v.PromptID == promptID {
			got++
		}
	}
	return got >= needed
}

// EligibleVoterCount is the scoring-time voter population for a prompt:
// active contestants who did not author one of its responses.
func EligibleVoterCount(promptID string, players []Player, responses []Response) int {
	respondents := make(map[string]bool)
	for _, r := range responses {
		if r.PromptID == promptID {
			respondents[r.PlayerID] = true
		}
	}
	n := 0
	for _, p := range ActiveContestants(players) {
		if !respondents[p.ID] {
			n++
		}
	}
	return n
}

// VotablePrompts returns, in stable position order, the prompts that go
// through the voting sequence: at least two responses and no forfeit.
// Prompts with a forfeit are still scored (the survivor auto-wins) but are
// never presented for voting.
func VotablePrompts(prompts []Prompt, responses []Response) []Prompt {
	byPrompt := make(map[string][]Response)
	for _, r := range responses {
		byPrompt[r.PromptID] = append(byPrompt[r.PromptID], r)
	}
	var out []Prompt
	for _, p := range prompts {
		rs := byPrompt[p.ID]
		if len(rs) < 2 {
			continue
		}
		forfeited := false
		for i := range rs {
			if rs[i].Forfeit() {
				forfeited = true
				break
			}
		}
		if !forfeited {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}
