package game

import (
	"math"
	"sort"
)

// Scoring constants. These are pinned by the golden tests in scoring_test.go;
// changing any of them changes recorded game history.
const (
	basePromptPoints = 100
	unanimousBonus   = 25
	forfeitPenalty   = -10

	humorStep = 0.1
	humorMin  = 0.5
	humorMax  = 2.0

	roundMultStep = 0.25
	roundMultCap  = 2.0
)

// RoundMultiplier scales point pools and vote weights by round number.
// Monotone in the round number and capped so late rounds cannot run away.
func RoundMultiplier(round int) float64 {
	if round < 1 {
		round = 1
	}
	m := 1 + roundMultStep*float64(round-1)
	return math.Min(m, roundMultCap)
}

// ClampHumor keeps a humor rating inside its legal interval.
func ClampHumor(r float64) float64 {
	return math.Min(humorMax, math.Max(humorMin, r))
}

// PlayerState is the slice of player state the kernel reads and updates.
type PlayerState struct {
	Score       int
	HumorRating float64
	WinStreak   int
}

// PromptTally bundles everything the kernel needs for one prompt.
type PromptTally struct {
	PromptID  string
	Responses []Response
	Votes     []Vote
	// EligibleVoters is the number of active contestants who did not author
	// a response to this prompt. Abstentions shrink nothing here; the count
	// is fixed by the caller at scoring time.
	EligibleVoters int
}

// PromptResult is the kernel's per-prompt output.
type PromptResult struct {
	// Points per response id.
	Points map[string]int
	// Penalties per player id (forfeit authors).
	Penalties map[string]int
	// WinnerResponseID is empty when points tie or nothing scored.
	WinnerResponseID string
	Unanimous        bool
	// Ratings holds updated humor ratings for every voter that cast a vote;
	// voters absent from the map are unchanged.
	Ratings map[string]float64
}

// ScorePrompt scores a single prompt. Pure: same inputs, same output.
// Responses and votes are processed in sorted-id order so map iteration
// never leaks into the result.
func ScorePrompt(t PromptTally, state map[string]PlayerState, round int) PromptResult {
	res := PromptResult{
		Points:    make(map[string]int),
		Penalties: make(map[string]int),
		Ratings:   make(map[string]float64),
	}

	responses := make([]Response, len(t.Responses))
	copy(responses, t.Responses)
	sort.Slice(responses, func(i, j int) bool { return responses[i].ID < responses[j].ID })

	votes := make([]Vote, len(t.Votes))
	copy(votes, t.Votes)
	sort.Slice(votes, func(i, j int) bool { return votes[i].VoterID < votes[j].VoterID })

	var live []Response
	for _, r := range responses {
		if r.Forfeit() {
			res.Points[r.ID] = 0
			res.Penalties[r.PlayerID] += forfeitPenalty
			continue
		}
		live = append(live, r)
	}

	pool := float64(basePromptPoints) * RoundMultiplier(round)

	switch len(live) {
	case 0:
		return res
	case 1:
		// Everyone else forfeited; the survivor takes the whole pool.
		res.Points[live[0].ID] = int(math.Round(pool))
		res.WinnerResponseID = live[0].ID
		return res
	}

	// Weighted vote shares over cast votes only.
	byID := make(map[string]bool, len(live))
	for _, r := range live {
		byID[r.ID] = true
	}
	weightFor := make(map[string]float64)
	castCount := 0
	castFor := make(map[string]int)
	var total float64
	for _, v := range votes {
		if !v.Cast() || !byID[v.ResponseID] {
			continue
		}
		w := voteWeight(state[v.VoterID], round)
		weightFor[v.ResponseID] += w
		castFor[v.ResponseID]++
		castCount++
		total += w
	}

	if total > 0 {
		for _, r := range live {
			share := weightFor[r.ID] / total
			res.Points[r.ID] = int(math.Round(pool * share))
		}
	} else {
		for _, r := range live {
			res.Points[r.ID] = 0
		}
	}

	res.WinnerResponseID = uniqueMax(live, res.Points)

	if res.WinnerResponseID != "" && castCount >= 2 && castCount == t.EligibleVoters &&
		castFor[res.WinnerResponseID] == castCount {
		res.Unanimous = true
		res.Points[res.WinnerResponseID] += unanimousBonus
	}

	// Humor ratings drift toward voters whose picks match the winner.
	if res.WinnerResponseID != "" {
		for _, v := range votes {
			if !v.Cast() || !byID[v.ResponseID] {
				continue
			}
			r := state[v.VoterID].HumorRating
			if v.ResponseID == res.WinnerResponseID {
				r += humorStep
			} else {
				r -= humorStep
			}
			res.Ratings[v.VoterID] = ClampHumor(r)
		}
	}
	return res
}

// RoundScore aggregates kernel output across a round's prompts.
type RoundScore struct {
	// ResponsePoints per response id, across all prompts.
	ResponsePoints map[string]int
	// PlayerDeltas is the per-player score delta (points plus penalties).
	PlayerDeltas map[string]int
	// Ratings holds every player's post-round humor rating.
	Ratings map[string]float64
	// Streaks holds every player's post-round win streak.
	Streaks map[string]int
	// Winners maps prompt id to winning response id ("" for no winner).
	Winners map[string]string
}

// ScoreRound runs the kernel over each prompt in order, threading humor
// rating updates through so later prompts see earlier drift, then settles
// win streaks from the round's point totals.
func ScoreRound(tallies []PromptTally, state map[string]PlayerState, round int) RoundScore {
	out := RoundScore{
		ResponsePoints: make(map[string]int),
		PlayerDeltas:   make(map[string]int),
		Ratings:        make(map[string]float64),
		Streaks:        make(map[string]int),
		Winners:        make(map[string]string),
	}

	// Work on a copy so the kernel never mutates caller state.
	work := make(map[string]PlayerState, len(state))
	for id, st := range state {
		work[id] = st
	}

	ordered := make([]PromptTally, len(tallies))
	copy(ordered, tallies)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].PromptID < ordered[j].PromptID })

	authorOf := make(map[string]string)
	for _, t := range ordered {
		for _, r := range t.Responses {
			authorOf[r.ID] = r.PlayerID
		}
	}

	for _, t := range ordered {
		pr := ScorePrompt(t, work, round)
		out.Winners[t.PromptID] = pr.WinnerResponseID
		for id, pts := range pr.Points {
			out.ResponsePoints[id] = pts
			out.PlayerDeltas[authorOf[id]] += pts
		}
		for pid, pen := range pr.Penalties {
			out.PlayerDeltas[pid] += pen
		}
		for pid, rating := range pr.Ratings {
			st := work[pid]
			st.HumorRating = rating
			work[pid] = st
		}
	}

	for pid, st := range work {
		out.Ratings[pid] = st.HumorRating
	}

	// Win streak: the unique top scorer of the round keeps climbing,
	// everyone else resets. Ties reset everyone.
	top, unique := topScorer(out.PlayerDeltas)
	ids := make([]string, 0, len(state))
	for pid := range state {
		ids = append(ids, pid)
	}
	sort.Strings(ids)
	for _, pid := range ids {
		if unique && pid == top {
			out.Streaks[pid] = state[pid].WinStreak + 1
		} else {
			out.Streaks[pid] = 0
		}
	}
	return out
}

func voteWeight(st PlayerState, round int) float64 {
	rating := st.HumorRating
	if rating == 0 {
		rating = 1.0
	}
	return RoundMultiplier(round) * ClampHumor(rating)
}

// uniqueMax returns the response id with strictly the highest points, or ""
// on a tie. Forfeits never reach here.
func uniqueMax(live []Response, points map[string]int) string {
	best, bestPts, dupe := "", 0, false
	for _, r := range live {
		p := points[r.ID]
		switch {
		case best == "" || p > bestPts:
			best, bestPts, dupe = r.ID, p, false
		case p == bestPts:
			dupe = true
		}
	}
	if dupe || best == "" || bestPts <= 0 {
		return ""
	}
	return best
}

func topScorer(deltas map[string]int) (string, bool) {
	ids := make([]string, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	best, bestPts, dupe := "", 0, false
	for _, id := range ids {
		p := deltas[id]
		switch {
		case best == "" || p > bestPts:
			best, bestPts, dupe = id, p, false
		case p == bestPts:
			dupe = true
		}
	}
	if best == "" || dupe || bestPts <= 0 {
		return "", false
	}
	return best, true
}
