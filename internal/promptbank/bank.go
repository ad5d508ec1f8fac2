// Package promptbank holds the static comedy prompts and hands out random,
// non-repeating draws for round creation.
package promptbank

import (
	"fmt"
	"math/rand"
)

var prompts = []string{
	"The worst possible name for a pet goldfish",
	"A rejected flavor of toothpaste",
	"The first thing an alien would say after landing at a gas station",
	"A terrible slogan for a funeral home",
	"What your GPS is really thinking when you miss the turn",
	"The secret ingredient in grandma's famous casserole",
	"A bad thing to shout during a job interview",
	"The real reason dinosaurs went extinct",
	"An unusual item to bring to a deserted island",
	"The worst superpower to be stuck with",
	"A rejected Olympic sport",
	"What cats would say if they could talk, but only once",
	"The least inspiring fortune cookie message",
	"A terrible name for a retirement home",
	"The next big fitness craze nobody asked for",
	"Something you should never say to a barber mid-haircut",
	"The worst theme for a child's birthday party",
	"A product that definitely should not come in travel size",
	"The most disappointing thing to find at the end of a rainbow",
	"A bad opening line for a wedding toast",
	"The title of the least successful self-help book ever",
	"What robots dream about",
	"A suspicious thing to write in a hotel guestbook",
	"The worst sound to wake up to",
	"An item that should never be sold second-hand",
	"The real contents of Area 51",
	"A horrible name for a boat",
	"The least effective way to escape a bear",
	"Something you don't want to hear your dentist mutter",
	"A rejected crayon color name",
	"The worst possible theme song for a superhero",
	"What the last dodo was thinking",
	"A bad slogan for an airline",
	"The most useless smartphone app imaginable",
	"Something that should never be deep-fried, but was",
	"The worst advice to give a new parent",
	"A terrible password that somehow passed the requirements",
	"The name of a perfume nobody would buy",
	"What your houseplants say about you behind your back",
	"The least intimidating name for a wrestler",
}

// Draw returns count distinct prompt texts chosen uniformly at random,
// skipping anything in exclude. When the bank runs dry it pads with generic
// fallbacks so callers always get exactly count texts.
func Draw(rng *rand.Rand, count int, exclude map[string]bool) []string {
	var avail []string
	for _, p := range prompts {
		if !exclude[p] {
			avail = append(avail, p)
		}
	}
	rng.Shuffle(len(avail), func(i, j int) { avail[i], avail[j] = avail[j], avail[i] })

	out := make([]string, 0, count)
	for _, p := range avail {
		if len(out) == count {
			break
		}
		out = append(out, p)
	}
	for i := 1; len(out) < count; i++ {
		f := fmt.Sprintf("Make up your funniest one-liner (freestyle #%d)", i)
		if !exclude[f] {
			out = append(out, f)
		}
	}
	return out
}

// Size reports how many prompts the bank ships with.
func Size() int { return len(prompts) }
