// Package cards implements the deck and hand primitives shared by the
// lobby/match engine: a 52-card deck with a draw cursor, and blackjack
// hand-value scoring with the ace 11-then-demote rule.
package cards

import "math/rand"

// Suit identifies one of the four card suits.
type Suit int

const (
	Clubs Suit = iota
	Diamonds
	Hearts
	Spades
)

var suitLetters = [...]byte{Clubs: 'C', Diamonds: 'D', Hearts: 'H', Spades: 'S'}

var rankLetters = [...]byte{
	1: 'A', 2: '2', 3: '3', 4: '4', 5: '5', 6: '6', 7: '7', 8: '8', 9: '9',
	10: 'T', 11: 'J', 12: 'Q', 13: 'K',
}

// Card is one playing card. Rank runs 1..13 with 1 meaning Ace.
type Card struct {
	Rank int
	Suit Suit
}

// String renders the card in its two-character wire form, e.g. "AS", "TD".
func (c Card) String() string {
	return string([]byte{rankLetters[c.Rank], suitLetters[c.Suit]})
}

// ParseCard parses the two-character wire form produced by String.
func ParseCard(s string) (Card, bool) {
	if len(s) != 2 {
		return Card{}, false
	}
	var rank int
	found := false
	for r, ch := range rankLetters {
		if ch == s[0] {
			rank, found = r, true
			break
		}
	}
	if !found {
		return Card{}, false
	}
	var suit Suit
	switch s[1] {
	case 'C':
		suit = Clubs
	case 'D':
		suit = Diamonds
	case 'H':
		suit = Hearts
	case 'S':
		suit = Spades
	default:
		return Card{}, false
	}
	return Card{Rank: rank, Suit: suit}, true
}

const deckSize = 52

// Deck is an ordered sequence of 52 distinct cards with a draw cursor.
// Drawing past the end reshuffles in place and resets the cursor — the
// original C server allows this (see DESIGN.md open question on reshuffle
// during a single match) so that Draw never fails.
type Deck struct {
	cards [deckSize]Card
	top   int
}

// NewDeck returns a freshly initialized, unshuffled deck (cursor at 0).
func NewDeck() *Deck {
	d := &Deck{}
	d.reset()
	return d
}

func (d *Deck) reset() {
	idx := 0
	for s := Clubs; s <= Spades; s++ {
		for r := 1; r <= 13; r++ {
			d.cards[idx] = Card{Rank: r, Suit: s}
			idx++
		}
	}
	d.top = 0
}

// Shuffle resets the deck to a full 52-card set in Fisher-Yates shuffled
// order and resets the cursor to 0.
func (d *Deck) Shuffle(rng *rand.Rand) {
	d.reset()
	for i := deckSize - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		d.cards[i], d.cards[j] = d.cards[j], d.cards[i]
	}
}

// Draw returns the next card, reshuffling first if the cursor has reached
// the end of the deck.
func (d *Deck) Draw(rng *rand.Rand) Card {
	if d.top >= deckSize {
		d.Shuffle(rng)
	}
	c := d.cards[d.top]
	d.top++
	return c
}

// Hand is an ordered sequence of drawn cards.
type Hand []Card

// Value computes the blackjack value: face cards count 10, aces count 11
// and are demoted to 1 one at a time while the total exceeds 21.
func (h Hand) Value() int {
	sum, aces := 0, 0
	for _, c := range h {
		switch {
		case c.Rank == 1:
			aces++
			sum += 11
		case c.Rank >= 10:
			sum += 10
		default:
			sum += c.Rank
		}
	}
	for sum > 21 && aces > 0 {
		sum -= 10
		aces--
	}
	return sum
}
