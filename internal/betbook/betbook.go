// Package betbook tracks the in-round working set of bets (spec.md
// §4.6): round_id -> user_id -> bet, with an auto-cashout scan driven
// off the live multiplier. Grounded on the teacher's ActiveBet type
// and loadActiveBets/processAutoCashouts pair in
// internal/game/manager.go, moved from a Redis hash per round to an
// in-process map — the durable record of record is internal/ledger's
// bets table, written on placement and at settlement; this package is
// the hot path that the round scheduler ticks against every 50ms.
package betbook

import (
	"sync"

	"crashcore/internal/money"
)

// Entry is one bet tracked for the lifetime of its round.
type Entry struct {
	BetID       string
	UserID      string
	ClientID    string
	Stake       money.BaseUnits
	AutoCashout *float64 // nil means no auto-cashout target
	CashedOut   bool
}

// Book holds every open bet for exactly one round.
type Book struct {
	mu    sync.RWMutex
	bets  map[string]*Entry // keyed by bet_id
	order []string          // insertion order, for deterministic auto-cashout scans
}

func New() *Book {
	return &Book{bets: make(map[string]*Entry)}
}

// Place records a newly locked bet. Calling Place twice with the same
// BetID replaces the prior entry; callers are expected to have already
// deduplicated at the ledger layer.
func (b *Book) Place(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.bets[e.BetID]; !exists {
		b.order = append(b.order, e.BetID)
	}
	cp := e
	b.bets[e.BetID] = &cp
}

// Get returns a copy of the bet, or false if it was never placed in
// this book (entries are never removed).
func (b *Book) Get(betID string) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.bets[betID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// MarkCashedOut flips an entry's cashed-out flag, returning false if
// the bet is unknown or was already cashed out (the caller must treat
// that as "nothing to do", not an error — a double cashout is a
// harmless race, not a bug).
func (b *Book) MarkCashedOut(betID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.bets[betID]
	if !ok || e.CashedOut {
		return false
	}
	e.CashedOut = true
	return true
}

// DueForAutoCashout returns every still-open bet whose auto-cashout
// target has been reached or passed by currentMultiplier, in
// placement order, without mutating CashedOut itself — the caller
// (internal/round) settles through internal/balance and then calls
// MarkCashedOut once that succeeds.
func (b *Book) DueForAutoCashout(currentMultiplier float64) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var due []Entry
	for _, id := range b.order {
		e := b.bets[id]
		if e.CashedOut || e.AutoCashout == nil {
			continue
		}
		if currentMultiplier >= *e.AutoCashout {
			due = append(due, *e)
		}
	}
	return due
}

// StillOpen returns every bet that was never cashed out, in placement
// order, for round-end settlement as losses.
func (b *Book) StillOpen() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var open []Entry
	for _, id := range b.order {
		e := b.bets[id]
		if !e.CashedOut {
			open = append(open, *e)
		}
	}
	return open
}

// Len reports how many bets are tracked (open or settled) this round.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bets)
}
