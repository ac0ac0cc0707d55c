package work

import (
	"fmt"
	"sort"

	"vintner/internal/config"
	"vintner/internal/domain"
)

// RateEntry is the static throughput configuration of one work category.
// BaseRate is physical units per week at nominal density; InitialWork is the
// setup cost added once regardless of amount.
type RateEntry struct {
	Category    domain.Category `json:"category"`
	BaseRate    float64         `json:"base_rate"`
	InitialWork float64         `json:"initial_work"`
}

// RateTable maps categories to rate entries. It is built once and only read afterwards.
type RateTable struct {
	entries map[domain.Category]RateEntry
}

func NewRateTable(entries ...RateEntry) (RateTable, error) {
	t := RateTable{entries: make(map[domain.Category]RateEntry, len(entries))}
	for _, e := range entries {
		if !e.Category.Valid() {
			return RateTable{}, fmt.Errorf("%w: %q", ErrUnknownCategory, e.Category)
		}
		if e.BaseRate <= 0 {
			return RateTable{}, fmt.Errorf("rate for %s must be positive", e.Category)
		}
		if e.InitialWork < 0 {
			return RateTable{}, fmt.Errorf("initial work for %s must not be negative", e.Category)
		}
		t.entries[e.Category] = e
	}
	return t, nil
}

// RateTableFromConfig builds the table from the work.rates section.
func RateTableFromConfig(cfg *config.Config) (RateTable, error) {
	rates := cfg.Rates()
	entries := make([]RateEntry, 0, len(rates))
	for cat, r := range rates {
		entries = append(entries, RateEntry{Category: cat, BaseRate: r.BaseRate, InitialWork: r.InitialWork})
	}
	return NewRateTable(entries...)
}

func (t RateTable) Entry(c domain.Category) (RateEntry, bool) {
	e, ok := t.entries[c]
	return e, ok
}

// Categories returns the configured categories sorted by name.
func (t RateTable) Categories() []domain.Category {
	out := make([]domain.Category, 0, len(t.entries))
	for c := range t.entries {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
