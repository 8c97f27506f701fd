// Package analysis holds helpers shared by the market analyzers.
package analysis

import (
	"math"
	"sort"

	"github.com/vietddude/polywatch/internal/core/domain"
)

// Window summarizes per-outcome trade stats for one time range.
type Window struct {
	Stats  map[string]domain.OutcomeStat
	Volume float64
	Count  int
}

// Summarize folds outcome stats into a Window.
func Summarize(stats []domain.OutcomeStat) Window {
	w := Window{Stats: make(map[string]domain.OutcomeStat, len(stats))}
	for _, s := range stats {
		w.Stats[s.Outcome] = s
		w.Volume += s.Volume
		w.Count += s.Count
	}
	return w
}

// Share returns the percentage of window volume bet on outcome.
func (w Window) Share(outcome string) float64 {
	if w.Volume <= 0 {
		return 0
	}
	return w.Stats[outcome].Volume / w.Volume * 100
}

// Dominant returns the outcome with the highest volume and its share. Ties go
// to the lexically smaller outcome so results are stable.
func (w Window) Dominant() (string, float64) {
	outcomes := make([]string, 0, len(w.Stats))
	for o := range w.Stats {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)

	best := ""
	for _, o := range outcomes {
		if best == "" || w.Stats[o].Volume > w.Stats[best].Volume {
			best = o
		}
	}
	if best == "" {
		return "", 0
	}
	return best, w.Share(best)
}

// Round2 rounds to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Opposite returns the other side of a binary market, or "" when unknown.
func Opposite(outcome string) string {
	switch outcome {
	case domain.OutcomeYes:
		return domain.OutcomeNo
	case domain.OutcomeNo:
		return domain.OutcomeYes
	}
	return ""
}
