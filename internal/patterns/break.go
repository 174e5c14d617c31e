package patterns

import (
	"fmt"
	"math"
	"time"

	"github.com/fyrsmithlabs/pulsed/internal/eventstore"
)

const (
	// recentEvents is how many trailing events count as "recent" for errors.
	recentEvents = 20
	// breakThreshold is the minimum score that produces a suggestion.
	breakThreshold = 50
)

// BreakSuggestion recommends a pause and explains why.
type BreakSuggestion struct {
	Suggestion         string   `json:"suggestion"`
	Score              float64  `json:"score"`
	Reasons            []string `json:"reasons"`
	RecommendedMinutes int      `json:"recommended_minutes"`
	SessionMinutes     int      `json:"session_minutes"`
}

// SuggestBreak returns a suggestion when fatigue indicators add up, or nil.
//
// The working session starts after the most recent gap longer than
// cfg.BreakResetGap; a real break resets it. Indicators are a long session,
// many errors among the most recent events and a high context-switch rate.
func SuggestBreak(events []eventstore.Event, now time.Time, cfg Config) *BreakSuggestion {
	if len(events) == 0 {
		return nil
	}
	evs := sorted(events)
	for len(evs) > 0 && evs[len(evs)-1].Timestamp.After(now) {
		evs = evs[:len(evs)-1]
	}
	if len(evs) == 0 {
		return nil
	}
	if cfg.BreakResetGap > 0 && now.Sub(evs[len(evs)-1].Timestamp) > cfg.BreakResetGap {
		// Already resting.
		return nil
	}

	start := len(evs) - 1
	for start > 0 {
		if cfg.BreakResetGap > 0 && evs[start].Timestamp.Sub(evs[start-1].Timestamp) > cfg.BreakResetGap {
			break
		}
		start--
	}
	session := evs[start:]
	hours := now.Sub(session[0].Timestamp).Hours()

	recent := session
	if len(recent) > recentEvents {
		recent = recent[len(recent)-recentEvents:]
	}
	var recentErrors int
	for _, e := range recent {
		if isError(e) {
			recentErrors++
		}
	}
	switchRate := float64(countSwitches(session)) / math.Max(hours, minRateSpan)

	var score float64
	reasons := []string{}
	if hours > cfg.LongSession.Hours() {
		score += hours * 10
		reasons = append(reasons, fmt.Sprintf("Long session (%.1f hours)", hours))
	}
	if recentErrors > cfg.BreakErrorCount {
		score += float64(recentErrors) * 5
		reasons = append(reasons, fmt.Sprintf("High error rate (%d recent errors)", recentErrors))
	}
	if switchRate > cfg.BreakSwitchRate {
		score += switchRate * 2
		reasons = append(reasons, fmt.Sprintf("High context switching (%.1f/hour)", switchRate))
	}

	if score <= breakThreshold {
		return nil
	}
	return &BreakSuggestion{
		Suggestion:         "Consider taking a break",
		Score:              math.Round(score*10) / 10,
		Reasons:            reasons,
		RecommendedMinutes: int(math.Min(15+math.Floor(hours*2), 30)),
		SessionMinutes:     int(hours * 60),
	}
}
