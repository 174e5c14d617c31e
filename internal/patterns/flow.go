package patterns

import (
	"math"
	"time"

	"github.com/fyrsmithlabs/pulsed/internal/eventstore"
)

// FlowSnapshot is the flow state derived from one window of events.
type FlowSnapshot struct {
	IsInFlow            bool      `json:"is_in_flow"`
	FocusScore          float64   `json:"focus_score"`
	KeystrokeRhythm     float64   `json:"keystroke_rhythm"`
	ContextSwitches     int       `json:"context_switches"`
	FlowDurationMinutes int       `json:"flow_duration_minutes"`
	EventCount          int       `json:"event_count"`
	ComputedAt          time.Time `json:"computed_at"`
}

// ComputeFlow derives a FlowSnapshot from events.
//
// Focus is the share of on-task events and rhythm is the inverse
// coefficient of variation of inter-event gaps. The developer is in flow
// when trailing segments of cfg.Segment each clear both thresholds and
// together cover at least cfg.SustainedFlow. A gap longer than cfg.IdleGap
// ends the run. ComputedAt is left for the caller.
func ComputeFlow(events []eventstore.Event, cfg Config) FlowSnapshot {
	if len(events) == 0 {
		return FlowSnapshot{}
	}
	evs := sorted(events)

	snap := FlowSnapshot{
		FocusScore:      focus(evs),
		KeystrokeRhythm: rhythm(evs),
		ContextSwitches: countSwitches(evs),
		EventCount:      len(evs),
	}

	run := trailingFlow(evs, cfg)
	snap.FlowDurationMinutes = int(run / time.Minute)
	snap.IsInFlow = run > 0 && run >= cfg.SustainedFlow
	return snap
}

func focus(events []eventstore.Event) float64 {
	if len(events) == 0 {
		return 0
	}
	var n int
	for _, e := range events {
		if onTask(e) {
			n++
		}
	}
	return float64(n) / float64(len(events))
}

// rhythm returns min(1, 1/cv) over inter-event gaps, where cv is the
// coefficient of variation. Fewer than three events give 0; perfectly
// regular gaps give 1.
func rhythm(events []eventstore.Event) float64 {
	if len(events) < 3 {
		return 0
	}
	gaps := make([]float64, 0, len(events)-1)
	var sum float64
	for i := 1; i < len(events); i++ {
		g := events[i].Timestamp.Sub(events[i-1].Timestamp).Seconds()
		gaps = append(gaps, g)
		sum += g
	}
	mean := sum / float64(len(gaps))
	if mean <= 0 {
		// Every event at the same instant carries no rhythm.
		return 0
	}
	var sq float64
	for _, g := range gaps {
		sq += (g - mean) * (g - mean)
	}
	cv := math.Sqrt(sq/float64(len(gaps))) / mean
	if cv == 0 {
		return 1
	}
	return math.Min(1, 1/cv)
}

// trailingFlow returns how much trailing time qualifies as flow.
func trailingFlow(events []eventstore.Event, cfg Config) time.Duration {
	if cfg.Segment <= 0 || len(events) == 0 {
		return 0
	}
	end := events[len(events)-1].Timestamp

	// The run can not extend past the most recent idle gap.
	start := len(events) - 1
	for start > 0 {
		gap := events[start].Timestamp.Sub(events[start-1].Timestamp)
		if cfg.IdleGap > 0 && gap > cfg.IdleGap {
			break
		}
		start--
	}
	burst := events[start:]
	runStart := burst[0].Timestamp

	var covered time.Duration
	hi := len(burst)
	for i := 0; ; i++ {
		segHi := end.Add(-time.Duration(i) * cfg.Segment)
		segLo := segHi.Add(-cfg.Segment)
		if segHi.Before(runStart) {
			break
		}

		lo := hi
		for lo > 0 && burst[lo-1].Timestamp.After(segLo) {
			lo--
		}
		seg := burst[lo:hi]
		if len(seg) < 3 || focus(seg) <= cfg.FocusThreshold || rhythm(seg) <= cfg.RhythmThreshold {
			break
		}

		from := segLo
		if from.Before(runStart) {
			from = runStart
		}
		covered = end.Sub(from)
		hi = lo
		if hi == 0 {
			break
		}
	}
	return covered
}
