// Package patterns derives behavioral state from a window of context events.
//
// Every detector is a pure function of its inputs: the events (in any
// order), an optional reference time and a Config. Nothing here touches
// storage, the clock or the network, so the query layer can run detectors
// under its own timeouts and cache their results.
package patterns

import (
	"time"

	"github.com/fyrsmithlabs/pulsed/internal/config"
)

// Config holds every threshold and weight used by the detectors.
type Config struct {
	// Flow
	FocusThreshold  float64
	RhythmThreshold float64
	SustainedFlow   time.Duration
	Segment         time.Duration
	IdleGap         time.Duration

	// Stuck
	EditLoopCount      int
	EditLoopWindow     time.Duration
	ErrorTimeout       time.Duration
	RepeatedErrorCount int

	// Energy
	MaxSwitchesPerHour float64
	TestPassWeight     float64
	SwitchWeight       float64
	ErrorWeight        float64

	// Breaks
	LongSession     time.Duration
	BreakResetGap   time.Duration
	BreakErrorCount int
	BreakSwitchRate float64
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() Config {
	return FromSettings(config.Default().Patterns)
}

// FromSettings converts operator configuration into detector configuration.
func FromSettings(s config.PatternsConfig) Config {
	return Config{
		FocusThreshold:     s.FocusThreshold,
		RhythmThreshold:    s.RhythmThreshold,
		SustainedFlow:      s.SustainedFlow,
		Segment:            s.Segment,
		IdleGap:            s.IdleGap,
		EditLoopCount:      s.EditLoopCount,
		EditLoopWindow:     s.EditLoopWindow,
		ErrorTimeout:       s.ErrorTimeout,
		RepeatedErrorCount: s.RepeatedErrorCount,
		MaxSwitchesPerHour: s.MaxSwitchesPerHour,
		TestPassWeight:     s.TestPassWeight,
		SwitchWeight:       s.SwitchWeight,
		ErrorWeight:        s.ErrorWeight,
		LongSession:        s.LongSession,
		BreakResetGap:      s.BreakResetGap,
		BreakErrorCount:    s.BreakErrorCount,
		BreakSwitchRate:    s.BreakSwitchRate,
	}
}
