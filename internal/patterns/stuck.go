package patterns

import (
	"fmt"
	"sort"
	"time"

	"github.com/fyrsmithlabs/pulsed/internal/eventstore"
)

// Stuck patterns. The set is open; consumers should treat unknown values
// as a generic stuck signal.
const (
	PatternRepeatedEditLoop = "repeated_edit_loop"
	PatternIdleWithErrors   = "idle_with_errors"
	PatternRepeatedErrors   = "repeated_errors"
)

// StuckSignal reports whether the developer appears stuck and why.
type StuckSignal struct {
	Detected    bool      `json:"detected"`
	Pattern     string    `json:"pattern,omitempty"`
	FilePath    string    `json:"file_path,omitempty"`
	Occurrences int       `json:"occurrences,omitempty"`
	Since       time.Time `json:"since"`
	Suggestions []string  `json:"suggestions"`
}

// DetectStuck inspects events for stuck patterns as of now. Patterns are
// checked in order: edit loops, then unresolved errors, then repeated
// errors of one type. The first match wins.
func DetectStuck(events []eventstore.Event, now time.Time, cfg Config) StuckSignal {
	none := StuckSignal{Suggestions: []string{}}
	if len(events) == 0 {
		return none
	}
	evs := sorted(events)

	if sig, ok := editLoop(evs, now, cfg); ok {
		return sig
	}
	if sig, ok := idleWithErrors(evs, now, cfg); ok {
		return sig
	}
	if sig, ok := repeatedErrors(evs, now, cfg); ok {
		return sig
	}
	return none
}

// sinceReset returns the events after the last test pass or commit that
// fall within [now-window, now].
func sinceReset(events []eventstore.Event, now time.Time, window time.Duration) []eventstore.Event {
	from := now.Add(-window)
	i := len(events)
	for i > 0 {
		e := events[i-1]
		if e.Timestamp.Before(from) || resetsLoop(e) {
			break
		}
		i--
	}
	out := events[i:]
	for len(out) > 0 && out[len(out)-1].Timestamp.After(now) {
		out = out[:len(out)-1]
	}
	return out
}

func editLoop(events []eventstore.Event, now time.Time, cfg Config) (StuckSignal, bool) {
	if cfg.EditLoopCount <= 0 {
		return StuckSignal{}, false
	}
	counts := make(map[string]int)
	first := make(map[string]time.Time)
	for _, e := range sinceReset(events, now, cfg.EditLoopWindow) {
		if !isEdit(e) {
			continue
		}
		if counts[e.FilePath] == 0 {
			first[e.FilePath] = e.Timestamp
		}
		counts[e.FilePath]++
	}

	path, n := busiest(counts)
	if n < cfg.EditLoopCount {
		return StuckSignal{}, false
	}
	return StuckSignal{
		Detected:    true,
		Pattern:     PatternRepeatedEditLoop,
		FilePath:    path,
		Occurrences: n,
		Since:       first[path],
		Suggestions: []string{
			fmt.Sprintf("You've edited %s %d times without a passing test. Step back and review the overall approach.", path, n),
			"Write a minimal test case that reproduces the issue.",
			"Check your git history to see what was working before.",
			"Take a 5-minute break and come back with a fresh perspective.",
		},
	}, true
}

func idleWithErrors(events []eventstore.Event, now time.Time, cfg Config) (StuckSignal, bool) {
	last := -1
	for i := len(events) - 1; i >= 0; i-- {
		if isError(events[i]) && !events[i].Timestamp.After(now) {
			last = i
			break
		}
	}
	if last < 0 {
		return StuckSignal{}, false
	}
	errEvent := events[last]
	for _, e := range events[last+1:] {
		if e.Timestamp.After(now) {
			break
		}
		if resetsLoop(e) || (e.FilePath != "" && e.FilePath != errEvent.FilePath) {
			return StuckSignal{}, false
		}
	}
	if now.Sub(errEvent.Timestamp) < cfg.ErrorTimeout {
		return StuckSignal{}, false
	}
	return StuckSignal{
		Detected:    true,
		Pattern:     PatternIdleWithErrors,
		FilePath:    errEvent.FilePath,
		Occurrences: 1,
		Since:       errEvent.Timestamp,
		Suggestions: []string{
			"Review the last error message carefully.",
			"Run the failing step in isolation to find the exact failure point.",
			"Explain the problem out loud or ask a teammate for a second look.",
		},
	}, true
}

func repeatedErrors(events []eventstore.Event, now time.Time, cfg Config) (StuckSignal, bool) {
	if cfg.RepeatedErrorCount <= 0 {
		return StuckSignal{}, false
	}
	counts := make(map[string]int)
	first := make(map[string]time.Time)
	for _, e := range sinceReset(events, now, cfg.EditLoopWindow) {
		if !isError(e) {
			continue
		}
		if counts[e.Type] == 0 {
			first[e.Type] = e.Timestamp
		}
		counts[e.Type]++
	}

	typ, n := busiest(counts)
	if n < cfg.RepeatedErrorCount {
		return StuckSignal{}, false
	}
	return StuckSignal{
		Detected:    true,
		Pattern:     PatternRepeatedErrors,
		Occurrences: n,
		Since:       first[typ],
		Suggestions: []string{
			fmt.Sprintf("You've hit %s %d times recently. Review the error messages carefully.", typ, n),
			"Run tests in isolation to identify the specific failure point.",
			"Take a 5-minute break and come back with a fresh perspective.",
		},
	}, true
}

// busiest returns the key with the highest count, ties going to the
// lexicographically smallest key.
func busiest(counts map[string]int) (string, int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var best string
	var n int
	for _, k := range keys {
		if counts[k] > n {
			best, n = k, counts[k]
		}
	}
	return best, n
}
