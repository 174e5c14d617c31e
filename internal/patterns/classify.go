package patterns

import (
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/pulsed/internal/eventstore"
)

// sorted returns a copy of events ordered by (Timestamp, ID).
func sorted(events []eventstore.Event) []eventstore.Event {
	out := make([]eventstore.Event, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// isError reports whether an event type signals a failure. The vocabulary
// is open, so any type naming an error or a failure counts.
func isError(e eventstore.Event) bool {
	t := strings.ToLower(e.Type)
	return strings.Contains(t, "error") || strings.Contains(t, "fail")
}

// isEdit reports whether e changed a file.
func isEdit(e eventstore.Event) bool {
	switch e.Type {
	case eventstore.TypeFileModified, eventstore.TypeFileCreated:
		return e.FilePath != ""
	}
	return false
}

// resetsLoop reports whether e marks verified progress.
func resetsLoop(e eventstore.Event) bool {
	return e.Type == eventstore.TypeTestPassed || e.Type == eventstore.TypeCommitCreated
}

// onTask reports whether e is work rather than wandering. Browser and
// system events, blur and tab changes count as off task.
func onTask(e eventstore.Event) bool {
	switch e.Agent {
	case eventstore.AgentBrowser, eventstore.AgentSystem:
		return false
	}
	switch e.Type {
	case eventstore.TypeEditorBlur, eventstore.TypeTabActivated:
		return false
	}
	return true
}

// localityKey names where the developer's attention is. Browser events
// collapse to the agent; other events use their file path when present.
func localityKey(e eventstore.Event) string {
	if e.Agent == eventstore.AgentBrowser {
		return "agent:" + string(e.Agent)
	}
	return e.FilePath
}

// countSwitches counts transitions between successive locality keys.
// Events without a locality are ignored.
func countSwitches(events []eventstore.Event) int {
	var switches int
	var last string
	for _, e := range events {
		key := localityKey(e)
		if key == "" {
			continue
		}
		if last != "" && key != last {
			switches++
		}
		last = key
	}
	return switches
}

// span is the time covered by an ordered slice.
func span(events []eventstore.Event) time.Duration {
	if len(events) < 2 {
		return 0
	}
	return events[len(events)-1].Timestamp.Sub(events[0].Timestamp)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
