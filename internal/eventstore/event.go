// Package eventstore provides time-indexed, append-only storage for
// encrypted context events.
//
// Events are partitioned by session and ordered by (Timestamp, ID). The
// store never sees plaintext: Payload is vault ciphertext, and the
// Fingerprint used for de-duplication is a keyed hash computed by the
// caller.
package eventstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
	"unicode/utf8"
)

// Agent identifies the tool that produced an event.
type Agent string

const (
	AgentEditor   Agent = "editor"
	AgentTerminal Agent = "terminal"
	AgentBrowser  Agent = "browser"
	AgentDebug    Agent = "debug"
	AgentGit      Agent = "git"
	AgentSystem   Agent = "system"
)

// Agents lists every known agent.
var Agents = []Agent{AgentEditor, AgentTerminal, AgentBrowser, AgentDebug, AgentGit, AgentSystem}

// Valid reports whether a is a known agent.
func (a Agent) Valid() bool {
	for _, known := range Agents {
		if a == known {
			return true
		}
	}
	return false
}

// Well-known event types. The vocabulary is open; clients may send others.
const (
	TypeFileCreated     = "file_created"
	TypeFileModified    = "file_modified"
	TypeFileDeleted     = "file_deleted"
	TypeFileRenamed     = "file_renamed"
	TypeEditorFocus     = "editor_focus"
	TypeEditorBlur      = "editor_blur"
	TypeCursorMoved     = "cursor_moved"
	TypeTextSelected    = "text_selected"
	TypeCodeExecuted    = "code_executed"
	TypeTestRun         = "test_run"
	TypeTestPassed      = "test_passed"
	TypeTestFailed      = "test_failed"
	TypeCommandExecuted = "command_executed"
	TypeCommandFailed   = "command_failed"
	TypeTerminalOutput  = "terminal_output"
	TypeCommitCreated   = "commit_created"
	TypeBranchSwitched  = "branch_switched"
	TypeMergeConflict   = "merge_conflict"
	TypeErrorOccurred   = "error_occurred"
	TypeBuildFailed     = "build_failed"
	TypeTabActivated    = "tab_activated"
	TypeDebugStarted    = "debug_started"
	TypeDebugStopped    = "debug_stopped"
)

// MaxTypeLen bounds the length of an event type.
const MaxTypeLen = 64

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidSessionID reports whether id is an acceptable session identifier.
// Session IDs double as NATS subject tokens, so dots and wildcards are excluded.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// Event is a stored context event. Events are immutable once appended.
type Event struct {
	ID        string
	SessionID string
	Agent     Agent
	Type      string
	Payload   []byte
	Timestamp time.Time

	// FilePath and LineNumber are optional plaintext locality hints. They are
	// only set when the client opted in and the path is not sensitive.
	FilePath   string
	LineNumber int

	// Fingerprint is a keyed hash of the plaintext payload, used only for de-duplication.
	Fingerprint [32]byte
	ReceivedAt  time.Time
}

// Validate checks the fields a store relies on.
func (e *Event) Validate() error {
	switch {
	case !ValidSessionID(e.SessionID):
		return fmt.Errorf("%w: session id %q", ErrInvalidEvent, e.SessionID)
	case !e.Agent.Valid():
		return fmt.Errorf("%w: unknown agent %q", ErrInvalidEvent, e.Agent)
	case e.Type == "" || len(e.Type) > MaxTypeLen || !utf8.ValidString(e.Type):
		return fmt.Errorf("%w: event type must be 1-%d valid UTF-8 bytes", ErrInvalidEvent, MaxTypeLen)
	case e.Timestamp.IsZero() || e.Timestamp.Before(minTimestamp):
		return fmt.Errorf("%w: timestamp %v out of range", ErrInvalidEvent, e.Timestamp)
	case e.LineNumber < 0:
		return fmt.Errorf("%w: negative line number", ErrInvalidEvent)
	}
	return nil
}

var minTimestamp = time.Unix(0, 0)

// DedupKey identifies events that are coalesced on append: same session,
// agent, type and payload, with reported timestamps in the same window
// bucket.
func DedupKey(e *Event, window time.Duration) string {
	bucket := e.Timestamp.UnixNano()
	if window > 0 {
		bucket = e.Timestamp.Truncate(window).UnixNano()
	}
	return e.SessionID + "|" + string(e.Agent) + "|" + e.Type + "|" +
		strconv.FormatInt(bucket, 10) + "|" + hex.EncodeToString(e.Fingerprint[:])
}

// less orders events by (Timestamp, ID).
func less(a, b *Event) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.ID < b.ID
	}
	return a.Timestamp.Before(b.Timestamp)
}

func (e *Event) clone() Event {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	return c
}

// AppendResult reports the outcome of an append. When Duplicate is true,
// ID is the ID of the event already stored.
type AppendResult struct {
	ID        string
	Duplicate bool
}

var (
	// ErrFutureTimestamp is returned for events stamped beyond the allowed clock skew.
	ErrFutureTimestamp = errors.New("event timestamp too far in the future")

	// ErrInvalidEvent is returned for events missing required fields.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("event store closed")

	// ErrTransient marks backend failures worth retrying.
	ErrTransient = errors.New("transient store failure")
)

// TransientError wraps a retriable backend failure.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient store failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() []error {
	return []error{ErrTransient, e.Err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Store is the event storage contract implemented by every backend.
type Store interface {
	// Append stores e, assigning ID and ReceivedAt if unset.
	Append(ctx context.Context, e *Event) (AppendResult, error)

	// QueryWindow returns events in [from, to] ordered by (Timestamp, ID).
	// A zero from or to is unbounded. The result is a copy.
	QueryWindow(ctx context.Context, sessionID string, from, to time.Time) ([]Event, error)

	// SweepExpired deletes events older than now-retention in batches.
	SweepExpired(ctx context.Context, retention time.Duration) (int, error)

	// Wipe deletes every event for a session before returning.
	Wipe(ctx context.Context, sessionID string) (int, error)

	// Count returns the number of stored events for a session, or all
	// sessions when sessionID is empty.
	Count(ctx context.Context, sessionID string) (int, error)

	Close() error
}

// Options tunes store behavior shared by all backends.
type Options struct {
	MaxFutureSkew  time.Duration
	DedupWindow    time.Duration
	SweepBatchSize int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxFutureSkew:  24 * time.Hour,
		DedupWindow:    2 * time.Second,
		SweepBatchSize: 500,
		Now:            time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxFutureSkew <= 0 {
		o.MaxFutureSkew = d.MaxFutureSkew
	}
	if o.DedupWindow < 0 {
		o.DedupWindow = 0
	}
	if o.SweepBatchSize <= 0 {
		o.SweepBatchSize = d.SweepBatchSize
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// prepare validates e and fills ID and ReceivedAt.
func (o Options) prepare(e *Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	now := o.Now()
	if e.Timestamp.After(now.Add(o.MaxFutureSkew)) {
		return fmt.Errorf("%w: %s is more than %s ahead", ErrFutureTimestamp, e.Timestamp.Format(time.RFC3339), o.MaxFutureSkew)
	}
	if e.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		e.ID = id
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = now
	}
	e.Timestamp = e.Timestamp.UTC()
	return nil
}
