// Package query serves reads over stored events: decrypted windows and
// behavioral analytics.
//
// Analytics reads degrade instead of failing. Each read runs under a
// timeout; when the store is slow or transiently unavailable the last
// cached snapshot is returned, and without one a neutral default. Every
// result says which of the three it is.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pulsed/internal/eventstore"
	"github.com/fyrsmithlabs/pulsed/internal/patterns"
)

const instrumentationName = "github.com/fyrsmithlabs/pulsed/internal/query"

// MaxWindowMinutes is the widest window GetWindow serves (seven days).
const MaxWindowMinutes = 10080

// Result sources.
const (
	SourceLive    = "live"
	SourceCached  = "cached"
	SourceDefault = "default"
)

var (
	// ErrConfirmationRequired is returned by Wipe without explicit confirmation.
	ErrConfirmationRequired = errors.New("wipe requires confirmation")

	// ErrInvalidArgument is wrapped by every *ArgumentError.
	ErrInvalidArgument = errors.New("invalid argument")
)

// ArgumentError names the offending parameter.
type ArgumentError struct {
	Field  string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ArgumentError) Unwrap() error { return ErrInvalidArgument }

// Store is the subset of eventstore.Store the query service reads.
type Store interface {
	QueryWindow(ctx context.Context, sessionID string, from, to time.Time) ([]eventstore.Event, error)
	Wipe(ctx context.Context, sessionID string) (int, error)
}

// Decrypter opens stored payloads.
type Decrypter interface {
	Decrypt(ciphertext []byte) ([]byte, error)
}

// WindowEvent is a stored event with its payload opened. When the payload
// can not be decrypted PayloadUnavailable is set and Payload is omitted.
type WindowEvent struct {
	ID                 string          `json:"id"`
	SessionID          string          `json:"session_id"`
	Agent              string          `json:"agent"`
	Type               string          `json:"event_type"`
	Timestamp          time.Time       `json:"timestamp"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	PayloadUnavailable bool            `json:"payload_unavailable,omitempty"`
	FilePath           string          `json:"file_path,omitempty"`
	LineNumber         int             `json:"line_number,omitempty"`
}

// Window is the result of GetWindow.
type Window struct {
	SessionID string        `json:"session_id"`
	From      time.Time     `json:"from"`
	To        time.Time     `json:"to"`
	Events    []WindowEvent `json:"events"`
}

// FlowResult is a flow snapshot and where it came from.
type FlowResult struct {
	patterns.FlowSnapshot
	Source string `json:"source"`
}

// StuckResult is a stuck signal and where it came from.
type StuckResult struct {
	patterns.StuckSignal
	Source string `json:"source"`
}

// EnergyResult is an energy report and where it came from.
type EnergyResult struct {
	patterns.EnergyReport
	Source string `json:"source"`
}

// BreakResult holds a break suggestion, or nil when none is warranted.
type BreakResult struct {
	Suggestion *patterns.BreakSuggestion `json:"suggestion"`
	Source     string                    `json:"source"`
}

// Options tunes the service.
type Options struct {
	AnalysisWindow time.Duration
	BreakLookback  time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	CacheTTL       time.Duration
	Patterns       patterns.Config

	Now    func() time.Time
	Logger *zap.Logger
}

// Service answers window and analytics queries.
type Service struct {
	store  Store
	vault  Decrypter
	opts   Options
	logger *zap.Logger
	tracer trace.Tracer

	gens   *generations
	flow   *snapshotCache[patterns.FlowSnapshot]
	stuck  *snapshotCache[patterns.StuckSignal]
	energy *snapshotCache[patterns.EnergyReport]
	breaks *snapshotCache[*patterns.BreakSuggestion]

	fallbacks metric.Int64Counter
}

// NewService creates a query service.
func NewService(store Store, dec Decrypter, opts Options) (*Service, error) {
	if store == nil {
		return nil, errors.New("event store is required")
	}
	if dec == nil {
		return nil, errors.New("vault is required")
	}
	if opts.AnalysisWindow <= 0 {
		opts.AnalysisWindow = time.Hour
	}
	if opts.BreakLookback < opts.AnalysisWindow {
		opts.BreakLookback = opts.AnalysisWindow
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 2 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.CacheTTL < 0 {
		opts.CacheTTL = 0
	}
	if opts.Patterns == (patterns.Config{}) {
		opts.Patterns = patterns.DefaultConfig()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	// Fallback snapshots outlive freshness but not the analysis window.
	maxAge := opts.AnalysisWindow
	gens := newGenerations()
	s := &Service{
		store:  store,
		vault:  dec,
		opts:   opts,
		logger: opts.Logger,
		tracer: otel.Tracer(instrumentationName),
		gens:   gens,
		flow:   newSnapshotCache[patterns.FlowSnapshot](opts.CacheTTL, maxAge, gens),
		stuck:  newSnapshotCache[patterns.StuckSignal](opts.CacheTTL, maxAge, gens),
		energy: newSnapshotCache[patterns.EnergyReport](opts.CacheTTL, maxAge, gens),
		breaks: newSnapshotCache[*patterns.BreakSuggestion](opts.CacheTTL, maxAge, gens),
	}

	var err error
	s.fallbacks, err = otel.Meter(instrumentationName).Int64Counter("pulsed.query.fallbacks",
		metric.WithDescription("Analytics reads served from cache or defaults, labeled by kind and source"),
		metric.WithUnit("{read}"))
	if err != nil {
		s.logger.Warn("failed to create fallback counter", zap.Error(err))
	}
	return s, nil
}

func validSession(sessionID string) error {
	if !eventstore.ValidSessionID(sessionID) {
		return &ArgumentError{Field: "session_id", Reason: "must match [A-Za-z0-9_-]{1,128}"}
	}
	return nil
}

// GetWindow returns the session's events from the last windowMinutes
// minutes with payloads decrypted.
func (s *Service) GetWindow(ctx context.Context, sessionID string, windowMinutes int) (*Window, error) {
	ctx, span := s.tracer.Start(ctx, "Service.GetWindow")
	defer span.End()

	if err := validSession(sessionID); err != nil {
		return nil, err
	}
	if windowMinutes < 1 || windowMinutes > MaxWindowMinutes {
		return nil, &ArgumentError{Field: "window_minutes", Reason: fmt.Sprintf("must be between 1 and %d", MaxWindowMinutes)}
	}
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int("window.minutes", windowMinutes),
	)

	now := s.opts.Now()
	from := now.Add(-time.Duration(windowMinutes) * time.Minute)

	readCtx, cancel := context.WithTimeout(ctx, s.opts.ReadTimeout)
	defer cancel()
	events, err := s.store.QueryWindow(readCtx, sessionID, from, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, fmt.Errorf("reading window: %w", err)
	}

	out := &Window{SessionID: sessionID, From: from, To: now, Events: make([]WindowEvent, 0, len(events))}
	var unavailable int
	for _, e := range events {
		we := WindowEvent{
			ID:         e.ID,
			SessionID:  e.SessionID,
			Agent:      string(e.Agent),
			Type:       e.Type,
			Timestamp:  e.Timestamp,
			FilePath:   e.FilePath,
			LineNumber: e.LineNumber,
		}
		plaintext, err := s.vault.Decrypt(e.Payload)
		switch {
		case err != nil:
			we.PayloadUnavailable = true
			unavailable++
		case len(plaintext) > 0:
			we.Payload = json.RawMessage(plaintext)
		}
		out.Events = append(out.Events, we)
	}
	if unavailable > 0 {
		s.logger.Warn("payloads unavailable in window",
			zap.String("session_id", sessionID),
			zap.Int("count", unavailable))
	}
	span.SetAttributes(attribute.Int("events.count", len(out.Events)))
	return out, nil
}

// GetFlowState returns the session's current flow snapshot.
func (s *Service) GetFlowState(ctx context.Context, sessionID string) (*FlowResult, error) {
	return s.flowState(ctx, sessionID, false)
}

func (s *Service) flowState(ctx context.Context, sessionID string, force bool) (*FlowResult, error) {
	v, src, err := analyze(ctx, s, "flow", sessionID, s.opts.AnalysisWindow, s.flow, force,
		func(events []eventstore.Event, now time.Time) patterns.FlowSnapshot {
			snap := patterns.ComputeFlow(events, s.opts.Patterns)
			snap.ComputedAt = now
			return snap
		},
		func(now time.Time) patterns.FlowSnapshot { return patterns.FlowSnapshot{ComputedAt: now} })
	if err != nil {
		return nil, err
	}
	return &FlowResult{FlowSnapshot: v, Source: src}, nil
}

// GetStuckSignal reports whether the session looks stuck.
func (s *Service) GetStuckSignal(ctx context.Context, sessionID string) (*StuckResult, error) {
	return s.stuckSignal(ctx, sessionID, false)
}

func (s *Service) stuckSignal(ctx context.Context, sessionID string, force bool) (*StuckResult, error) {
	v, src, err := analyze(ctx, s, "stuck", sessionID, s.opts.AnalysisWindow, s.stuck, force,
		func(events []eventstore.Event, now time.Time) patterns.StuckSignal {
			return patterns.DetectStuck(events, now, s.opts.Patterns)
		},
		func(time.Time) patterns.StuckSignal { return patterns.DetectStuck(nil, time.Time{}, s.opts.Patterns) })
	if err != nil {
		return nil, err
	}
	return &StuckResult{StuckSignal: v, Source: src}, nil
}

// GetEnergy returns the session's energy report.
func (s *Service) GetEnergy(ctx context.Context, sessionID string) (*EnergyResult, error) {
	return s.energyReport(ctx, sessionID, false)
}

func (s *Service) energyReport(ctx context.Context, sessionID string, force bool) (*EnergyResult, error) {
	v, src, err := analyze(ctx, s, "energy", sessionID, s.opts.AnalysisWindow, s.energy, force,
		func(events []eventstore.Event, _ time.Time) patterns.EnergyReport {
			return patterns.EnergyScore(events, s.opts.Patterns)
		},
		func(time.Time) patterns.EnergyReport { return patterns.EnergyScore(nil, s.opts.Patterns) })
	if err != nil {
		return nil, err
	}
	return &EnergyResult{EnergyReport: v, Source: src}, nil
}

// GetBreakSuggestion returns a break suggestion when one is warranted.
func (s *Service) GetBreakSuggestion(ctx context.Context, sessionID string) (*BreakResult, error) {
	return s.breakSuggestion(ctx, sessionID, false)
}

func (s *Service) breakSuggestion(ctx context.Context, sessionID string, force bool) (*BreakResult, error) {
	v, src, err := analyze(ctx, s, "break", sessionID, s.opts.BreakLookback, s.breaks, force,
		func(events []eventstore.Event, now time.Time) *patterns.BreakSuggestion {
			return patterns.SuggestBreak(events, now, s.opts.Patterns)
		},
		func(time.Time) *patterns.BreakSuggestion { return nil })
	if err != nil {
		return nil, err
	}
	return &BreakResult{Suggestion: v, Source: src}, nil
}

// analyze serves a fresh cached value, or reads the window and computes
// one; force skips the fresh lookup. Timeouts and transient store
// failures fall back to the last cached value and then to the neutral
// default.
func analyze[T any](
	ctx context.Context,
	s *Service,
	kind, sessionID string,
	window time.Duration,
	cache *snapshotCache[T],
	force bool,
	compute func([]eventstore.Event, time.Time) T,
	neutral func(time.Time) T,
) (T, string, error) {
	var zero T
	ctx, span := s.tracer.Start(ctx, "query."+kind)
	defer span.End()
	span.SetAttributes(attribute.String("query.kind", kind))

	if err := validSession(sessionID); err != nil {
		return zero, "", err
	}
	span.SetAttributes(attribute.String("session.id", sessionID))

	now := s.opts.Now()
	if v, ok := cache.fresh(sessionID, now); ok && !force {
		span.SetAttributes(attribute.String("query.source", SourceCached))
		return v, SourceCached, nil
	}

	gen := s.gens.current(sessionID)
	readCtx, cancel := context.WithTimeout(ctx, s.opts.ReadTimeout)
	defer cancel()
	events, err := s.store.QueryWindow(readCtx, sessionID, now.Add(-window), now)
	if err != nil {
		if !degradable(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "query failed")
			return zero, "", fmt.Errorf("reading %s window: %w", kind, err)
		}
		src := SourceDefault
		v, ok := cache.last(sessionID, now)
		if ok {
			src = SourceCached
		} else {
			v = neutral(now)
		}
		s.logger.Warn("analytics read degraded",
			zap.String("session_id", sessionID),
			zap.String("kind", kind),
			zap.String("source", src),
			zap.Error(err))
		if s.fallbacks != nil {
			s.fallbacks.Add(ctx, 1, metric.WithAttributes(
				attribute.String("kind", kind),
				attribute.String("source", src)))
		}
		span.SetAttributes(attribute.String("query.source", src))
		return v, src, nil
	}

	v := compute(events, now)
	cache.put(sessionID, gen, v, now)
	span.SetAttributes(
		attribute.String("query.source", SourceLive),
		attribute.Int("events.count", len(events)),
	)
	return v, SourceLive, nil
}

// degradable reports whether a read failure should fall back to cache.
// The caller's own cancellation is not degradable.
func degradable(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || eventstore.IsTransient(err)
}

// Refresh recomputes every cached snapshot for sessionID, including fresh
// ones. Existing snapshots are kept as fallbacks if the store is degraded.
func (s *Service) Refresh(ctx context.Context, sessionID string) error {
	if err := validSession(sessionID); err != nil {
		return err
	}
	var errs []error
	if _, err := s.flowState(ctx, sessionID, true); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.stuckSignal(ctx, sessionID, true); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.energyReport(ctx, sessionID, true); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.breakSuggestion(ctx, sessionID, true); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Wipe hard-deletes every stored event for sessionID and drops its cached
// snapshots. Nothing is deleted unless confirm is true.
func (s *Service) Wipe(ctx context.Context, sessionID string, confirm bool) (int, error) {
	ctx, span := s.tracer.Start(ctx, "Service.Wipe")
	defer span.End()

	if err := validSession(sessionID); err != nil {
		return 0, err
	}
	if !confirm {
		return 0, ErrConfirmationRequired
	}
	span.SetAttributes(attribute.String("session.id", sessionID))

	s.gens.bump(sessionID)
	wipeCtx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	n, err := s.store.Wipe(wipeCtx, sessionID)
	// Bump again so computations that read during the wipe are discarded.
	s.gens.bump(sessionID)
	s.flow.drop(sessionID)
	s.stuck.drop(sessionID)
	s.energy.drop(sessionID)
	s.breaks.drop(sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "wipe failed")
		return n, fmt.Errorf("wiping session: %w", err)
	}

	s.logger.Info("session wiped",
		zap.String("session_id", sessionID),
		zap.Int("deleted", n))
	span.SetAttributes(attribute.Int("events.deleted", n))
	return n, nil
}
