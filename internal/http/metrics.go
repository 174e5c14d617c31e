package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/pulsed/internal/http"

// errorCodeKey carries the ErrorResponse code from handleError to the
// metrics middleware.
const errorCodeKey = "pulsed.error_code"

// requestMetrics records per-route request counts, latency and rejections.
// Instruments that fail to register stay nil and are skipped.
type requestMetrics struct {
	requests metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

func newRequestMetrics(meter metric.Meter, logger *zap.Logger) *requestMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &requestMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"pulsed.http.requests_total",
		metric.WithDescription("HTTP requests by method, route template and status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create requests counter", zap.Error(err))
	}

	m.errors, err = meter.Int64Counter(
		"pulsed.http.errors_total",
		metric.WithDescription("Rejected or failed HTTP requests by route template and error code"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create errors counter", zap.Error(err))
	}

	m.duration, err = meter.Float64Histogram(
		"pulsed.http.request_duration_seconds",
		metric.WithDescription("HTTP request latency by method, route template and status"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.inFlight, err = meter.Int64UpDownCounter(
		"pulsed.http.active_requests",
		metric.WithDescription("HTTP requests currently being served"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create active requests gauge", zap.Error(err))
	}
	return m
}

// middleware resolves handler errors itself so the status it records is
// the one written to the client.
func (m *requestMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			if err := next(c); err != nil {
				c.Error(err)
			}

			status := c.Response().Status
			endpoint := routeLabel(c.Path(), status)
			m.record(ctx, c.Request().Method, endpoint, status, time.Since(start))
			if status >= http.StatusBadRequest {
				code, _ := c.Get(errorCodeKey).(string)
				if code == "" {
					code = statusCode(status)
				}
				if m.errors != nil {
					m.errors.Add(ctx, 1, metric.WithAttributes(
						attribute.String("endpoint", endpoint),
						attribute.String("code", code),
					))
				}
			}
			return nil
		}
	}
}

func (m *requestMetrics) record(ctx context.Context, method, endpoint string, status int, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", status),
	)
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

// routeLabel turns an echo route template into a metric label, so session
// IDs never become label values. Unrouted paths share one label.
func routeLabel(path string, status int) string {
	if status == http.StatusNotFound {
		return "unmatched"
	}
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if strings.HasPrefix(seg, ":") {
			segments[i] = "{" + seg[1:] + "}"
		}
	}
	return strings.Join(segments, "/")
}
