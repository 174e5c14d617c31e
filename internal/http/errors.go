package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pulsed/internal/eventstore"
	"github.com/fyrsmithlabs/pulsed/internal/ingest"
	"github.com/fyrsmithlabs/pulsed/internal/query"
	"github.com/fyrsmithlabs/pulsed/internal/sessions"
	"github.com/fyrsmithlabs/pulsed/internal/vault"
)

// Error codes returned in ErrorResponse.Error.
const (
	CodeValidation           = "validation"
	CodeConfirmationRequired = "confirmation_required"
	CodePayloadTooLarge      = "payload_too_large"
	CodeFutureTimestamp      = "future_timestamp"
	CodeRateLimited          = "rate_limited"
	CodeEncryption           = "encryption"
	CodeUnavailable          = "unavailable"
	CodeTimeout              = "timeout"
	CodeInternal             = "internal"
)

// requestError reports a malformed parameter or body that never reached
// a service.
type requestError struct {
	Field  string
	Reason string
}

func (e *requestError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// classify maps an error to a status code and response body. Messages for
// server-side failures are generic; the cause is only logged.
func classify(err error) (int, ErrorResponse) {
	var (
		reqErr     *requestError
		ingestErr  *ingest.ValidationError
		argErr     *query.ArgumentError
		sessionErr *sessions.ValidationError
		sizeErr    *ingest.PayloadTooLargeError
		httpErr    *echo.HTTPError
	)
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, ErrorResponse{Error: CodeValidation, Field: reqErr.Field, Message: reqErr.Error()}
	case errors.As(err, &ingestErr):
		return http.StatusBadRequest, ErrorResponse{Error: CodeValidation, Field: ingestErr.Field, Message: ingestErr.Error()}
	case errors.As(err, &argErr):
		return http.StatusBadRequest, ErrorResponse{Error: CodeValidation, Field: argErr.Field, Message: argErr.Error()}
	case errors.As(err, &sessionErr):
		return http.StatusBadRequest, ErrorResponse{Error: CodeValidation, Field: sessionErr.Field, Message: sessionErr.Error()}
	case errors.Is(err, query.ErrConfirmationRequired):
		return http.StatusBadRequest, ErrorResponse{Error: CodeConfirmationRequired, Field: "confirm", Message: "pass confirm=true to delete every event in the session"}
	case errors.As(err, &sizeErr):
		return http.StatusRequestEntityTooLarge, ErrorResponse{Error: CodePayloadTooLarge, Field: "payload", Message: sizeErr.Error()}
	case errors.Is(err, eventstore.ErrFutureTimestamp):
		return http.StatusUnprocessableEntity, ErrorResponse{Error: CodeFutureTimestamp, Field: "timestamp", Message: "timestamp is too far in the future"}
	case errors.Is(err, ingest.ErrRateLimited):
		return http.StatusTooManyRequests, ErrorResponse{Error: CodeRateLimited, Message: "session rate limit exceeded"}
	case errors.Is(err, vault.ErrEncryption):
		return http.StatusInternalServerError, ErrorResponse{Error: CodeEncryption, Message: "payload encryption failed"}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrorResponse{Error: CodeTimeout, Message: "storage did not respond in time"}
	case eventstore.IsTransient(err):
		return http.StatusServiceUnavailable, ErrorResponse{Error: CodeUnavailable, Message: "storage temporarily unavailable"}
	case errors.As(err, &httpErr):
		return httpErr.Code, ErrorResponse{Error: statusCode(httpErr.Code), Message: fmt.Sprint(httpErr.Message)}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: CodeInternal, Message: "internal error"}
	}
}

func statusCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return CodeValidation
	case http.StatusRequestEntityTooLarge:
		return CodePayloadTooLarge
	case http.StatusTooManyRequests:
		return CodeRateLimited
	}
	return strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "_")
}

// handleError is the echo error handler for every route.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, body := classify(err)
	c.Set(errorCodeKey, body.Error)
	fields := []zap.Field{
		zap.String("method", c.Request().Method),
		zap.String("path", c.Path()),
		zap.Int("status", status),
		zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
		zap.Error(err),
	}
	switch {
	case status >= http.StatusInternalServerError:
		s.logger.Error("request failed", fields...)
	case status != http.StatusNotFound:
		s.logger.Debug("request rejected", fields...)
	}

	if status == http.StatusTooManyRequests {
		c.Response().Header().Set("Retry-After", "1")
	}
	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(status)
	} else {
		werr = c.JSON(status, body)
	}
	if werr != nil {
		s.logger.Warn("failed to write error response", zap.Error(werr))
	}
}
