package http

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// LeaveRequest identifies the client leaving a session. It is read from
// the query string or a JSON body.
type LeaveRequest struct {
	SessionID string `json:"session_id" query:"session_id"`
	ClientID  string `json:"client_id" query:"client_id"`
}

// WipeResponse is the response body for DELETE /api/v1/sessions/:session_id/events.
type WipeResponse struct {
	SessionID string `json:"session_id"`
	Deleted   int    `json:"deleted"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}
