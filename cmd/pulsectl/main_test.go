package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorded is one request observed by the stub server.
type recorded struct {
	Method string
	Path   string
	Query  string
	Body   map[string]any
}

func stubServer(t *testing.T, status int, reply string) (*httptest.Server, *[]recorded) {
	t.Helper()
	var seen []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{Method: r.Method, Path: r.URL.EscapedPath(), Query: r.URL.RawQuery}
		data, _ := io.ReadAll(r.Body)
		if len(data) > 0 {
			assert.NoError(t, json.Unmarshal(data, &rec.Body))
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		}
		seen = append(seen, rec)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestHealth(t *testing.T) {
	srv, seen := stubServer(t, http.StatusOK, `{"status":"ok"}`)

	out, err := execute(t, "", "--server", srv.URL, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "Server Status: ok")
	require.Len(t, *seen, 1)
	assert.Equal(t, http.MethodGet, (*seen)[0].Method)
	assert.Equal(t, "/health", (*seen)[0].Path)
}

func TestSend(t *testing.T) {
	t.Run("inline payload", func(t *testing.T) {
		srv, seen := stubServer(t, http.StatusCreated, `{"event_id":"e1","duplicate":false}`)

		out, err := execute(t, "", "--server", srv.URL, "send",
			"--session", "sess_1", "--type", "file_modified",
			"--payload", `{"diff":"+x"}`, "--file", "main.go", "--line", "12",
			"--timestamp", "2026-01-02T03:04:05Z")
		require.NoError(t, err)
		assert.Contains(t, out, `"event_id": "e1"`)

		require.Len(t, *seen, 1)
		got := (*seen)[0]
		assert.Equal(t, http.MethodPost, got.Method)
		assert.Equal(t, "/api/v1/events", got.Path)
		assert.Equal(t, "sess_1", got.Body["session_id"])
		assert.Equal(t, "editor", got.Body["agent"])
		assert.Equal(t, "file_modified", got.Body["event_type"])
		assert.Equal(t, "2026-01-02T03:04:05Z", got.Body["timestamp"])
		assert.Equal(t, "main.go", got.Body["file_path"])
		assert.Equal(t, float64(12), got.Body["line_number"])
		assert.Equal(t, map[string]any{"diff": "+x"}, got.Body["payload"])
	})

	t.Run("payload from stdin and default timestamp", func(t *testing.T) {
		srv, seen := stubServer(t, http.StatusCreated, `{"event_id":"e2","duplicate":false}`)

		_, err := execute(t, `{"cmd":"go test"}`, "--server", srv.URL, "send",
			"--session", "sess_1", "--agent", "terminal", "--type", "command_run", "--payload", "-")
		require.NoError(t, err)
		require.Len(t, *seen, 1)
		assert.Equal(t, map[string]any{"cmd": "go test"}, (*seen)[0].Body["payload"])
		assert.NotEmpty(t, (*seen)[0].Body["timestamp"])
	})

	t.Run("payload from file", func(t *testing.T) {
		srv, seen := stubServer(t, http.StatusCreated, `{"event_id":"e3","duplicate":true}`)
		path := filepath.Join(t.TempDir(), "payload.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"url":"https://go.dev"}`), 0o600))

		_, err := execute(t, "", "--server", srv.URL, "send",
			"--session", "sess_1", "--agent", "browser", "--type", "page_visit", "--payload", "@"+path)
		require.NoError(t, err)
		require.Len(t, *seen, 1)
		assert.Equal(t, map[string]any{"url": "https://go.dev"}, (*seen)[0].Body["payload"])
	})

	t.Run("invalid payload is rejected locally", func(t *testing.T) {
		srv, seen := stubServer(t, http.StatusCreated, `{}`)

		_, err := execute(t, "", "--server", srv.URL, "send",
			"--session", "sess_1", "--type", "file_modified", "--payload", "not json")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "valid JSON")
		assert.Empty(t, *seen)
	})

	t.Run("missing required flags", func(t *testing.T) {
		_, err := execute(t, "", "send", "--type", "file_modified")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "session")
	})
}

func TestSyncAndLeave(t *testing.T) {
	srv, seen := stubServer(t, http.StatusOK, `{"session_id":"sess_1","active_client_id":"c1","is_active":true}`)

	out, err := execute(t, "", "--server", srv.URL, "sync",
		"--session", "sess_1", "--client", "c1", "--platform", "vscode")
	require.NoError(t, err)
	assert.Contains(t, out, `"active_client_id": "c1"`)
	require.Len(t, *seen, 1)
	assert.Equal(t, "/api/v1/sessions/sync", (*seen)[0].Path)
	assert.Equal(t, "vscode", (*seen)[0].Body["platform"])

	out, err = execute(t, "", "--server", srv.URL, "leave", "--session", "sess 1", "--client", "c&1")
	require.NoError(t, err)
	assert.Contains(t, out, "left session sess 1")
	require.Len(t, *seen, 2)
	assert.Equal(t, http.MethodDelete, (*seen)[1].Method)
	assert.Equal(t, "client_id=c%261&session_id=sess+1", (*seen)[1].Query)
}

func TestSessionReads(t *testing.T) {
	tests := []struct {
		args      []string
		wantPath  string
		wantQuery string
	}{
		{[]string{"status", "sess_1"}, "/api/v1/sessions/sess_1/status", ""},
		{[]string{"window", "sess_1"}, "/api/v1/sessions/sess_1/events", "window_minutes=60"},
		{[]string{"window", "sess_1", "--minutes", "15"}, "/api/v1/sessions/sess_1/events", "window_minutes=15"},
		{[]string{"flow", "sess_1"}, "/api/v1/sessions/sess_1/flow", ""},
		{[]string{"stuck", "sess_1"}, "/api/v1/sessions/sess_1/stuck", ""},
		{[]string{"energy", "sess_1"}, "/api/v1/sessions/sess_1/energy", ""},
		{[]string{"break", "sess_1"}, "/api/v1/sessions/sess_1/break", ""},
		{[]string{"flow", "a/b"}, "/api/v1/sessions/a%2Fb/flow", ""},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			srv, seen := stubServer(t, http.StatusOK, `{"source":"live"}`)

			out, err := execute(t, "", append([]string{"--server", srv.URL}, tt.args...)...)
			require.NoError(t, err)
			assert.Contains(t, out, `"source": "live"`)
			require.Len(t, *seen, 1)
			assert.Equal(t, http.MethodGet, (*seen)[0].Method)
			assert.Equal(t, tt.wantPath, (*seen)[0].Path)
			assert.Equal(t, tt.wantQuery, (*seen)[0].Query)
		})
	}
}

func TestWipe(t *testing.T) {
	t.Run("requires --yes", func(t *testing.T) {
		srv, seen := stubServer(t, http.StatusOK, `{}`)
		_, err := execute(t, "", "--server", srv.URL, "wipe", "sess_1")
		require.Error(t, err)
		assert.Empty(t, *seen)
	})

	t.Run("confirmed", func(t *testing.T) {
		srv, seen := stubServer(t, http.StatusOK, `{"session_id":"sess_1","deleted":3}`)
		out, err := execute(t, "", "--server", srv.URL, "wipe", "sess_1", "--yes")
		require.NoError(t, err)
		assert.Contains(t, out, `"deleted": 3`)
		require.Len(t, *seen, 1)
		assert.Equal(t, http.MethodDelete, (*seen)[0].Method)
		assert.Equal(t, "/api/v1/sessions/sess_1/events", (*seen)[0].Path)
		assert.Equal(t, "confirm=true", (*seen)[0].Query)
	})
}

func TestAPIErrors(t *testing.T) {
	t.Run("structured error body", func(t *testing.T) {
		srv, _ := stubServer(t, http.StatusBadRequest,
			`{"error":"validation","field":"agent","message":"unknown agent"}`)

		_, err := execute(t, "", "--server", srv.URL, "status", "sess_1")
		require.Error(t, err)
		var apiErr *apiError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadRequest, apiErr.Status)
		assert.Equal(t, "validation", apiErr.Code)
		assert.Equal(t, "server returned status 400 (validation, field agent): unknown agent", err.Error())
	})

	t.Run("plain text body", func(t *testing.T) {
		srv, _ := stubServer(t, http.StatusBadGateway, "upstream down")

		_, err := execute(t, "", "--server", srv.URL, "flow", "sess_1")
		require.Error(t, err)
		assert.Equal(t, "server returned status 502 (bad gateway): upstream down", err.Error())
	})

	t.Run("unreachable server", func(t *testing.T) {
		_, err := execute(t, "", "--server", "http://127.0.0.1:1", "--timeout", "200ms", "health")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to send request")
	})
}
