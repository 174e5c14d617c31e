package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// client talks to a pulsed server.
type client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
}

// apiError is a non-2xx reply decoded from the server's error body.
type apiError struct {
	Status  int
	Code    string `json:"error"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("server returned status %d (%s, field %s): %s", e.Status, e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("server returned status %d (%s): %s", e.Status, e.Code, e.Message)
}

// do sends body as JSON and returns the raw response body.
func (c *client) do(method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	url := strings.TrimRight(c.baseURL, "/") + path
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	hc := c.http
	if hc == nil {
		hc = &http.Client{Timeout: c.timeout}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil || apiErr.Code == "" {
			apiErr.Code = strings.ToLower(http.StatusText(resp.StatusCode))
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return nil, apiErr
	}
	return data, nil
}

// printJSON indents a JSON response for the terminal.
func printJSON(w io.Writer, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
