package http_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pulsed/internal/eventstore"
	httpserver "github.com/fyrsmithlabs/pulsed/internal/http"
	"github.com/fyrsmithlabs/pulsed/internal/ingest"
	"github.com/fyrsmithlabs/pulsed/internal/query"
	"github.com/fyrsmithlabs/pulsed/internal/sessions"
	"github.com/fyrsmithlabs/pulsed/internal/vault"
)

// ExampleServer wires in-memory components behind the HTTP API and sends
// one heartbeat.
func ExampleServer() {
	ring, err := vault.GenerateKeyRing()
	if err != nil {
		panic(err)
	}
	v, err := vault.New(ring)
	if err != nil {
		panic(err)
	}

	store := eventstore.NewMemoryStore(eventstore.DefaultOptions())
	registry, err := sessions.NewRegistry(sessions.NewMemoryBackend(), sessions.Options{})
	if err != nil {
		panic(err)
	}
	gateway, err := ingest.NewGateway(store, v, registry, nil, ingest.Options{})
	if err != nil {
		panic(err)
	}
	svc, err := query.NewService(store, v, query.Options{})
	if err != nil {
		panic(err)
	}

	server, err := httpserver.NewServer(gateway, svc, registry, zap.NewNop(), nil)
	if err != nil {
		panic(err)
	}

	body := strings.NewReader(`{"session_id":"demo","client_id":"laptop"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/sync", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	fmt.Println(rec.Code)
	// Output: 200
}
