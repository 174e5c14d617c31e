package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsSensitivePath(t *testing.T) {
	tests := []struct {
		path      string
		sensitive bool
	}{
		{"internal/api/handler.go", false},
		{"README.md", false},
		{".env", true},
		{"config/.env.local", true},
		{"secrets/prod.yaml", true},
		{"app/.secret", true},
		{"docs/PASSWORD_RESET.md", true},
		{"auth/token_store.go", true},
		{"certs/server.key", true},
		{"repo/.git/HEAD", true},
		{`C:\Users\dev\.ssh\id_rsa`, true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.sensitive, IsSensitivePath(tt.path))
		})
	}
}

func TestLimiters(t *testing.T) {
	t.Run("nil allows everything", func(t *testing.T) {
		var l *limiters
		assert.Nil(t, newLimiters(0, 10))
		for i := 0; i < 100; i++ {
			assert.True(t, l.allow("s", base))
		}
	})

	t.Run("tokens refill over time", func(t *testing.T) {
		l := newLimiters(1, 1)
		assert.True(t, l.allow("s", base))
		assert.False(t, l.allow("s", base))
		assert.True(t, l.allow("s", base.Add(time.Second)))
	})

	t.Run("idle sessions are evicted", func(t *testing.T) {
		l := newLimiters(1, 1)
		l.allow("old", base)
		l.allow("new", base.Add(11*time.Minute))
		assert.Equal(t, 1, l.len())
	})
}
