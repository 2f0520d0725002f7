package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWebhookDispatcher(t *testing.T) {
	t.Run("delivers payload", func(t *testing.T) {
		received := make(chan webhookPayload, 1)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var p webhookPayload
			require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
			received <- p
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		d := NewWebhookDispatcher(srv.URL, zap.NewNop())
		d.Send(context.Background(), "ops", "object-store offline", SeverityCritical,
			map[string]string{"service": "object-store"})

		select {
		case p := <-received:
			assert.Equal(t, "ops", p.Target)
			assert.Equal(t, SeverityCritical, p.Severity)
			assert.Equal(t, "object-store", p.Metadata["service"])
		case <-time.After(2 * time.Second):
			t.Fatal("webhook never delivered")
		}
	})

	t.Run("does not block on unreachable endpoint", func(t *testing.T) {
		d := NewWebhookDispatcher("http://127.0.0.1:1", zap.NewNop())

		done := make(chan struct{})
		go func() {
			d.Send(context.Background(), "ops", "msg", SeverityInfo, nil)
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("send blocked on delivery")
		}
	})
}

type countingDispatcher struct {
	sent int
}

func (c *countingDispatcher) Send(context.Context, string, string, string, map[string]string) {
	c.sent++
}

func TestRateLimited(t *testing.T) {
	inner := &countingDispatcher{}
	d := NewRateLimited(inner, 2, zap.NewNop()) // burst of 1

	for i := 0; i < 5; i++ {
		d.Send(context.Background(), "ops", "msg", SeverityWarning, nil)
	}

	assert.Equal(t, 1, inner.sent, "burst of one should pass exactly one notification")
}
