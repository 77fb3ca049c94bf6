package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeafMist/flash-digest/internal/notify"
)

var msg = notify.Message{
	Start: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC),
	Text:  "digest body",
}

func TestWebhookPostsContent(t *testing.T) {
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := notify.NewWebhook(notify.WebhookConfig{URL: srv.URL + "/hook/token", Location: time.FixedZone("UTC+8", 8*3600)})
	require.NoError(t, wh.Send(context.Background(), msg))
	require.Equal(t, "News digest 2024-03-01 18:00:00 ~ 2024-03-01 19:00:00\n\ndigest body", body["content"])
	require.NotContains(t, wh.Name(), "token")
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	keys := make(chan string, 3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys <- r.Header.Get("Idempotency-Key")
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := notify.NewWebhook(notify.WebhookConfig{URL: srv.URL, Backoff: time.Millisecond})
	require.NoError(t, wh.Send(context.Background(), msg))
	require.EqualValues(t, 3, calls.Load())

	first := <-keys
	require.NotEmpty(t, first)
	require.Equal(t, first, <-keys)
	require.Equal(t, first, <-keys)
}

func TestWebhookGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	wh := notify.NewWebhook(notify.WebhookConfig{URL: srv.URL, Backoff: time.Millisecond})
	err := wh.Send(context.Background(), msg)
	require.ErrorContains(t, err, "503")
	require.EqualValues(t, 3, calls.Load())
}

func TestWebhookClientErrorIsFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	wh := notify.NewWebhook(notify.WebhookConfig{URL: srv.URL, Backoff: time.Millisecond})
	err := wh.Send(context.Background(), msg)
	require.ErrorContains(t, err, "bad token")
	require.EqualValues(t, 1, calls.Load())
}
