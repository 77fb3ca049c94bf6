package app_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeafMist/flash-digest/internal/app"
	"github.com/DeafMist/flash-digest/internal/config"
)

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func baseEnv(t *testing.T, feedURL string) {
	t.Helper()
	t.Setenv("STORAGE_PATH", t.TempDir())
	t.Setenv("FEED_URL", feedURL)
	t.Setenv("FEED_PAGE_SIZE", "30")
	t.Setenv("FEED_PRE_DELAY", "0s")
	t.Setenv("FEED_MIN_SPACING", "0s")
	t.Setenv("FEED_REQUEST_INTERVAL", "0s")
	t.Setenv("FEED_REQUEST_JITTER", "0s")
	t.Setenv("ELASTICSEARCH_ADDR", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("RABBIT_URI", "")
}

func TestBuildOptionalCollaborators(t *testing.T) {
	baseEnv(t, "http://127.0.0.1:1/feed")
	t.Setenv("WEBHOOK_URLS", "http://127.0.0.1:1/a, http://127.0.0.1:1/b")

	cfg, err := config.LoadWorker()
	require.NoError(t, err)

	stack, err := app.Build(context.Background(), cfg, quietLog())
	require.NoError(t, err)
	defer stack.Close()

	assert.Nil(t, stack.Search)
	assert.Equal(t, 2, stack.Notifier.Len())
	assert.Equal(t, cfg.StoragePath, stack.Archive.Root())
}

func TestBuildEnablesSearchMirror(t *testing.T) {
	baseEnv(t, "http://127.0.0.1:1/feed")
	t.Setenv("ELASTICSEARCH_ADDR", "http://127.0.0.1:9200")

	cfg, err := config.LoadWorker()
	require.NoError(t, err)

	stack, err := app.Build(context.Background(), cfg, quietLog())
	require.NoError(t, err)
	defer stack.Close()

	require.NotNil(t, stack.Search)
	assert.Zero(t, stack.Notifier.Len())
}

func TestPassThenDigestEndToEnd(t *testing.T) {
	ctx := context.Background()
	itemTime := time.Now().Add(-10 * time.Minute).Unix()

	feedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"code":0,"data":{"data":{"news":[
			{"id":"102","time":%d,"title":"Oil rallies","content":"<p>Brent up 3%%.</p>","level":"1"},
			{"id":"101","time":%d,"title":"","content":"Gold steady ahead of data.","level":""}
		],"seqMark":"101","hasMore":false}}}`, itemTime, itemTime-60)
	}))
	defer feedSrv.Close()

	aiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Markets mixed."},"finish_reason":"stop"}]}`))
	}))
	defer aiSrv.Close()

	var (
		mu       sync.Mutex
		received []string
	)
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		received = append(received, body["content"])
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer hookSrv.Close()

	baseEnv(t, feedSrv.URL)
	t.Setenv("AI_BASE_URL", aiSrv.URL)
	t.Setenv("AI_API_KEY", "test-key")
	t.Setenv("WEBHOOK_URLS", hookSrv.URL)

	cfg, err := config.LoadWorker()
	require.NoError(t, err)

	stack, err := app.Build(ctx, cfg, quietLog())
	require.NoError(t, err)
	defer stack.Close()

	report := stack.Orchestrator.RunPass(ctx)
	require.NoError(t, report.Err)
	require.True(t, report.Bootstrap)
	require.Len(t, report.Items, 2)

	// the same head page again yields nothing new
	again := stack.Orchestrator.RunPass(ctx)
	require.NoError(t, again.Err)
	require.Empty(t, again.Items)

	now := time.Now()
	digest, err := stack.Digest.Run(ctx, now.Add(-time.Hour), now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, digest.Items)
	require.True(t, digest.Sent)
	require.Equal(t, "Markets mixed.", digest.Summary)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	require.Contains(t, received[0], "Markets mixed.")
}
