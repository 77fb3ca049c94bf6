package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/DeafMist/flash-digest/internal/dedupe"
)

// Common contains archive, mirror and stream parameters shared by every service.
type Common struct {
	StoragePath        string
	Location           *time.Location
	RangeSlack         time.Duration
	ElasticsearchAddr  string // empty disables the search mirror
	ElasticsearchIndex string
	KafkaBrokers       []string // empty disables the event stream
	KafkaTopic         string
}

// Feed describes the upstream endpoint and the politeness policy.
type Feed struct {
	URL             string
	PageSize        int
	Lang            string
	RequestInterval time.Duration
	RequestJitter   time.Duration
	MinSpacing      time.Duration
	PreDelay        time.Duration
	Timeout         time.Duration
	ConnBackoff     time.Duration
	MaxPages        int
	UserAgents      []string
	Referers        []string
}

// AI points at an OpenAI-compatible chat completions endpoint.
type AI struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Notify lists digest destinations.
type Notify struct {
	WebhookURLs      []string
	RabbitURI        string
	RabbitExchange   string
	RabbitRoutingKey string
}

// Worker holds configuration for the acquisition worker.
type Worker struct {
	Common
	Feed           Feed
	AI             AI
	Notify         Notify
	LedgerStrategy dedupe.Strategy
	LedgerCapacity int
	FetchInterval  time.Duration
	DigestInterval time.Duration
}

// API describes HTTP-layer configuration. Manual triggers need the whole
// acquisition stack, so it embeds Worker.
type API struct {
	Worker
	BindAddr string
}

// Retention configures the cleanup loop.
type Retention struct {
	Common
	Interval  time.Duration
	MaxAge    time.Duration
	BatchSize int
}

func loadCommon() (Common, error) {
	tz := getEnv("ARCHIVE_TZ", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Common{}, fmt.Errorf("ARCHIVE_TZ %q: %w", tz, err)
	}

	c := Common{
		StoragePath:        getEnv("STORAGE_PATH", "./data/news"),
		Location:           loc,
		RangeSlack:         getDuration("ARCHIVE_RANGE_SLACK", "24h"),
		ElasticsearchAddr:  getEnv("ELASTICSEARCH_ADDR", ""),
		ElasticsearchIndex: getEnv("ELASTICSEARCH_INDEX", "news"),
		KafkaBrokers:       splitAndTrim(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "news_archived"),
	}

	if c.RangeSlack < 0 {
		return Common{}, fmt.Errorf("ARCHIVE_RANGE_SLACK cannot be negative")
	}
	return c, nil
}

// LoadWorker builds a Worker config from environment variables.
func LoadWorker() (*Worker, error) {
	common, err := loadCommon()
	if err != nil {
		return nil, err
	}

	strategy, err := dedupe.ParseStrategy(getEnv("LEDGER_STRATEGY", string(dedupe.StrategyLastID)))
	if err != nil {
		return nil, fmt.Errorf("LEDGER_STRATEGY: %w", err)
	}

	c := &Worker{
		Common: common,
		Feed: Feed{
			URL:             getEnv("FEED_URL", "https://news.futunn.com/news-site-api/main/get-flash-list"),
			PageSize:        getInt("FEED_PAGE_SIZE", 30),
			Lang:            getEnv("FEED_LANG", "zh-cn"),
			RequestInterval: getDuration("FEED_REQUEST_INTERVAL", "2s"),
			RequestJitter:   getDuration("FEED_REQUEST_JITTER", "1s"),
			MinSpacing:      getDuration("FEED_MIN_SPACING", "1s"),
			PreDelay:        getDuration("FEED_PRE_DELAY", "500ms"),
			Timeout:         getDuration("FEED_TIMEOUT", "10s"),
			ConnBackoff:     getDuration("FEED_CONN_BACKOFF", "30s"),
			MaxPages:        getInt("FEED_MAX_PAGES", 200),
			UserAgents:      splitList(getEnv("FEED_USER_AGENTS", "")),
			Referers:        splitAndTrim(getEnv("FEED_REFERERS", "")),
		},
		AI: AI{
			BaseURL: getEnv("AI_BASE_URL", "https://api.deepseek.com"),
			APIKey:  getEnv("AI_API_KEY", ""),
			Model:   getEnv("AI_MODEL", "deepseek-chat"),
			Timeout: getDuration("AI_TIMEOUT", "60s"),
		},
		Notify: Notify{
			WebhookURLs:      splitAndTrim(getEnv("WEBHOOK_URLS", getEnv("WEBHOOK_URL", ""))),
			RabbitURI:        getEnv("RABBIT_URI", ""),
			RabbitExchange:   getEnv("RABBIT_EXCHANGE", "news.digest"),
			RabbitRoutingKey: getEnv("RABBIT_ROUTING_KEY", "digest.hourly"),
		},
		LedgerStrategy: strategy,
		LedgerCapacity: getInt("LEDGER_CAPACITY", 5000),
		FetchInterval:  getDuration("FETCH_INTERVAL", "1m"),
		DigestInterval: getDuration("DIGEST_INTERVAL", "1h"),
	}

	if c.Feed.URL == "" {
		return nil, fmt.Errorf("FEED_URL must be set")
	}
	if c.Feed.PageSize <= 0 {
		return nil, fmt.Errorf("FEED_PAGE_SIZE must be positive")
	}
	if c.Feed.MaxPages == 0 || c.Feed.MaxPages < -1 {
		return nil, fmt.Errorf("FEED_MAX_PAGES must be positive or -1")
	}
	if c.LedgerCapacity <= 0 {
		return nil, fmt.Errorf("LEDGER_CAPACITY must be positive")
	}
	if c.FetchInterval <= 0 {
		return nil, fmt.Errorf("FETCH_INTERVAL must be positive")
	}
	if c.DigestInterval <= 0 {
		return nil, fmt.Errorf("DIGEST_INTERVAL must be positive")
	}

	return c, nil
}

// LoadTrigger builds the one-shot trigger config. It shares the worker's variables.
func LoadTrigger() (*Worker, error) {
	return LoadWorker()
}

// LoadAPI builds an API config from environment variables.
func LoadAPI() (*API, error) {
	w, err := LoadWorker()
	if err != nil {
		return nil, err
	}
	return &API{
		Worker:   *w,
		BindAddr: getEnv("API_BIND_ADDR", "0.0.0.0:8080"),
	}, nil
}

// LoadRetention builds a Retention config from environment variables.
func LoadRetention() (*Retention, error) {
	common, err := loadCommon()
	if err != nil {
		return nil, err
	}

	c := &Retention{
		Common:    common,
		Interval:  getDuration("RETENTION_CRON", "24h"),
		MaxAge:    getDuration("RETENTION_MAX_AGE", "168h"),
		BatchSize: getInt("RETENTION_BATCH_SIZE", 500),
	}

	if c.MaxAge <= 0 {
		return nil, fmt.Errorf("RETENTION_MAX_AGE must be positive")
	}

	if c.Interval <= 0 {
		return nil, fmt.Errorf("RETENTION_CRON must be positive")
	}

	if c.BatchSize <= 0 {
		return nil, fmt.Errorf("RETENTION_BATCH_SIZE must be positive")
	}

	return c, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key, fallback string) time.Duration {
	raw := getEnv(key, fallback)
	d, err := time.ParseDuration(raw)
	if err != nil {
		fd, ferr := time.ParseDuration(fallback)
		if ferr != nil {
			panic(fmt.Sprintf("invalid fallback duration %q: %v", fallback, ferr))
		}
		return fd
	}
	return d
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// splitList separates on '|' for values that contain commas themselves,
// such as User-Agent strings.
func splitList(raw string) []string {
	parts := strings.Split(raw, "|")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ParseTime reads an instant given as RFC 3339 or as "2006-01-02 15:04:05"
// in loc. A nil loc means UTC.
func ParseTime(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	ts, err := time.ParseInLocation(time.DateTime, raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC 3339 or YYYY-MM-DD HH:MM:SS, got %q", raw)
	}
	return ts, nil
}
