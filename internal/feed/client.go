// Package feed talks to the upstream flash-news endpoint.
//
// The endpoint is paged with an opaque cursor (seqMark) and answers with a
// nested envelope {"data":{"data":{"news":[...],"seqMark":"..."}}}. The client
// also carries the politeness policy: randomized headers, a minimum spacing
// between requests, a small random delay before each request and a cool-down
// after connection failures.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/DeafMist/flash-digest/internal/models"
)

const maxBodyBytes = 10 << 20

// ErrMalformed means the response did not have the expected nested shape.
// It is never the same thing as an empty page.
var ErrMalformed = errors.New("feed: malformed response")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("feed: upstream status %d: %s", e.Code, e.Body)
}

// Config describes the upstream endpoint and the request policy.
type Config struct {
	URL         string
	PageSize    int
	Lang        string
	Timeout     time.Duration // per request
	MinSpacing  time.Duration // minimum time between two requests
	PreDelay    time.Duration // upper bound of the random delay before a request
	ConnBackoff time.Duration // wait after refused or timed out connections
	UserAgents  []string
	Referers    []string
}

var (
	defaultUserAgents = []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_6) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
		"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
		"Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
	}
	defaultReferers = []string{
		"https://news.futunn.com/",
		"https://news.futunn.com/main/live",
		"https://www.futunn.com/",
	}
)

func (c *Config) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = 30
	}
	if c.Lang == "" {
		c.Lang = "zh-cn"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.ConnBackoff < 0 {
		c.ConnBackoff = 0
	}
	if len(c.UserAgents) == 0 {
		c.UserAgents = defaultUserAgents
	}
	if len(c.Referers) == 0 {
		c.Referers = defaultReferers
	}
}

// Cursor is the opaque continuation token. Empty means the head of the feed.
type Cursor string

func (c *Cursor) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	switch t := v.(type) {
	case nil:
		*c = ""
	case string:
		*c = Cursor(t)
	case json.Number:
		*c = Cursor(t.String())
	default:
		return fmt.Errorf("feed: unsupported cursor %s", data)
	}
	return nil
}

// Page is one decoded upstream page, items newest first.
type Page struct {
	Items   []models.NewsItem
	Cursor  Cursor
	HasMore *bool // nil when the deployment does not send the flag
}

type envelope struct {
	Data *struct {
		Data *struct {
			News    *[]models.NewsItem `json:"news"`
			SeqMark Cursor             `json:"seqMark"`
			HasMore *bool              `json:"hasMore"`
		} `json:"data"`
	} `json:"data"`
}

// Client fetches pages from the upstream feed.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     *slog.Logger

	// overridable in tests
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
	pick   func(n int) int

	mu        sync.Mutex
	coolUntil time.Time
}

// New creates a Client. A nil logger discards output.
func New(cfg Config, log *slog.Logger) *Client {
	cfg.defaults()
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	limit := rate.Inf
	if cfg.MinSpacing > 0 {
		limit = rate.Every(cfg.MinSpacing)
	}

	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 5 * time.Second,
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(limit, 1),
		log:     log,
		now:     time.Now,
		sleep:   Sleep,
		jitter:  randomDuration,
		pick:    rand.IntN,
	}
}

// PageSize returns the number of items requested per page.
func (c *Client) PageSize() int { return c.cfg.PageSize }

// Page requests one page starting at cursor. Any failure returns no page.
func (c *Client) Page(ctx context.Context, cursor Cursor) (Page, error) {
	if err := c.waitCoolDown(ctx); err != nil {
		return Page{}, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return Page{}, fmt.Errorf("feed: rate limiter: %w", err)
	}
	if err := c.sleep(ctx, c.jitter(c.cfg.PreDelay)); err != nil {
		return Page{}, err
	}

	req, err := c.newRequest(ctx, cursor)
	if err != nil {
		return Page{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isConnectionFailure(err) && c.cfg.ConnBackoff > 0 {
			c.startCoolDown()
			c.log.Warn("feed connection failed, backing off",
				slog.Any("err", err),
				slog.Duration("backoff", c.cfg.ConnBackoff),
			)
		}
		return Page{}, fmt.Errorf("feed: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Page{}, &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&env); err != nil {
		return Page{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Data == nil || env.Data.Data == nil || env.Data.Data.News == nil {
		return Page{}, fmt.Errorf("%w: missing data.data.news", ErrMalformed)
	}

	inner := env.Data.Data
	return Page{
		Items:   *inner.News,
		Cursor:  inner.SeqMark,
		HasMore: inner.HasMore,
	}, nil
}

func (c *Client) newRequest(ctx context.Context, cursor Cursor) (*http.Request, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("feed: parse url: %w", err)
	}
	q := u.Query()
	q.Set("pageSize", strconv.Itoa(c.cfg.PageSize))
	q.Set("_t", strconv.FormatInt(c.now().UnixMilli(), 10))
	q.Set("lang", c.cfg.Lang)
	if cursor != "" {
		q.Set("seqMark", string(cursor))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("feed: new request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("User-Agent", c.cfg.UserAgents[c.pick(len(c.cfg.UserAgents))])
	req.Header.Set("Referer", c.cfg.Referers[c.pick(len(c.cfg.Referers))])
	return req, nil
}

func (c *Client) startCoolDown() {
	c.mu.Lock()
	c.coolUntil = c.now().Add(c.cfg.ConnBackoff)
	c.mu.Unlock()
}

func (c *Client) waitCoolDown(ctx context.Context) error {
	c.mu.Lock()
	wait := c.coolUntil.Sub(c.now())
	c.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	c.log.Info("feed cooling down before next request", slog.Duration("wait", wait))
	return c.sleep(ctx, wait)
}

func isConnectionFailure(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func randomDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Jitter returns a random duration in [0, max].
func Jitter(max time.Duration) time.Duration { return randomDuration(max) }
