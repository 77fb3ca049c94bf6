// Package summary asks an OpenAI-compatible chat completions endpoint for a
// digest of archived items.
package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/DeafMist/flash-digest/internal/models"
	"github.com/DeafMist/flash-digest/internal/processing"
)

const (
	// Unavailable is returned instead of a summary when the model call fails.
	Unavailable = "AI summary service is temporarily unavailable"
	// NothingToSummarize is returned for an empty item list.
	NothingToSummarize = "No new news to summarize"

	systemPrompt = "You are a professional news editor. Summarize the following flash news, " +
		"highlight the important information and organize the content in chronological order. " +
		"Items are grouped by importance level, most important first."

	temperature = 0.7
	maxTokens   = 1000
)

// Config points the client at a chat completions endpoint.
type Config struct {
	BaseURL  string // e.g. https://api.openai.com/v1
	APIKey   string
	Model    string
	Timeout  time.Duration
	Location *time.Location // zone used to render item times
}

// Client produces digests. The zero value is not usable; use New.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

// New creates a Client. A nil logger discards output.
func New(cfg Config, log *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Summarize never fails: errors are logged and Unavailable is returned.
func (c *Client) Summarize(ctx context.Context, items []models.NewsItem) string {
	if len(items) == 0 {
		return NothingToSummarize
	}
	text, err := c.complete(ctx, items)
	if err != nil {
		c.log.Error("summarize news", slog.Any("err", err), slog.Int("items", len(items)))
		return Unavailable
	}
	return text
}

func (c *Client) complete(ctx context.Context, items []models.NewsItem) (string, error) {
	if c.cfg.BaseURL == "" {
		return "", errors.New("summarizer base url not configured")
	}

	payload, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: "Summarize the following news:\n\n" + BuildPrompt(items, c.cfg.Location)},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("chat endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", errors.New("chat response has no content")
	}

	c.log.Debug("summary received",
		slog.Duration("duration", time.Since(start)),
		slog.Int("tokens", parsed.Usage.TotalTokens),
		slog.String("finish_reason", parsed.Choices[0].FinishReason),
	)
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

// BuildPrompt renders items grouped by level, each with headline, cleaned
// content and local time.
func BuildPrompt(items []models.NewsItem, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	var b strings.Builder
	for _, group := range models.GroupByLevel(items) {
		if group.Level.Unclassified() {
			b.WriteString("## Unclassified\n\n")
		} else {
			fmt.Fprintf(&b, "## Level %s\n\n", group.Level)
		}
		for _, item := range group.Items {
			fmt.Fprintf(&b, "Title: %s\nContent: %s\nTime: %s\n\n",
				processing.Headline(item.Title, item.Content, 60),
				processing.StripHTML(item.Content),
				item.Timestamp().In(loc).Format("2006-01-02 15:04:05"),
			)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
