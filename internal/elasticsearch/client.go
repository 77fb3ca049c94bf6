package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/DeafMist/flash-digest/internal/archive"
	"github.com/DeafMist/flash-digest/internal/models"
	"github.com/DeafMist/flash-digest/internal/processing"
)

const (
	keywordLimit  = 8
	keywordMinLen = 2
)

// Client mirrors archived items into a search index.
type Client struct {
	es    *elasticsearch.Client
	index string
	log   *slog.Logger
	now   func() time.Time
}

// Document is the indexed form of a news item.
type Document struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Text      string    `json:"text"`
	Level     string    `json:"level,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Keywords  []string  `json:"keywords,omitempty"`
	URLs      []string  `json:"urls,omitempty"`
	Batch     string    `json:"batch"`
}

// SearchResult bundles hits and total count.
type SearchResult struct {
	Total int64             `json:"total"`
	Items []models.NewsItem `json:"items"`
}

// NewDocument derives the indexed document from an archived item.
func NewDocument(label archive.BatchLabel, item models.NewsItem) Document {
	text := processing.StripHTML(item.Content)
	title := processing.Headline(item.Title, item.Content, 60)
	return Document{
		ID:        string(item.ID),
		Title:     title,
		Content:   item.Content,
		Text:      text,
		Level:     string(item.Level),
		Timestamp: item.Timestamp(),
		Keywords:  processing.ExtractKeywords(title+" "+text, keywordLimit, keywordMinLen),
		URLs:      processing.ExtractURLs(item.Content),
		Batch:     string(label),
	}
}

// Item converts a document back to the archive representation.
func (d Document) Item() models.NewsItem {
	return models.NewsItem{
		ID:      models.ItemID(d.ID),
		Time:    models.FromTime(d.Timestamp),
		Title:   d.Title,
		Content: d.Content,
		Level:   models.Level(d.Level),
	}
}

// New instantiates the Elasticsearch client.
func New(addr, index string, logger *slog.Logger) (*Client, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{addr},
	}

	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{es: es, index: index, log: logger, now: time.Now}, nil
}

// Ping checks if Elasticsearch is available.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("ping elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch ping failed: %s", res.Status())
	}

	return nil
}

// Name identifies the mirror in logs.
func (c *Client) Name() string { return "elasticsearch" }

// Publish mirrors an archived batch. It satisfies the acquisition sink.
func (c *Client) Publish(ctx context.Context, label archive.BatchLabel, items []models.NewsItem) error {
	return c.IndexBatch(ctx, label, items)
}

// IndexBatch writes items with the bulk API. The document id is the item id,
// so indexing the same batch twice leaves a single copy of each item.
func (c *Client) IndexBatch(ctx context.Context, label archive.BatchLabel, items []models.NewsItem) error {
	if len(items) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, item := range items {
		doc := NewDocument(label, item)
		meta := map[string]any{"index": map[string]any{"_index": c.index, "_id": doc.ID}}
		if err := enc.Encode(meta); err != nil {
			return fmt.Errorf("marshal bulk meta: %w", err)
		}
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("marshal doc %s: %w", doc.ID, err)
		}
	}

	res, err := c.es.Bulk(
		bytes.NewReader(buf.Bytes()),
		c.es.Bulk.WithContext(ctx),
		c.es.Bulk.WithIndex(c.index),
		c.es.Bulk.WithRefresh("false"),
	)
	if err != nil {
		return fmt.Errorf("bulk index: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("bulk index failed: %s", strings.TrimSpace(string(body)))
	}

	var parsed struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode bulk response: %w", err)
	}

	if parsed.Errors {
		failed := 0
		var first string
		for _, entry := range parsed.Items {
			for _, op := range entry {
				if op.Error == nil {
					continue
				}
				if failed == 0 {
					first = fmt.Sprintf("%s: %s: %s", op.ID, op.Error.Type, op.Error.Reason)
				}
				failed++
			}
		}
		return fmt.Errorf("bulk index: %d of %d items failed, first %s", failed, len(items), first)
	}

	c.log.Debug("batch mirrored", slog.String("batch", string(label)), slog.Int("items", len(items)))
	return nil
}

// SearchRange returns mirrored items with start <= timestamp < end, newest first.
func (c *Client) SearchRange(ctx context.Context, start, end time.Time, from, size int) (*SearchResult, error) {
	if size <= 0 {
		size = 20
	}
	if size > 200 {
		size = 200
	}
	if from < 0 {
		from = 0
	}

	body := map[string]any{
		"from":             from,
		"size":             size,
		"track_total_hits": true,
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []map[string]any{
					{"range": map[string]any{
						"timestamp": map[string]any{
							"gte": start.UTC().Format(time.RFC3339),
							"lt":  end.UTC().Format(time.RFC3339),
						},
					}},
				},
			},
		},
		"sort": []map[string]any{
			{"timestamp": map[string]any{"order": "desc"}},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal search body: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("search failed: %s", strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source Document `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}

	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	items := make([]models.NewsItem, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		items = append(items, hit.Source.Item())
	}

	return &SearchResult{
		Total: parsed.Hits.Total.Value,
		Items: items,
	}, nil
}

// DeleteOlderThan removes documents older than maxAge using batched delete-by-query.
// It loops until a batch returns fewer deleted documents than the requested batchSize.
func (c *Client) DeleteOlderThan(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	cutoff := c.now().Add(-maxAge).UTC().Format(time.RFC3339)
	totalDeleted := int64(0)

	for {
		body := map[string]any{
			"query": map[string]any{
				"range": map[string]any{
					"timestamp": map[string]any{
						"lt": cutoff,
					},
				},
			},
			"max_docs": batchSize,
		}

		payload, err := json.Marshal(body)
		if err != nil {
			return totalDeleted, fmt.Errorf("marshal delete body: %w", err)
		}

		res, err := c.es.DeleteByQuery(
			[]string{c.index},
			bytes.NewReader(payload),
			c.es.DeleteByQuery.WithContext(ctx),
			c.es.DeleteByQuery.WithWaitForCompletion(true),
			c.es.DeleteByQuery.WithConflicts("proceed"),
			c.es.DeleteByQuery.WithScrollSize(batchSize),
		)
		if err != nil {
			return totalDeleted, fmt.Errorf("delete by query: %w", err)
		}

		if res.IsError() {
			data, _ := io.ReadAll(res.Body)
			res.Body.Close()
			return totalDeleted, fmt.Errorf("delete by query failed: %s", strings.TrimSpace(string(data)))
		}

		var parsed struct {
			Deleted int64 `json:"deleted"`
		}
		if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
			res.Body.Close()
			return totalDeleted, fmt.Errorf("decode delete response: %w", err)
		}
		res.Body.Close()

		totalDeleted += parsed.Deleted

		if parsed.Deleted < int64(batchSize) {
			break
		}
	}

	return totalDeleted, nil
}

// Health checks the cluster health endpoint.
func (c *Client) Health(ctx context.Context) error {
	res, err := c.es.Cluster.Health(c.es.Cluster.Health.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(res.Body)
		return fmt.Errorf("cluster health bad: %s", strings.TrimSpace(string(data)))
	}
	return nil
}
