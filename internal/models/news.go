package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// NewsItem is one flash item as delivered by the upstream feed and as stored in the archive.
type NewsItem struct {
	ID      ItemID   `json:"id"`
	Time    UnixTime `json:"time"`
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Level   Level    `json:"level,omitempty"`
}

// Timestamp returns the event time in UTC.
func (n NewsItem) Timestamp() time.Time {
	return time.Unix(int64(n.Time), 0).UTC()
}

// ItemID is the upstream identifier. The feed sends it either as a number or a string.
type ItemID string

func (id *ItemID) UnmarshalJSON(data []byte) error {
	s, err := scalarString(data)
	if err != nil {
		return fmt.Errorf("item id: %w", err)
	}
	*id = ItemID(s)
	return nil
}

func (id ItemID) String() string { return string(id) }

// UnixTime is a timestamp in Unix seconds.
type UnixTime int64

func (t *UnixTime) UnmarshalJSON(data []byte) error {
	s, err := scalarString(data)
	if err != nil {
		return fmt.Errorf("item time: %w", err)
	}
	if s == "" {
		*t = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return fmt.Errorf("item time %q: %w", s, err)
		}
		v = int64(f)
	}
	*t = UnixTime(v)
	return nil
}

// FromTime converts a wall clock instant to UnixTime.
func FromTime(ts time.Time) UnixTime { return UnixTime(ts.Unix()) }

// Level is the upstream importance classifier. Empty means unclassified.
type Level string

func (l *Level) UnmarshalJSON(data []byte) error {
	s, err := scalarString(data)
	if err != nil {
		return fmt.Errorf("item level: %w", err)
	}
	*l = Level(s)
	return nil
}

// Unclassified reports whether the item carries no level.
func (l Level) Unclassified() bool { return strings.TrimSpace(string(l)) == "" }

// scalarString accepts a JSON string, number or null and returns its text form.
func scalarString(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return "", fmt.Errorf("unsupported value %s", data)
	}
	return n.String(), nil
}

// LevelGroup is a run of items sharing the same level.
type LevelGroup struct {
	Level Level
	Items []NewsItem
}

// GroupByLevel buckets items by level. Groups are ordered by level descending
// (numeric levels compare numerically), unclassified last; item order inside a
// group follows the input.
func GroupByLevel(items []NewsItem) []LevelGroup {
	index := make(map[Level]int)
	var groups []LevelGroup
	for _, item := range items {
		key := Level(strings.TrimSpace(string(item.Level)))
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, LevelGroup{Level: key})
		}
		groups[i].Items = append(groups[i].Items, item)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i].Level, groups[j].Level
		if a.Unclassified() != b.Unclassified() {
			return b.Unclassified()
		}
		an, aerr := strconv.ParseFloat(string(a), 64)
		bn, berr := strconv.ParseFloat(string(b), 64)
		if aerr == nil && berr == nil {
			return an > bn
		}
		return a > b
	})
	return groups
}
