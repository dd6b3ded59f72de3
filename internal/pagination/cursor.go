// Package pagination implements newest-first keyset paging over
// (created_at, id). Cursors are opaque to clients.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the sort key of the last row on the previous page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

type wireCursor struct {
	V  int    `json:"v"`
	T  int64  `json:"t"`
	ID string `json:"id"`
}

const cursorVersion = 1

// Encode returns the opaque form of c.
func (c Cursor) Encode() string {
	raw, _ := json.Marshal(wireCursor{V: cursorVersion, T: c.CreatedAt.UnixNano(), ID: c.ID})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Admits reports whether a row keyed (createdAt, id) belongs after c in
// newest-first order, i.e. on a later page. A nil cursor admits every row.
func (c *Cursor) Admits(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

// Decode parses an opaque cursor. The empty string is the first page and
// decodes to nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	var w wireCursor
	if err := json.Unmarshal(raw, &w); err != nil || w.V != cursorVersion || w.ID == "" || w.T <= 0 {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, w.T).UTC(), ID: w.ID}, nil
}

// Trim cuts items, fetched with limit+1, down to limit. When a row was cut
// it returns the cursor for the next page, otherwise "".
func Trim[T any](items []T, limit int, key func(T) Cursor) ([]T, string) {
	if limit <= 0 || len(items) <= limit {
		return items, ""
	}
	items = items[:limit]
	return items, key(items[limit-1]).Encode()
}

// ParseLimit reads a page size query value. Empty or malformed input
// yields def; larger values are capped at max.
func ParseLimit(s string, def, max int) int {
	n, err := strconv.Atoi(s)
	switch {
	case err != nil, n <= 0:
		return def
	case n > max:
		return max
	}
	return n
}
