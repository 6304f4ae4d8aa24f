package store

import (
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/safar/bookstore-checkout/internal/database"
)

// Page is one window of a keyset listing, newest first.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

// OrderCursor is the (created_at, id) key of the last row already served.
type OrderCursor struct {
	CreatedAt time.Time
	ID        int64
}

// newestCursor sorts after every stored order.
func newestCursor() OrderCursor {
	return OrderCursor{CreatedAt: time.Now().Add(time.Hour), ID: math.MaxInt64}
}

// Encode renders the key as unpadded base64url of "<unix nanos>.<id>".
func (c OrderCursor) Encode() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "." + strconv.FormatInt(c.ID, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a cursor made by Encode. The empty string starts at
// the newest order. Anything unparseable is ErrInvalidCursor.
func DecodeCursor(encoded string) (OrderCursor, error) {
	if encoded == "" {
		return newestCursor(), nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return OrderCursor{}, fmt.Errorf("%w: %v", database.ErrInvalidCursor, err)
	}
	nanos, id, ok := strings.Cut(string(raw), ".")
	if !ok {
		return OrderCursor{}, database.ErrInvalidCursor
	}

	ts, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return OrderCursor{}, fmt.Errorf("%w: timestamp: %v", database.ErrInvalidCursor, err)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return OrderCursor{}, fmt.Errorf("%w: id %q", database.ErrInvalidCursor, id)
	}

	return OrderCursor{CreatedAt: time.Unix(0, ts).UTC(), ID: n}, nil
}

// pageOf trims rows fetched with limit+1 down to limit and sets the cursor
// from the last row kept.
func pageOf[T any](rows []T, limit int, key func(T) OrderCursor) *Page[T] {
	p := &Page[T]{Items: rows}
	if len(rows) > limit {
		p.Items = rows[:limit]
		p.HasMore = true
		p.NextCursor = key(p.Items[len(p.Items)-1]).Encode()
	}
	return p
}
