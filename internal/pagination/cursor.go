// Package pagination provides opaque keyset cursors for newest-first listings
// over monotonically increasing int64 IDs.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

const cursorPrefix = "before:"

// Encode returns an opaque cursor that resumes a listing after id.
func Encode(id int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.FormatInt(id, 10)))
}

// Decode parses a cursor into the exclusive upper bound for the next page.
// An empty cursor decodes to 0, meaning "start from the newest".
func Decode(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	rest, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok {
		return 0, ErrInvalidCursor
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidCursor
	}
	return id, nil
}

// ComputePage trims items fetched with limit+1 down to limit and returns the
// cursor for the following page, or "" when there is none.
func ComputePage[T any](items []T, limit int, idOf func(T) int64) ([]T, string) {
	if limit <= 0 || len(items) <= limit {
		return items, ""
	}
	items = items[:limit]
	return items, Encode(idOf(items[len(items)-1]))
}
