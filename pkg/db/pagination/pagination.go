// Package pagination implements keyset paging over (created_at, id).
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 250
)

var ErrInvalidToken = errors.New("invalid_page_token")

type Pagination struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
}

// Size clamps the requested page size to [1, MaxPageSize].
func (p Pagination) Size() int {
	switch {
	case p.PageSize <= 0:
		return DefaultPageSize
	case p.PageSize > MaxPageSize:
		return MaxPageSize
	}
	return p.PageSize
}

// Cursor is the position after the last row of a page, newest first.
type Cursor struct {
	CreatedAt time.Time
	ID        snowflake.ID
}

type token struct {
	T string `json:"t"`
	I string `json:"i"`
}

func (c Cursor) Encode() string {
	b, _ := json.Marshal(token{
		T: c.CreatedAt.UTC().Format(time.RFC3339Nano),
		I: c.ID.String(),
	})
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode parses a page token. An empty token yields a nil cursor.
func Decode(raw string) (*Cursor, error) {
	if raw == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, ErrInvalidToken
	}
	var tok token
	if err := json.Unmarshal(b, &tok); err != nil {
		return nil, ErrInvalidToken
	}
	createdAt, err := time.Parse(time.RFC3339Nano, tok.T)
	if err != nil {
		return nil, ErrInvalidToken
	}
	id, err := snowflake.ParseString(tok.I)
	if err != nil || id <= 0 {
		return nil, ErrInvalidToken
	}
	return &Cursor{CreatedAt: createdAt, ID: id}, nil
}

type PageInfo struct {
	NextPageToken string `json:"next_page_token"`
	HasMore       bool   `json:"has_more"`
}

// Trim cuts rows fetched with limit+1 down to limit and builds the page info
// from the last row kept.
func Trim[T any](rows []T, limit int, cursorOf func(T) Cursor) ([]T, PageInfo) {
	if len(rows) <= limit {
		return rows, PageInfo{}
	}
	rows = rows[:limit]
	return rows, PageInfo{
		HasMore:       true,
		NextPageToken: cursorOf(rows[len(rows)-1]).Encode(),
	}
}
