package server

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	errInvalidID   = errors.New("invalid_id")
	errInvalidDate = errors.New("invalid_date")
	errInvalidTime = errors.New("invalid_time")
)

// optional parses raw with parse unless raw is blank, in which case it
// returns nil so callers can apply their own default.
func optional[T any](raw string, parse func(string) (T, error)) (*T, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := parse(raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func parseOptionalInt(raw string) (*int, error) {
	return optional(raw, strconv.Atoi)
}

func parseOptionalSnowflakeID(raw string) (*snowflake.ID, error) {
	return optional(raw, func(s string) (snowflake.ID, error) {
		id, err := snowflake.ParseString(s)
		if err != nil || id <= 0 {
			return 0, errInvalidID
		}
		return id, nil
	})
}

// parseOptionalDate reads a calendar day as UTC midnight.
func parseOptionalDate(raw string) (*time.Time, error) {
	return optional(raw, parseDay)
}

// parseOptionalTime accepts RFC3339 or a bare day. A bare day used as an
// upper bound covers the whole day.
func parseOptionalTime(raw string, endOfDay bool) (*time.Time, error) {
	return optional(raw, func(s string) (time.Time, error) {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC(), nil
		}
		day, err := parseDay(s)
		if err != nil {
			return time.Time{}, errInvalidTime
		}
		if endOfDay {
			return day.Add(24*time.Hour - time.Nanosecond), nil
		}
		return day, nil
	})
}

func parseDay(s string) (time.Time, error) {
	day, err := time.ParseInLocation(time.DateOnly, s, time.UTC)
	if err != nil {
		return time.Time{}, errInvalidDate
	}
	return day, nil
}
