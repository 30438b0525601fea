package database

import (
	"database/sql"
	"fmt"
	"time"
)

// TimeLayout is the storage format for every timestamp column. It is fixed
// width and always UTC so lexical order equals chronological order in both
// dialects.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a value written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

// NullableTime returns a bind value for an optional timestamp.
func NullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return FormatTime(*t)
}

// NullableString returns a bind value for an optional string column.
func NullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// NullableInt64 returns a bind value for an optional id column (0 is NULL).
func NullableInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

// TimePtr converts a scanned nullable timestamp.
func TimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil //nolint:nilnil // NULL column
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
