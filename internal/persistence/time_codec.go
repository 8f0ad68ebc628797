package persistence

import (
	"database/sql"
	"time"
)

func timeToUnixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixMilli()
}

func unixMillisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}

	return time.UnixMilli(v)
}

func nullableDurationMillis(d time.Duration, valid bool) any {
	if !valid {
		return nil
	}

	return d.Milliseconds()
}

func nullDurationToDuration(v sql.NullInt64) time.Duration {
	if !v.Valid {
		return 0
	}

	return time.Duration(v.Int64) * time.Millisecond
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}

	return v
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}

	return v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}

	return 0
}
