package logger

import (
	"log/slog"
	"strings"
	"time"
)

// Status maps err to the status enum: "ok" or "fail".
func Status(err error) string {
	if err != nil {
		return "fail"
	}
	return "ok"
}

// Took returns the time since start in whole milliseconds.
func Took(start time.Time) time.Duration {
	return RoundMS(time.Since(start))
}

// RoundMS rounds d to milliseconds; negative durations become zero.
func RoundMS(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d.Round(time.Millisecond)
}

// SummarizeStrings joins up to limit elements and reports whether truncation happened.
func SummarizeStrings(values []string, limit int) (string, bool) {
	if limit <= 0 {
		return "", len(values) > 0
	}
	if len(values) <= limit {
		return strings.Join(values, ", "), false
	}
	return strings.Join(values[:limit], ", "), true
}

// Campaign is the campaign key attribute.
func Campaign(key string) slog.Attr { return slog.String("campaign", key) }

// Amount is a native-unit amount attribute.
func Amount(n int64) slog.Attr { return slog.Int64("amount", n) }

// Outcome is the outcome attribute; unknown values are dropped by the handler.
func Outcome(o string) slog.Attr { return slog.String("outcome", o) }
