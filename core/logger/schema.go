package logger

import "strings"

const (
	// LevelDebug represents the debug severity level name.
	LevelDebug = "DEBUG"
	// LevelInfo represents the info severity level name.
	LevelInfo = "INFO"
	// LevelWarn represents the warning severity level name.
	LevelWarn = "WARN"
	// LevelError represents the error severity level name.
	LevelError = "ERROR"
)

var allowedLevels = map[string]string{
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
}

var allowedStatus = map[string]string{
	"ok":           "ok",
	"fail":         "fail",
	"skip":         "skip",
	"retry":        "retry",
	"rate_limited": "rate_limited",
	"cancelled":    "cancelled",
}

// Settlement outcomes share the outcome key with handler outcomes.
var allowedOutcome = map[string]string{
	"ok":                        "ok",
	"fail":                      "fail",
	"cancelled":                 "cancelled",
	"rate_limited":              "rate_limited",
	"applied":                   "applied",
	"already_applied":           "already_applied",
	"rejected_malformed":        "rejected_malformed",
	"rejected_unknown_campaign": "rejected_unknown_campaign",
	"rejected_invalid_amount":   "rejected_invalid_amount",
	"rejected_intent_consumed":  "rejected_intent_consumed",
}

func normalizeLevel(level string) string {
	if level == "" {
		return LevelInfo
	}
	if mapped, ok := allowedLevels[strings.ToLower(level)]; ok {
		return mapped
	}
	return strings.ToUpper(level)
}

func normalizeStatus(status string) (string, bool) {
	status = strings.ToLower(strings.TrimSpace(status))
	if status == "" {
		return "", false
	}
	if mapped, ok := allowedStatus[status]; ok {
		return mapped, true
	}
	return status, false
}

func normalizeOutcome(outcome string) (string, bool) {
	outcome = strings.ToLower(strings.TrimSpace(outcome))
	if outcome == "" {
		return "", false
	}
	val, ok := allowedOutcome[outcome]
	return val, ok
}

var defaultKeyOrder = []string{
	"ts",
	"level",
	"component",
	"event",
	"status",
	"outcome",
	"rid",
	"rid_full",
	"ts_unix_nano",
	"update_id",
	"user_id",
	"chat_id",
	"handler",
	"campaign",
	"cycle",
	"amount",
	"raw_amount",
	"raised",
	"target",
	"overflow",
	"undistributed",
	"closed_cycles",
	"settlement_key",
	"channel",
	"contributor",
	"count",
	"total",
	"duration_ms",
	"messages",
	"kb",
	"cb_key",
	"payload",
	"mode",
	"listen",
	"http_code",
	"db",
	"host",
	"port",
	"err",
	"err_code",
	"cause",
	"attempts",
	"backoff_ms",
}
