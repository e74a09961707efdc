// Package util holds small helpers for reading typed configuration from the
// environment. Invalid values are logged and replaced by the default.
package util

import (
	"log/slog"
	"os"
	"strings"
	"time"
)

// ParseBoolEnv reads key as a boolean. It accepts true/1/yes/on and
// false/0/no/off in any case.
func ParseBoolEnv(key string, defaultValue bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "":
		return defaultValue
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	slog.Warn("invalid boolean in environment, using default", "key", key, "value", val, "default", defaultValue)
	return defaultValue
}

// ParseDurationEnv reads key as a time.Duration such as "90m" or "24h".
// Negative durations are rejected.
func ParseDurationEnv(key string, defaultValue time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(val)
	if err != nil || d < 0 {
		slog.Warn("invalid duration in environment, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
	return d
}
