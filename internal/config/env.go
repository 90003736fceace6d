// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/streamrec/internal/log"
)

// sensitiveMarkers flag env keys whose values never reach the log.
var sensitiveMarkers = []string{"secret", "password", "access_key", "key_id"}

func isSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, m := range sensitiveMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// parseEnv reads key and converts it with parse. Unset or empty variables and
// values that fail to parse yield defaultValue; the latter log a warning.
func parseEnv[T any](key string, defaultValue T, parse func(string) (T, error)) T {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return defaultValue
	}
	logger := log.WithComponent("config")

	v, err := parse(raw)
	if err != nil {
		ev := logger.Warn().Str("key", key).Str("default", fmt.Sprint(defaultValue))
		if !isSensitive(key) {
			ev = ev.Str("value", raw)
		}
		ev.Err(err).Msg("invalid environment override, using default")
		return defaultValue
	}

	ev := logger.Debug().Str("key", key).Str("source", "environment")
	if isSensitive(key) {
		ev = ev.Bool("sensitive", true)
	} else {
		ev = ev.Str("value", log.MaskURL(raw))
	}
	ev.Msg("using environment override")
	return v
}

// ParseString returns the value of key, or defaultValue when unset or empty.
func ParseString(key, defaultValue string) string {
	return parseEnv(key, defaultValue, func(s string) (string, error) { return s, nil })
}

// ParseInt reads an int from key.
func ParseInt(key string, defaultValue int) int {
	return parseEnv(key, defaultValue, strconv.Atoi)
}

// ParseInt64 reads a 64-bit integer (byte sizes) from key.
func ParseInt64(key string, defaultValue int64) int64 {
	return parseEnv(key, defaultValue, func(s string) (int64, error) {
		return strconv.ParseInt(s, 10, 64)
	})
}

// ParseDuration reads a Go duration ("5s", "2m") from key.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	return parseEnv(key, defaultValue, time.ParseDuration)
}

// ParseFloat reads a float64 from key.
func ParseFloat(key string, defaultValue float64) float64 {
	return parseEnv(key, defaultValue, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

// ParseBool accepts true/false, 1/0 and yes/no, case-insensitively.
func ParseBool(key string, defaultValue bool) bool {
	return parseEnv(key, defaultValue, func(s string) (bool, error) {
		switch strings.ToLower(s) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		}
		return false, fmt.Errorf("not a boolean: %q", s)
	})
}
