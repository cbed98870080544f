package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// envLookup returns parse(value) for a set, non-blank key. Unset keys and values that fail
// to parse keep def.
func envLookup[T any](key string, def T, parse func(string) (T, bool)) T {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if out, ok := parse(v); ok {
		return out
	}
	return def
}

// EnvString reads a string env var with a default.
func EnvString(key, def string) string {
	return envLookup(key, def, func(v string) (string, bool) { return v, true })
}

// EnvBool reads a bool env var with a default.
func EnvBool(key string, def bool) bool {
	return envLookup(key, def, func(v string) (bool, bool) {
		b, err := strconv.ParseBool(v)
		return b, err == nil
	})
}

// EnvInt reads a positive int env var. Zero and negative values fall back to def.
func EnvInt(key string, def int) int {
	return envLookup(key, def, func(v string) (int, bool) {
		n, err := strconv.Atoi(v)
		return n, err == nil && n > 0
	})
}

// EnvInt32 reads a non-negative int32 env var with a default.
func EnvInt32(key string, def int32) int32 {
	return envLookup(key, def, func(v string) (int32, bool) {
		n, err := strconv.ParseInt(v, 10, 32)
		return int32(n), err == nil && n >= 0
	})
}

// EnvDuration reads a positive duration env var with a default.
func EnvDuration(key string, def time.Duration) time.Duration {
	return envLookup(key, def, func(v string) (time.Duration, bool) {
		d, err := time.ParseDuration(v)
		return d, err == nil && d > 0
	})
}

// EnvList reads a comma-separated env var. Blank items are dropped; a list with no items keeps def.
func EnvList(key string, def []string) []string {
	return envLookup(key, def, func(v string) ([]string, bool) {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		return out, len(out) > 0
	})
}
