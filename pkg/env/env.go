// Package env reads the handful of settings needed before config.Load runs
// (log format, instance id).
package env

import (
	"os"
	"strings"
)

// Get returns the trimmed value of key, or fallback when it is unset or blank.
func Get(key, fallback string) string {
	if v := First(key); v != "" {
		return v
	}
	return fallback
}

// First returns the first non-blank value among keys, trimmed.
func First(keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}
