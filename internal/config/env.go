package config

import (
	"os"
	"strconv"
)

// Helpers for the COUNTERCAT_* environment variables read at startup.

// EnvStr returns the named variable, or fallback when unset or empty.
func EnvStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// EnvInt returns the named variable parsed as an int, or fallback when
// unset or malformed.
func EnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// EnvBool returns the named variable parsed as a bool, or fallback when
// unset or malformed.
func EnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
