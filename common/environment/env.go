// Package environment reads Tomo's configuration from the process
// environment.
//
// Every helper treats an unset or empty variable the same way — fall back
// to the caller's default — and swallows parse failures rather than
// crashing on a typo in a unit file. Only RequiredString reports an error,
// so cmd/tomo can say which variable is missing instead of dying on the
// first lookup.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// lookup returns the variable's value and whether it is usable. Empty
// values count as unset.
func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	return v, ok && v != ""
}

// RequiredString returns the named variable or an error naming it when it
// is unset or empty.
func RequiredString(name string) (string, error) {
	v, ok := lookup(name)
	if !ok {
		return "", fmt.Errorf("required environment variable %q is not set", name)
	}
	return v, nil
}

// StringOr returns the named variable, or fallback when unset or empty.
func StringOr(name, fallback string) string {
	if v, ok := lookup(name); ok {
		return v
	}
	return fallback
}

// BoolOr parses the named variable with strconv.ParseBool ("1", "true",
// "f", ...). Unset, empty or unparseable values yield fallback.
func BoolOr(name string, fallback bool) bool {
	v, ok := lookup(name)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// IntOr parses the named variable as a decimal integer. Unset, empty or
// unparseable values yield fallback.
func IntOr(name string, fallback int) int {
	v, ok := lookup(name)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// DurationOr parses the named variable as a time.Duration ("30s", "5m",
// "2h"). Unset, empty or unparseable values yield fallback.
func DurationOr(name string, fallback time.Duration) time.Duration {
	v, ok := lookup(name)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// StringSliceOr splits the named variable on commas, trimming whitespace
// and dropping empty elements. Unset, empty, or all-empty values yield
// fallback.
func StringSliceOr(name string, fallback []string) []string {
	v, ok := lookup(name)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
