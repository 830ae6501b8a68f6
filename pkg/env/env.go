package env

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

// ErrEnvUnset is returned when a variable is missing or blank.
var ErrEnvUnset = errors.New("environment variable is not set")

// =============================================================================
// Required Environment Variables (will panic if not set)
// =============================================================================

// MustGetEnvString panics if the env var is not set.
func MustGetEnvString(envName string) string {
	v, err := GetEnvString(envName)
	if err != nil {
		panic(fmt.Sprintf("REQUIRED environment variable missing or empty: %s", envName))
	}
	return v
}

// =============================================================================
// Environment Variables with Defaults
// =============================================================================

func GetEnvStringOrDefault(envName, defaultValue string) string {
	return orDefault(envName, defaultValue, func(s string) (string, error) { return s, nil })
}

func GetEnvBoolOrDefault(envName string, defaultValue bool) bool {
	return orDefault(envName, defaultValue, strconv.ParseBool)
}

func GetEnvIntOrDefault(envName string, defaultValue int) int {
	return orDefault(envName, defaultValue, parseInt)
}

// GetEnvDurationOrDefault accepts Go durations ("3s") and bare integers,
// which are read as seconds.
func GetEnvDurationOrDefault(envName string, defaultValue time.Duration) time.Duration {
	return orDefault(envName, defaultValue, parseDuration)
}

// GetEnvPositiveIntOrDefault is GetEnvIntOrDefault with values below 1
// replaced by the default.
func GetEnvPositiveIntOrDefault(envName string, defaultValue int) int {
	v := GetEnvIntOrDefault(envName, defaultValue)
	if v < 1 {
		return defaultValue
	}
	return v
}

// GetEnvFirstStringOrDefault returns the first set variable among names.
func GetEnvFirstStringOrDefault(defaultValue string, names ...string) string {
	for _, name := range names {
		if v, err := GetEnvString(name); err == nil {
			return v
		}
	}
	return defaultValue
}

// =============================================================================
// Core Environment Variable Getters
// =============================================================================

func SanitizeEnv(envName string) (string, error) {
	if envName == "" {
		return "", errors.New("environment variable name should not be empty")
	}
	v := strings.TrimSpace(os.Getenv(envName))
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrEnvUnset, envName)
	}
	return v, nil
}

func GetEnvString(envName string) (string, error) {
	return SanitizeEnv(envName)
}

func get[T any](envName string, parse func(string) (T, error)) (T, error) {
	var zero T
	raw, err := SanitizeEnv(envName)
	if err != nil {
		return zero, err
	}
	v, err := parse(raw)
	if err != nil {
		return zero, fmt.Errorf("parse %s: %w", envName, err)
	}
	return v, nil
}

func orDefault[T any](envName string, defaultValue T, parse func(string) (T, error)) T {
	v, err := get(envName, parse)
	if err != nil {
		return defaultValue
	}
	return v
}

func parseInt(s string) (int, error) {
	v, err := strconv.ParseInt(s, 0, 0)
	return int(v), err
}

func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}
