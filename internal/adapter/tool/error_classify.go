package tool

import (
	"errors"
	"strings"

	"flutter-sim-mcp/internal/domain"
)

// retryableSentinels are domain errors that usually clear on their own.
var retryableSentinels = []error{
	domain.ErrTimeout,
	domain.ErrProviderError,
}

// permanentSentinels win over retryable ones: a bad path stays bad.
var permanentSentinels = []error{
	domain.ErrInvalidInput,
	domain.ErrNotFound,
	domain.ErrPermissionDenied,
	domain.ErrPathTraversal,
	domain.ErrConflict,
	domain.ErrLimitReached,
}

// retryablePatterns are substrings in error messages that indicate transient
// simctl or toolchain failures. Checked case-insensitively.
var retryablePatterns = []string{
	"timed out",
	"deadline exceeded",
	"temporarily unavailable",
	"coresimulatorservice",
	"connection interrupted",
	"retry later",
	"resource busy",
}

// classifyToolError reports whether the tool call may succeed on retry.
func classifyToolError(err error) bool {
	if err == nil {
		return false
	}
	for _, sentinel := range permanentSentinels {
		if errors.Is(err, sentinel) {
			return false
		}
	}
	for _, sentinel := range retryableSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}

	lower := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
