package tool

import (
	"errors"
	"fmt"
	"testing"

	"flutter-sim-mcp/internal/domain"
)

func FuzzClassifyToolError(f *testing.F) {
	seeds := []string{
		"An error was encountered processing the command (domain=com.apple.CoreSimulator.SimError, code=405)",
		"Unable to boot device in current state: Booted",
		"Invalid device type: iPhone 99",
		"command timed out after 2m0s",
		"context deadline exceeded",
		"resource busy",
		"No devices are booted.",
		"",
		"completely random error",
	}
	for _, s := range seeds {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, msg string) {
		_ = classifyToolError(errors.New(msg))

		// A permanent sentinel is never retryable, whatever the message says.
		wrapped := domain.NewSubSystemError(domain.SubSystemSession, "fuzz", domain.ErrNotFound, msg)
		if classifyToolError(fmt.Errorf("outer: %w", wrapped)) {
			t.Fatalf("not-found error classified retryable: %q", msg)
		}
	})
}
