package tool

import (
	"fmt"
	"strings"
)

// RequireField returns an error if the string value is empty.
func RequireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalidInput(fmt.Sprintf("'%s' is required", name))
	}
	return nil
}

// ValidateRange checks that value is within [min, max].
func ValidateRange(name string, value, min, max int) error {
	if value < min || value > max {
		return invalidInput(fmt.Sprintf("%s must be %d-%d", name, min, max))
	}
	return nil
}

// ValidateNonNegative checks that value is >= 0.
func ValidateNonNegative(name string, value int) error {
	if value < 0 {
		return invalidInput(fmt.Sprintf("%s must be >= 0", name))
	}
	return nil
}

// ValidateEnum checks that value is one of the allowed values.
// An empty value is allowed (treated as "not set").
func ValidateEnum(name, value string, allowed ...string) error {
	if value == "" {
		return nil
	}
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return invalidInput(fmt.Sprintf("invalid %s %q (want: %s)", name, value, strings.Join(allowed, ", ")))
}

// ValidateAll returns the first non-nil error from the given list.
func ValidateAll(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
