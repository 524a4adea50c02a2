package paralyze_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/StratusCode/paralyze"
)

func TestIsLost(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"lease lost", paralyze.ErrLeaseLost, true},
		{"claim lost", paralyze.ErrClaimLost, true},
		{"wrapped lease lost", fmt.Errorf("renew: %w", paralyze.ErrLeaseLost), true},
		{"joined with transport error", errors.Join(paralyze.ErrClaimLost, errors.New("broken pipe")), true},
		{"already held", paralyze.ErrAlreadyHeld, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := paralyze.IsLost(tt.err); got != tt.want {
				t.Errorf("IsLost(%v) = %t, want %t", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"already held", paralyze.ErrAlreadyHeld, true},
		{"no work", paralyze.ErrNoWorkAvailable, true},
		{"store unavailable", paralyze.ErrStoreUnavailable, true},
		{"wrapped unavailable", fmt.Errorf("ping: %w", paralyze.ErrStoreUnavailable), true},
		{"lease lost", paralyze.ErrLeaseLost, false},
		{"max attempts", paralyze.ErrMaxAttemptsExceeded, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := paralyze.IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %t, want %t", tt.err, got, tt.want)
			}
		})
	}
}
