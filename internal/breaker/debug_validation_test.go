//go:build debug

package breaker

import (
	"testing"
	"time"
)

func TestValidateStatsRejectsOpenWithoutLastFailureTime(t *testing.T) {
	s := &Stats{State: StateOpen}
	if err := validateStats(s); err == nil {
		t.Fatal("validateStats() error = nil, want violation for OPEN without LastFailureTime")
	}
}

func TestValidateStatsRejectsCountMismatch(t *testing.T) {
	s := &Stats{
		State:              StateClosed,
		TotalRequests:      1,
		SuccessfulRequests: 1,
		FailedRequests:     1,
	}
	if err := validateStats(s); err == nil {
		t.Fatal("validateStats() error = nil, want violation for count mismatch")
	}
}

func TestValidateStatsAcceptsConsistentRecord(t *testing.T) {
	now := time.Now()
	s := &Stats{
		State:              StateClosed,
		TotalRequests:      3,
		SuccessfulRequests: 2,
		FailedRequests:     1,
		LastSuccessTime:    &now,
	}
	if err := validateStats(s); err != nil {
		t.Errorf("validateStats() error = %v, want nil", err)
	}
}
