//go:build debug

package breaker

import "fmt"

// validateStats checks the invariants a persisted Stats record must satisfy
// (spec.md §3, §8). It is intended for tests and debugging, not production
// use: it takes a single snapshot and does not itself guard against a
// concurrent writer.
func validateStats(s *Stats) error {
	if s == nil {
		return nil
	}

	if s.State == StateOpen && s.LastFailureTime == nil {
		return fmt.Errorf("inconsistent: state=OPEN but LastFailureTime is nil")
	}

	if s.State != StateOpen && s.FailureCount == 0 && s.LastFailureTime != nil && s.TotalRequests == 0 {
		return fmt.Errorf("inconsistent: state=%v with zero FailureCount but a recorded LastFailureTime", s.State)
	}

	if s.SuccessfulRequests+s.FailedRequests > s.TotalRequests {
		return fmt.Errorf("count mismatch: SuccessfulRequests(%d)+FailedRequests(%d) exceeds TotalRequests(%d)",
			s.SuccessfulRequests, s.FailedRequests, s.TotalRequests)
	}

	if s.State == StateHalfOpen && s.FailureCount != 0 {
		return fmt.Errorf("inconsistent: state=HALF_OPEN but FailureCount=%d, want 0", s.FailureCount)
	}

	return nil
}
