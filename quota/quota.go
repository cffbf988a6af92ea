package quota

import (
	"github.com/sundetova/avito-android/runnertypes"
)

type Decision int

const (
	Retry Decision = iota
	Accept
	GiveUp
)

func (d Decision) String() string {
	switch d {
	case Retry:
		return "retry"
	case Accept:
		return "accept"
	case GiveUp:
		return "give-up"
	}
	return "unknown"
}

// Policy is the per-test retry budget. RetryCount is the total number of
// attempts a test may use; MinimumSuccessCount is how many of them must pass.
type Policy struct {
	RetryCount          int
	MinimumSuccessCount int
	ReportFlakyTests    bool
	ReportSkippedTests  bool
}

func DefaultPolicy() Policy {
	return Policy{RetryCount: 1, MinimumSuccessCount: 1}
}

// Decide is a pure function of an execution history. An Ignored attempt
// terminates the test immediately: it is accepted and never rerun.
func (p Policy) Decide(history []runnertypes.Outcome) Decision {
	successes := 0
	for _, outcome := range history {
		if outcome.Kind == runnertypes.OutcomeIgnored {
			return Accept
		}
		if outcome.Success() {
			successes++
		}
	}

	if successes >= p.MinimumSuccessCount {
		return Accept
	}
	if len(history) >= p.RetryCount {
		return GiveUp
	}
	return Retry
}

// Flaky reports whether an accepted history contains at least one failed
// attempt. A flaky test is flagged but not failed.
func Flaky(history []runnertypes.Outcome) bool {
	sawFailure := false
	for _, outcome := range history {
		if !outcome.Success() {
			sawFailure = true
		}
	}
	return sawFailure
}

// SuiteFailed reports whether the suite as a whole failed: any test that was
// given up on after exhausting its budget is a suite-level failure contributor.
func SuiteFailed(verdicts map[string]Decision) bool {
	for _, verdict := range verdicts {
		if verdict == GiveUp {
			return true
		}
	}
	return false
}
