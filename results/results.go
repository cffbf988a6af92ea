package results

import (
	"sync"

	"github.com/sundetova/avito-android/runnertypes"
)

// Listener receives per-attempt lifecycle events. Started always precedes the
// matching Finished, and each attempt is delivered at most once.
type Listener interface {
	Started(deviceAddress, targetPackage string, test runnertypes.TestCase, attempt int)
	Finished(deviceAddress string, test runnertypes.TestCase, targetPackage string, outcome runnertypes.Outcome, durationMs int64, attempt int)
	Skipped(test runnertypes.TestCase, reason string)
}

type CompositeListener struct {
	listeners []Listener
}

func NewCompositeListener(listeners ...Listener) *CompositeListener {
	return &CompositeListener{listeners: listeners}
}

func (c *CompositeListener) Started(deviceAddress, targetPackage string, test runnertypes.TestCase, attempt int) {
	for _, l := range c.listeners {
		l.Started(deviceAddress, targetPackage, test, attempt)
	}
}

func (c *CompositeListener) Finished(deviceAddress string, test runnertypes.TestCase, targetPackage string, outcome runnertypes.Outcome, durationMs int64, attempt int) {
	for _, l := range c.listeners {
		l.Finished(deviceAddress, test, targetPackage, outcome, durationMs, attempt)
	}
}

func (c *CompositeListener) Skipped(test runnertypes.TestCase, reason string) {
	for _, l := range c.listeners {
		l.Skipped(test, reason)
	}
}

// NoopListener satisfies Listener for callers that do not care.
type NoopListener struct{}

func (NoopListener) Started(string, string, runnertypes.TestCase, int) {}
func (NoopListener) Finished(string, runnertypes.TestCase, string, runnertypes.Outcome, int64, int) {
}
func (NoopListener) Skipped(runnertypes.TestCase, string) {}

// Summary collects per-test histories for suite-level reporting.
type Summary struct {
	lock               *sync.Mutex
	histories          map[string][]runnertypes.Outcome
	skipped            map[string]string
	reportFlakyTests   bool
	reportSkippedTests bool
}

func NewSummary(reportFlakyTests, reportSkippedTests bool) *Summary {
	return &Summary{
		lock:               &sync.Mutex{},
		histories:          map[string][]runnertypes.Outcome{},
		skipped:            map[string]string{},
		reportFlakyTests:   reportFlakyTests,
		reportSkippedTests: reportSkippedTests,
	}
}

func (s *Summary) Started(deviceAddress, targetPackage string, test runnertypes.TestCase, attempt int) {
}

func (s *Summary) Finished(deviceAddress string, test runnertypes.TestCase, targetPackage string, outcome runnertypes.Outcome, durationMs int64, attempt int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.histories[test.Name()] = append(s.histories[test.Name()], outcome)
}

func (s *Summary) Skipped(test runnertypes.TestCase, reason string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.skipped[test.Name()] = reason
}

func (s *Summary) History(test runnertypes.TestCase) []runnertypes.Outcome {
	s.lock.Lock()
	defer s.lock.Unlock()
	history := make([]runnertypes.Outcome, len(s.histories[test.Name()]))
	copy(history, s.histories[test.Name()])
	return history
}

// FlakyTests lists accepted tests that needed more than one attempt to meet
// their success quota. Empty when flaky reporting is disabled.
func (s *Summary) FlakyTests() []string {
	if !s.reportFlakyTests {
		return nil
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	flaky := []string{}
	for name, history := range s.histories {
		sawFailure, sawSuccess := false, false
		for _, outcome := range history {
			if outcome.Success() {
				sawSuccess = true
			} else {
				sawFailure = true
			}
		}
		if sawFailure && sawSuccess {
			flaky = append(flaky, name)
		}
	}
	return flaky
}

// SkippedTests lists filter-excluded tests. Empty when skipped reporting is
// disabled.
func (s *Summary) SkippedTests() map[string]string {
	if !s.reportSkippedTests {
		return nil
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	skipped := map[string]string{}
	for name, reason := range s.skipped {
		skipped[name] = reason
	}
	return skipped
}
