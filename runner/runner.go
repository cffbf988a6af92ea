package runner

import (
	"context"
	"fmt"
	"os"
	"sync"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"

	"github.com/sundetova/avito-android/quota"
	"github.com/sundetova/avito-android/results"
	"github.com/sundetova/avito-android/runnertypes"
)

// Executor runs one execution attempt on one device and classifies the result.
// A broken device surfaces as a FailedInfrastructure outcome, never a panic.
type Executor interface {
	Execute(ctx context.Context, deviceAddress string, execution runnertypes.TestExecution) runnertypes.Outcome
}

// ReservationClient is the claim/release surface the runner drives.
// Implemented by reservation.Client.
type ReservationClient interface {
	Claim(requests []runnertypes.ReservationRequest, serials chan<- string) error
	Release() error
}

type Config struct {
	Suite          []runnertypes.FilterVerdict
	Requests       []runnertypes.ReservationRequest
	TargetPackage  string
	MaxConcurrency int
}

// Runner distributes a filtered test suite over the devices a claim session
// delivers, applies the quota policy to every finished attempt, and releases
// the claim exactly once when all tests reach a terminal verdict (or when
// capacity or the process is gone). It is an ifrit.Runner.
type Runner struct {
	queue        *Queue
	executor     Executor
	reservations ReservationClient
	policy       quota.Policy
	listener     results.Listener
	clock        clock.Clock
	config       Config
	logger       lager.Logger

	verdicts *verdictBook
}

func New(
	logger lager.Logger,
	executor Executor,
	reservations ReservationClient,
	policy quota.Policy,
	listener results.Listener,
	clk clock.Clock,
	config Config,
) *Runner {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = totalCount(config.Requests)
	}
	return &Runner{
		queue:        NewQueue(clk),
		executor:     executor,
		reservations: reservations,
		policy:       policy,
		listener:     listener,
		clock:        clk,
		config:       config,
		logger:       logger.Session("runner"),
	}
}

// Run executes the configured suite. It blocks until every included test has
// a terminal verdict, capacity is exhausted, or a shutdown signal arrives,
// whichever comes first, then releases the claim and reports the suite result
// as its error value. Run satisfies ifrit.Runner.
func (r *Runner) Run(signals <-chan os.Signal, ready chan<- struct{}) error {
	logger := r.logger.Session("run")

	included := []runnertypes.TestCase{}
	for _, verdict := range r.config.Suite {
		if verdict.Included {
			included = append(included, verdict.Test)
			continue
		}
		if r.policy.ReportSkippedTests {
			r.listener.Skipped(verdict.Test, verdict.Reason)
		}
	}

	logger.Info("starting", lager.Data{"tests": len(included), "excluded": len(r.config.Suite) - len(included)})

	if len(included) == 0 {
		close(ready)
		logger.Info("nothing-to-run")
		return nil
	}

	r.verdicts = newVerdictBook(len(included))
	r.queue.Add(included, r.config.TargetPackage)

	serials := make(chan string)
	claimErrs := make(chan error, 1)
	go func() {
		claimErrs <- r.reservations.Claim(r.config.Requests, serials)
	}()

	close(ready)

	stopLoops := make(chan struct{})
	retired := make(chan struct{})
	loops := &sync.WaitGroup{}

	activeDevices := 0
	var runErr error

dispatch:
	for {
		// at max concurrency further addresses stay pending on serials
		// until a loop retires
		incoming := serials
		if activeDevices == r.config.MaxConcurrency {
			incoming = nil
		}

		select {
		case address := <-incoming:
			activeDevices++
			loops.Add(1)
			go r.executionLoop(logger, address, stopLoops, retired, loops)

		case <-retired:
			activeDevices--
			if activeDevices > 0 || r.verdicts.complete() {
				continue
			}
			select {
			case address := <-serials:
				activeDevices++
				loops.Add(1)
				go r.executionLoop(logger, address, stopLoops, retired, loops)
			default:
				logger.Error("pool-exhausted", runnertypes.ErrInsufficientDevices)
				runErr = runnertypes.ErrInsufficientDevices
				break dispatch
			}

		case err := <-claimErrs:
			if err != nil {
				logger.Error("claim-failed", err)
				runErr = err
				break dispatch
			}
			// claim only returns nil once release has closed the session

		case <-r.verdicts.done:
			logger.Info("all-tests-resolved")
			break dispatch

		case signal := <-signals:
			logger.Info("signalled", lager.Data{"signal": signal.String()})
			break dispatch
		}
	}

	close(stopLoops)

	if err := r.reservations.Release(); err != nil {
		logger.Error("failed-to-release", err)
	}
	loops.Wait()

	if runErr != nil {
		return runErr
	}
	if failed, gaveUp := r.verdicts.suiteFailed(); failed {
		return fmt.Errorf("suite failed: %d tests exhausted their retry quota", gaveUp)
	}
	logger.Info("done")
	return nil
}

// executionLoop runs tests on one device until the suite resolves or the
// device breaks. A device that produces an infrastructure failure is retired
// from the pool, not returned.
func (r *Runner) executionLoop(logger lager.Logger, address string, stop <-chan struct{}, retired chan<- struct{}, loops *sync.WaitGroup) {
	logger = logger.Session("execution-loop", lager.Data{"address": address})
	logger.Info("starting")

	defer loops.Done()
	defer func() {
		select {
		case retired <- struct{}{}:
		case <-stop:
		}
	}()

	for {
		execution, ok := r.queue.Next()
		if !ok {
			select {
			case <-r.queue.HasWork:
				continue
			case <-stop:
				logger.Info("done")
				return
			}
		}

		healthy := r.runExecution(logger, address, execution)
		if !healthy {
			logger.Info("retiring-device")
			return
		}
	}
}

// runExecution performs a single attempt and routes its outcome through the
// quota policy. It returns false when the device should leave the pool.
func (r *Runner) runExecution(logger lager.Logger, address string, execution runnertypes.TestExecution) bool {
	execution.DeviceAddress = address

	r.listener.Started(address, execution.TargetPackage, execution.Test, execution.Attempt)

	started := r.clock.Now()
	outcome := r.executor.Execute(context.Background(), address, execution)
	execution.Outcome = outcome
	execution.Duration = r.clock.Now().Sub(started)

	r.listener.Finished(address, execution.Test, execution.TargetPackage, outcome, execution.Duration.Milliseconds(), execution.Attempt)

	history := r.verdicts.record(execution.Test, outcome)
	switch r.policy.Decide(history) {
	case quota.Retry:
		logger.Info("resubmitting", lager.Data{"test": execution.Test.Name(), "attempt": execution.Attempt})
		r.queue.Resubmit(runnertypes.NewTestExecution(execution.Test, execution.TargetPackage, execution.Attempt+1, r.clock.Now()))
	case quota.Accept:
		if r.policy.ReportFlakyTests && quota.Flaky(history) {
			logger.Info("flaky-test", lager.Data{"test": execution.Test.Name(), "attempts": len(history)})
		}
		r.verdicts.resolve(execution.Test, quota.Accept)
	case quota.GiveUp:
		logger.Info("giving-up", lager.Data{"test": execution.Test.Name(), "attempts": len(history)})
		r.verdicts.resolve(execution.Test, quota.GiveUp)
	}

	return !outcome.InfrastructureFailure()
}

func totalCount(requests []runnertypes.ReservationRequest) int {
	total := 0
	for _, request := range requests {
		total += request.Count
	}
	return total
}

// verdictBook tracks per-test outcome histories and terminal verdicts, and
// signals done when every test is resolved.
type verdictBook struct {
	lock      *sync.Mutex
	total     int
	histories map[string][]runnertypes.Outcome
	resolved  map[string]quota.Decision
	done      chan struct{}
}

func newVerdictBook(total int) *verdictBook {
	return &verdictBook{
		lock:      &sync.Mutex{},
		total:     total,
		histories: map[string][]runnertypes.Outcome{},
		resolved:  map[string]quota.Decision{},
		done:      make(chan struct{}),
	}
}

func (b *verdictBook) record(test runnertypes.TestCase, outcome runnertypes.Outcome) []runnertypes.Outcome {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.histories[test.Name()] = append(b.histories[test.Name()], outcome)
	history := make([]runnertypes.Outcome, len(b.histories[test.Name()]))
	copy(history, b.histories[test.Name()])
	return history
}

func (b *verdictBook) resolve(test runnertypes.TestCase, decision quota.Decision) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if _, already := b.resolved[test.Name()]; already {
		return
	}
	b.resolved[test.Name()] = decision
	if len(b.resolved) == b.total {
		close(b.done)
	}
}

func (b *verdictBook) complete() bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.resolved) == b.total
}

func (b *verdictBook) suiteFailed() (bool, int) {
	b.lock.Lock()
	defer b.lock.Unlock()
	gaveUp := 0
	for _, decision := range b.resolved {
		if decision == quota.GiveUp {
			gaveUp++
		}
	}
	return gaveUp > 0, gaveUp
}

// Verdicts returns the terminal verdict for every resolved test.
func (r *Runner) Verdicts() map[string]quota.Decision {
	if r.verdicts == nil {
		return map[string]quota.Decision{}
	}
	r.verdicts.lock.Lock()
	defer r.verdicts.lock.Unlock()
	verdicts := map[string]quota.Decision{}
	for name, decision := range r.verdicts.resolved {
		verdicts[name] = decision
	}
	return verdicts
}
