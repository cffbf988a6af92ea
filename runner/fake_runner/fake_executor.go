package fake_runner

import (
	"context"
	"sync"

	"github.com/sundetova/avito-android/runnertypes"
)

type ExecutedAttempt struct {
	DeviceAddress string
	Execution     runnertypes.TestExecution
}

// FakeExecutor returns scripted outcome sequences per test name. Tests with no
// script pass on every attempt.
type FakeExecutor struct {
	lock *sync.Mutex

	outcomes    map[string][]runnertypes.Outcome
	executed    []ExecutedAttempt
	executeStub func(deviceAddress string, execution runnertypes.TestExecution)
}

func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{
		lock:     &sync.Mutex{},
		outcomes: map[string][]runnertypes.Outcome{},
	}
}

func (e *FakeExecutor) Execute(ctx context.Context, deviceAddress string, execution runnertypes.TestExecution) runnertypes.Outcome {
	e.lock.Lock()

	e.executed = append(e.executed, ExecutedAttempt{DeviceAddress: deviceAddress, Execution: execution})
	stub := e.executeStub

	outcome := runnertypes.Passed()
	sequence := e.outcomes[execution.Test.Name()]
	if len(sequence) > 0 {
		outcome = sequence[0]
		if len(sequence) > 1 {
			e.outcomes[execution.Test.Name()] = sequence[1:]
		}
	}
	e.lock.Unlock()

	if stub != nil {
		stub(deviceAddress, execution)
	}
	return outcome
}

// WhenExecuting installs a hook invoked during every Execute call, useful for
// holding an attempt open while the test arranges the surrounding state.
func (e *FakeExecutor) WhenExecuting(stub func(deviceAddress string, execution runnertypes.TestExecution)) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.executeStub = stub
}

func (e *FakeExecutor) ScriptOutcomes(testName string, outcomes ...runnertypes.Outcome) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.outcomes[testName] = outcomes
}

func (e *FakeExecutor) ExecutedAttempts() []ExecutedAttempt {
	e.lock.Lock()
	defer e.lock.Unlock()
	executed := make([]ExecutedAttempt, len(e.executed))
	copy(executed, e.executed)
	return executed
}

func (e *FakeExecutor) AttemptsFor(testName string) int {
	e.lock.Lock()
	defer e.lock.Unlock()
	count := 0
	for _, attempt := range e.executed {
		if attempt.Execution.Test.Name() == testName {
			count++
		}
	}
	return count
}
