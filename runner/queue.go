package runner

import (
	"sync"

	"code.cloudfoundry.org/clock"

	"github.com/sundetova/avito-android/runnertypes"
)

// Queue holds pending test executions in suite order. Retries are appended at
// the tail so other tests get a turn before a flaky rerun. HasWork carries a
// single-slot wakeup signal for idle execution loops.
type Queue struct {
	executions []runnertypes.TestExecution
	lock       *sync.Mutex
	HasWork    chan struct{}
	clock      clock.Clock
}

func NewQueue(clk clock.Clock) *Queue {
	return &Queue{
		executions: []runnertypes.TestExecution{},
		lock:       &sync.Mutex{},
		HasWork:    make(chan struct{}, 1),
		clock:      clk,
	}
}

// Add enqueues first attempts for the given tests, preserving suite order.
func (q *Queue) Add(tests []runnertypes.TestCase, targetPackage string) {
	now := q.clock.Now()
	executions := make([]runnertypes.TestExecution, 0, len(tests))
	for _, test := range tests {
		executions = append(executions, runnertypes.NewTestExecution(test, targetPackage, 1, now))
	}

	q.lock.Lock()
	q.executions = append(q.executions, executions...)
	q.claimToHaveWork()
	q.lock.Unlock()
}

// Resubmit enqueues a fresh attempt at the back of the queue.
func (q *Queue) Resubmit(execution runnertypes.TestExecution) {
	q.lock.Lock()
	q.executions = append(q.executions, execution)
	q.claimToHaveWork()
	q.lock.Unlock()
}

// Next pops the head of the queue, stamping how long it waited. The second
// return is false when the queue is empty.
func (q *Queue) Next() (runnertypes.TestExecution, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if len(q.executions) == 0 {
		return runnertypes.TestExecution{}, false
	}

	execution := q.executions[0]
	q.executions = q.executions[1:]
	execution.WaitDuration = q.clock.Now().Sub(execution.QueueTime)

	if len(q.executions) > 0 {
		q.claimToHaveWork()
	}
	return execution, true
}

func (q *Queue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.executions)
}

func (q *Queue) claimToHaveWork() {
	select {
	case q.HasWork <- struct{}{}:
	default:
	}
}
