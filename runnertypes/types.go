package runnertypes

import (
	"errors"
	"fmt"
	"time"
)

var ErrAlreadyReserving = errors.New("reservation client is already reserving")
var ErrNotReserving = errors.New("reservation client is not reserving")
var ErrProvisioningTimeout = errors.New("deployment never reached the requested pod count")
var ErrInsufficientDevices = errors.New("no devices left to run executions on")
var ErrLocalEmulatorNotSupported = errors.New("local emulators cannot be provisioned in the cluster")

// TestCase identifies a single instrumented test method.
type TestCase struct {
	ClassName  string `json:"class_name"`
	MethodName string `json:"method_name"`
}

func (t TestCase) Name() string {
	return t.ClassName + "." + t.MethodName
}

// FilterVerdict is produced by the filter-composition collaborator for every
// test in the suite before scheduling starts.
type FilterVerdict struct {
	Test     TestCase `json:"test"`
	Included bool     `json:"included"`
	Reason   string   `json:"reason,omitempty"`
}

type OutcomeKind int

const (
	OutcomePassed OutcomeKind = iota
	OutcomeIgnored
	OutcomeFailedInRun
	OutcomeFailedInfrastructure
)

// Outcome is the result of one execution attempt. FailedInRun is a normal
// assertion failure; FailedInfrastructure means the device or cluster broke
// underneath the test.
type Outcome struct {
	Kind    OutcomeKind `json:"kind"`
	Message string      `json:"message,omitempty"`
	Cause   error       `json:"-"`
}

func Passed() Outcome  { return Outcome{Kind: OutcomePassed} }
func Ignored() Outcome { return Outcome{Kind: OutcomeIgnored} }

func FailedInRun(message string) Outcome {
	return Outcome{Kind: OutcomeFailedInRun, Message: message}
}

func FailedInfrastructure(message string, cause error) Outcome {
	return Outcome{Kind: OutcomeFailedInfrastructure, Message: message, Cause: cause}
}

func (o Outcome) Success() bool {
	return o.Kind == OutcomePassed || o.Kind == OutcomeIgnored
}

func (o Outcome) InfrastructureFailure() bool {
	return o.Kind == OutcomeFailedInfrastructure
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomePassed:
		return "passed"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeFailedInRun:
		return fmt.Sprintf("failed: %s", o.Message)
	case OutcomeFailedInfrastructure:
		return fmt.Sprintf("infrastructure failure: %s", o.Message)
	}
	return "unknown"
}

// ExecutionRecord carries the scheduling bookkeeping shared by every attempt.
type ExecutionRecord struct {
	Attempt      int           `json:"attempt"`
	QueueTime    time.Time     `json:"queue_time"`
	WaitDuration time.Duration `json:"wait_duration"`
}

// TestExecution is one attempt of one test on one device. Attempts are
// immutable once finished; a retry is a fresh TestExecution with Attempt+1.
type TestExecution struct {
	Test          TestCase `json:"test"`
	TargetPackage string   `json:"target_package"`
	DeviceAddress string   `json:"device_address,omitempty"`
	Outcome       Outcome  `json:"outcome"`
	Duration      time.Duration

	ExecutionRecord
}

func (e TestExecution) Identifier() string {
	return fmt.Sprintf("%s#%d", e.Test.Name(), e.Attempt)
}

func NewTestExecution(test TestCase, targetPackage string, attempt int, queueTime time.Time) TestExecution {
	return TestExecution{
		Test:          test,
		TargetPackage: targetPackage,
		ExecutionRecord: ExecutionRecord{
			Attempt:   attempt,
			QueueTime: queueTime,
		},
	}
}
