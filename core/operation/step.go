// Copyright 2018 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package operation

import (
	"time"

	"github.com/juju/errors"
)

// StepStatus is the status of a single step within an operation.
type StepStatus string

const (
	// StepPending means the step has not started.
	StepPending StepStatus = "pending"

	// StepRunning means a collaborator call for the step is in flight.
	StepRunning StepStatus = "running"

	// StepSucceeded means the collaborator reported success.
	StepSucceeded StepStatus = "succeeded"

	// StepFailed means the collaborator reported failure, or an
	// at-most-once step timed out with an unknown outcome.
	StepFailed StepStatus = "failed"

	// StepTimedOut means the collaborator did not respond before the
	// step's deadline on the final permitted attempt.
	StepTimedOut StepStatus = "timed-out"

	// StepSkipped means the step was never attempted because an earlier
	// step failed, or because the operation was cancelled.
	StepSkipped StepStatus = "skipped"
)

// Terminal reports whether the step status is final within its operation.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepTimedOut, StepSkipped:
		return true
	}
	return false
}

// RetryPolicy bounds repeated attempts of a failing step.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts permitted, including
	// the first. Zero means a single attempt.
	MaxAttempts int

	// Backoff is the delay before the second attempt; subsequent delays
	// double.
	Backoff time.Duration
}

// Attempts normalises MaxAttempts to at least one.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Rollback describes the compensating action invoked, best effort, when a
// later step in the same operation fails. A nil Rollback on a Step is a
// no-op.
type Rollback struct {
	// Action is the collaborator action that undoes the step.
	Action string

	// Parameters for the rollback call.
	Parameters map[string]interface{}

	// Timeout bounds the rollback call.
	Timeout time.Duration
}

// Step is a single action against one external collaborator within an
// operation.
type Step struct {
	// Name identifies the step within the operation, for example
	// "allocate-resources".
	Name string

	// Target names the collaborator the step invokes (see the
	// collaborator package).
	Target string

	// Action is the collaborator action to invoke.
	Action string

	// Parameters are derived from the entity's configuration when the
	// workflow is built.
	Parameters map[string]interface{}

	// Timeout bounds each attempt of the collaborator call.
	Timeout time.Duration

	// Retry bounds repeated attempts after failure.
	Retry RetryPolicy

	// AtMostOnce marks a step whose collaborator call is not idempotent:
	// after a timeout whose outcome is unknown the step must not be
	// retried, and is failed with reason ambiguous-outcome instead.
	AtMostOnce bool

	// Rollback is the compensating action, if any.
	Rollback *Rollback

	// Group names the fan-out group, if any. Consecutive steps sharing
	// the same non-empty Group run concurrently and are awaited as a
	// unit before the workflow proceeds.
	Group string

	// Status is the step's current status.
	Status StepStatus

	// Attempts counts collaborator invocations made for this step.
	Attempts int

	// Error carries the most recent collaborator error detail.
	Error string

	// RollbackStatus records the outcome of the rollback action, if it
	// was invoked. Empty when no rollback has run.
	RollbackStatus StepStatus
}

// Validate returns an error if the step descriptor is not well formed.
func (s *Step) Validate() error {
	if s.Name == "" {
		return errors.NotValidf("step with empty name")
	}
	if s.Target == "" {
		return errors.NotValidf("step %q with empty target", s.Name)
	}
	if s.Action == "" {
		return errors.NotValidf("step %q with empty action", s.Name)
	}
	if s.Timeout <= 0 {
		return errors.NotValidf("step %q with timeout %v", s.Name, s.Timeout)
	}
	if s.Status == "" {
		return errors.NotValidf("step %q with empty status", s.Name)
	}
	return nil
}
