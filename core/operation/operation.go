// Copyright 2018 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package operation defines the execution record of one lifecycle request:
// an ordered list of steps, each invoking a single external collaborator,
// together with the bookkeeping the engine needs to checkpoint, resume and
// report progress. Operations are append-only history; a superseding
// operation references but never deletes its predecessors.
package operation

import (
	"time"

	"github.com/juju/errors"
)

// Kind identifies the workflow an operation runs.
type Kind string

const (
	Instantiate Kind = "instantiate"
	Scale       Kind = "scale"
	Terminate   Kind = "terminate"
	Action      Kind = "action"
	Heal        Kind = "heal"
)

// Kinds returns every supported workflow kind.
func Kinds() []Kind {
	return []Kind{Instantiate, Scale, Terminate, Action, Heal}
}

// KnownKind reports whether kind names a supported workflow.
func (k Kind) KnownKind() bool {
	switch k {
	case Instantiate, Scale, Terminate, Action, Heal:
		return true
	}
	return false
}

// Status is the overall status of an operation.
type Status string

const (
	// Pending means the operation is admitted but not yet started.
	Pending Status = "pending"

	// Running means the engine is executing steps.
	Running Status = "running"

	// Succeeded means every step completed and the entity reached the
	// workflow's terminal deployment status.
	Succeeded Status = "succeeded"

	// Failed means the operation could not complete; the Reason and
	// Errors fields carry the diagnosis.
	Failed Status = "failed"
)

// Terminal reports whether the operation status is final.
func (s Status) Terminal() bool {
	return s == Succeeded || s == Failed
}

// Failure reasons recorded on a failed operation.
const (
	// ReasonCancelled marks an operation aborted between steps by
	// request.
	ReasonCancelled = "cancelled"

	// ReasonAmbiguousOutcome marks an operation whose at-most-once step
	// timed out with an unknown outcome, so it could not be retried.
	ReasonAmbiguousOutcome = "ambiguous-outcome"
)

// Operation is one lifecycle request's full execution record.
type Operation struct {
	// ID is the unique identity of this operation.
	ID string

	// RequestID is the caller-supplied identifier of the lifecycle
	// request, used for deduplication: a duplicate RequestID returns the
	// prior result instead of re-admitting.
	RequestID string

	// EntityID names the target entity. ID lookup only; see the entity
	// package commentary on back-references.
	EntityID string

	// Kind names the workflow being run.
	Kind Kind

	// Params carries the validated, kind-specific request parameters.
	Params Params

	// Steps is the ordered list of workflow steps. Within a fan-out
	// group (consecutive steps with the same non-empty Group) the steps
	// run concurrently; otherwise execution is strictly sequential.
	Steps []Step

	// Status is the overall operation status.
	Status Status

	// Reason qualifies a Failed status: empty, ReasonCancelled or
	// ReasonAmbiguousOutcome.
	Reason string

	// Progress counts step transitions, monotonically. Every published
	// status event carries the counter so observers can order and
	// deduplicate events.
	Progress int

	// Errors accumulates failure detail, one entry per failed step or
	// rollback, always naming the step concerned.
	Errors []string

	// Started and Ended bound the execution. Ended is zero until the
	// operation reaches a terminal status.
	Started time.Time
	Ended   time.Time

	// Version is the optimistic concurrency token maintained by the
	// store.
	Version int
}

// Validate returns an error if the operation record is not well formed.
func (op *Operation) Validate() error {
	if op.ID == "" {
		return errors.NotValidf("operation with empty ID")
	}
	if op.EntityID == "" {
		return errors.NotValidf("operation %q with empty entity ID", op.ID)
	}
	if !op.Kind.KnownKind() {
		return errors.NotValidf("operation kind %q", op.Kind)
	}
	for i := range op.Steps {
		if err := op.Steps[i].Validate(); err != nil {
			return errors.Annotatef(err, "step %d", i)
		}
	}
	return nil
}

// FirstNonTerminalStep returns the index of the first step that has not
// reached a terminal status, or -1 if every step is terminal. On resume
// after a crash the engine continues from this step.
func (op *Operation) FirstNonTerminalStep() int {
	for i := range op.Steps {
		if !op.Steps[i].Status.Terminal() {
			return i
		}
	}
	return -1
}

// AdvanceStep moves the step at index to a new status, enforcing the
// monotonicity invariant: once a step is terminal it is never revisited
// within the same operation. Progress is incremented on every
// transition, so observers can order and deduplicate events.
func (op *Operation) AdvanceStep(index int, status StepStatus) error {
	if index < 0 || index >= len(op.Steps) {
		return errors.NotValidf("step index %d", index)
	}
	step := &op.Steps[index]
	if step.Status.Terminal() {
		return errors.NotValidf("transition of terminal step %q (%s -> %s)",
			step.Name, step.Status, status)
	}
	step.Status = status
	op.Progress++
	return nil
}

// RecordError appends failure detail for the named step.
func (op *Operation) RecordError(stepName, detail string) {
	op.Errors = append(op.Errors, stepName+": "+detail)
}

// ErrorDetail joins the accumulated failure detail for reporting, in the
// manner of the original daemon's detailed-status strings.
func (op *Operation) ErrorDetail() string {
	detail := ""
	for i, e := range op.Errors {
		if i > 0 {
			detail += "; "
		}
		detail += e
	}
	return detail
}
