// Copyright 2020 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package engine

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/juju/lcm/core/collaborator"
	"github.com/juju/lcm/core/entity"
	"github.com/juju/lcm/core/lease"
	"github.com/juju/lcm/core/message"
	"github.com/juju/lcm/core/operation"
	"github.com/juju/lcm/state"
	"github.com/juju/lcm/workflow"
)

const (
	// errAborted means the engine is stopping; the operation stays
	// non-terminal and is resumed on restart.
	errAborted = errors.ConstError("engine stopping")

	// errStepFailed means a step exhausted its retry budget; the
	// operation proceeds to rollback.
	errStepFailed = errors.ConstError("step failed")

	// errAmbiguous means an at-most-once step timed out with unknown
	// outcome. Never retried.
	errAmbiguous = errors.ConstError("ambiguous outcome")

	// errCeiling means the operation's total time budget ran out.
	errCeiling = errors.ConstError("operation time budget exhausted")
)

// maxRetryDelay caps exponential backoff between step attempts.
const maxRetryDelay = 5 * time.Minute

// resourceChange records a sub-resource gained or lost by a successful
// step, applied to the entity record at completion.
type resourceChange struct {
	resource entity.Resource
	remove   bool
}

// runner drives one operation to a terminal status.
type runner struct {
	config   Config
	token    lease.Token
	opID     string
	entityID string
	resumed  bool

	// topic is the bus topic for the entity's type, resolved at start.
	topic string

	// deadline is the operation's total time budget.
	deadline time.Time

	// mu guards op and resources; fan-out groups checkpoint
	// concurrently.
	mu        sync.Mutex
	op        *operation.Operation
	resources []resourceChange

	cancelOnce   sync.Once
	cancelc      chan struct{}
	cancelReason string

	abort <-chan struct{}
}

func newRunner(config Config, op *operation.Operation, token lease.Token, resumed bool) *runner {
	return &runner{
		config:   config,
		op:       op,
		token:    token,
		opID:     op.ID,
		entityID: op.EntityID,
		resumed:  resumed,
		cancelc:  make(chan struct{}),
	}
}

// cancel requests cooperative cancellation. Safe to call repeatedly.
func (r *runner) cancel(reason string) {
	r.cancelOnce.Do(func() {
		r.cancelReason = reason
		close(r.cancelc)
	})
}

func (r *runner) cancelled() (string, bool) {
	select {
	case <-r.cancelc:
		return r.cancelReason, true
	default:
		return "", false
	}
}

// run executes the operation. A nil return means the operation reached a
// terminal status or the engine is stopping; an error means the store is
// unusable and the worker must restart.
func (r *runner) run(abort <-chan struct{}) error {
	r.abort = abort
	e, err := r.config.Store.Entity(r.entityID)
	if err != nil {
		return errors.Trace(err)
	}
	r.topic = string(e.Type)
	kind := r.op.Kind
	r.deadline = r.config.Clock.Now().Add(r.config.Workflows.Ceiling(kind))

	done, err := r.begin(e)
	if err != nil {
		return errors.Trace(err)
	}
	if done {
		return nil
	}

	for {
		index := r.currentIndex()
		if index < 0 {
			if r.allSucceeded() {
				return errors.Trace(r.succeed())
			}
			// A crash interrupted the failure path after every step
			// reached a terminal status; finish it.
			return errors.Trace(r.rollbackAndFail(""))
		}
		if r.anyFailed() {
			// A crash landed between a step's failure checkpoint and
			// its rollback; the remaining steps must not run.
			return errors.Trace(r.rollbackAndFail(""))
		}
		if reason, ok := r.cancelled(); ok {
			return errors.Trace(r.abandon(operation.ReasonCancelled, reason))
		}
		if !r.config.Clock.Now().Before(r.deadline) {
			r.checkpointErr(index, operation.StepTimedOut, errCeiling.Error())
			return errors.Trace(r.rollbackAndFail(""))
		}
		group := r.groupIndexes(index)
		if err := r.runGroup(group); err != nil {
			switch {
			case errors.Is(err, errAborted):
				return nil
			case errors.Is(err, errStepFailed):
				return errors.Trace(r.rollbackAndFail(""))
			case errors.Is(err, errAmbiguous):
				return errors.Trace(r.rollbackAndFail(operation.ReasonAmbiguousOutcome))
			default:
				return errors.Trace(err)
			}
		}
	}
}

// begin moves the operation to running, normalises steps interrupted by
// a crash, and sets the entity's transitional status. A true result
// means begin already drove the operation to a terminal status and the
// caller must not run any steps.
func (r *runner) begin(e *entity.Entity) (bool, error) {
	now := r.config.Clock.Now()
	err := r.checkpoint(func(op *operation.Operation) error {
		if op.Status == operation.Pending {
			op.Status = operation.Running
			op.Started = now
		}
		if !r.resumed {
			return nil
		}
		for i := range op.Steps {
			step := &op.Steps[i]
			if step.Status != operation.StepRunning {
				continue
			}
			if step.AtMostOnce {
				// The crash left the outcome unknown.
				step.Status = operation.StepFailed
				step.Error = errAmbiguous.Error()
				op.Reason = operation.ReasonAmbiguousOutcome
				op.RecordError(step.Name, errAmbiguous.Error())
				continue
			}
			step.Status = operation.StepPending
		}
		return nil
	})
	if err != nil {
		return false, errors.Trace(err)
	}
	r.mu.Lock()
	ambiguous := r.op.Reason == operation.ReasonAmbiguousOutcome
	r.mu.Unlock()
	if ambiguous {
		// Resume found an unfinishable operation; fail it now.
		return true, errors.Trace(r.rollbackAndFail(operation.ReasonAmbiguousOutcome))
	}

	transitional := workflow.TransitionalStatus(r.op.Kind)
	if transitional == "" || e.Status == transitional {
		return false, nil
	}
	_, err = state.UpdateEntity(r.config.Store, r.entityID, func(e *entity.Entity) error {
		if e.Status == transitional {
			return nil
		}
		return e.SetStatus(transitional, string(r.op.Kind)+" in progress")
	})
	return false, errors.Trace(err)
}

// allSucceeded reports whether every step completed successfully.
func (r *runner) allSucceeded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.op.Steps {
		if r.op.Steps[i].Status != operation.StepSucceeded {
			return false
		}
	}
	return true
}

// anyFailed reports whether a step has durably failed or timed out,
// which the main loop only ever observes after a crash interrupted the
// failure path.
func (r *runner) anyFailed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.op.Steps {
		switch r.op.Steps[i].Status {
		case operation.StepFailed, operation.StepTimedOut:
			return true
		}
	}
	return false
}

func (r *runner) currentIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.op.FirstNonTerminalStep()
}

// groupIndexes returns the indexes run together from position index:
// a single step, or the run of consecutive steps sharing its non-empty
// fan-out group.
func (r *runner) groupIndexes(index int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	group := r.op.Steps[index].Group
	if group == "" {
		return []int{index}
	}
	indexes := []int{index}
	for i := index + 1; i < len(r.op.Steps); i++ {
		if r.op.Steps[i].Group != group {
			break
		}
		if !r.op.Steps[i].Status.Terminal() {
			indexes = append(indexes, i)
		}
	}
	return indexes
}

// runGroup executes the steps concurrently and awaits them all. The
// most severe failure wins: store errors over aborts over step failures.
func (r *runner) runGroup(indexes []int) error {
	if len(indexes) == 1 {
		return r.runStep(indexes[0])
	}
	results := make([]error, len(indexes))
	var wg sync.WaitGroup
	for i, index := range indexes {
		wg.Add(1)
		go func(i, index int) {
			defer wg.Done()
			results[i] = r.runStep(index)
		}(i, index)
	}
	wg.Wait()
	var failed, ambiguous, aborted bool
	for _, err := range results {
		switch {
		case err == nil:
		case errors.Is(err, errStepFailed):
			failed = true
		case errors.Is(err, errAmbiguous):
			ambiguous = true
		case errors.Is(err, errAborted):
			aborted = true
		default:
			return errors.Trace(err)
		}
	}
	switch {
	case aborted:
		return errAborted
	case ambiguous:
		return errAmbiguous
	case failed:
		return errStepFailed
	}
	return nil
}

// runStep drives one step through its retry budget.
func (r *runner) runStep(index int) error {
	err := r.checkpoint(func(op *operation.Operation) error {
		return op.AdvanceStep(index, operation.StepRunning)
	})
	if err != nil {
		return errors.Trace(err)
	}

	r.mu.Lock()
	step := r.op.Steps[index]
	r.mu.Unlock()

	remaining := r.deadline.Sub(r.config.Clock.Now())
	if remaining <= 0 {
		r.checkpointErr(index, operation.StepTimedOut, errCeiling.Error())
		return errStepFailed
	}
	backoff := step.Retry.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	callErr := retry.Call(retry.CallArgs{
		Func: func() error {
			if err := r.checkpoint(func(op *operation.Operation) error {
				op.Steps[index].Attempts++
				return nil
			}); err != nil {
				return err
			}
			return r.invokeOnce(index)
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, collaborator.ErrFailure) &&
				!errors.Is(err, collaborator.ErrTimeout)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("operation %q step %q attempt %d: %v",
				r.opID, step.Name, attempt, err)
		},
		Attempts:    step.Retry.Attempts(),
		Delay:       backoff,
		MaxDelay:    maxRetryDelay,
		MaxDuration: remaining,
		BackoffFunc: retry.DoubleDelay,
		Clock:       r.config.Clock,
		Stop:        r.abort,
	})
	if callErr == nil {
		err := r.checkpoint(func(op *operation.Operation) error {
			return op.AdvanceStep(index, operation.StepSucceeded)
		})
		if err != nil {
			return errors.Trace(err)
		}
		r.publishStep(index)
		return nil
	}

	switch {
	case errors.Is(callErr, errAborted) || retry.IsRetryStopped(callErr):
		return errAborted
	case errors.Is(callErr, errAmbiguous):
		r.checkpointErr(index, operation.StepFailed, callErr.Error())
		return errAmbiguous
	case errors.Is(callErr, errCeiling):
		r.checkpointErr(index, operation.StepTimedOut, callErr.Error())
		return errStepFailed
	}
	if retry.IsAttemptsExceeded(callErr) || retry.IsDurationExceeded(callErr) {
		callErr = retry.LastError(callErr)
	}
	status := operation.StepFailed
	if errors.Is(callErr, collaborator.ErrTimeout) {
		status = operation.StepTimedOut
	}
	r.checkpointErr(index, status, callErr.Error())
	return errStepFailed
}

// invokeOnce performs a single collaborator call for the step, bounded
// by the step timeout and the operation's remaining budget.
func (r *runner) invokeOnce(index int) error {
	r.mu.Lock()
	step := r.op.Steps[index]
	r.mu.Unlock()

	remaining := r.deadline.Sub(r.config.Clock.Now())
	if remaining <= 0 {
		return errCeiling
	}
	timeout := step.Timeout
	if timeout <= 0 || timeout > remaining {
		timeout = remaining
	}
	target, err := r.config.Collaborators.Lookup(step.Target)
	if err != nil {
		return errors.Trace(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type invocation struct {
		result collaborator.Result
		err    error
	}
	done := make(chan invocation, 1)
	go func() {
		result, err := target.Invoke(ctx, step.Action, step.Parameters)
		done <- invocation{result: result, err: err}
	}()

	select {
	case <-r.abort:
		return errAborted
	case <-r.config.Clock.After(timeout):
		cancel()
		if step.AtMostOnce {
			return errors.Annotatef(errAmbiguous,
				"step %q gave no response within %v", step.Name, timeout)
		}
		return errors.Annotatef(collaborator.ErrTimeout,
			"step %q after %v", step.Name, timeout)
	case inv := <-done:
		if inv.err != nil {
			return errors.Annotatef(collaborator.ErrFailure,
				"step %q: %v", step.Name, inv.err)
		}
		switch inv.result.Outcome {
		case collaborator.Success:
			r.recordResult(step, inv.result)
			return nil
		case collaborator.Timeout:
			if step.AtMostOnce {
				return errors.Annotatef(errAmbiguous,
					"step %q reported timeout", step.Name)
			}
			return errors.Annotatef(collaborator.ErrTimeout,
				"step %q", step.Name)
		default:
			return errors.Annotatef(collaborator.ErrFailure,
				"step %q: %s", step.Name, inv.result.ErrorDetail)
		}
	}
}

// recordResult converts a successful step's result data into resource
// bookkeeping to be applied at completion.
func (r *runner) recordResult(step operation.Step, result collaborator.Result) {
	name := resourceName(step)
	r.mu.Lock()
	defer r.mu.Unlock()
	switch step.Action {
	case "deallocate", "release":
		r.resources = append(r.resources, resourceChange{
			resource: entity.Resource{Name: name},
			remove:   true,
		})
	default:
		remoteID, _ := result.Data["remote-id"].(string)
		if remoteID == "" {
			return
		}
		member, _ := step.Parameters["member"].(string)
		r.resources = append(r.resources, resourceChange{
			resource: entity.Resource{
				Name:     name,
				Target:   step.Target,
				Member:   member,
				RemoteID: remoteID,
			},
		})
	}
}

// resourceName keys a step's resource. Per-member steps key by member so
// allocation and release pair up.
func resourceName(step operation.Step) string {
	if member, ok := step.Parameters["member"].(string); ok && member != "" {
		return step.Target + ":" + member
	}
	return step.Target
}

// checkpointErr persists a step's failure transition.
func (r *runner) checkpointErr(index int, status operation.StepStatus, detail string) {
	err := r.checkpoint(func(op *operation.Operation) error {
		step := &op.Steps[index]
		if !step.Status.Terminal() {
			if err := op.AdvanceStep(index, status); err != nil {
				return errors.Trace(err)
			}
		}
		step.Error = detail
		op.RecordError(step.Name, detail)
		return nil
	})
	if err != nil {
		logger.Errorf("operation %q step failure checkpoint: %v", r.opID, err)
		return
	}
	r.publishStep(index)
}

// checkpoint applies a mutation to the operation and persists it. A
// stale write reloads the record and reapplies the mutation; the record
// is otherwise only written by this runner.
func (r *runner) checkpoint(mutate func(*operation.Operation) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := mutate(r.op); err != nil {
		return errors.Trace(err)
	}
	err := r.config.Store.SaveOperation(r.op)
	if err == nil {
		return nil
	}
	if !errors.Is(err, state.ErrStaleWrite) {
		return errors.Trace(err)
	}
	op, err := state.UpdateOperation(r.config.Store, r.op.ID, mutate)
	if err != nil {
		return errors.Trace(err)
	}
	r.op = op
	return nil
}

// publishStep emits a progress event for the step's latest persisted
// transition.
func (r *runner) publishStep(index int) {
	r.mu.Lock()
	step := r.op.Steps[index]
	event := message.StatusEvent{
		OperationID: r.op.ID,
		EntityID:    r.entityID,
		StepName:    step.Name,
		Status:      string(step.Status),
		Progress:    r.op.Progress,
		Timestamp:   r.config.Clock.Now(),
		ErrorDetail: step.Error,
	}
	r.mu.Unlock()
	if err := r.config.Bus.Publish(r.topic, message.StatusCommand, event.Map()); err != nil {
		logger.Warningf("publishing progress for operation %q: %v", r.opID, err)
	}
}

// abandon fails the operation without running rollback; cancellation
// leaves cleanup to a subsequent terminate.
func (r *runner) abandon(reason, detail string) error {
	err := r.checkpoint(func(op *operation.Operation) error {
		skipRemaining(op)
		op.Reason = reason
		if detail != "" {
			op.RecordError("cancelled", detail)
		}
		return nil
	})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(r.complete(false))
}

// rollbackAndFail skips the remaining steps, invokes rollback actions of
// completed steps in reverse order, and completes the operation as
// failed.
func (r *runner) rollbackAndFail(reason string) error {
	err := r.checkpoint(func(op *operation.Operation) error {
		skipRemaining(op)
		if reason != "" {
			op.Reason = reason
		}
		return nil
	})
	if err != nil {
		return errors.Trace(err)
	}

	r.mu.Lock()
	count := len(r.op.Steps)
	r.mu.Unlock()
	for index := count - 1; index >= 0; index-- {
		r.mu.Lock()
		step := r.op.Steps[index]
		r.mu.Unlock()
		if step.Status != operation.StepSucceeded || step.Rollback == nil {
			continue
		}
		if step.RollbackStatus != "" {
			// Already attempted before a crash; rollback is best
			// effort and never re-invoked.
			continue
		}
		select {
		case <-r.abort:
			return nil
		default:
		}
		r.rollbackStep(index, step)
	}
	return errors.Trace(r.complete(false))
}

// rollbackStep invokes one rollback action, best effort, single attempt.
func (r *runner) rollbackStep(index int, step operation.Step) {
	rollback := *step.Rollback
	target, err := r.config.Collaborators.Lookup(step.Target)
	if err != nil {
		r.recordRollback(index, step, operation.StepFailed, err.Error())
		return
	}
	timeout := rollback.Timeout
	if timeout <= 0 {
		timeout = step.Timeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type invocation struct {
		result collaborator.Result
		err    error
	}
	done := make(chan invocation, 1)
	go func() {
		result, err := target.Invoke(ctx, rollback.Action, rollback.Parameters)
		done <- invocation{result: result, err: err}
	}()
	select {
	case <-r.abort:
	case <-r.config.Clock.After(timeout):
		cancel()
		r.recordRollback(index, step, operation.StepTimedOut, "no response within deadline")
	case inv := <-done:
		switch {
		case inv.err != nil:
			r.recordRollback(index, step, operation.StepFailed, inv.err.Error())
		case inv.result.Outcome == collaborator.Success:
			r.recordRollback(index, step, operation.StepSucceeded, "")
			r.mu.Lock()
			r.resources = append(r.resources, resourceChange{
				resource: entity.Resource{Name: resourceName(step)},
				remove:   true,
			})
			r.mu.Unlock()
		default:
			r.recordRollback(index, step, operation.StepFailed, inv.result.ErrorDetail)
		}
	}
}

func (r *runner) recordRollback(index int, step operation.Step, status operation.StepStatus, detail string) {
	err := r.checkpoint(func(op *operation.Operation) error {
		op.Steps[index].RollbackStatus = status
		if detail != "" {
			op.RecordError(step.Name+" rollback", detail)
		}
		return nil
	})
	if err != nil {
		logger.Errorf("operation %q rollback checkpoint: %v", r.opID, err)
	}
}

func skipRemaining(op *operation.Operation) {
	for i := range op.Steps {
		if !op.Steps[i].Status.Terminal() {
			_ = op.AdvanceStep(i, operation.StepSkipped)
		}
	}
}

func (r *runner) succeed() error {
	return errors.Trace(r.complete(true))
}

// complete writes the operation's terminal status together with the
// entity update and the lease release, then emits the final event. The
// store write is the durability boundary: nothing is published before
// it lands.
func (r *runner) complete(succeeded bool) error {
	now := r.config.Clock.Now()
	r.mu.Lock()
	if succeeded {
		r.op.Status = operation.Succeeded
	} else {
		r.op.Status = operation.Failed
	}
	// The terminal transition counts as progress of its own, so the
	// final event always orders strictly after the last step event.
	r.op.Progress++
	r.op.Ended = now
	op := r.op
	changes := append([]resourceChange(nil), r.resources...)
	r.mu.Unlock()

	target := workflow.TerminalStatus(op.Kind)
	detail := ""
	if !succeeded {
		target = workflow.FailureStatus(op.Kind)
		detail = op.ErrorDetail()
	}

	for attempt := 0; ; attempt++ {
		e, err := r.config.Store.Entity(r.entityID)
		if err != nil {
			return errors.Trace(err)
		}
		for _, change := range changes {
			if change.remove {
				e.RemoveResource(change.resource.Name)
				continue
			}
			e.SetResource(change.resource)
		}
		e.LastOperationID = op.ID
		if target != "" && e.Status != target {
			if entity.ValidTransition(e.Status, target) {
				_ = e.SetStatus(target, detail)
			} else {
				logger.Warningf("entity %q left in status %q; %q not reachable",
					e.ID, e.Status, target)
				e.StatusDetail = detail
			}
		} else if detail != "" {
			e.StatusDetail = detail
		}
		err = r.config.Store.CompleteOperation(op, e)
		if err == nil {
			break
		}
		if !errors.Is(err, state.ErrStaleWrite) || attempt > 10 {
			return errors.Trace(err)
		}
		if fresh, ferr := r.config.Store.Operation(op.ID); ferr == nil {
			r.mu.Lock()
			op.Version = fresh.Version
			r.mu.Unlock()
		}
	}

	if succeeded && op.Kind == operation.Terminate {
		if p, ok := op.Params.(operation.TerminateParams); ok && p.Autoremove {
			if err := r.config.Store.RemoveEntity(r.entityID); err != nil {
				logger.Errorf("removing terminated entity %q: %v", r.entityID, err)
			}
		}
	}

	if err := r.config.Releaser.Release(r.token); err != nil {
		logger.Warningf("releasing lease for operation %q: %v", op.ID, err)
	}

	event := message.StatusEvent{
		OperationID: op.ID,
		EntityID:    r.entityID,
		Status:      string(op.Status),
		Progress:    op.Progress,
		Timestamp:   now,
		ErrorDetail: detail,
		Final:       true,
	}
	if err := r.config.Bus.Publish(r.topic, message.StatusCommand, event.Map()); err != nil {
		logger.Warningf("publishing final event for operation %q: %v", op.ID, err)
	}
	return nil
}
