// Copyright 2020 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package engine_test

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/juju/lcm/core/collaborator"
	"github.com/juju/lcm/core/entity"
	"github.com/juju/lcm/core/lease"
	"github.com/juju/lcm/core/operation"
	"github.com/juju/lcm/msgbus/localbus"
	"github.com/juju/lcm/state/memstate"
	"github.com/juju/lcm/worker/engine"
	"github.com/juju/lcm/workflow"
)

const longWait = 10 * time.Second

// fakeCollaborator scripts one target's responses and counts calls.
type fakeCollaborator struct {
	mu     sync.Mutex
	calls  []string
	invoke func(ctx context.Context, action string, params map[string]interface{}) (collaborator.Result, error)
}

func (f *fakeCollaborator) Invoke(ctx context.Context, action string, params map[string]interface{}) (collaborator.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, action)
	fn := f.invoke
	f.mu.Unlock()
	if fn == nil {
		return collaborator.Result{Outcome: collaborator.Success}, nil
	}
	return fn(ctx, action, params)
}

func (f *fakeCollaborator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeCollaborator) callNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeReleaser records lease releases.
type fakeReleaser struct {
	mu       sync.Mutex
	released []lease.Token
}

func (f *fakeReleaser) Release(token lease.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, token)
	return nil
}

func (f *fakeReleaser) tokens() []lease.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]lease.Token(nil), f.released...)
}

type EngineSuite struct {
	testing.IsolationSuite

	store    *memstate.Store
	bus      *localbus.Bus
	ro       *fakeCollaborator
	vca      *fakeCollaborator
	releaser *fakeReleaser
	events   chan map[string]interface{}
}

var _ = gc.Suite(&EngineSuite{})

func (s *EngineSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.store = memstate.NewStore(clock.WallClock)
	s.bus = localbus.New()
	s.ro = &fakeCollaborator{}
	s.vca = &fakeCollaborator{}
	s.releaser = &fakeReleaser{}
	s.events = make(chan map[string]interface{}, 32)
	unsub, err := s.bus.Subscribe([]string{"ns"}, func(topic, command string, payload map[string]interface{}) {
		s.events <- payload
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { unsub() })
}

func (s *EngineSuite) workflows() workflow.Config {
	timeouts := make(map[operation.Kind]workflow.Timeouts)
	for _, kind := range operation.Kinds() {
		timeouts[kind] = workflow.Timeouts{Step: time.Second, Ceiling: time.Minute}
	}
	return workflow.Config{
		Timeouts: timeouts,
		Retry:    operation.RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond},
	}
}

func (s *EngineSuite) newEngine(c *gc.C) *engine.Engine {
	e, err := engine.New(engine.Config{
		Store: s.store,
		Bus:   s.bus,
		Collaborators: collaborator.Registry{
			collaborator.RO:  s.ro,
			collaborator.VCA: s.vca,
		},
		Releaser:  s.releaser,
		Clock:     clock.WallClock,
		Workflows: s.workflows(),
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, e) })
	return e
}

func (s *EngineSuite) addEntity(c *gc.C, status entity.Status) {
	c.Assert(s.store.AddEntity(&entity.Entity{
		ID:     "ns-1",
		Type:   entity.NetworkService,
		Name:   "hackfest",
		Status: status,
	}), jc.ErrorIsNil)
}

func (s *EngineSuite) step(name, target, action string) operation.Step {
	return operation.Step{
		Name:    name,
		Target:  target,
		Action:  action,
		Timeout: time.Second,
		Retry:   operation.RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond},
		Status:  operation.StepPending,
	}
}

func (s *EngineSuite) addOperation(c *gc.C, kind operation.Kind, params operation.Params, steps ...operation.Step) (*operation.Operation, lease.Token) {
	op := &operation.Operation{
		ID:        "op-1",
		RequestID: "req-1",
		EntityID:  "ns-1",
		Kind:      kind,
		Params:    params,
		Steps:     steps,
		Status:    operation.Pending,
	}
	c.Assert(s.store.AddOperation(op), jc.ErrorIsNil)
	token := lease.Token{EntityID: "ns-1", OperationID: op.ID, Kind: kind}
	return op, token
}

func (s *EngineSuite) nextEvent(c *gc.C) map[string]interface{} {
	select {
	case event := <-s.events:
		return event
	case <-time.After(longWait):
		c.Fatalf("no event published")
		return nil
	}
}

// collectUntilFinal drains events through the operation's final event.
func (s *EngineSuite) collectUntilFinal(c *gc.C) []map[string]interface{} {
	var events []map[string]interface{}
	for {
		event := s.nextEvent(c)
		events = append(events, event)
		if final, _ := event["final"].(bool); final {
			return events
		}
	}
}

func (s *EngineSuite) TestInstantiateSucceeds(c *gc.C) {
	s.addEntity(c, entity.NotInstantiated)
	s.ro.invoke = func(_ context.Context, action string, _ map[string]interface{}) (collaborator.Result, error) {
		return collaborator.Result{
			Outcome: collaborator.Success,
			Data:    map[string]interface{}{"remote-id": "r-1"},
		}, nil
	}
	allocate := s.step("allocate-resources", collaborator.RO, "allocate")
	allocate.Rollback = &operation.Rollback{Action: "deallocate", Timeout: time.Second}
	configure := s.step("configure-application", collaborator.VCA, "configure")

	eng := s.newEngine(c)
	op, token := s.addOperation(c, operation.Instantiate, operation.InstantiateParams{VIMAccount: "vim-1"}, allocate, configure)
	c.Assert(eng.Start(op, token), jc.ErrorIsNil)

	events := s.collectUntilFinal(c)
	c.Assert(events, gc.HasLen, 3)
	c.Assert(events[0]["step"], gc.Equals, "allocate-resources")
	c.Assert(events[0]["status"], gc.Equals, "succeeded")
	c.Assert(events[1]["step"], gc.Equals, "configure-application")
	c.Assert(events[1]["status"], gc.Equals, "succeeded")
	c.Assert(events[2]["status"], gc.Equals, "succeeded")
	c.Assert(events[2]["final"], gc.Equals, true)

	// Progress is monotonic across the events.
	last := -1
	for _, event := range events {
		progress := event["progress"].(int)
		c.Assert(progress > last, jc.IsTrue)
		last = progress
	}

	stored, err := s.store.Operation("op-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(stored.Status, gc.Equals, operation.Succeeded)
	c.Assert(stored.Ended.IsZero(), jc.IsFalse)

	e, err := s.store.Entity("ns-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(e.Status, gc.Equals, entity.Running)
	c.Assert(e.LastOperationID, gc.Equals, "op-1")
	r, ok := e.Resource("ro")
	c.Assert(ok, jc.IsTrue)
	c.Assert(r.RemoteID, gc.Equals, "r-1")

	c.Assert(s.releaser.tokens(), jc.DeepEquals, []lease.Token{token})
}

func (s *EngineSuite) TestRetrySucceedsOnSecondAttempt(c *gc.C) {
	s.addEntity(c, entity.NotInstantiated)
	failures := 1
	s.ro.invoke = func(_ context.Context, _ string, _ map[string]interface{}) (collaborator.Result, error) {
		if failures > 0 {
			failures--
			return collaborator.Result{Outcome: collaborator.Failure, ErrorDetail: "transient"}, nil
		}
		return collaborator.Result{Outcome: collaborator.Success}, nil
	}

	eng := s.newEngine(c)
	op, token := s.addOperation(c, operation.Instantiate, operation.InstantiateParams{VIMAccount: "vim-1"},
		s.step("allocate-resources", collaborator.RO, "allocate"))
	c.Assert(eng.Start(op, token), jc.ErrorIsNil)

	s.collectUntilFinal(c)
	stored, err := s.store.Operation("op-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(stored.Status, gc.Equals, operation.Succeeded)
	c.Assert(stored.Steps[0].Attempts, gc.Equals, 2)
	c.Assert(s.ro.callCount(), gc.Equals, 2)
}

func (s *EngineSuite) TestExhaustedRetriesRollBackInReverseOrder(c *gc.C) {
	s.addEntity(c, entity.NotInstantiated)
	s.ro.invoke = func(_ context.Context, action string, _ map[string]interface{}) (collaborator.Result, error) {
		return collaborator.Result{
			Outcome: collaborator.Success,
			Data:    map[string]interface{}{"remote-id": "r-1"},
		}, nil
	}
	s.vca.invoke = func(_ context.Context, action string, _ map[string]interface{}) (collaborator.Result, error) {
		if action == "configure" {
			return collaborator.Result{Outcome: collaborator.Failure, ErrorDetail: "charm hook error"}, nil
		}
		return collaborator.Result{Outcome: collaborator.Success}, nil
	}
	allocate := s.step("allocate-resources", collaborator.RO, "allocate")
	allocate.Rollback = &operation.Rollback{Action: "deallocate", Timeout: time.Second}
	configure := s.step("configure-application", collaborator.VCA, "configure")

	eng := s.newEngine(c)
	op, token := s.addOperation(c, operation.Instantiate, operation.InstantiateParams{VIMAccount: "vim-1"}, allocate, configure)
	c.Assert(eng.Start(op, token), jc.ErrorIsNil)

	events := s.collectUntilFinal(c)
	c.Assert(events[len(events)-1]["status"], gc.Equals, "failed")

	stored, err := s.store.Operation("op-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(stored.Status, gc.Equals, operation.Failed)
	c.Assert(stored.Steps[0].Status, gc.Equals, operation.StepSucceeded)
	c.Assert(stored.Steps[0].RollbackStatus, gc.Equals, operation.StepSucceeded)
	c.Assert(stored.Steps[1].Status, gc.Equals, operation.StepFailed)
	c.Assert(stored.Steps[1].Attempts, gc.Equals, 3)
	c.Assert(stored.ErrorDetail(), gc.Matches, ".*charm hook error.*")

	// Three configure attempts, then one rollback call.
	c.Assert(s.ro.callNames(), jc.DeepEquals, []string{"allocate", "deallocate"})
	c.Assert(s.vca.callCount(), gc.Equals, 3)

	e, err := s.store.Entity("ns-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(e.Status, gc.Equals, entity.Failed)
	// The rollback released the allocated resource.
	_, ok := e.Resource("ro")
	c.Assert(ok, jc.IsFalse)
}

func (s *EngineSuite) TestAtMostOnceTimeoutNeverRetried(c *gc.C) {
	s.addEntity(c, entity.Running)
	s.vca.invoke = func(ctx context.Context, _ string, _ map[string]interface{}) (collaborator.Result, error) {
		<-ctx.Done()
		return collaborator.Result{}, ctx.Err()
	}
	primitive := s.step("run-primitive", collaborator.VCA, "run-primitive")
	primitive.Timeout = 50 * time.Millisecond
	primitive.AtMostOnce = true

	eng := s.newEngine(c)
	op, token := s.addOperation(c, operation.Action,
		operation.ActionParams{Member: "db", Primitive: "backup"}, primitive)
	c.Assert(eng.Start(op, token), jc.ErrorIsNil)

	events := s.collectUntilFinal(c)
	c.Assert(events[len(events)-1]["status"], gc.Equals, "failed")

	stored, err := s.store.Operation("op-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(stored.Status, gc.Equals, operation.Failed)
	c.Assert(stored.Reason, gc.Equals, operation.ReasonAmbiguousOutcome)
	c.Assert(stored.Steps[0].Status, gc.Equals, operation.StepFailed)

	// The retry budget allowed three attempts; ambiguity forbids all
	// but the first.
	c.Assert(s.vca.callCount(), gc.Equals, 1)

	e, err := s.store.Entity("ns-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(e.Status, gc.Equals, entity.Degraded)
}

func (s *EngineSuite) TestCancelSkipsRemainingStepsAndRollback(c *gc.C) {
	s.addEntity(c, entity.NotInstantiated)
	started := make(chan struct{})
	proceed := make(chan struct{})
	s.ro.invoke = func(_ context.Context, _ string, _ map[string]interface{}) (collaborator.Result, error) {
		close(started)
		<-proceed
		return collaborator.Result{Outcome: collaborator.Success}, nil
	}
	allocate := s.step("allocate-resources", collaborator.RO, "allocate")
	allocate.Rollback = &operation.Rollback{Action: "deallocate", Timeout: time.Second}
	configure := s.step("configure-application", collaborator.VCA, "configure")

	eng := s.newEngine(c)
	op, token := s.addOperation(c, operation.Instantiate, operation.InstantiateParams{VIMAccount: "vim-1"}, allocate, configure)
	c.Assert(eng.Start(op, token), jc.ErrorIsNil)

	select {
	case <-started:
	case <-time.After(longWait):
		c.Fatalf("first step never started")
	}
	found, err := eng.Cancel("ns-1", "operator request")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(found, jc.IsTrue)
	close(proceed)

	events := s.collectUntilFinal(c)
	// The in-flight step ran to its own conclusion; the rest were
	// skipped without rollback.
	c.Assert(events[0]["step"], gc.Equals, "allocate-resources")
	c.Assert(events[0]["status"], gc.Equals, "succeeded")
	c.Assert(events[len(events)-1]["status"], gc.Equals, "failed")

	stored, err := s.store.Operation("op-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(stored.Status, gc.Equals, operation.Failed)
	c.Assert(stored.Reason, gc.Equals, operation.ReasonCancelled)
	c.Assert(stored.Steps[0].Status, gc.Equals, operation.StepSucceeded)
	c.Assert(stored.Steps[0].RollbackStatus, gc.Equals, operation.StepStatus(""))
	c.Assert(stored.Steps[1].Status, gc.Equals, operation.StepSkipped)
	c.Assert(s.vca.callCount(), gc.Equals, 0)
}

func (s *EngineSuite) TestCancelUnknownEntity(c *gc.C) {
	eng := s.newEngine(c)
	found, err := eng.Cancel("ns-9", "whatever")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(found, jc.IsFalse)
}

func (s *EngineSuite) TestResumeRetriesInterruptedStep(c *gc.C) {
	s.addEntity(c, entity.Instantiating)
	allocate := s.step("allocate-resources", collaborator.RO, "allocate")
	allocate.Status = operation.StepSucceeded
	configure := s.step("configure-application", collaborator.VCA, "configure")
	configure.Status = operation.StepRunning
	configure.Attempts = 1

	op, token := s.addOperation(c, operation.Instantiate, operation.InstantiateParams{VIMAccount: "vim-1"}, allocate, configure)
	op.Status = operation.Running
	c.Assert(s.store.SaveOperation(op), jc.ErrorIsNil)

	eng := s.newEngine(c)
	fresh, err := s.store.Operation("op-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(eng.Resume(fresh, token), jc.ErrorIsNil)

	s.collectUntilFinal(c)
	stored, err := s.store.Operation("op-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(stored.Status, gc.Equals, operation.Succeeded)
	// Only the interrupted step is re-invoked.
	c.Assert(s.ro.callCount(), gc.Equals, 0)
	c.Assert(s.vca.callCount(), gc.Equals, 1)

	e, err := s.store.Entity("ns-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(e.Status, gc.Equals, entity.Running)
}

func (s *EngineSuite) TestResumeAtMostOnceFailsAmbiguous(c *gc.C) {
	s.addEntity(c, entity.Running)
	primitive := s.step("run-primitive", collaborator.VCA, "run-primitive")
	primitive.Status = operation.StepRunning
	primitive.AtMostOnce = true
	primitive.Attempts = 1

	op, token := s.addOperation(c, operation.Action,
		operation.ActionParams{Member: "db", Primitive: "backup"}, primitive)
	op.Status = operation.Running
	c.Assert(s.store.SaveOperation(op), jc.ErrorIsNil)

	eng := s.newEngine(c)
	fresh, err := s.store.Operation("op-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(eng.Resume(fresh, token), jc.ErrorIsNil)

	s.collectUntilFinal(c)
	stored, err := s.store.Operation("op-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(stored.Status, gc.Equals, operation.Failed)
	c.Assert(stored.Reason, gc.Equals, operation.ReasonAmbiguousOutcome)
	c.Assert(stored.Steps[0].Status, gc.Equals, operation.StepFailed)
	// The primitive is never re-invoked.
	c.Assert(s.vca.callCount(), gc.Equals, 0)
	// The failure is terminal once: one lease release, one final event.
	c.Assert(s.releaser.tokens(), gc.HasLen, 1)
	select {
	case event := <-s.events:
		c.Fatalf("unexpected event after final: %v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *EngineSuite) TestResumeAfterFailureCheckpointRollsBack(c *gc.C) {
	// A crash can land between a step's failure checkpoint and its
	// rollback, leaving a failed step followed by pending ones. Resume
	// must finish the failure path, not run the pending steps.
	s.addEntity(c, entity.Instantiating)
	allocate := s.step("allocate-resources", collaborator.RO, "allocate")
	allocate.Status = operation.StepSucceeded
	allocate.Rollback = &operation.Rollback{Action: "deallocate", Timeout: time.Second}
	configure := s.step("configure-application", collaborator.VCA, "configure")
	configure.Status = operation.StepFailed
	configure.Error = "charm hook error"
	configure.Attempts = 3
	verify := s.step("verify-application", collaborator.VCA, "verify")

	op, token := s.addOperation(c, operation.Instantiate,
		operation.InstantiateParams{VIMAccount: "vim-1"}, allocate, configure, verify)
	op.Status = operation.Running
	c.Assert(s.store.SaveOperation(op), jc.ErrorIsNil)

	eng := s.newEngine(c)
	fresh, err := s.store.Operation("op-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(eng.Resume(fresh, token), jc.ErrorIsNil)

	events := s.collectUntilFinal(c)
	c.Assert(events[len(events)-1]["status"], gc.Equals, "failed")

	stored, err := s.store.Operation("op-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(stored.Status, gc.Equals, operation.Failed)
	c.Assert(stored.Steps[0].Status, gc.Equals, operation.StepSucceeded)
	c.Assert(stored.Steps[0].RollbackStatus, gc.Equals, operation.StepSucceeded)
	c.Assert(stored.Steps[1].Status, gc.Equals, operation.StepFailed)
	c.Assert(stored.Steps[2].Status, gc.Equals, operation.StepSkipped)

	// Neither the failed step nor the pending one runs; only the
	// completed step's rollback is invoked.
	c.Assert(s.vca.callCount(), gc.Equals, 0)
	c.Assert(s.ro.callNames(), jc.DeepEquals, []string{"deallocate"})

	e, err := s.store.Entity("ns-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(e.Status, gc.Equals, entity.Failed)
}

func (s *EngineSuite) TestFanOutGroupRunsConcurrently(c *gc.C) {
	s.addEntity(c, entity.NotInstantiated)
	var mu sync.Mutex
	inFlight := 0
	peak := 0
	barrier := make(chan struct{})
	s.vca.invoke = func(_ context.Context, _ string, _ map[string]interface{}) (collaborator.Result, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		if inFlight == 2 {
			close(barrier)
		}
		mu.Unlock()
		<-barrier
		mu.Lock()
		inFlight--
		mu.Unlock()
		return collaborator.Result{Outcome: collaborator.Success}, nil
	}
	first := s.step("configure-application", collaborator.VCA, "configure")
	first.Group = "configure"
	second := s.step("configure-application", collaborator.VCA, "configure")
	second.Group = "configure"

	eng := s.newEngine(c)
	op, token := s.addOperation(c, operation.Instantiate, operation.InstantiateParams{VIMAccount: "vim-1"}, first, second)
	c.Assert(eng.Start(op, token), jc.ErrorIsNil)

	s.collectUntilFinal(c)
	mu.Lock()
	defer mu.Unlock()
	c.Assert(peak, gc.Equals, 2)

	stored, err := s.store.Operation("op-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(stored.Status, gc.Equals, operation.Succeeded)
}

func (s *EngineSuite) TestCeilingBoundsOperation(c *gc.C) {
	s.addEntity(c, entity.NotInstantiated)
	s.ro.invoke = func(ctx context.Context, _ string, _ map[string]interface{}) (collaborator.Result, error) {
		<-ctx.Done()
		return collaborator.Result{}, ctx.Err()
	}
	allocate := s.step("allocate-resources", collaborator.RO, "allocate")

	workflows := s.workflows()
	workflows.Timeouts[operation.Instantiate] = workflow.Timeouts{
		Step:    50 * time.Millisecond,
		Ceiling: 50 * time.Millisecond,
	}
	eng, err := engine.New(engine.Config{
		Store: s.store,
		Bus:   s.bus,
		Collaborators: collaborator.Registry{
			collaborator.RO:  s.ro,
			collaborator.VCA: s.vca,
		},
		Releaser:  s.releaser,
		Clock:     clock.WallClock,
		Workflows: workflows,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, eng) })

	op, token := s.addOperation(c, operation.Instantiate, operation.InstantiateParams{VIMAccount: "vim-1"}, allocate)
	c.Assert(eng.Start(op, token), jc.ErrorIsNil)

	s.collectUntilFinal(c)
	stored, err := s.store.Operation("op-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(stored.Status, gc.Equals, operation.Failed)
	c.Assert(stored.Steps[0].Status, gc.Equals, operation.StepTimedOut)
}

func (s *EngineSuite) TestTerminateAutoremove(c *gc.C) {
	s.addEntity(c, entity.Running)
	release := s.step("release-configuration", collaborator.VCA, "release")
	deallocate := s.step("deallocate-resources", collaborator.RO, "deallocate")

	eng := s.newEngine(c)
	op, token := s.addOperation(c, operation.Terminate,
		operation.TerminateParams{Autoremove: true}, release, deallocate)
	c.Assert(eng.Start(op, token), jc.ErrorIsNil)

	s.collectUntilFinal(c)
	// Entity and operation history are gone once termination lands.
	_, err := s.store.Entity("ns-1")
	c.Assert(err, jc.ErrorIs, errors.NotFound)
	_, err = s.store.Operation("op-1")
	c.Assert(err, jc.ErrorIs, errors.NotFound)
}

func (s *EngineSuite) TestStartDuplicateRunner(c *gc.C) {
	s.addEntity(c, entity.NotInstantiated)
	started := make(chan struct{})
	proceed := make(chan struct{})
	s.ro.invoke = func(_ context.Context, _ string, _ map[string]interface{}) (collaborator.Result, error) {
		close(started)
		<-proceed
		return collaborator.Result{Outcome: collaborator.Success}, nil
	}
	eng := s.newEngine(c)
	op, token := s.addOperation(c, operation.Instantiate, operation.InstantiateParams{VIMAccount: "vim-1"},
		s.step("allocate-resources", collaborator.RO, "allocate"))
	c.Assert(eng.Start(op, token), jc.ErrorIsNil)
	select {
	case <-started:
	case <-time.After(longWait):
		c.Fatalf("step never started")
	}
	err := eng.Start(op, token)
	c.Assert(err, jc.ErrorIs, errors.AlreadyExists)
	close(proceed)
	s.collectUntilFinal(c)
}

func (s *EngineSuite) TestStartTerminalOperation(c *gc.C) {
	eng := s.newEngine(c)
	op := &operation.Operation{
		ID:       "op-1",
		EntityID: "ns-1",
		Kind:     operation.Instantiate,
		Status:   operation.Succeeded,
	}
	err := eng.Start(op, lease.Token{EntityID: "ns-1", OperationID: "op-1", Kind: operation.Instantiate})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}
