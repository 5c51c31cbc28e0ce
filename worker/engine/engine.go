// Copyright 2020 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package engine implements the operation workflow engine. The engine
// worker supervises one runner per active operation; each runner drives
// its operation's steps to a terminal status, persisting a checkpoint
// after every step transition and publishing events only after the
// corresponding store write.
package engine

import (
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/lcm/core/collaborator"
	"github.com/juju/lcm/core/lease"
	"github.com/juju/lcm/core/operation"
	"github.com/juju/lcm/msgbus"
	"github.com/juju/lcm/state"
	"github.com/juju/lcm/workflow"
)

var logger = loggo.GetLogger("lcm.engine")

// errStopped is returned to clients whose request cannot complete
// because the engine has begun shutdown.
var errStopped = errors.New("engine stopped")

// Config holds the dependencies of an Engine.
type Config struct {
	Store         state.Store
	Bus           msgbus.Bus
	Collaborators collaborator.Registry
	Releaser      lease.Releaser
	Clock         clock.Clock
	Workflows     workflow.Config
}

// Validate returns an error if the config is not usable.
func (c Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Bus == nil {
		return errors.NotValidf("nil Bus")
	}
	if c.Collaborators == nil {
		return errors.NotValidf("nil Collaborators")
	}
	if c.Releaser == nil {
		return errors.NotValidf("nil Releaser")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if err := c.Workflows.Validate(); err != nil {
		return errors.Trace(err)
	}
	return nil
}

type startRequest struct {
	op       *operation.Operation
	token    lease.Token
	resumed  bool
	response chan error
}

type cancelRequest struct {
	entityID string
	reason   string
	response chan bool
}

// Engine is a worker running lifecycle operations.
type Engine struct {
	catacomb catacomb.Catacomb
	config   Config

	starts   chan startRequest
	cancels  chan cancelRequest
	finished chan string

	// wg tracks runner goroutines so shutdown waits for their
	// checkpoints to land.
	wg sync.WaitGroup
}

// New returns a started Engine.
func New(config Config) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	e := &Engine{
		config:   config,
		starts:   make(chan startRequest),
		cancels:  make(chan cancelRequest),
		finished: make(chan string),
	}
	err := catacomb.Invoke(catacomb.Plan{
		Name: "engine",
		Site: &e.catacomb,
		Work: e.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return e, nil
}

// Kill is part of the worker.Worker interface.
func (e *Engine) Kill() {
	e.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (e *Engine) Wait() error {
	e.wg.Wait()
	return e.catacomb.Wait()
}

// Start begins executing the operation under the supplied lease token.
// It returns as soon as the operation's runner is registered.
func (e *Engine) Start(op *operation.Operation, token lease.Token) error {
	return e.enqueue(op, token, false)
}

// Resume continues an operation found incomplete at startup. Execution
// restarts from the first non-terminal step; a step caught mid-flight by
// the crash is retried, or failed as ambiguous if it is at-most-once.
func (e *Engine) Resume(op *operation.Operation, token lease.Token) error {
	return e.enqueue(op, token, true)
}

func (e *Engine) enqueue(op *operation.Operation, token lease.Token, resumed bool) error {
	if err := op.Validate(); err != nil {
		return errors.Trace(err)
	}
	if op.Status.Terminal() {
		return errors.NotValidf("starting operation %q in terminal status %q", op.ID, op.Status)
	}
	response := make(chan error)
	req := startRequest{op: op, token: token, resumed: resumed, response: response}
	select {
	case <-e.catacomb.Dying():
		return errStopped
	case e.starts <- req:
	}
	select {
	case <-e.catacomb.Dying():
		return errStopped
	case err := <-response:
		return errors.Trace(err)
	}
}

// Cancel requests cooperative cancellation of the entity's active
// operations. Runners notice at their next step boundary; steps already
// in flight run to their own conclusion. The return reports whether any
// runner was signalled.
func (e *Engine) Cancel(entityID, reason string) (bool, error) {
	response := make(chan bool)
	select {
	case <-e.catacomb.Dying():
		return false, errStopped
	case e.cancels <- cancelRequest{entityID: entityID, reason: reason, response: response}:
	}
	select {
	case <-e.catacomb.Dying():
		return false, errStopped
	case found := <-response:
		return found, nil
	}
}

func (e *Engine) loop() error {
	active := make(map[string]*runner)
	for {
		select {
		case <-e.catacomb.Dying():
			return e.catacomb.ErrDying()
		case req := <-e.starts:
			if _, ok := active[req.op.ID]; ok {
				req.response <- errors.AlreadyExistsf("runner for operation %q", req.op.ID)
				continue
			}
			r := newRunner(e.config, req.op, req.token, req.resumed)
			active[req.op.ID] = r
			e.wg.Add(1)
			go func(opID string) {
				defer e.wg.Done()
				if err := r.run(e.catacomb.Dying()); err != nil {
					// A runner only errors when the store does;
					// restart the whole worker and resume.
					e.catacomb.Kill(errors.Trace(err))
				}
				select {
				case e.finished <- opID:
				case <-e.catacomb.Dying():
				}
			}(req.op.ID)
			req.response <- nil
		case req := <-e.cancels:
			found := false
			for _, r := range active {
				if r.entityID == req.entityID {
					r.cancel(req.reason)
					found = true
				}
			}
			req.response <- found
		case opID := <-e.finished:
			delete(active, opID)
		}
	}
}
