// Copyright 2020 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package dispatcher implements the inbound half of the message bus
// adapter: it consumes lifecycle requests from the bus, validates and
// deduplicates them, admits them through the coordinator and hands them
// to the engine. Per-topic arrival order is preserved end to end.
package dispatcher

import (
	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/utils/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/lcm/core/entity"
	"github.com/juju/lcm/core/lease"
	"github.com/juju/lcm/core/message"
	"github.com/juju/lcm/core/operation"
	"github.com/juju/lcm/msgbus"
	"github.com/juju/lcm/state"
	"github.com/juju/lcm/workflow"
)

var logger = loggo.GetLogger("lcm.dispatcher")

// Coordinator admits operations; the concurrency coordinator implements
// it.
type Coordinator interface {
	Claim(token lease.Token, status entity.Status) error
}

// Engine runs admitted operations; the workflow engine implements it.
type Engine interface {
	Start(op *operation.Operation, token lease.Token) error
	Resume(op *operation.Operation, token lease.Token) error
	Cancel(entityID, reason string) (bool, error)
}

// Config holds the dependencies of a Dispatcher.
type Config struct {
	Store       state.Store
	Bus         msgbus.Bus
	Coordinator Coordinator
	Engine      Engine
	Clock       clock.Clock
	Workflows   workflow.Config

	// Topics lists the bus topics carrying lifecycle requests. Defaults
	// to one topic per entity type.
	Topics []string
}

// Validate returns an error if the config is not usable.
func (c Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Bus == nil {
		return errors.NotValidf("nil Bus")
	}
	if c.Coordinator == nil {
		return errors.NotValidf("nil Coordinator")
	}
	if c.Engine == nil {
		return errors.NotValidf("nil Engine")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if err := c.Workflows.Validate(); err != nil {
		return errors.Trace(err)
	}
	return nil
}

type delivery struct {
	topic   string
	command string
	payload map[string]interface{}
}

// Dispatcher is a worker consuming lifecycle requests.
type Dispatcher struct {
	catacomb   catacomb.Catacomb
	config     Config
	deliveries chan delivery

	// ready closes once the bus subscription is installed; New blocks
	// on it so no request published after New returns can be missed.
	ready chan struct{}
}

// New returns a started Dispatcher. Incomplete operations found in the
// store are resumed before any new request is consumed, and the bus
// subscription is live by the time New returns.
func New(config Config) (*Dispatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	d := &Dispatcher{
		config:     config,
		deliveries: make(chan delivery),
		ready:      make(chan struct{}),
	}
	err := catacomb.Invoke(catacomb.Plan{
		Name: "dispatcher",
		Site: &d.catacomb,
		Work: d.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	select {
	case <-d.ready:
	case <-d.catacomb.Dying():
		if err := d.catacomb.Wait(); err != nil {
			return nil, errors.Trace(err)
		}
		return nil, errors.New("dispatcher stopped before subscribing")
	}
	return d, nil
}

// Kill is part of the worker.Worker interface.
func (d *Dispatcher) Kill() {
	d.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (d *Dispatcher) Wait() error {
	return d.catacomb.Wait()
}

func (d *Dispatcher) topics() []string {
	if len(d.config.Topics) > 0 {
		return set.NewStrings(d.config.Topics...).SortedValues()
	}
	return []string{string(entity.NetworkService), string(entity.NetworkSlice)}
}

func (d *Dispatcher) loop() error {
	if err := d.resumeIncomplete(); err != nil {
		return errors.Trace(err)
	}

	// The handler hands deliveries to the loop; the hub's subscriber
	// queue absorbs bursts, preserving per-topic order.
	unsubscribe, err := d.config.Bus.Subscribe(d.topics(), func(topic, command string, payload map[string]interface{}) {
		select {
		case d.deliveries <- delivery{topic: topic, command: command, payload: payload}:
		case <-d.catacomb.Dying():
		}
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer unsubscribe()
	close(d.ready)

	for {
		select {
		case <-d.catacomb.Dying():
			return d.catacomb.ErrDying()
		case del := <-d.deliveries:
			if err := d.handle(del); err != nil {
				return errors.Trace(err)
			}
		}
	}
}

// resumeIncomplete re-admits every non-terminal operation, in admission
// order. Claiming a lease already held by the same operation succeeds,
// so resume is idempotent across restarts.
func (d *Dispatcher) resumeIncomplete() error {
	incomplete, err := d.config.Store.IncompleteOperations()
	if err != nil {
		return errors.Trace(err)
	}
	for _, op := range incomplete {
		e, err := d.config.Store.Entity(op.EntityID)
		if err != nil {
			logger.Errorf("resuming operation %q: %v", op.ID, err)
			continue
		}
		token := lease.Token{EntityID: op.EntityID, OperationID: op.ID, Kind: op.Kind}
		if err := d.config.Coordinator.Claim(token, e.Status); err != nil {
			logger.Errorf("re-admitting operation %q: %v", op.ID, err)
			continue
		}
		if err := d.config.Engine.Resume(op, token); err != nil {
			return errors.Trace(err)
		}
		logger.Infof("resumed %s operation %q on entity %q", op.Kind, op.ID, op.EntityID)
	}
	return nil
}

// handle processes one delivery. Malformed requests are logged and
// dropped; only store breakage errors out of the loop.
func (d *Dispatcher) handle(del delivery) error {
	if del.command == message.StatusCommand {
		// The engine's own events share the topic.
		return nil
	}
	req, err := message.ParseRequest(del.command, del.payload)
	if err != nil {
		logger.Warningf("dropping %s message on %q: %v", del.command, del.topic, err)
		return nil
	}

	// Deduplicate before anything else; a duplicate is answered with
	// the prior operation's current status, never re-admitted.
	prior, err := d.config.Store.OperationByRequest(req.RequestID)
	if err == nil {
		d.publishStatus(del.topic, prior)
		return nil
	}
	if !errors.Is(err, errors.NotFound) {
		return errors.Trace(err)
	}

	params, err := operation.ParseParams(req.Kind, req.Params)
	if err != nil {
		logger.Warningf("dropping request %q: %v", req.RequestID, err)
		return nil
	}

	e, err := d.entityFor(req, del.topic)
	if err != nil {
		if errors.Is(err, errors.NotFound) || errors.Is(err, errors.BadRequest) {
			logger.Warningf("dropping request %q: %v", req.RequestID, err)
			return nil
		}
		return errors.Trace(err)
	}

	if req.Kind == operation.Terminate {
		// Terminate supersedes whatever is in flight; in-flight
		// runners are cancelled at their next step boundary.
		if found, err := d.config.Engine.Cancel(e.ID, "superseded by terminate"); err != nil {
			return errors.Trace(err)
		} else if found {
			logger.Infof("cancelling active operation on %q for terminate request %q",
				e.ID, req.RequestID)
		}
	}

	steps, err := d.config.Workflows.Steps(req.Kind, e, params)
	if err != nil {
		logger.Warningf("dropping request %q: %v", req.RequestID, err)
		return nil
	}
	op := &operation.Operation{
		ID:        utils.MustNewUUID().String(),
		RequestID: req.RequestID,
		EntityID:  e.ID,
		Kind:      req.Kind,
		Params:    params,
		Steps:     steps,
		Status:    operation.Pending,
	}
	token := lease.Token{EntityID: e.ID, OperationID: op.ID, Kind: op.Kind}
	if err := d.config.Coordinator.Claim(token, e.Status); err != nil {
		if errors.Is(err, lease.ErrConflict) || errors.Is(err, errors.BadRequest) {
			logger.Warningf("refusing request %q: %v", req.RequestID, err)
			return nil
		}
		return errors.Trace(err)
	}
	if err := d.config.Store.AddOperation(op); err != nil {
		return errors.Trace(err)
	}
	if err := d.config.Engine.Start(op, token); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("admitted %s operation %q on entity %q (request %q)",
		op.Kind, op.ID, e.ID, req.RequestID)
	return nil
}

// entityFor loads the request's entity, creating the record when a first
// instantiate names an unknown ID.
func (d *Dispatcher) entityFor(req message.LifecycleRequest, topic string) (*entity.Entity, error) {
	e, err := d.config.Store.Entity(req.EntityID)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, errors.NotFound) {
		return nil, errors.Trace(err)
	}
	if req.Kind != operation.Instantiate {
		return nil, errors.NotFoundf("entity %q", req.EntityID)
	}
	e = &entity.Entity{
		ID:     req.EntityID,
		Type:   entity.Type(topic),
		Name:   req.Name,
		Config: req.Params,
		Status: entity.NotInstantiated,
	}
	if err := d.config.Store.AddEntity(e); err != nil {
		return nil, errors.Trace(err)
	}
	logger.Infof("created entity %q (%s)", e.ID, e.Type)
	return e, nil
}

// publishStatus answers a duplicate request with the known operation's
// current status.
func (d *Dispatcher) publishStatus(topic string, op *operation.Operation) {
	event := message.StatusEvent{
		OperationID: op.ID,
		EntityID:    op.EntityID,
		Status:      string(op.Status),
		Progress:    op.Progress,
		Timestamp:   d.config.Clock.Now(),
		ErrorDetail: op.ErrorDetail(),
		Final:       op.Status.Terminal(),
	}
	if err := d.config.Bus.Publish(topic, message.StatusCommand, event.Map()); err != nil {
		logger.Warningf("answering duplicate request for operation %q: %v", op.ID, err)
	}
	logger.Debugf("duplicate request for operation %q answered with status %q",
		op.ID, op.Status)
}
