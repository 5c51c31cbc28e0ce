// Copyright 2021 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package coordinator implements the concurrency coordinator: the single
// admission point through which every operation acquires its entity
// lease. All claims and releases funnel through one loop, so admission
// is serialised in arrival order and needs no further locking.
package coordinator

import (
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/juju/lcm/core/entity"
	"github.com/juju/lcm/core/lease"
	"github.com/juju/lcm/core/operation"
)

var logger = loggo.GetLogger("lcm.coordinator")

// errStopped is returned to clients whose request cannot complete
// because the coordinator has begun shutdown.
var errStopped = errors.New("coordinator stopped")

// Store is the slice of the state store the coordinator needs.
type Store interface {
	// ClaimLease durably records a grant, or AlreadyExists.
	ClaimLease(lease.Token) error

	// HeldLeases returns the durably recorded grants, used to rebuild
	// admission state after a restart.
	HeldLeases() ([]lease.Token, error)
}

// Config holds the dependencies and policy of a Coordinator.
type Config struct {
	Store Store

	// Admissible maps each operation kind to the entity statuses it may
	// be admitted from.
	Admissible map[operation.Kind][]entity.Status

	// Concurrent maps an active operation kind to the kinds that may be
	// admitted alongside it. Absent kinds admit nothing concurrently.
	Concurrent map[operation.Kind][]operation.Kind

	// Registerer optionally receives the coordinator's metrics.
	Registerer prometheus.Registerer
}

// Validate returns an error if the config is not usable.
func (c Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Admissible == nil {
		return errors.NotValidf("nil Admissible table")
	}
	return nil
}

// DefaultAdmissible is the admission table used when configuration does
// not override it. Terminate is deliberately permissive; it is the only
// way out of a wedged transitional status.
func DefaultAdmissible() map[operation.Kind][]entity.Status {
	return map[operation.Kind][]entity.Status{
		operation.Instantiate: {entity.NotInstantiated},
		operation.Scale:       {entity.Running, entity.Degraded},
		operation.Terminate: {
			entity.Instantiating, entity.Running,
			entity.Degraded, entity.Failed,
		},
		operation.Action: {entity.Running, entity.Degraded},
		operation.Heal:   {entity.Running, entity.Degraded, entity.Failed},
	}
}

// claim asks the loop for admission of one operation.
type claim struct {
	token    lease.Token
	status   entity.Status
	response chan error
}

// release tells the loop an operation's lease is finished with.
type release struct {
	token    lease.Token
	response chan error
}

// Coordinator is a worker granting per-entity operation leases.
type Coordinator struct {
	catacomb catacomb.Catacomb
	config   Config

	claims   chan claim
	releases chan release

	// held maps entity ID to its admitted tokens, lease holder first.
	// Only the loop goroutine touches it.
	held map[string][]lease.Token

	metrics *metrics
}

// New returns a started Coordinator.
func New(config Config) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	c := &Coordinator{
		config:   config,
		claims:   make(chan claim),
		releases: make(chan release),
		held:     make(map[string][]lease.Token),
		metrics:  newMetrics(),
	}
	err := catacomb.Invoke(catacomb.Plan{
		Name: "coordinator",
		Site: &c.catacomb,
		Work: c.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}

// Kill is part of the worker.Worker interface.
func (c *Coordinator) Kill() {
	c.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (c *Coordinator) Wait() error {
	return c.catacomb.Wait()
}

// Claim admits the operation named by token, or refuses it. A refusal is
// ErrConflict when another operation holds the entity, BadRequest when
// the entity's status does not admit the kind at all. Claiming a token
// already held by the same operation succeeds; resume relies on that.
func (c *Coordinator) Claim(token lease.Token, status entity.Status) error {
	response := make(chan error)
	select {
	case <-c.catacomb.Dying():
		return errStopped
	case c.claims <- claim{token: token, status: status, response: response}:
	}
	select {
	case <-c.catacomb.Dying():
		return errStopped
	case err := <-response:
		return errors.Trace(err)
	}
}

// Release gives up the operation's admission. The durable lease record
// is removed by the store's completion transaction before this is
// called; Release only retires the in-memory grant.
func (c *Coordinator) Release(token lease.Token) error {
	response := make(chan error)
	select {
	case <-c.catacomb.Dying():
		return errStopped
	case c.releases <- release{token: token, response: response}:
	}
	select {
	case <-c.catacomb.Dying():
		return errStopped
	case err := <-response:
		return errors.Trace(err)
	}
}

func (c *Coordinator) loop() error {
	if c.config.Registerer != nil {
		_ = c.config.Registerer.Register(c.metrics)
		defer c.config.Registerer.Unregister(c.metrics)
	}

	held, err := c.config.Store.HeldLeases()
	if err != nil {
		return errors.Trace(err)
	}
	for _, token := range held {
		c.held[token.EntityID] = append(c.held[token.EntityID], token)
	}
	c.metrics.setHeld(len(c.held))

	for {
		select {
		case <-c.catacomb.Dying():
			return c.catacomb.ErrDying()
		case claim := <-c.claims:
			claim.response <- c.handleClaim(claim)
			c.metrics.setHeld(len(c.held))
		case release := <-c.releases:
			release.response <- c.handleRelease(release)
			c.metrics.setHeld(len(c.held))
		}
	}
}

func (c *Coordinator) handleClaim(claim claim) error {
	token := claim.token
	if err := token.Validate(); err != nil {
		return errors.Trace(err)
	}
	holders := c.held[token.EntityID]
	for _, h := range holders {
		if h.OperationID == token.OperationID {
			// Already admitted; a resumed operation claims again.
			return nil
		}
	}
	if len(holders) > 0 {
		if !c.admissibleAlongside(token.Kind, holders) {
			c.metrics.denied()
			return errors.Annotatef(lease.ErrConflict,
				"entity %q held by operation %q", token.EntityID, holders[0].OperationID)
		}
		// Admitted alongside the lease holder. The grant rides on the
		// holder's durable lease; incomplete-operation resume covers
		// it across restarts.
		c.held[token.EntityID] = append(holders, token)
		c.metrics.granted()
		return nil
	}
	if !c.admissibleFrom(token.Kind, claim.status) {
		c.metrics.denied()
		return errors.BadRequestf(
			"%s of entity %q in status %q", token.Kind, token.EntityID, claim.status)
	}
	if err := c.config.Store.ClaimLease(token); err != nil {
		if errors.Is(err, errors.AlreadyExists) {
			c.metrics.denied()
			return errors.Annotatef(lease.ErrConflict,
				"entity %q lease held durably", token.EntityID)
		}
		return errors.Trace(err)
	}
	c.held[token.EntityID] = []lease.Token{token}
	c.metrics.granted()
	return nil
}

func (c *Coordinator) handleRelease(release release) error {
	token := release.token
	holders := c.held[token.EntityID]
	for i, h := range holders {
		if h.OperationID != token.OperationID {
			continue
		}
		remaining := append(holders[:i:i], holders[i+1:]...)
		if len(remaining) == 0 {
			delete(c.held, token.EntityID)
			return nil
		}
		c.held[token.EntityID] = remaining
		if i == 0 {
			// The durable lease went with the holder's completion
			// transaction; promote the next admitted operation.
			if err := c.config.Store.ClaimLease(remaining[0]); err != nil {
				logger.Warningf("promoting lease on %q to operation %q: %v",
					token.EntityID, remaining[0].OperationID, err)
			}
		}
		return nil
	}
	logger.Warningf("release of unheld lease on %q by operation %q",
		token.EntityID, token.OperationID)
	return nil
}

func (c *Coordinator) admissibleFrom(kind operation.Kind, status entity.Status) bool {
	for _, s := range c.config.Admissible[kind] {
		if s == status {
			return true
		}
	}
	return false
}

// admissibleAlongside reports whether every active holder's kind admits
// the candidate concurrently.
func (c *Coordinator) admissibleAlongside(kind operation.Kind, holders []lease.Token) bool {
	for _, h := range holders {
		allowed := false
		for _, k := range c.config.Concurrent[h.Kind] {
			if k == kind {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	return true
}
