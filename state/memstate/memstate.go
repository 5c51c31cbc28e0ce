// Copyright 2018 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package memstate implements the durable state store in memory. It is
// the database.driver=memory backend: useful for tests and for
// single-process deployments where durability across restarts is not
// required. Semantics, including optimistic versioning, match the mongo
// implementation exactly.
package memstate

import (
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/lcm/core/entity"
	"github.com/juju/lcm/core/lease"
	"github.com/juju/lcm/core/operation"
	"github.com/juju/lcm/state"
)

// Store is an in-memory state.Store.
type Store struct {
	mu    sync.Mutex
	clock clock.Clock

	entities   map[string]*entity.Entity
	operations map[string]*operation.Operation
	byRequest  map[string]string
	leases     map[string]lease.Token

	// sequence preserves admission order for IncompleteOperations.
	sequence map[string]int
	nextSeq  int
}

// NewStore returns an empty in-memory store.
func NewStore(clk clock.Clock) *Store {
	return &Store{
		clock:      clk,
		entities:   make(map[string]*entity.Entity),
		operations: make(map[string]*operation.Operation),
		byRequest:  make(map[string]string),
		leases:     make(map[string]lease.Token),
		sequence:   make(map[string]int),
	}
}

// Entity is part of state.Store.
func (s *Store) Entity(id string) (*entity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, errors.NotFoundf("entity %q", id)
	}
	return copyEntity(e), nil
}

// AddEntity is part of state.Store.
func (s *Store) AddEntity(e *entity.Entity) error {
	if err := e.Validate(); err != nil {
		return errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[e.ID]; ok {
		return errors.AlreadyExistsf("entity %q", e.ID)
	}
	now := s.clock.Now()
	e.Version = 0
	e.Created = now
	e.Updated = now
	s.entities[e.ID] = copyEntity(e)
	return nil
}

// SaveEntity is part of state.Store.
func (s *Store) SaveEntity(e *entity.Entity) error {
	if err := e.Validate(); err != nil {
		return errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveEntityLocked(e)
}

func (s *Store) saveEntityLocked(e *entity.Entity) error {
	stored, ok := s.entities[e.ID]
	if !ok {
		return errors.NotFoundf("entity %q", e.ID)
	}
	if stored.Version != e.Version {
		return errors.Annotatef(state.ErrStaleWrite, "entity %q version %d behind %d",
			e.ID, e.Version, stored.Version)
	}
	e.Version++
	e.Updated = s.clock.Now()
	s.entities[e.ID] = copyEntity(e)
	return nil
}

// RemoveEntity is part of state.Store.
func (s *Store) RemoveEntity(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[id]; !ok {
		return errors.NotFoundf("entity %q", id)
	}
	delete(s.entities, id)
	for opID, op := range s.operations {
		if op.EntityID != id {
			continue
		}
		delete(s.operations, opID)
		delete(s.byRequest, op.RequestID)
		delete(s.sequence, opID)
	}
	delete(s.leases, id)
	return nil
}

// Operation is part of state.Store.
func (s *Store) Operation(id string) (*operation.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operations[id]
	if !ok {
		return nil, errors.NotFoundf("operation %q", id)
	}
	return copyOperation(op), nil
}

// AddOperation is part of state.Store.
func (s *Store) AddOperation(op *operation.Operation) error {
	if err := op.Validate(); err != nil {
		return errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.operations[op.ID]; ok {
		return errors.AlreadyExistsf("operation %q", op.ID)
	}
	if existing, ok := s.byRequest[op.RequestID]; ok {
		return errors.AlreadyExistsf("request %q (operation %q)", op.RequestID, existing)
	}
	op.Version = 0
	s.operations[op.ID] = copyOperation(op)
	s.byRequest[op.RequestID] = op.ID
	s.sequence[op.ID] = s.nextSeq
	s.nextSeq++
	return nil
}

// SaveOperation is part of state.Store.
func (s *Store) SaveOperation(op *operation.Operation) error {
	if err := op.Validate(); err != nil {
		return errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveOperationLocked(op)
}

func (s *Store) saveOperationLocked(op *operation.Operation) error {
	stored, ok := s.operations[op.ID]
	if !ok {
		return errors.NotFoundf("operation %q", op.ID)
	}
	if stored.Version != op.Version {
		return errors.Annotatef(state.ErrStaleWrite, "operation %q version %d behind %d",
			op.ID, op.Version, stored.Version)
	}
	op.Version++
	s.operations[op.ID] = copyOperation(op)
	return nil
}

// OperationByRequest is part of state.Store.
func (s *Store) OperationByRequest(requestID string) (*operation.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	opID, ok := s.byRequest[requestID]
	if !ok {
		return nil, errors.NotFoundf("operation for request %q", requestID)
	}
	return copyOperation(s.operations[opID]), nil
}

// IncompleteOperations is part of state.Store.
func (s *Store) IncompleteOperations() ([]*operation.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var incomplete []*operation.Operation
	for _, op := range s.operations {
		if !op.Status.Terminal() {
			incomplete = append(incomplete, copyOperation(op))
		}
	}
	for i := 0; i < len(incomplete); i++ {
		for j := i + 1; j < len(incomplete); j++ {
			if s.sequence[incomplete[j].ID] < s.sequence[incomplete[i].ID] {
				incomplete[i], incomplete[j] = incomplete[j], incomplete[i]
			}
		}
	}
	return incomplete, nil
}

// ClaimLease is part of state.Store.
func (s *Store) ClaimLease(token lease.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.leases[token.EntityID]; ok {
		return errors.AlreadyExistsf("lease for entity %q (operation %q)",
			token.EntityID, held.OperationID)
	}
	s.leases[token.EntityID] = token
	return nil
}

// HeldLeases is part of state.Store.
func (s *Store) HeldLeases() ([]lease.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	held := make([]lease.Token, 0, len(s.leases))
	for _, token := range s.leases {
		held = append(held, token)
	}
	return held, nil
}

// CompleteOperation is part of state.Store. The terminal operation write,
// the entity update and the lease release happen under one lock so the
// three are never observed separately.
func (s *Store) CompleteOperation(op *operation.Operation, e *entity.Entity) error {
	if !op.Status.Terminal() {
		return errors.NotValidf("completing operation %q in status %q", op.ID, op.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prior := s.operations[op.ID]
	if err := s.saveOperationLocked(op); err != nil {
		return errors.Trace(err)
	}
	if err := s.saveEntityLocked(e); err != nil {
		// The operation write cannot be published without the entity
		// write; restore the prior document so the caller's retry sees
		// a clean stale-write conflict.
		op.Version--
		s.operations[op.ID] = prior
		return errors.Trace(err)
	}
	held, ok := s.leases[op.EntityID]
	if ok && held.OperationID == op.ID {
		delete(s.leases, op.EntityID)
	}
	return nil
}

func copyEntity(e *entity.Entity) *entity.Entity {
	out := *e
	out.Config = copyMap(e.Config)
	out.Resources = append([]entity.Resource(nil), e.Resources...)
	return &out
}

func copyOperation(op *operation.Operation) *operation.Operation {
	out := *op
	out.Steps = make([]operation.Step, len(op.Steps))
	for i, step := range op.Steps {
		out.Steps[i] = step
		out.Steps[i].Parameters = copyMap(step.Parameters)
		if step.Rollback != nil {
			rb := *step.Rollback
			rb.Parameters = copyMap(step.Rollback.Parameters)
			out.Steps[i].Rollback = &rb
		}
	}
	out.Errors = append([]string(nil), op.Errors...)
	return &out
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
