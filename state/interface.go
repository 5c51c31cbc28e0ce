// Copyright 2018 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state defines the durable state store consumed by the engine:
// the single source of truth for entity and operation records, and for
// the leases that survive process restarts. Implementations are selected
// by configuration: mongostate for the document database, memstate for
// tests and single-process deployments.
package state

import (
	"github.com/juju/errors"

	"github.com/juju/lcm/core/entity"
	"github.com/juju/lcm/core/lease"
	"github.com/juju/lcm/core/operation"
)

// ErrStaleWrite is returned by a save whose record version advanced since
// the caller's load. The core always retries by reloading and reapplying
// its intended transition; the error is never surfaced.
const ErrStaleWrite = errors.ConstError("stale write")

// Store is the durable state store. All single-record operations are
// atomic; saves use optimistic conflict detection via record versions.
type Store interface {
	// Entity returns the entity record, or NotFound.
	Entity(id string) (*entity.Entity, error)

	// AddEntity inserts a new entity record, or AlreadyExists.
	AddEntity(e *entity.Entity) error

	// SaveEntity writes the record if its stored version still matches
	// e.Version, then increments both; otherwise ErrStaleWrite.
	SaveEntity(e *entity.Entity) error

	// RemoveEntity deletes the entity record together with its operation
	// history. Used only by terminate-with-autoremove.
	RemoveEntity(id string) error

	// Operation returns the operation record, or NotFound.
	Operation(id string) (*operation.Operation, error)

	// AddOperation inserts a new operation record, or AlreadyExists.
	AddOperation(op *operation.Operation) error

	// SaveOperation writes the record under the same optimistic regime
	// as SaveEntity.
	SaveOperation(op *operation.Operation) error

	// OperationByRequest returns the operation admitted for the request
	// ID, or NotFound. This is the deduplication lookup.
	OperationByRequest(requestID string) (*operation.Operation, error)

	// IncompleteOperations returns every operation in a non-terminal
	// status, in admission order. On restart these are resumed, and
	// their leases reconstructed.
	IncompleteOperations() ([]*operation.Operation, error)

	// ClaimLease durably records the lease grant, or AlreadyExists if
	// the entity's lease is already held.
	ClaimLease(token lease.Token) error

	// HeldLeases returns the durably recorded lease grants.
	HeldLeases() ([]lease.Token, error)

	// CompleteOperation writes the operation's terminal status, the
	// entity update and the lease release in a single transaction, so a
	// crash can never leak a lease past its operation's completion.
	CompleteOperation(op *operation.Operation, e *entity.Entity) error
}

// maxStaleRetries bounds reload-and-reapply loops. Contention on a single
// record is limited to the lease holder plus readers, so a handful of
// attempts is plenty; exceeding it indicates a bug.
const maxStaleRetries = 20

// UpdateEntity loads the entity, applies the mutation and saves it,
// reloading and reapplying on ErrStaleWrite.
func UpdateEntity(st Store, id string, apply func(*entity.Entity) error) (*entity.Entity, error) {
	for attempt := 0; attempt < maxStaleRetries; attempt++ {
		e, err := st.Entity(id)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if err := apply(e); err != nil {
			return nil, errors.Trace(err)
		}
		err = st.SaveEntity(e)
		if errors.Is(err, ErrStaleWrite) {
			continue
		}
		if err != nil {
			return nil, errors.Trace(err)
		}
		return e, nil
	}
	return nil, errors.Errorf("entity %q: update contention not resolved after %d attempts", id, maxStaleRetries)
}

// UpdateOperation is UpdateEntity's analogue for operation records.
func UpdateOperation(st Store, id string, apply func(*operation.Operation) error) (*operation.Operation, error) {
	for attempt := 0; attempt < maxStaleRetries; attempt++ {
		op, err := st.Operation(id)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if err := apply(op); err != nil {
			return nil, errors.Trace(err)
		}
		err = st.SaveOperation(op)
		if errors.Is(err, ErrStaleWrite) {
			continue
		}
		if err != nil {
			return nil, errors.Trace(err)
		}
		return op, nil
	}
	return nil, errors.Errorf("operation %q: update contention not resolved after %d attempts", id, maxStaleRetries)
}
