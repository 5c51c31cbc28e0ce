// Copyright 2018 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package lease defines the admission token granting an operation the
// exclusive right to mutate an entity, and the interfaces through which
// the dispatcher and the engine interact with the concurrency
// coordinator.
package lease

import (
	"github.com/juju/errors"

	"github.com/juju/lcm/core/operation"
)

// ErrConflict is returned by Claim when the target entity already has an
// active lease for an incompatible operation kind. The caller must retry
// later or inspect the active operation.
const ErrConflict = errors.ConstError("operation conflict")

// Token grants its holder the exclusive right to run one operation
// against one entity. A token is released exactly once, when the engine
// reports terminal status for the operation.
type Token struct {
	// EntityID names the entity the lease covers.
	EntityID string

	// OperationID names the operation holding the lease.
	OperationID string

	// Kind is the holding operation's kind; admission compatibility is
	// decided against it.
	Kind operation.Kind
}

// Validate returns an error if the token is malformed.
func (t Token) Validate() error {
	if t.EntityID == "" {
		return errors.NotValidf("token without entity ID")
	}
	if t.OperationID == "" {
		return errors.NotValidf("token without operation ID")
	}
	if !t.Kind.KnownKind() {
		return errors.NotValidf("token kind %q", t.Kind)
	}
	return nil
}

// Claimer admits operations. Claims against the same entity are served
// strictly in arrival order; a later claim never preempts an in-flight
// operation.
type Claimer interface {
	// Claim requests a lease for the operation against its entity. It
	// returns ErrConflict if an incompatible operation currently holds
	// the entity's lease, or if the entity's deployment status does not
	// admit the requested kind.
	Claim(token Token) error
}

// Releaser returns leases when operations reach terminal status. The
// durable release is written transactionally with the operation's
// terminal status by the store; Release only retires the in-memory grant
// so a waiting claim can be served.
type Releaser interface {
	// Release retires the lease held by the token's operation. Releasing
	// a token that is not held is an error.
	Release(token Token) error
}
