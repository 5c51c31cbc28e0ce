// Copyright 2018 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package entity defines the managed deployable unit whose lifecycle the
// engine tracks: a network service or network slice instance. The durable
// state store owns persisted entity records; the workflow engine holds at
// most one in-memory working copy per active operation.
package entity

import (
	"time"

	"github.com/juju/errors"
)

// Type distinguishes the kinds of deployable unit the engine manages.
type Type string

const (
	// NetworkService is an NS instance (the original nsr records).
	NetworkService Type = "ns"

	// NetworkSlice is a network slice instance.
	NetworkSlice Type = "nsi"
)

// Resource is a sub-resource owned by an entity: something a collaborator
// allocated on the entity's behalf, identified by the collaborator's own
// remote ID so that terminate can release it later.
type Resource struct {
	// Name identifies the resource within the entity, for example
	// "ro:ns" or "vca:application/1".
	Name string

	// Target names the collaborator that owns the remote object.
	Target string

	// Member names the deployable member the resource belongs to, when
	// the owning step was scoped to one.
	Member string

	// RemoteID is the identifier assigned by the collaborator.
	RemoteID string
}

// Entity is a managed deployable unit. Records are created when the first
// instantiation request for the ID is accepted, mutated only by the
// workflow engine as steps complete, and deleted only once a terminate
// workflow with autoremove fully succeeds.
type Entity struct {
	// ID is the stable unique identity of the instance.
	ID string

	// Type reports what kind of instance this is.
	Type Type

	// Name is the operator-supplied display name.
	Name string

	// Config is the current declarative configuration, as supplied with
	// the instantiate request and amended by later operations.
	Config map[string]interface{}

	// Status is the current deployment status.
	Status Status

	// StatusDetail is a human-readable elaboration of Status, typically
	// the name of the step the current operation is executing, or the
	// failing step and error on failure.
	StatusDetail string

	// Resources lists the sub-resources currently owned by the entity.
	Resources []Resource

	// LastOperationID references the most recent operation admitted for
	// this entity. It is an ID lookup only, never a direct link, so the
	// entity and its operations remain independently persistable.
	LastOperationID string

	// Version is the optimistic concurrency token maintained by the
	// store; a save with a stale version fails and must be reapplied.
	Version int

	// Created and Updated are maintained by the store.
	Created time.Time
	Updated time.Time
}

// Validate returns an error if the entity is not well formed.
func (e *Entity) Validate() error {
	if e.ID == "" {
		return errors.NotValidf("entity with empty ID")
	}
	if e.Type != NetworkService && e.Type != NetworkSlice {
		return errors.NotValidf("entity type %q", e.Type)
	}
	if !e.Status.KnownStatus() {
		return errors.NotValidf("entity status %q", e.Status)
	}
	return nil
}

// SetStatus moves the entity to a new deployment status, enforcing the
// transition table. The detail string replaces StatusDetail.
func (e *Entity) SetStatus(status Status, detail string) error {
	if !ValidTransition(e.Status, status) {
		return errors.NotValidf("status transition %q -> %q", e.Status, status)
	}
	e.Status = status
	e.StatusDetail = detail
	return nil
}

// Resource returns the named resource, if the entity owns it.
func (e *Entity) Resource(name string) (Resource, bool) {
	for _, r := range e.Resources {
		if r.Name == name {
			return r, true
		}
	}
	return Resource{}, false
}

// SetResource records ownership of a sub-resource, replacing any previous
// resource with the same name.
func (e *Entity) SetResource(r Resource) {
	for i, existing := range e.Resources {
		if existing.Name == r.Name {
			e.Resources[i] = r
			return
		}
	}
	e.Resources = append(e.Resources, r)
}

// RemoveResource drops the named resource, reporting whether it was held.
func (e *Entity) RemoveResource(name string) bool {
	for i, existing := range e.Resources {
		if existing.Name == name {
			e.Resources = append(e.Resources[:i], e.Resources[i+1:]...)
			return true
		}
	}
	return false
}
