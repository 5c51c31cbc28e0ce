// Copyright 2018 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package entity

// Status represents the deployment status of a managed entity: a network
// service or network slice instance whose lifecycle is driven by the
// operation engine.
type Status string

// String returns a string representation of the Status.
func (s Status) String() string {
	return string(s)
}

const (
	// NotInstantiated is the initial status of an entity whose record
	// exists but whose resources have never been allocated.
	NotInstantiated Status = "not-instantiated"

	// Instantiating is set while an instantiate operation is driving the
	// entity towards Running.
	Instantiating Status = "instantiating"

	// Running means all of the entity's resources are allocated and its
	// applications configured.
	Running Status = "running"

	// Degraded means the entity is serving but a scale, heal or action
	// operation against it has failed; the entity is stable and
	// inspectable, and a further heal may recover it.
	Degraded Status = "degraded"

	// Terminating is set while a terminate operation is releasing the
	// entity's resources.
	Terminating Status = "terminating"

	// Terminated means the terminate workflow completed; the record is
	// retained only until autoremove (if requested) deletes it.
	Terminated Status = "terminated"

	// Failed means the most recent operation exhausted its retries and
	// any rollback has run; the entity requires operator attention.
	Failed Status = "failed"
)

// KnownStatus reports whether status is one of the defined deployment
// statuses.
func (s Status) KnownStatus() bool {
	switch s {
	case NotInstantiated, Instantiating, Running, Degraded,
		Terminating, Terminated, Failed:
		return true
	}
	return false
}

// Terminal reports whether the status is a resting state, one that no
// operation is currently moving the entity out of.
func (s Status) Terminal() bool {
	switch s {
	case Instantiating, Terminating:
		return false
	}
	return true
}

// validTransitions enumerates the deployment status transitions the engine
// is permitted to make. Anything not listed is a programming error.
var validTransitions = map[Status][]Status{
	NotInstantiated: {Instantiating},
	Instantiating:   {Running, Failed},
	Running:         {Running, Degraded, Terminating, Failed},
	Degraded:        {Running, Degraded, Terminating, Failed},
	Failed:          {Instantiating, Running, Terminating, Failed},
	Terminating:     {Terminated, Failed},
	Terminated:      {Instantiating},
}

// ValidTransition reports whether an entity may move from one deployment
// status to another.
func ValidTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
