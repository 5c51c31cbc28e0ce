// Copyright 2018 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package collaborator defines the contract between the workflow engine
// and the external systems that effect real infrastructure change: the
// resource orchestrator and the configuration/application manager. The
// engine depends only on this contract; client implementations live
// elsewhere.
package collaborator

import (
	"context"

	"github.com/juju/errors"
)

// Target names a collaborator within a step descriptor.
const (
	// RO is the resource orchestrator, which allocates and releases
	// infrastructure resources.
	RO = "ro"

	// VCA is the configuration/application manager, which deploys and
	// drives application configuration.
	VCA = "vca"
)

// Outcome is the three-way result of a collaborator call. There is never
// an open-ended await: any call that does not respond before its deadline
// is a timeout from the engine's point of view, regardless of whether the
// collaborator eventually completes the action.
type Outcome string

const (
	// Success means the collaborator completed the action.
	Success Outcome = "success"

	// Failure means the collaborator reported that the action failed.
	Failure Outcome = "failure"

	// Timeout means no response arrived before the deadline.
	Timeout Outcome = "timeout"
)

// Result is the response to a collaborator call.
type Result struct {
	// Outcome classifies the response.
	Outcome Outcome

	// Data carries any result payload, for example the remote ID of an
	// allocated resource.
	Data map[string]interface{}

	// ErrorDetail elaborates a Failure outcome for operator diagnosis.
	ErrorDetail string
}

// Collaborator performs actions against one external system. The context
// carries the step's deadline; a conforming implementation abandons the
// call when the context is done.
type Collaborator interface {
	// Invoke performs the named action. A transport or protocol error is
	// returned as err; an action the collaborator executed but which
	// failed is reported through the Result.
	Invoke(ctx context.Context, action string, params map[string]interface{}) (Result, error)
}

// ErrFailure classifies a collaborator-reported failure; it is retried
// per the step's policy and then surfaces as operation failure.
const ErrFailure = errors.ConstError("collaborator failure")

// ErrTimeout classifies a missing response within the deadline; it is
// retried only for steps that are not at-most-once.
const ErrTimeout = errors.ConstError("collaborator timeout")

// Registry resolves step targets to collaborators.
type Registry map[string]Collaborator

// Lookup returns the collaborator for a target.
func (r Registry) Lookup(target string) (Collaborator, error) {
	c, ok := r[target]
	if !ok {
		return nil, errors.NotFoundf("collaborator %q", target)
	}
	return c, nil
}
