// Copyright 2018 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package message defines the wire contracts of the message bus adapter:
// the lifecycle requests the engine consumes and the status events it
// produces. The event stream alone is sufficient to reconstruct full
// operation history.
package message

import (
	"time"

	"github.com/juju/errors"

	"github.com/juju/lcm/core/operation"
)

// Bus commands understood by the dispatcher, matching the operation
// kinds, plus the admin ping used for self-health.
const (
	// StatusCommand labels progress and final events published by the
	// engine.
	StatusCommand = "status"

	// PingCommand is the admin self-health probe.
	PingCommand = "ping"

	// AdminTopic carries pings and other administrative traffic.
	AdminTopic = "admin"
)

// LifecycleRequest is a consumed lifecycle request message.
type LifecycleRequest struct {
	// RequestID deduplicates requests: a duplicate seen for an already
	// admitted or completed operation returns the prior result rather
	// than re-admitting.
	RequestID string

	// EntityID names the target entity.
	EntityID string

	// Kind names the requested workflow; on the bus it arrives as the
	// message command.
	Kind operation.Kind

	// Params carries the raw, not yet validated parameters.
	Params map[string]interface{}

	// Name is the display name for the entity, meaningful only on the
	// first instantiate.
	Name string
}

// Validate reports whether the request is well formed. A failure here is
// a bad request: the message is acknowledged, logged and dropped, never
// retried.
func (r LifecycleRequest) Validate() error {
	if r.RequestID == "" {
		return errors.BadRequestf("lifecycle request without request ID")
	}
	if r.EntityID == "" {
		return errors.BadRequestf("lifecycle request %q without entity ID", r.RequestID)
	}
	if !r.Kind.KnownKind() {
		return errors.BadRequestf("lifecycle request %q with unknown kind %q", r.RequestID, r.Kind)
	}
	return nil
}

// ParseRequest decodes a raw bus payload into a LifecycleRequest. The
// command gives the kind; the payload must be a map.
func ParseRequest(command string, payload interface{}) (LifecycleRequest, error) {
	data, ok := payload.(map[string]interface{})
	if !ok {
		return LifecycleRequest{}, errors.BadRequestf("malformed %q payload", command)
	}
	req := LifecycleRequest{
		Kind: operation.Kind(command),
	}
	req.RequestID, _ = data["request-id"].(string)
	req.EntityID, _ = data["entity-id"].(string)
	req.Name, _ = data["name"].(string)
	if params, ok := data["params"].(map[string]interface{}); ok {
		req.Params = params
	}
	if err := req.Validate(); err != nil {
		return LifecycleRequest{}, errors.Trace(err)
	}
	return req, nil
}

// StatusEvent is a produced progress or final event. One event is
// published per step transition and one final event per operation, always
// after the corresponding store write: the store is the durability
// boundary, not the bus.
type StatusEvent struct {
	// OperationID names the operation the event belongs to.
	OperationID string

	// EntityID names the operation's target entity.
	EntityID string

	// StepName is set on step transition events and empty on final
	// events.
	StepName string

	// Status is the step status for progress events, or the operation
	// status for final events.
	Status string

	// Progress is the operation's transition counter at publish time,
	// for idempotent status reporting.
	Progress int

	// Timestamp is when the transition was persisted.
	Timestamp time.Time

	// ErrorDetail carries failure diagnosis, when present.
	ErrorDetail string

	// Final marks the one terminal event of an operation.
	Final bool
}

// Map renders the event as a bus payload.
func (e StatusEvent) Map() map[string]interface{} {
	m := map[string]interface{}{
		"operation-id": e.OperationID,
		"entity-id":    e.EntityID,
		"status":       e.Status,
		"progress":     e.Progress,
		"timestamp":    e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if e.StepName != "" {
		m["step"] = e.StepName
	}
	if e.ErrorDetail != "" {
		m["error"] = e.ErrorDetail
	}
	if e.Final {
		m["final"] = true
	}
	return m
}
