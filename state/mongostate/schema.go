// Copyright 2018 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mongostate

import (
	"time"

	"github.com/juju/errors"

	"github.com/juju/lcm/core/entity"
	"github.com/juju/lcm/core/lease"
	"github.com/juju/lcm/core/operation"
)

// Collection names used by the store.
const (
	entitiesC   = "entities"
	operationsC = "operations"
	leasesC     = "leases"
)

// These constants define the field names used by documents in the store's
// collections. They *must* remain in sync with the bson marshalling
// annotations in the doc types below.
const (
	fieldVersion   = "version"
	fieldStatus    = "status"
	fieldRequestID = "request-id"
	fieldEntityID  = "entity-id"
	fieldCreated   = "created"
	fieldOperation = "operation-id"
)

// toInt64 converts a local time.Time into a database value that doesn't
// silently lose precision.
func toInt64(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// toTime converts a toInt64 result, as loaded from the db, back to a
// time.Time.
func toTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

type resourceDoc struct {
	Name     string `bson:"name"`
	Target   string `bson:"target"`
	Member   string `bson:"member,omitempty"`
	RemoteID string `bson:"remote-id"`
}

type entityDoc struct {
	ID              string                 `bson:"_id"`
	Type            string                 `bson:"type"`
	Name            string                 `bson:"name,omitempty"`
	Config          map[string]interface{} `bson:"config,omitempty"`
	Status          string                 `bson:"status"`
	StatusDetail    string                 `bson:"status-detail,omitempty"`
	Resources       []resourceDoc          `bson:"resources,omitempty"`
	LastOperationID string                 `bson:"last-operation-id,omitempty"`
	Version         int                    `bson:"version"`
	Created         int64                  `bson:"created"`
	Updated         int64                  `bson:"updated"`
}

func newEntityDoc(e *entity.Entity) *entityDoc {
	doc := &entityDoc{
		ID:              e.ID,
		Type:            string(e.Type),
		Name:            e.Name,
		Config:          e.Config,
		Status:          string(e.Status),
		StatusDetail:    e.StatusDetail,
		LastOperationID: e.LastOperationID,
		Version:         e.Version,
		Created:         toInt64(e.Created),
		Updated:         toInt64(e.Updated),
	}
	for _, r := range e.Resources {
		doc.Resources = append(doc.Resources, resourceDoc(r))
	}
	return doc
}

func (doc *entityDoc) entity() (*entity.Entity, error) {
	e := &entity.Entity{
		ID:              doc.ID,
		Type:            entity.Type(doc.Type),
		Name:            doc.Name,
		Config:          doc.Config,
		Status:          entity.Status(doc.Status),
		StatusDetail:    doc.StatusDetail,
		LastOperationID: doc.LastOperationID,
		Version:         doc.Version,
		Created:         toTime(doc.Created),
		Updated:         toTime(doc.Updated),
	}
	for _, r := range doc.Resources {
		e.Resources = append(e.Resources, entity.Resource(r))
	}
	if err := e.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return e, nil
}

type rollbackDoc struct {
	Action     string                 `bson:"action"`
	Parameters map[string]interface{} `bson:"parameters,omitempty"`
	Timeout    int64                  `bson:"timeout"`
}

type stepDoc struct {
	Name           string                 `bson:"name"`
	Target         string                 `bson:"target"`
	Action         string                 `bson:"action"`
	Parameters     map[string]interface{} `bson:"parameters,omitempty"`
	Timeout        int64                  `bson:"timeout"`
	RetryAttempts  int                    `bson:"retry-attempts"`
	RetryBackoff   int64                  `bson:"retry-backoff"`
	AtMostOnce     bool                   `bson:"at-most-once,omitempty"`
	Rollback       *rollbackDoc           `bson:"rollback,omitempty"`
	Group          string                 `bson:"group,omitempty"`
	Status         string                 `bson:"status"`
	Attempts       int                    `bson:"attempts"`
	Error          string                 `bson:"error,omitempty"`
	RollbackStatus string                 `bson:"rollback-status,omitempty"`
}

func newStepDoc(s operation.Step) stepDoc {
	doc := stepDoc{
		Name:           s.Name,
		Target:         s.Target,
		Action:         s.Action,
		Parameters:     s.Parameters,
		Timeout:        int64(s.Timeout),
		RetryAttempts:  s.Retry.MaxAttempts,
		RetryBackoff:   int64(s.Retry.Backoff),
		AtMostOnce:     s.AtMostOnce,
		Group:          s.Group,
		Status:         string(s.Status),
		Attempts:       s.Attempts,
		Error:          s.Error,
		RollbackStatus: string(s.RollbackStatus),
	}
	if s.Rollback != nil {
		doc.Rollback = &rollbackDoc{
			Action:     s.Rollback.Action,
			Parameters: s.Rollback.Parameters,
			Timeout:    int64(s.Rollback.Timeout),
		}
	}
	return doc
}

func (doc stepDoc) step() operation.Step {
	s := operation.Step{
		Name:       doc.Name,
		Target:     doc.Target,
		Action:     doc.Action,
		Parameters: doc.Parameters,
		Timeout:    time.Duration(doc.Timeout),
		Retry: operation.RetryPolicy{
			MaxAttempts: doc.RetryAttempts,
			Backoff:     time.Duration(doc.RetryBackoff),
		},
		AtMostOnce:     doc.AtMostOnce,
		Group:          doc.Group,
		Status:         operation.StepStatus(doc.Status),
		Attempts:       doc.Attempts,
		Error:          doc.Error,
		RollbackStatus: operation.StepStatus(doc.RollbackStatus),
	}
	if doc.Rollback != nil {
		s.Rollback = &operation.Rollback{
			Action:     doc.Rollback.Action,
			Parameters: doc.Rollback.Parameters,
			Timeout:    time.Duration(doc.Rollback.Timeout),
		}
	}
	return s
}

type operationDoc struct {
	ID        string                 `bson:"_id"`
	RequestID string                 `bson:"request-id"`
	EntityID  string                 `bson:"entity-id"`
	Kind      string                 `bson:"kind"`
	Params    map[string]interface{} `bson:"params,omitempty"`
	Steps     []stepDoc              `bson:"steps,omitempty"`
	Status    string                 `bson:"status"`
	Reason    string                 `bson:"reason,omitempty"`
	Progress  int                    `bson:"progress"`
	Errors    []string               `bson:"errors,omitempty"`
	Started   int64                  `bson:"started"`
	Ended     int64                  `bson:"ended"`
	Created   int64                  `bson:"created"`
	Version   int                    `bson:"version"`
}

func newOperationDoc(op *operation.Operation, created time.Time) *operationDoc {
	doc := &operationDoc{
		ID:        op.ID,
		RequestID: op.RequestID,
		EntityID:  op.EntityID,
		Kind:      string(op.Kind),
		Status:    string(op.Status),
		Reason:    op.Reason,
		Progress:  op.Progress,
		Errors:    op.Errors,
		Started:   toInt64(op.Started),
		Ended:     toInt64(op.Ended),
		Created:   toInt64(created),
		Version:   op.Version,
	}
	if op.Params != nil {
		doc.Params = op.Params.Map()
	}
	for _, s := range op.Steps {
		doc.Steps = append(doc.Steps, newStepDoc(s))
	}
	return doc
}

func (doc *operationDoc) operation() (*operation.Operation, error) {
	op := &operation.Operation{
		ID:        doc.ID,
		RequestID: doc.RequestID,
		EntityID:  doc.EntityID,
		Kind:      operation.Kind(doc.Kind),
		Status:    operation.Status(doc.Status),
		Reason:    doc.Reason,
		Progress:  doc.Progress,
		Errors:    doc.Errors,
		Started:   toTime(doc.Started),
		Ended:     toTime(doc.Ended),
		Version:   doc.Version,
	}
	if doc.Params != nil {
		params, err := operation.ParseParams(op.Kind, doc.Params)
		if err != nil {
			return nil, errors.Annotatef(err, "operation %q params", doc.ID)
		}
		op.Params = params
	}
	for _, s := range doc.Steps {
		op.Steps = append(op.Steps, s.step())
	}
	if err := op.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return op, nil
}

type leaseDoc struct {
	// ID is the entity ID: one lease document per entity enforces
	// exclusivity at the database.
	ID          string `bson:"_id"`
	OperationID string `bson:"operation-id"`
	Kind        string `bson:"kind"`
}

func newLeaseDoc(token lease.Token) *leaseDoc {
	return &leaseDoc{
		ID:          token.EntityID,
		OperationID: token.OperationID,
		Kind:        string(token.Kind),
	}
}

func (doc *leaseDoc) token() lease.Token {
	return lease.Token{
		EntityID:    doc.ID,
		OperationID: doc.OperationID,
		Kind:        operation.Kind(doc.Kind),
	}
}
