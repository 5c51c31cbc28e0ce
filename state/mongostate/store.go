// Copyright 2018 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package mongostate implements the durable state store on the document
// database. Records carry a version field asserted by every write, giving
// the optimistic conflict detection the engine relies on; completion
// writes bundle the operation, entity and lease documents into a single
// transaction.
package mongostate

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/mgo/v3/txn"
	jujutxn "github.com/juju/txn/v3"

	"github.com/juju/lcm/core/entity"
	"github.com/juju/lcm/core/lease"
	"github.com/juju/lcm/core/operation"
	"github.com/juju/lcm/state"
)

// StoreParams holds the dependencies of a mongo-backed store.
type StoreParams struct {
	// Database is the database holding the store's collections.
	Database *mgo.Database

	// Clock supplies record timestamps.
	Clock clock.Clock
}

// Validate returns an error if the params are not usable.
func (p StoreParams) Validate() error {
	if p.Database == nil {
		return errors.NotValidf("nil Database")
	}
	if p.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Store is a mongo-backed state.Store.
type Store struct {
	db     *mgo.Database
	runner jujutxn.Runner
	clock  clock.Clock
}

// NewStore returns a store over the supplied database, ensuring the
// indexes the dedup and resume scans rely on.
func NewStore(p StoreParams) (*Store, error) {
	if err := p.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	st := &Store{
		db:     p.Database,
		runner: jujutxn.NewRunner(jujutxn.RunnerParams{Database: p.Database}),
		clock:  p.Clock,
	}
	indexes := []struct {
		collection string
		index      mgo.Index
	}{
		{operationsC, mgo.Index{Key: []string{fieldRequestID}, Unique: true}},
		{operationsC, mgo.Index{Key: []string{fieldEntityID}}},
		{operationsC, mgo.Index{Key: []string{fieldStatus}}},
	}
	for _, ix := range indexes {
		if err := p.Database.C(ix.collection).EnsureIndex(ix.index); err != nil {
			return nil, errors.Annotatef(err, "ensuring index on %q", ix.collection)
		}
	}
	return st, nil
}

// Entity is part of state.Store.
func (st *Store) Entity(id string) (*entity.Entity, error) {
	var doc entityDoc
	err := st.db.C(entitiesC).FindId(id).One(&doc)
	if err == mgo.ErrNotFound {
		return nil, errors.NotFoundf("entity %q", id)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return doc.entity()
}

// AddEntity is part of state.Store.
func (st *Store) AddEntity(e *entity.Entity) error {
	if err := e.Validate(); err != nil {
		return errors.Trace(err)
	}
	now := st.clock.Now()
	e.Version = 0
	e.Created = now
	e.Updated = now
	buildTxn := func(attempt int) ([]txn.Op, error) {
		if attempt > 0 {
			return nil, errors.AlreadyExistsf("entity %q", e.ID)
		}
		return []txn.Op{{
			C:      entitiesC,
			Id:     e.ID,
			Assert: txn.DocMissing,
			Insert: newEntityDoc(e),
		}}, nil
	}
	return errors.Trace(st.runner.Run(buildTxn))
}

// SaveEntity is part of state.Store.
func (st *Store) SaveEntity(e *entity.Entity) error {
	if err := e.Validate(); err != nil {
		return errors.Trace(err)
	}
	updated := st.clock.Now()
	buildTxn := func(attempt int) ([]txn.Op, error) {
		if attempt > 0 {
			return nil, st.staleOrMissing(entitiesC, "entity", e.ID, e.Version)
		}
		return []txn.Op{saveEntityOp(e, updated)}, nil
	}
	if err := st.runner.Run(buildTxn); err != nil {
		return errors.Trace(err)
	}
	e.Version++
	e.Updated = updated
	return nil
}

// RemoveEntity is part of state.Store.
func (st *Store) RemoveEntity(id string) error {
	if _, err := st.db.C(entitiesC).RemoveAll(bson.D{{Name: "_id", Value: id}}); err != nil {
		return errors.Trace(err)
	}
	if _, err := st.db.C(operationsC).RemoveAll(bson.D{{Name: fieldEntityID, Value: id}}); err != nil {
		return errors.Trace(err)
	}
	if _, err := st.db.C(leasesC).RemoveAll(bson.D{{Name: "_id", Value: id}}); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Operation is part of state.Store.
func (st *Store) Operation(id string) (*operation.Operation, error) {
	var doc operationDoc
	err := st.db.C(operationsC).FindId(id).One(&doc)
	if err == mgo.ErrNotFound {
		return nil, errors.NotFoundf("operation %q", id)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return doc.operation()
}

// AddOperation is part of state.Store.
func (st *Store) AddOperation(op *operation.Operation) error {
	if err := op.Validate(); err != nil {
		return errors.Trace(err)
	}
	op.Version = 0
	buildTxn := func(attempt int) ([]txn.Op, error) {
		if attempt > 0 {
			return nil, errors.AlreadyExistsf("operation %q", op.ID)
		}
		return []txn.Op{{
			C:      operationsC,
			Id:     op.ID,
			Assert: txn.DocMissing,
			Insert: newOperationDoc(op, st.clock.Now()),
		}}, nil
	}
	return errors.Trace(st.runner.Run(buildTxn))
}

// SaveOperation is part of state.Store.
func (st *Store) SaveOperation(op *operation.Operation) error {
	if err := op.Validate(); err != nil {
		return errors.Trace(err)
	}
	buildTxn := func(attempt int) ([]txn.Op, error) {
		if attempt > 0 {
			return nil, st.staleOrMissing(operationsC, "operation", op.ID, op.Version)
		}
		return []txn.Op{saveOperationOp(op)}, nil
	}
	if err := st.runner.Run(buildTxn); err != nil {
		return errors.Trace(err)
	}
	op.Version++
	return nil
}

// saveEntityOp builds the assert-and-set op for an entity write. The
// update names fields explicitly so _id and created are never rewritten.
func saveEntityOp(e *entity.Entity, updated time.Time) txn.Op {
	doc := newEntityDoc(e)
	set := bson.D{
		{Name: "name", Value: doc.Name},
		{Name: "config", Value: doc.Config},
		{Name: "status", Value: doc.Status},
		{Name: "status-detail", Value: doc.StatusDetail},
		{Name: "resources", Value: doc.Resources},
		{Name: "last-operation-id", Value: doc.LastOperationID},
		{Name: "updated", Value: toInt64(updated)},
		{Name: "version", Value: e.Version + 1},
	}
	return txn.Op{
		C:      entitiesC,
		Id:     e.ID,
		Assert: bson.D{{Name: fieldVersion, Value: e.Version}},
		Update: bson.D{{Name: "$set", Value: set}},
	}
}

// saveOperationOp builds the assert-and-set op for an operation write.
// The Created field is deliberately not rewritten.
func saveOperationOp(op *operation.Operation) txn.Op {
	doc := newOperationDoc(op, time.Time{})
	doc.Version = op.Version + 1
	set := bson.D{
		{Name: "steps", Value: doc.Steps},
		{Name: "status", Value: doc.Status},
		{Name: "reason", Value: doc.Reason},
		{Name: "progress", Value: doc.Progress},
		{Name: "errors", Value: doc.Errors},
		{Name: "started", Value: doc.Started},
		{Name: "ended", Value: doc.Ended},
		{Name: "version", Value: doc.Version},
	}
	return txn.Op{
		C:      operationsC,
		Id:     op.ID,
		Assert: bson.D{{Name: fieldVersion, Value: op.Version}},
		Update: bson.D{{Name: "$set", Value: set}},
	}
}

// OperationByRequest is part of state.Store.
func (st *Store) OperationByRequest(requestID string) (*operation.Operation, error) {
	var doc operationDoc
	err := st.db.C(operationsC).Find(bson.D{{Name: fieldRequestID, Value: requestID}}).One(&doc)
	if err == mgo.ErrNotFound {
		return nil, errors.NotFoundf("operation for request %q", requestID)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return doc.operation()
}

// IncompleteOperations is part of state.Store.
func (st *Store) IncompleteOperations() ([]*operation.Operation, error) {
	var docs []operationDoc
	query := bson.D{{Name: fieldStatus, Value: bson.D{{Name: "$in", Value: []string{
		string(operation.Pending), string(operation.Running),
	}}}}}
	err := st.db.C(operationsC).Find(query).Sort(fieldCreated).All(&docs)
	if err != nil {
		return nil, errors.Trace(err)
	}
	incomplete := make([]*operation.Operation, 0, len(docs))
	for i := range docs {
		op, err := docs[i].operation()
		if err != nil {
			return nil, errors.Trace(err)
		}
		incomplete = append(incomplete, op)
	}
	return incomplete, nil
}

// ClaimLease is part of state.Store.
func (st *Store) ClaimLease(token lease.Token) error {
	buildTxn := func(attempt int) ([]txn.Op, error) {
		if attempt > 0 {
			return nil, errors.AlreadyExistsf("lease for entity %q", token.EntityID)
		}
		return []txn.Op{{
			C:      leasesC,
			Id:     token.EntityID,
			Assert: txn.DocMissing,
			Insert: newLeaseDoc(token),
		}}, nil
	}
	return errors.Trace(st.runner.Run(buildTxn))
}

// HeldLeases is part of state.Store.
func (st *Store) HeldLeases() ([]lease.Token, error) {
	var docs []leaseDoc
	if err := st.db.C(leasesC).Find(nil).All(&docs); err != nil {
		return nil, errors.Trace(err)
	}
	held := make([]lease.Token, 0, len(docs))
	for i := range docs {
		held = append(held, docs[i].token())
	}
	return held, nil
}

// CompleteOperation is part of state.Store. The three document writes are
// one transaction: a crash between them cannot leak a lease past its
// operation's completion, nor publish a terminal operation without its
// entity update.
func (st *Store) CompleteOperation(op *operation.Operation, e *entity.Entity) error {
	if !op.Status.Terminal() {
		return errors.NotValidf("completing operation %q in status %q", op.ID, op.Status)
	}
	if err := op.Validate(); err != nil {
		return errors.Trace(err)
	}
	if err := e.Validate(); err != nil {
		return errors.Trace(err)
	}
	updated := st.clock.Now()
	buildTxn := func(attempt int) ([]txn.Op, error) {
		if attempt > 0 {
			err := st.staleOrMissing(operationsC, "operation", op.ID, op.Version)
			if errors.Cause(err) != jujutxn.ErrTransientFailure {
				return nil, errors.Trace(err)
			}
			err = st.staleOrMissing(entitiesC, "entity", e.ID, e.Version)
			if errors.Cause(err) != jujutxn.ErrTransientFailure {
				return nil, errors.Trace(err)
			}
			// Both versions match, so the lease assert raced a
			// holder change. Rebuild against the fresh lease doc.
		}
		ops := []txn.Op{
			saveOperationOp(op),
			saveEntityOp(e, updated),
		}
		// Only the lease holder's completion releases the lease;
		// operations admitted alongside the holder leave it in place.
		var held leaseDoc
		err := st.db.C(leasesC).FindId(op.EntityID).One(&held)
		if err != nil && err != mgo.ErrNotFound {
			return nil, errors.Trace(err)
		}
		if err == nil && held.OperationID == op.ID {
			ops = append(ops, txn.Op{
				C:      leasesC,
				Id:     op.EntityID,
				Assert: bson.D{{Name: fieldOperation, Value: op.ID}},
				Remove: true,
			})
		}
		return ops, nil
	}
	if err := st.runner.Run(buildTxn); err != nil {
		return errors.Trace(err)
	}
	op.Version++
	e.Version++
	e.Updated = updated
	return nil
}

// staleOrMissing reports why an assert-guarded write aborted: the record
// has gone, or its version advanced past the caller's copy.
func (st *Store) staleOrMissing(collection, kind, id string, version int) error {
	var doc struct {
		Version int `bson:"version"`
	}
	err := st.db.C(collection).FindId(id).Select(bson.D{{Name: fieldVersion, Value: 1}}).One(&doc)
	if err == mgo.ErrNotFound {
		return errors.NotFoundf("%s %q", kind, id)
	}
	if err != nil {
		return errors.Trace(err)
	}
	if doc.Version != version {
		return errors.Annotatef(state.ErrStaleWrite, "%s %q version %d behind %d",
			kind, id, version, doc.Version)
	}
	// The version matches; some other document in the transaction
	// caused the abort. Let the runner try again.
	return jujutxn.ErrTransientFailure
}
