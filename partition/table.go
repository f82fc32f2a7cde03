package partition

import (
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/outofforest/failover/types"
)

const (
	tableUnits   = "units"
	indexID      = "id"
	indexService = "service"
	indexNode    = "node"
)

var (
	// ErrNotFound is returned if failover unit does not exist.
	ErrNotFound = errors.New("failover unit not found")

	// ErrLocked is returned if failover unit is already locked by someone else.
	ErrLocked = errors.New("failover unit is locked")

	// ErrExists is returned if failover unit being inserted already exists.
	ErrExists = errors.New("failover unit already exists")
)

// Persister stores failover unit records. Version 0 means the record does not exist.
type Persister interface {
	Put(key uuid.UUID, v any, expectedVersion uint64) (uint64, error)
	Delete(key uuid.UUID, expectedVersion uint64) error
}

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableUnits: {
			Name: tableUnits,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				indexService: {
					Name:         indexService,
					AllowMissing: true,
					Indexer:      &memdb.StringFieldIndex{Field: "ServiceName"},
				},
				indexNode: {
					Name:         indexNode,
					AllowMissing: true,
					Indexer:      &memdb.StringSliceFieldIndex{Field: "Nodes"},
				},
			},
		},
	},
}

type tableEntry struct {
	ID          string
	ServiceName string
	Nodes       []string

	unit    *FailoverUnit
	version uint64
}

func newTableEntry(fu *FailoverUnit, version uint64) *tableEntry {
	nodes := make([]string, 0, len(fu.replicas))
	for _, r := range fu.replicas {
		nodes = append(nodes, r.Node.ID.String())
	}
	return &tableEntry{
		ID:          fu.ID.String(),
		ServiceName: fu.Service.Name,
		Nodes:       nodes,
		unit:        fu,
		version:     version,
	}
}

// NewTable creates the table of live failover units.
func NewTable(persister Persister) (*Table, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Table{
		db:        db,
		persister: persister,
		locked:    map[types.FailoverUnitID]struct{}{},
	}, nil
}

// Table holds failover units materialized by the failover manager.
type Table struct {
	db        *memdb.MemDB
	persister Persister

	mu     sync.Mutex
	locked map[types.FailoverUnitID]struct{}
}

// Insert persists and adds new failover unit to the table.
func (t *Table) Insert(fu *FailoverUnit) error {
	if _, err := t.get(fu.ID); err == nil {
		return errors.Wrapf(ErrExists, "failover unit %s", fu.ID)
	}

	fu = fu.Clone()
	fu.purgeDeleted()
	version, err := t.persister.Put(uuid.UUID(fu.ID), fu, 0)
	if err != nil {
		return err
	}
	return t.store(newTableEntry(fu, version))
}

// Restore adds failover unit loaded from the persistent store.
func (t *Table) Restore(fu *FailoverUnit, version uint64) error {
	return t.store(newTableEntry(fu, version))
}

// Contains returns true if failover unit exists.
func (t *Table) Contains(id types.FailoverUnitID) bool {
	_, err := t.get(id)
	return err == nil
}

// Lock locks failover unit for exclusive access.
func (t *Table) Lock(id types.FailoverUnitID) (*Tx, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.locked[id]; exists {
		return nil, errors.Wrapf(ErrLocked, "failover unit %s", id)
	}

	entry, err := t.get(id)
	if err != nil {
		return nil, err
	}

	t.locked[id] = struct{}{}
	return &Tx{
		table:   t,
		version: entry.version,
		unit:    entry.unit.Clone(),
	}, nil
}

// Snapshot returns copy of the committed failover unit.
func (t *Table) Snapshot(id types.FailoverUnitID) (*FailoverUnit, error) {
	entry, err := t.get(id)
	if err != nil {
		return nil, err
	}
	return entry.unit.Clone(), nil
}

// ByService returns ids of failover units belonging to the service.
func (t *Table) ByService(serviceName string) ([]types.FailoverUnitID, error) {
	return t.query(indexService, serviceName)
}

// ByNode returns ids of failover units having replica on the node.
func (t *Table) ByNode(nodeID types.NodeID) ([]types.FailoverUnitID, error) {
	return t.query(indexNode, nodeID.String())
}

func (t *Table) query(index, value string) ([]types.FailoverUnitID, error) {
	txn := t.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableUnits, index, value)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var ids []types.FailoverUnitID
	for obj := it.Next(); obj != nil; obj = it.Next() {
		ids = append(ids, obj.(*tableEntry).unit.ID)
	}
	return ids, nil
}

func (t *Table) get(id types.FailoverUnitID) (*tableEntry, error) {
	txn := t.db.Txn(false)
	defer txn.Abort()

	obj, err := txn.First(tableUnits, indexID, id.String())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, errors.Wrapf(ErrNotFound, "failover unit %s", id)
	}
	return obj.(*tableEntry), nil
}

func (t *Table) store(entry *tableEntry) error {
	txn := t.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(tableUnits, entry); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (t *Table) remove(id types.FailoverUnitID) error {
	txn := t.db.Txn(true)
	defer txn.Abort()

	if _, err := txn.DeleteAll(tableUnits, indexID, id.String()); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (t *Table) unlock(id types.FailoverUnitID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.locked, id)
}

// Tx is the exclusive lock token of the failover unit.
// Changes made to the unit are published only if update is enabled and the token is committed.
type Tx struct {
	table   *Table
	version uint64
	unit    *FailoverUnit

	isUpdating      bool
	skipPersistence bool
	done            bool
}

// Unit returns the locked failover unit.
func (tx *Tx) Unit() *FailoverUnit {
	return tx.unit
}

// EnableUpdate marks the failover unit as modified. Persistence is skipped only if all the callers skip it.
func (tx *Tx) EnableUpdate(skipPersistence bool) {
	if !tx.isUpdating {
		tx.isUpdating = true
		tx.skipPersistence = skipPersistence
		return
	}
	tx.skipPersistence = tx.skipPersistence && skipPersistence
}

// IsUpdating returns true if update has been enabled.
func (tx *Tx) IsUpdating() bool {
	return tx.isUpdating
}

// Commit publishes the changes and releases the lock.
func (tx *Tx) Commit() error {
	if tx.done {
		return errors.New("transaction is already finished")
	}
	defer tx.Release()

	if !tx.isUpdating {
		return nil
	}

	tx.unit.purgeDeleted()
	if tx.unit.IsToBeDeleted && len(tx.unit.replicas) == 0 {
		if err := tx.table.persister.Delete(uuid.UUID(tx.unit.ID), tx.version); err != nil {
			return err
		}
		return tx.table.remove(tx.unit.ID)
	}

	version := tx.version
	if !tx.skipPersistence {
		var err error
		version, err = tx.table.persister.Put(uuid.UUID(tx.unit.ID), tx.unit, tx.version)
		if err != nil {
			return err
		}
	}
	return tx.table.store(newTableEntry(tx.unit, version))
}

// Release releases the lock discarding uncommitted changes.
func (tx *Tx) Release() {
	if tx.done {
		return
	}
	tx.done = true
	tx.table.unlock(tx.unit.ID)
}
