package rebuild

import (
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/outofforest/failover/partition"
	"github.com/outofforest/failover/types"
)

const (
	tableInBuild = "inbuild"
	indexID      = "id"
	indexService = "service"
	indexNode    = "node"
)

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableInBuild: {
			Name: tableInBuild,
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

type cacheEntry struct {
	ID          string
	ServiceName string
	Nodes       []string

	unit *InBuildFailoverUnit
}

func newCacheEntry(u *InBuildFailoverUnit) *cacheEntry {
	nodes := make([]string, 0, len(u.replicas))
	for _, r := range u.replicas {
		nodes = append(nodes, r.Node.ID.String())
	}
	return &cacheEntry{
		ID:          u.id.String(),
		ServiceName: u.service.Name,
		Nodes:       nodes,
		unit:        u,
	}
}

// NewCache creates the cache of in-build failover units.
func NewCache(env partition.Env, nodes types.NodeLookup, keepDuration time.Duration) (*Cache, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Cache{
		db:           db,
		env:          env,
		nodes:        nodes,
		keepDuration: keepDuration,
	}, nil
}

// Cache keeps failover units being rebuilt from node reports.
// Operations on the same failover unit must not be executed concurrently.
type Cache struct {
	db           *memdb.MemDB
	env          partition.Env
	nodes        types.NodeLookup
	keepDuration time.Duration
}

// Add merges the report into the in-build failover unit, creating it on the first report.
func (c *Cache) Add(report types.FailoverUnitInfo, from types.NodeInstance) (bool, error) {
	u, err := c.get(report.FailoverUnitID)
	if err != nil {
		return false, err
	}
	if u == nil {
		u = NewInBuildFailoverUnit(report.FailoverUnitID, report.ServiceDescription, c.env)
	}

	added, err := u.Add(report, from)
	if err != nil || !added {
		return false, err
	}
	return true, c.store(u)
}

// Get returns the in-build failover unit or nil if it does not exist.
func (c *Cache) Get(id types.FailoverUnitID) (*InBuildFailoverUnit, error) {
	return c.get(id)
}

// Contains returns true if in-build failover unit exists.
func (c *Cache) Contains(id types.FailoverUnitID) bool {
	u, err := c.get(id)
	return err == nil && u != nil
}

// Generate tries to materialize the failover unit. Nil is returned if decision must be deferred.
// Generated unit stays in the cache until it is removed by the caller.
func (c *Cache) Generate(id types.FailoverUnitID, forceRecovery bool) (*partition.FailoverUnit, error) {
	u, err := c.get(id)
	if err != nil || u == nil {
		return nil, err
	}
	return u.Generate(c.nodes, forceRecovery)
}

// OnReplicaDropped records dropped replica of the failover unit which has not been materialized yet.
func (c *Cache) OnReplicaDropped(
	id types.FailoverUnitID,
	desc types.ReplicaDescription,
	isDeleted bool,
) (types.ErrorCode, error) {
	u, err := c.get(id)
	if err != nil {
		return types.ErrorCodeSuccess, err
	}
	if u == nil || !u.OnReplicaDropped(desc, isDeleted) {
		return types.ErrorCodeFMFailoverUnitNotFound, nil
	}
	if u.IsDeleted() {
		return types.ErrorCodeSuccess, c.Remove(id)
	}
	return types.ErrorCodeSuccess, nil
}

// MarkToBeDeletedForService marks in-build failover units of the service as being deleted.
// If filter is not nil, only units accepted by it are marked.
func (c *Cache) MarkToBeDeletedForService(
	serviceName string,
	filter func(id types.FailoverUnitID) bool,
) ([]types.FailoverUnitID, error) {
	units, err := c.query(indexService, serviceName)
	if err != nil {
		return nil, err
	}
	ids := make([]types.FailoverUnitID, 0, len(units))
	for _, u := range units {
		if filter != nil && !filter(u.id) {
			continue
		}
		u.MarkToBeDeleted()
		ids = append(ids, u.id)
	}
	return ids, nil
}

// RecoverPartition materializes the failover unit accepting the data loss.
func (c *Cache) RecoverPartition(id types.FailoverUnitID) (*partition.FailoverUnit, error) {
	u, err := c.get(id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, errors.Wrapf(partition.ErrNotFound, "in-build failover unit %s", id)
	}
	return u.Generate(c.nodes, true)
}

// IDs returns ids of all the in-build failover units.
func (c *Cache) IDs() ([]types.FailoverUnitID, error) {
	units, err := c.query(indexID, "")
	if err != nil {
		return nil, err
	}
	ids := make([]types.FailoverUnitID, 0, len(units))
	for _, u := range units {
		ids = append(ids, u.id)
	}
	return ids, nil
}

// ByNode returns ids of in-build failover units having replica on the node.
func (c *Cache) ByNode(nodeID types.NodeID) ([]types.FailoverUnitID, error) {
	units, err := c.query(indexNode, nodeID.String())
	if err != nil {
		return nil, err
	}
	ids := make([]types.FailoverUnitID, 0, len(units))
	for _, u := range units {
		ids = append(ids, u.id)
	}
	return ids, nil
}

// IsExpired returns true if in-build failover unit has been kept for too long.
func (c *Cache) IsExpired(id types.FailoverUnitID) bool {
	u, err := c.get(id)
	if err != nil || u == nil {
		return false
	}
	return !c.env.TimeSource.Now().Before(u.created.Add(c.keepDuration))
}

// Remove removes in-build failover unit from the cache.
func (c *Cache) Remove(id types.FailoverUnitID) error {
	txn := c.db.Txn(true)
	defer txn.Abort()

	if _, err := txn.DeleteAll(tableInBuild, indexID, id.String()); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (c *Cache) get(id types.FailoverUnitID) (*InBuildFailoverUnit, error) {
	txn := c.db.Txn(false)
	defer txn.Abort()

	obj, err := txn.First(tableInBuild, indexID, id.String())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*cacheEntry).unit, nil
}

func (c *Cache) query(index, value string) ([]*InBuildFailoverUnit, error) {
	txn := c.db.Txn(false)
	defer txn.Abort()

	var it memdb.ResultIterator
	var err error
	if value == "" {
		it, err = txn.Get(tableInBuild, index)
	} else {
		it, err = txn.Get(tableInBuild, index, value)
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var units []*InBuildFailoverUnit
	for obj := it.Next(); obj != nil; obj = it.Next() {
		units = append(units, obj.(*cacheEntry).unit)
	}
	return units, nil
}

func (c *Cache) store(u *InBuildFailoverUnit) error {
	txn := c.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(tableInBuild, newCacheEntry(u)); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}
