package manager

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/cespare/xxhash"
	"github.com/google/uuid"
	"github.com/outofforest/parallel"
	"github.com/pkg/errors"

	"github.com/outofforest/failover/nodes"
	"github.com/outofforest/failover/partition"
	"github.com/outofforest/failover/processor"
	"github.com/outofforest/failover/rebuild"
	"github.com/outofforest/failover/types"
	"github.com/outofforest/failover/wire"
)

// ErrQuarantined is returned for failover units excluded from processing after invariant violation.
var ErrQuarantined = errors.New("failover unit is quarantined")

// Sender delivers messages to nodes. It must not block waiting for the network.
type Sender interface {
	Send(ctx context.Context, msg wire.Send) error
}

// Store is the durable storage of failover unit records.
type Store interface {
	partition.Persister
	ForEach(fn func(key uuid.UUID, v any, version uint64) error) error
}

// Collaborators are the components the manager talks to.
type Collaborators struct {
	Store    Store
	Registry *nodes.Registry
	Ranker   types.PromotionRanker
	Sender   Sender
	Catalog  processor.ServiceCatalog

	// TimeSource defaults to the system clock.
	TimeSource partition.TimeSource
}

// Report is the failover unit report received from the node.
type Report struct {
	Info types.FailoverUnitInfo
	From types.NodeInstance
}

// NodeUp is received when node instance joins the cluster.
type NodeUp struct {
	Instance types.NodeInstance
}

// NodeDown is received when node instance leaves the cluster.
type NodeDown struct {
	Instance types.NodeInstance
}

// ReplicasUploaded is received when node instance finished reporting its replicas.
type ReplicasUploaded struct {
	Instance types.NodeInstance
}

// NodeStateRemoved is received when the state of the node has been removed by the administrator.
type NodeStateRemoved struct {
	NodeID types.NodeID
}

type recoverEvent struct {
	FailoverUnitID types.FailoverUnitID
	ResultCh       chan<- error
}

type recoverAllEvent struct {
	ResultCh chan<- error
}

type nodeDownEvent struct {
	Instance types.NodeInstance
}

type serviceDeletedEvent struct {
	ServiceName string
}

// New creates failover manager restoring failover units from the store.
func New(config types.Config, c Collaborators) (*Manager, error) {
	if config.Workers <= 0 {
		return nil, errors.Errorf("invalid number of workers: %d", config.Workers)
	}

	timeSource := c.TimeSource
	if timeSource == nil {
		timeSource = &partition.RealTimeSource{}
	}
	env := partition.Env{
		Elector:    partition.NewElector(c.Ranker, random{}, config.TestMode),
		TimeSource: timeSource,
		TestMode:   config.TestMode,
	}

	table, err := partition.NewTable(c.Store)
	if err != nil {
		return nil, err
	}
	if err := c.Store.ForEach(func(key uuid.UUID, v any, version uint64) error {
		fu, ok := v.(*partition.FailoverUnit)
		if !ok {
			return errors.Errorf("unexpected record type %T", v)
		}
		if uuid.UUID(fu.ID) != key {
			return errors.Errorf("record %s contains failover unit %s", key, fu.ID)
		}
		return table.Restore(fu, version)
	}); err != nil {
		return nil, err
	}

	cache, err := rebuild.NewCache(env, c.Registry, config.InBuildKeepDuration)
	if err != nil {
		return nil, err
	}

	queues := make([]chan any, 0, config.Workers)
	for range config.Workers {
		queues = append(queues, make(chan any, config.QueueCapacity))
	}

	return &Manager{
		config:    config,
		registry:  c.Registry,
		sender:    c.Sender,
		catalog:   c.Catalog,
		table:     table,
		cache:     cache,
		processor: processor.New(env, config.SystemFailoverUnitID),
		queues:    queues,
	}, nil
}

// Manager rebuilds failover units from node reports and drives them through reconfiguration.
// Failover units are spread over shards, each shard processes its events sequentially.
type Manager struct {
	config    types.Config
	registry  *nodes.Registry
	sender    Sender
	catalog   processor.ServiceCatalog
	table     *partition.Table
	cache     *rebuild.Cache
	processor *processor.Processor
	queues    []chan any
}

// Run runs the shards.
func (m *Manager) Run(ctx context.Context) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		sagas := parallel.NewSubgroup(spawn, "sagas", parallel.Continue)
		for i, queue := range m.queues {
			s := &shard{
				manager:     m,
				index:       uint64(i),
				queue:       queue,
				sagas:       sagas,
				quarantined: map[types.FailoverUnitID]struct{}{},
			}
			spawn(fmt.Sprintf("shard-%d", i), parallel.Fail, s.run)
		}
		return nil
	})
}

// Submit delivers the event received from the cluster.
func (m *Manager) Submit(ctx context.Context, event any) error {
	switch e := event.(type) {
	case Report:
		return m.SubmitReport(ctx, e.Info, e.From)
	case wire.Message:
		return m.SubmitReply(ctx, e)
	case NodeUp:
		m.registry.NodeUp(e.Instance)
		return nil
	case NodeDown:
		return m.NodeDown(ctx, e.Instance)
	case ReplicasUploaded:
		m.registry.ReplicasUploaded(e.Instance)
		return nil
	case NodeStateRemoved:
		m.registry.NodeStateRemoved(e.NodeID)
		return nil
	default:
		return errors.Errorf("unexpected event type %T", e)
	}
}

// SubmitReport enqueues the report of the failover unit.
func (m *Manager) SubmitReport(ctx context.Context, report types.FailoverUnitInfo, from types.NodeInstance) error {
	return m.enqueue(ctx, report.FailoverUnitID, Report{Info: report, From: from})
}

// SubmitReply enqueues the message received from the node.
func (m *Manager) SubmitReply(ctx context.Context, msg wire.Message) error {
	id, _ := msg.Address()
	return m.enqueue(ctx, id, msg)
}

// NodeDown marks node instance as down and updates failover units having replicas there.
func (m *Manager) NodeDown(ctx context.Context, instance types.NodeInstance) error {
	m.registry.NodeDown(instance)
	return m.broadcast(ctx, nodeDownEvent{Instance: instance})
}

// RecoverPartition materializes the in-build failover unit accepting the data loss.
func (m *Manager) RecoverPartition(ctx context.Context, id types.FailoverUnitID) error {
	resultCh := make(chan error, 1)
	if err := m.enqueue(ctx, id, recoverEvent{FailoverUnitID: id, ResultCh: resultCh}); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case err := <-resultCh:
		return err
	}
}

// RecoverPartitions materializes all the in-build failover units accepting the data loss.
func (m *Manager) RecoverPartitions(ctx context.Context) error {
	resultCh := make(chan error, len(m.queues))
	if err := m.broadcast(ctx, recoverAllEvent{ResultCh: resultCh}); err != nil {
		return err
	}

	var firstErr error
	for range m.queues {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case err := <-resultCh:
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Snapshot returns copy of the materialized failover unit.
func (m *Manager) Snapshot(id types.FailoverUnitID) (*partition.FailoverUnit, error) {
	return m.table.Snapshot(id)
}

// IsInBuild returns true if failover unit is still being rebuilt from reports.
func (m *Manager) IsInBuild(id types.FailoverUnitID) bool {
	return m.cache.Contains(id)
}

func (m *Manager) shardOf(id types.FailoverUnitID) uint64 {
	return xxhash.Sum64(id[:]) % uint64(len(m.queues))
}

func (m *Manager) enqueue(ctx context.Context, id types.FailoverUnitID, event any) error {
	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case m.queues[m.shardOf(id)] <- event:
		return nil
	}
}

func (m *Manager) broadcast(ctx context.Context, event any) error {
	for _, queue := range m.queues {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case queue <- event:
		}
	}
	return nil
}

type random struct{}

func (random) Intn(n int) int {
	return rand.IntN(n)
}
