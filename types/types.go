package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	// NodeID represents the unique identifier of a cluster node.
	NodeID uuid.UUID

	// FailoverUnitID represents the unique identifier of a failover unit (a partition of a service).
	FailoverUnitID uuid.UUID
)

// ZeroNodeID represents an uninitialized NodeID with a zero value.
var ZeroNodeID NodeID

// ZeroFailoverUnitID represents an uninitialized FailoverUnitID with a zero value.
var ZeroFailoverUnitID FailoverUnitID

// String returns the canonical representation of the node ID.
func (id NodeID) String() string {
	return uuid.UUID(id).String()
}

// String returns the canonical representation of the failover unit ID.
func (id FailoverUnitID) String() string {
	return uuid.UUID(id).String()
}

// NodeInstance identifies a single incarnation of a node. Instance grows every time the node restarts.
type NodeInstance struct {
	ID       NodeID
	Instance uint64
}

// String returns the string representation of the node instance.
func (ni NodeInstance) String() string {
	return fmt.Sprintf("%s:%d", ni.ID, ni.Instance)
}

// Config is the config of the failover manager.
type Config struct {
	// StateDir is the directory where failover unit records are persisted. Empty means in-memory.
	StateDir string
	// Workers is the number of partition shards processed in parallel.
	Workers int
	// QueueCapacity is the capacity of the queue of each shard.
	QueueCapacity int
	// RebuildRetryInterval is the interval after which deferred failover units are generated again.
	RebuildRetryInterval time.Duration
	// InBuildKeepDuration is the time after which unfinished in-build failover units are forgotten.
	InBuildKeepDuration time.Duration
	// TestMode makes data loss versions and primary tie-breaks deterministic.
	TestMode bool
	// SystemFailoverUnitID is the id of the distinguished system partition.
	SystemFailoverUnitID FailoverUnitID
}

// DefaultConfig is the default config of the failover manager.
var DefaultConfig = Config{
	Workers:              8,
	QueueCapacity:        100,
	RebuildRetryInterval: 5 * time.Second,
	InBuildKeepDuration:  30 * 24 * time.Hour,
}
