package partition

import (
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/failover/types"
)

// ErrInvariantViolation is returned when the state of the failover unit contradicts the protocol.
var ErrInvariantViolation = errors.New("bug in protocol")

// NewFailoverUnit creates new failover unit.
func NewFailoverUnit(id types.FailoverUnitID, service types.ServiceDescription) *FailoverUnit {
	return &FailoverUnit{
		ID:      id,
		Service: service,
		index:   map[types.NodeID]int{},
	}
}

// FailoverUnit is the authoritative state of a partition.
// Units stored in the Table are modified only through Tx.Unit(), other mutators work on units
// not yet inserted into the table, like the ones produced by the rebuild.
type FailoverUnit struct {
	ID                         types.FailoverUnitID
	Service                    types.ServiceDescription
	CurrentConfigurationEpoch  types.Epoch
	PreviousConfigurationEpoch types.Epoch
	IsSwappingPrimary          bool
	NoData                     bool
	IsToBeDeleted              bool
	QuorumLossTime             time.Time

	replicas []*Replica
	index    map[types.NodeID]int
}

// IsStateful returns true if service keeps state.
func (fu *FailoverUnit) IsStateful() bool {
	return fu.Service.IsStateful
}

// HasPersistedState returns true if service persists its state on disk.
func (fu *FailoverUnit) HasPersistedState() bool {
	return fu.Service.HasPersistedState
}

// Replicas returns replicas of the failover unit.
func (fu *FailoverUnit) Replicas() []*Replica {
	return fu.replicas
}

// Replica returns replica hosted by the node.
func (fu *FailoverUnit) Replica(nodeID types.NodeID) *Replica {
	i, exists := fu.index[nodeID]
	if !exists {
		return nil
	}
	return fu.replicas[i]
}

// AddReplica adds replica to the failover unit.
func (fu *FailoverUnit) AddReplica(desc types.ReplicaDescription) (*Replica, error) {
	if _, exists := fu.index[desc.Node.ID]; exists {
		return nil, errors.Wrapf(ErrInvariantViolation, "replica on node %s already exists", desc.Node.ID)
	}
	r := &Replica{ReplicaDescription: desc}
	fu.index[desc.Node.ID] = len(fu.replicas)
	fu.replicas = append(fu.replicas, r)
	return r, nil
}

// CurrentConfiguration returns the current configuration.
func (fu *FailoverUnit) CurrentConfiguration() Configuration {
	var c Configuration
	for _, r := range fu.replicas {
		if !r.IsInCurrentConfiguration() {
			continue
		}
		if r.CurrentConfigurationRole == types.RolePrimary {
			c.Primary = r
		}
		c.Replicas = append(c.Replicas, r)
	}
	return c
}

// PreviousConfiguration returns the previous configuration.
func (fu *FailoverUnit) PreviousConfiguration() Configuration {
	var c Configuration
	for _, r := range fu.replicas {
		if !r.IsInPreviousConfiguration() {
			continue
		}
		if r.PreviousConfigurationRole == types.RolePrimary {
			c.Primary = r
		}
		c.Replicas = append(c.Replicas, r)
	}
	return c
}

// Primary returns the primary of the current configuration.
func (fu *FailoverUnit) Primary() *Replica {
	return fu.CurrentConfiguration().Primary
}

// IsInReconfiguration returns true if previous configuration exists.
func (fu *FailoverUnit) IsInReconfiguration() bool {
	return !fu.PreviousConfiguration().IsEmpty()
}

// IsCreatingPrimary returns true if the first primary of the failover unit is being built.
func (fu *FailoverUnit) IsCreatingPrimary() bool {
	primary := fu.Primary()
	return primary != nil && primary.IsUp && primary.IsInBuild() && !fu.IsInReconfiguration()
}

// IsChangingConfiguration returns true if replica set is being reconfigured.
func (fu *FailoverUnit) IsChangingConfiguration() bool {
	return fu.IsInReconfiguration() || fu.IsCreatingPrimary()
}

// Clone returns deep copy of the failover unit.
func (fu *FailoverUnit) Clone() *FailoverUnit {
	fu2 := *fu
	fu2.replicas = make([]*Replica, 0, len(fu.replicas))
	fu2.index = make(map[types.NodeID]int, len(fu.index))
	for _, r := range fu.replicas {
		r2 := *r
		fu2.index[r.Node.ID] = len(fu2.replicas)
		fu2.replicas = append(fu2.replicas, &r2)
	}
	return &fu2
}

// UpdateQuorumLoss records the time when quorum was lost or clears it if quorum is back.
func (fu *FailoverUnit) UpdateQuorumLoss(now time.Time) {
	if !fu.IsQuorumLost() {
		fu.QuorumLossTime = time.Time{}
		return
	}
	if fu.QuorumLossTime.IsZero() {
		fu.QuorumLossTime = now
	}
}

func (fu *FailoverUnit) purgeDeleted() {
	replicas := fu.replicas[:0]
	clear(fu.index)
	for _, r := range fu.replicas {
		if r.IsDeleted {
			continue
		}
		fu.index[r.Node.ID] = len(replicas)
		replicas = append(replicas, r)
	}
	clear(fu.replicas[len(replicas):])
	fu.replicas = replicas
}
