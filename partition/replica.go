package partition

import "github.com/outofforest/failover/types"

// Replica is the replica of the failover unit tracked by the failover manager.
type Replica struct {
	types.ReplicaDescription

	IsPendingRemove     bool
	IsToBeDroppedByFM   bool
	IsEndpointAvailable bool
	IsDeleted           bool
}

// IsInCurrentConfiguration returns true if replica is primary or secondary in the current configuration.
func (r *Replica) IsInCurrentConfiguration() bool {
	return r.CurrentConfigurationRole >= types.RoleSecondary
}

// IsInPreviousConfiguration returns true if replica is primary or secondary in the previous configuration.
func (r *Replica) IsInPreviousConfiguration() bool {
	return r.PreviousConfigurationRole >= types.RoleSecondary
}

// IsInConfiguration returns true if replica belongs to any of the configurations.
func (r *Replica) IsInConfiguration() bool {
	return r.IsInCurrentConfiguration() || r.IsInPreviousConfiguration()
}

// IsInBuild returns true if replica is being built.
func (r *Replica) IsInBuild() bool {
	return r.State == types.ReplicaStateInBuild
}

// IsReady returns true if replica is ready.
func (r *Replica) IsReady() bool {
	return r.State == types.ReplicaStateReady
}

// Configuration is a view over replicas belonging to one configuration.
type Configuration struct {
	Primary  *Replica
	Replicas []*Replica
}

// IsEmpty returns true if there are no replicas in the configuration.
func (c Configuration) IsEmpty() bool {
	return len(c.Replicas) == 0
}

// ReplicaCount returns the number of replicas in the configuration.
func (c Configuration) ReplicaCount() int {
	return len(c.Replicas)
}

// UpCount returns the number of up replicas.
func (c Configuration) UpCount() int {
	var count int
	for _, r := range c.Replicas {
		if r.IsUp {
			count++
		}
	}
	return count
}

// AvailableCount returns the number of up and ready replicas.
func (c Configuration) AvailableCount() int {
	var count int
	for _, r := range c.Replicas {
		if r.IsAvailable() {
			count++
		}
	}
	return count
}

// WriteQuorumSize returns the number of replicas required to acknowledge a write.
func (c Configuration) WriteQuorumSize() int {
	return len(c.Replicas)/2 + 1
}

// ReadQuorumSize returns the number of replicas guaranteed to intersect with any write quorum.
func (c Configuration) ReadQuorumSize() int {
	return (len(c.Replicas) + 1) / 2
}

// IsPrimaryAvailable returns true if primary exists and is available.
func (c Configuration) IsPrimaryAvailable() bool {
	return c.Primary != nil && c.Primary.IsAvailable()
}
