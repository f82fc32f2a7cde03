package rebuild

import (
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/outofforest/failover/types"
)

// NewReportedConfiguration extracts configuration from the replicas using the role selected by the function.
// Configuration may have one primary only.
func NewReportedConfiguration(
	epoch types.Epoch,
	replicas []types.ReplicaInfo,
	role func(r types.ReplicaInfo) types.Role,
) (*ReportedConfiguration, error) {
	c := &ReportedConfiguration{Epoch: epoch}
	for _, r := range replicas {
		switch role(r) {
		case types.RolePrimary:
			if c.HasPrimary() {
				return nil, errors.Wrapf(ErrInvariantViolation, "configuration of epoch %s has primaries %s and %s",
					epoch, c.Primary, r.Description.Node.ID)
			}
			c.Primary = r.Description.Node.ID
		case types.RoleSecondary:
			c.Secondaries = append(c.Secondaries, r.Description.Node.ID)
		}
	}
	return c, nil
}

// ReportedConfiguration is the configuration seen by a node for one epoch.
type ReportedConfiguration struct {
	Epoch       types.Epoch
	Primary     types.NodeID
	Secondaries []types.NodeID
}

// HasPrimary returns true if primary is known.
func (c *ReportedConfiguration) HasPrimary() bool {
	return c.Primary != types.ZeroNodeID
}

// IsEmpty returns true if configuration contains no replicas.
func (c *ReportedConfiguration) IsEmpty() bool {
	return !c.HasPrimary() && len(c.Secondaries) == 0
}

// Members returns all the nodes in the configuration.
func (c *ReportedConfiguration) Members() []types.NodeID {
	if !c.HasPrimary() {
		return c.Secondaries
	}
	return append([]types.NodeID{c.Primary}, c.Secondaries...)
}

// ReplicaCount returns the number of replicas in the configuration.
func (c *ReportedConfiguration) ReplicaCount() int {
	if c.HasPrimary() {
		return len(c.Secondaries) + 1
	}
	return len(c.Secondaries)
}

// WriteQuorumSize returns the number of replicas forming the write quorum.
func (c *ReportedConfiguration) WriteQuorumSize() int {
	return c.ReplicaCount()/2 + 1
}

// Role returns the role of the node in the configuration.
func (c *ReportedConfiguration) Role(nodeID types.NodeID) types.Role {
	switch {
	case c.HasPrimary() && c.Primary == nodeID:
		return types.RolePrimary
	case lo.Contains(c.Secondaries, nodeID):
		return types.RoleSecondary
	default:
		return types.RoleNone
	}
}

// Contains returns true if node belongs to the configuration.
func (c *ReportedConfiguration) Contains(nodeID types.NodeID) bool {
	return c.Role(nodeID) != types.RoleNone
}

// IsSubsetOf returns true if all the members of c are members of o.
func (c *ReportedConfiguration) IsSubsetOf(o *ReportedConfiguration) bool {
	return lo.Every(o.Members(), c.Members())
}

// Equals returns true if both configurations contain the same replicas.
func (c *ReportedConfiguration) Equals(o *ReportedConfiguration) bool {
	return c.IsSubsetOf(o) && o.IsSubsetOf(c)
}
