package types

// InvalidLSN marks a sequence number which has not been reported.
const InvalidLSN int64 = -1

// Role is the role of a replica in a configuration.
type Role uint8

// Roles are ordered, a higher role means more responsibility.
// Stand-by replicas have no role of their own, they are described by ReplicaStateStandBy.
const (
	RoleNone Role = iota
	RoleIdle
	RoleSecondary
	RolePrimary
)

// String returns the name of the role.
func (r Role) String() string {
	switch r {
	case RoleNone:
		return "N"
	case RoleIdle:
		return "I"
	case RoleSecondary:
		return "S"
	case RolePrimary:
		return "P"
	default:
		return "?"
	}
}

// ReplicaState is the lifecycle stage of a replica.
type ReplicaState uint8

// Lifecycle stages are ordered, merging two reports of the same instance keeps the later stage.
const (
	ReplicaStateStandBy ReplicaState = iota
	ReplicaStateInBuild
	ReplicaStateReady
	ReplicaStateDropped
)

// String returns the name of the state.
func (s ReplicaState) String() string {
	switch s {
	case ReplicaStateStandBy:
		return "SB"
	case ReplicaStateInBuild:
		return "IB"
	case ReplicaStateReady:
		return "RD"
	case ReplicaStateDropped:
		return "DD"
	default:
		return "??"
	}
}

// PackageVersionInstance identifies the version of the code package running a replica.
type PackageVersionInstance struct {
	Version  string
	Instance uint64
}

// ReplicaDescription describes a replica as reported by a node.
type ReplicaDescription struct {
	Node                      NodeInstance
	ReplicaID                 int64
	InstanceID                int64
	CurrentConfigurationRole  Role
	PreviousConfigurationRole Role
	State                     ReplicaState
	IsUp                      bool
	LastAcknowledgedLSN       int64
	FirstAcknowledgedLSN      int64
	ServiceEndpoint           string
	ReplicationEndpoint       string
	PackageVersionInstance    PackageVersionInstance
}

// IsAvailable returns true if replica is up and ready.
func (rd ReplicaDescription) IsAvailable() bool {
	return rd.IsUp && rd.State == ReplicaStateReady
}

// IsStandBy returns true if replica is kept on the node without being part of the configuration.
func (rd ReplicaDescription) IsStandBy() bool {
	return rd.State == ReplicaStateStandBy
}

// IsDropped returns true if replica has been closed on its node.
func (rd ReplicaDescription) IsDropped() bool {
	return rd.State == ReplicaStateDropped
}

// ReplicaInfo is a replica entry of the report sent by a node.
type ReplicaInfo struct {
	Description ReplicaDescription
	// IntermediateConfigurationRole is the role of the replica in the configuration being activated by the reporter.
	IntermediateConfigurationRole Role
}
