package types

// ServiceDescription describes the service owning a failover unit.
type ServiceDescription struct {
	Name                 string
	ApplicationID        string
	ApplicationInstance  uint64
	IsStateful           bool
	HasPersistedState    bool
	TargetReplicaSetSize int
	MinReplicaSetSize    int
	UpdateVersion        uint64
	ServiceInstance      uint64
}
