package types

// FailoverUnitInfo is the state of a failover unit reported by a node.
type FailoverUnitInfo struct {
	ServiceDescription  ServiceDescription
	FailoverUnitID      FailoverUnitID
	Replicas            []ReplicaInfo
	CCEpoch             Epoch
	ICEpoch             Epoch
	PCEpoch             Epoch
	IsReportFromPrimary bool
}

// LocalReplica returns the replica hosted by the reporting node.
func (fui FailoverUnitInfo) LocalReplica(nodeID NodeID) (ReplicaInfo, bool) {
	for _, r := range fui.Replicas {
		if r.Description.Node.ID == nodeID {
			return r, true
		}
	}
	return ReplicaInfo{}, false
}

// NodeInfo is the state of a node tracked by the node registry.
type NodeInfo struct {
	Instance           NodeInstance
	IsUp               bool
	IsReplicaUploaded  bool
	IsNodeStateRemoved bool
}

// NodeLookup returns the state of cluster nodes.
type NodeLookup interface {
	GetNode(nodeID NodeID) (NodeInfo, bool)
}

// PromotionRanker ranks nodes for hosting the primary replica.
// Negative result means nodeA is preferred, positive means nodeB is preferred.
type PromotionRanker interface {
	CompareNodeForPromotion(serviceName string, failoverUnitID FailoverUnitID, nodeA, nodeB NodeID) int
}
