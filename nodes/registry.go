package nodes

import (
	"sync"

	"github.com/samber/lo"

	"github.com/outofforest/failover/types"
)

// New creates new node registry.
func New() *Registry {
	return &Registry{
		nodes: map[types.NodeID]types.NodeInfo{},
	}
}

// Registry tracks the state of cluster nodes.
type Registry struct {
	mu    sync.RWMutex
	nodes map[types.NodeID]types.NodeInfo
}

// GetNode returns the state of the node.
func (r *Registry) GetNode(nodeID types.NodeID) (types.NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, exists := r.nodes[nodeID]
	return info, exists
}

// NodeUp marks node instance as up. It returns false if newer instance of the node is already known.
func (r *Registry) NodeUp(instance types.NodeInstance) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, exists := r.nodes[instance.ID]
	switch {
	case !exists || info.Instance.Instance < instance.Instance:
		r.nodes[instance.ID] = types.NodeInfo{Instance: instance, IsUp: true}
	case info.Instance.Instance == instance.Instance:
		info.IsUp = true
		r.nodes[instance.ID] = info
	default:
		return false
	}
	return true
}

// NodeDown marks node instance as down.
func (r *Registry) NodeDown(instance types.NodeInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, exists := r.nodes[instance.ID]
	if !exists {
		r.nodes[instance.ID] = types.NodeInfo{Instance: instance}
		return
	}
	if info.Instance.Instance > instance.Instance {
		return
	}
	info.Instance = instance
	info.IsUp = false
	r.nodes[instance.ID] = info
}

// ReplicasUploaded records that node reported all its replicas.
func (r *Registry) ReplicasUploaded(instance types.NodeInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, exists := r.nodes[instance.ID]
	if !exists || info.Instance.Instance != instance.Instance {
		return
	}
	info.IsReplicaUploaded = true
	r.nodes[instance.ID] = info
}

// NodeStateRemoved records that node is down and its state can't be recovered.
func (r *Registry) NodeStateRemoved(nodeID types.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := r.nodes[nodeID]
	info.Instance.ID = nodeID
	info.IsUp = false
	info.IsNodeStateRemoved = true
	r.nodes[nodeID] = info
}

// UpNodes returns ids of nodes which are up.
func (r *Registry) UpNodes() []types.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Keys(lo.PickBy(r.nodes, func(_ types.NodeID, info types.NodeInfo) bool {
		return info.IsUp
	}))
}
