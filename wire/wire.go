package wire

import "github.com/outofforest/failover/types"

// Message is the message exchanged between failover manager and nodes.
type Message interface {
	Address() (types.FailoverUnitID, types.NodeInstance)
}

// ReplicaBody is the body of messages describing single replica.
type ReplicaBody struct {
	// FailoverUnitID is the id of the failover unit the replica belongs to.
	FailoverUnitID types.FailoverUnitID
	// From is the node instance which sent the message.
	From types.NodeInstance
	// Service describes the service of the failover unit.
	Service types.ServiceDescription
	// Replica is the replica the message refers to.
	Replica types.ReplicaDescription
	// ErrorCode is the result of the operation.
	ErrorCode types.ErrorCode
}

// Address returns the failover unit and the node the message belongs to.
func (b ReplicaBody) Address() (types.FailoverUnitID, types.NodeInstance) {
	return b.FailoverUnitID, b.From
}

// ConfigurationBody is the body of messages carrying the whole replica set.
type ConfigurationBody struct {
	// FailoverUnitID is the id of the failover unit.
	FailoverUnitID types.FailoverUnitID
	// From is the node instance which sent the message.
	From types.NodeInstance
	// Replicas are the replicas known to the sender.
	Replicas []types.ReplicaDescription
	// ErrorCode is the result of the operation.
	ErrorCode types.ErrorCode
}

// Address returns the failover unit and the node the message belongs to.
func (b ConfigurationBody) Address() (types.FailoverUnitID, types.NodeInstance) {
	return b.FailoverUnitID, b.From
}

// AddInstanceReply is sent by the node when stateless instance has been created.
type AddInstanceReply struct {
	ReplicaBody
}

// AddPrimaryReply is sent by the node when primary replica has been created.
type AddPrimaryReply struct {
	ReplicaBody
}

// AddReplicaReply is sent by the primary when secondary replica has been built.
type AddReplicaReply struct {
	ReplicaBody
}

// RemoveReplicaReply is sent by the primary when replica has been removed from the replica set.
type RemoveReplicaReply struct {
	ReplicaBody
}

// DropReplicaReply is sent by the node when replica has been dropped on request.
type DropReplicaReply struct {
	ReplicaBody
}

// DeleteReplicaReply is sent by the node when replica of a deleted service has been deleted.
type DeleteReplicaReply struct {
	ReplicaBody
}

// RemoveInstanceReply is sent by the node when stateless instance of a deleted service has been removed.
type RemoveInstanceReply struct {
	ReplicaBody
}

// ReplicaDropped is sent by the node when replica has been dropped on its own.
type ReplicaDropped struct {
	ReplicaBody
}

// ReplicaEndpointUpdated is sent by the node when replica opened its endpoints.
type ReplicaEndpointUpdated struct {
	ReplicaBody
}

// ReconfigurationReply is sent by the primary when reconfiguration has been completed.
type ReconfigurationReply struct {
	ConfigurationBody
}

// ChangeConfiguration is sent by the node when primary failed during reconfiguration.
type ChangeConfiguration struct {
	ConfigurationBody
}

// DatalossReport is sent by the primary when it detected data loss during reconfiguration.
type DatalossReport struct {
	ConfigurationBody
}

// ReplicaDroppedReply acknowledges ReplicaDropped.
type ReplicaDroppedReply struct {
	ReplicaBody
}

// DropReplica requests the node to drop the replica.
type DropReplica struct {
	ReplicaBody
}

// DeleteReplica requests the node to delete the replica of the service being deleted.
type DeleteReplica struct {
	ReplicaBody
}

// RemoveInstance requests the node to remove stateless instance of the service being deleted.
type RemoveInstance struct {
	ReplicaBody
}

// Send is an instruction to send message to the node.
type Send struct {
	// Recipient is the node instance receiving the message.
	Recipient types.NodeInstance
	// Message is the message to send.
	Message any
}
