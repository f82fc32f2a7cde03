package rebuild

import "github.com/outofforest/failover/types"

// InBuildReplica is the replica merged from all the reports received so far.
type InBuildReplica struct {
	types.ReplicaDescription

	IsReportedByPrimary   bool
	IsReportedBySecondary bool
	IsSelfReported        bool
	IsDeleted             bool

	// Epochs reported by the node hosting the replica.
	CCEpoch types.Epoch
	ICEpoch types.Epoch
	PCEpoch types.Epoch

	// Replica as last described by the node hosting it.
	selfReported types.ReplicaDescription
}

func (r *InBuildReplica) selfReport(report types.FailoverUnitInfo, desc types.ReplicaDescription) {
	r.IsSelfReported = true
	r.selfReported = desc
	r.CCEpoch = report.CCEpoch
	r.ICEpoch = report.ICEpoch
	r.PCEpoch = report.PCEpoch
	r.PackageVersionInstance = desc.PackageVersionInstance
	r.ServiceEndpoint = desc.ServiceEndpoint
	r.ReplicationEndpoint = desc.ReplicationEndpoint
	r.LastAcknowledgedLSN = desc.LastAcknowledgedLSN
	r.FirstAcknowledgedLSN = desc.FirstAcknowledgedLSN
}

// isReportedAtOrBelow returns true if the replica reported itself in the configuration not newer than the epoch.
func (r *InBuildReplica) isReportedAtOrBelow(epoch types.Epoch) bool {
	if !r.IsSelfReported {
		return false
	}
	reported := r.CCEpoch
	if r.PCEpoch.IsValid() && r.PCEpoch.Less(reported) {
		reported = r.PCEpoch
	}
	return reported.Compare(epoch) <= 0
}

// isSameSelfReport returns true if the node already reported the same incarnation of the replica.
func (r *InBuildReplica) isSameSelfReport(desc types.ReplicaDescription) bool {
	return r.IsSelfReported &&
		r.selfReported.Node == desc.Node &&
		r.selfReported.ReplicaID == desc.ReplicaID &&
		r.selfReported.InstanceID == desc.InstanceID &&
		r.selfReported.IsUp == desc.IsUp
}
