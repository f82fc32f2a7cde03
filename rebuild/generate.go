package rebuild

import (
	"github.com/outofforest/failover/partition"
	"github.com/outofforest/failover/types"
)

// Generate materializes the failover unit from the reports received so far.
// It returns nil if there is not enough information yet.
func (u *InBuildFailoverUnit) Generate(nodes types.NodeLookup, forceRecovery bool) (*partition.FailoverUnit, error) {
	if u.IsDeleted() {
		return nil, nil
	}

	if u.pc != nil && (u.discardPC || (u.isCCActivated && u.pc.Epoch != u.pcEpochByReadyPrimary)) {
		u.pc = nil
	}

	fu := partition.NewFailoverUnit(u.id, u.service)
	fu.IsToBeDeleted = u.isToBeDeleted

	if !u.service.IsStateful || !u.service.HasPersistedState {
		fu.CurrentConfigurationEpoch = u.maxEpoch
		for _, r := range u.replicas {
			replica, err := fu.AddReplica(r.ReplicaDescription)
			if err != nil {
				return nil, err
			}
			replica.IsDeleted = r.IsDeleted
		}
		return fu, nil
	}

	if u.cc == nil && !forceRecovery {
		return nil, nil
	}

	if u.cc != nil {
		fu.CurrentConfigurationEpoch = u.cc.Epoch
	} else {
		fu.CurrentConfigurationEpoch = u.maxEpoch
	}
	if u.pc != nil {
		fu.PreviousConfigurationEpoch = u.pc.Epoch
	}

	for _, r := range u.replicas {
		generated := u.GenerateReplica(r, nodes)
		replica, err := fu.AddReplica(generated.ReplicaDescription)
		if err != nil {
			return nil, err
		}
		replica.IsPendingRemove = generated.IsPendingRemove
		replica.IsToBeDroppedByFM = generated.IsToBeDroppedByFM
		replica.IsDeleted = generated.IsDeleted
	}

	if !forceRecovery && !u.isPrimaryAvailable && !u.isSecondaryAvailable {
		if !u.isQuorumReported(u.cc) || (u.pc != nil && !u.isQuorumReported(u.pc)) {
			return nil, nil
		}
	}

	if u.cc != nil && u.pc != nil && u.cc.HasPrimary() && u.pc.HasPrimary() && u.cc.Primary != u.pc.Primary {
		if oldPrimary := fu.Replica(u.pc.Primary); oldPrimary != nil && oldPrimary.IsAvailable() {
			u.isSwapPrimary = true
			fu.IsSwappingPrimary = true
		}
	}

	if !u.isPrimaryAvailable && u.cc != nil {
		if err := u.promotePrimary(fu); err != nil {
			return nil, err
		}
	}

	now := u.env.TimeSource.Now()
	fu.UpdateQuorumLoss(now)

	if forceRecovery {
		u.recover(fu, nodes)
		fu.UpdateEpochForDataLoss(now, u.env.TestMode)
		fu.UpdateQuorumLoss(now)
	}

	return fu, nil
}

// GenerateReplica derives the final state of the replica from the arbitrated configurations.
func (u *InBuildFailoverUnit) GenerateReplica(r *InBuildReplica, nodes types.NodeLookup) partition.Replica {
	nodeID := r.Node.ID

	pcRole := types.RoleNone
	if u.pc != nil {
		pcRole = u.pc.Role(nodeID)
		if pcRole == types.RoleNone {
			pcRole = types.RoleIdle
		}
	}

	ccRole := types.RoleNone
	if u.cc != nil {
		ccRole = u.cc.Role(nodeID)
	}
	if ccRole == types.RoleNone && (u.service.HasPersistedState || pcRole <= types.RoleIdle) {
		ccRole = types.RoleIdle
	}

	replica := partition.Replica{
		ReplicaDescription: r.ReplicaDescription,
		IsDeleted:          r.IsDeleted,
	}
	replica.CurrentConfigurationRole = ccRole
	replica.PreviousConfigurationRole = pcRole

	node, exists := nodes.GetNode(nodeID)
	replica.IsUp = r.IsUp && exists && node.IsUp && node.Instance.Instance <= r.Node.Instance

	if exists && node.IsReplicaUploaded && !r.IsSelfReported {
		replica.State = types.ReplicaStateDropped
		replica.IsUp = false
		replica.IsDeleted = true
	}

	if !replica.IsUp && ccRole < types.RoleSecondary && pcRole < types.RoleSecondary &&
		(r.IsReportedByPrimary || r.IsReportedBySecondary) {
		replica.IsPendingRemove = true
	}

	if u.cc != nil && r.IsSelfReported && r.IsStandBy() && u.cc.Epoch.Less(r.CCEpoch) {
		replica.IsToBeDroppedByFM = true
	}

	return replica
}

func (u *InBuildFailoverUnit) isQuorumReported(c *ReportedConfiguration) bool {
	var reported int
	for _, nodeID := range c.Members() {
		if r := u.Replica(nodeID); r != nil && r.isReportedAtOrBelow(c.Epoch) {
			reported++
		}
	}
	return reported >= c.WriteQuorumSize()
}

func (u *InBuildFailoverUnit) promotePrimary(fu *partition.FailoverUnit) error {
	base := types.MaxEpoch(u.cc.Epoch, u.maxEpoch)

	cc := fu.CurrentConfiguration()
	if cc.UpCount() < cc.WriteQuorumSize() {
		fu.CurrentConfigurationEpoch = base
		fu.UpdateEpochForConfigurationChange(true, false)
		return nil
	}

	if fu.IsInReconfiguration() {
		fu.CurrentConfigurationEpoch = base
		fu.UpdateEpochForConfigurationChange(true, false)
	} else {
		if err := fu.StartReconfiguration(true); err != nil {
			return err
		}
		fu.PreviousConfigurationEpoch = u.cc.Epoch
		fu.CurrentConfigurationEpoch = base
		fu.UpdateEpochForConfigurationChange(true, false)
	}

	candidates := make([]*partition.Replica, 0, len(cc.Replicas))
	for _, r := range cc.Replicas {
		if r.IsUp && !r.IsDropped() {
			candidates = append(candidates, r)
		}
	}
	newPrimary := u.env.Elector.SelectPrimary(fu, candidates)
	if newPrimary == nil {
		return nil
	}

	fu.ChangePrimary(newPrimary)
	return nil
}

func (u *InBuildFailoverUnit) recover(fu *partition.FailoverUnit, nodes types.NodeLookup) {
	for _, r := range fu.Replicas() {
		if node, exists := nodes.GetNode(r.Node.ID); exists && node.IsNodeStateRemoved && !r.IsDropped() {
			fu.OnReplicaDropped(r)
		}
	}

	if u.cc != nil && !fu.IsQuorumLost() {
		return
	}

	for _, r := range fu.Replicas() {
		if !r.IsUp && r.IsInCurrentConfiguration() {
			fu.RemoveFromCurrentConfiguration(r)
		}
	}
	fu.ClearPreviousConfiguration()
	fu.RecoverFromDataLoss()
}
