package partition

import (
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/failover/types"
)

// UpdateEpochForDataLoss moves the failover unit to the new data loss version.
func (fu *FailoverUnit) UpdateEpochForDataLoss(now time.Time, testMode bool) {
	dataLossVersion := fu.CurrentConfigurationEpoch.DataLossVersion + 1
	if !testMode {
		dataLossVersion = max(now.UnixNano(), dataLossVersion)
	}
	fu.CurrentConfigurationEpoch.DataLossVersion = dataLossVersion
}

// UpdateEpochForConfigurationChange increments the configuration version.
func (fu *FailoverUnit) UpdateEpochForConfigurationChange(isPrimaryChange, resetLSN bool) {
	configurationVersion := fu.CurrentConfigurationEpoch.ConfigurationVersion + 1
	if isPrimaryChange {
		configurationVersion += types.PrimaryEpochIncrement
	}
	fu.CurrentConfigurationEpoch.ConfigurationVersion = configurationVersion

	if isPrimaryChange && resetLSN {
		fu.ResetLSN()
	}
}

// StartReconfiguration turns the current configuration into the previous one and bumps the epoch.
func (fu *FailoverUnit) StartReconfiguration(isPrimaryChange bool) error {
	if fu.IsInReconfiguration() {
		return errors.Wrap(ErrInvariantViolation, "reconfiguration is already in progress")
	}

	dataLossVersion := fu.PreviousConfigurationEpoch.DataLossVersion
	if dataLossVersion == 0 {
		dataLossVersion = fu.CurrentConfigurationEpoch.DataLossVersion
	}
	fu.PreviousConfigurationEpoch = types.Epoch{
		DataLossVersion:      dataLossVersion,
		ConfigurationVersion: fu.CurrentConfigurationEpoch.ConfigurationVersion,
	}

	for _, r := range fu.replicas {
		r.PreviousConfigurationRole = r.CurrentConfigurationRole
	}

	fu.UpdateEpochForConfigurationChange(isPrimaryChange, false)
	return nil
}

// CompleteReconfiguration finishes the reconfiguration and forgets the previous configuration.
func (fu *FailoverUnit) CompleteReconfiguration() error {
	if !fu.IsChangingConfiguration() {
		return errors.Wrap(ErrInvariantViolation, "failover unit is not changing configuration")
	}

	primary := fu.Primary()
	if (primary != nil && primary.IsAvailable()) ||
		fu.PreviousConfigurationEpoch.DataLossVersion == fu.CurrentConfigurationEpoch.DataLossVersion {
		fu.PreviousConfigurationEpoch = types.InvalidEpoch
	} else {
		fu.PreviousConfigurationEpoch = types.Epoch{DataLossVersion: fu.PreviousConfigurationEpoch.DataLossVersion}
	}

	fu.IsSwappingPrimary = false

	for _, r := range fu.replicas {
		if r.CurrentConfigurationRole == types.RoleNone {
			fu.OnReplicaDropped(r)
		}
		r.PreviousConfigurationRole = types.RoleNone
		r.IsEndpointAvailable = false
	}

	fu.ResetLSN()
	return nil
}

// ClearPreviousConfiguration forgets the previous configuration without completing reconfiguration.
func (fu *FailoverUnit) ClearPreviousConfiguration() {
	var dataLossVersion int64
	if fu.PreviousConfigurationEpoch.DataLossVersion != fu.CurrentConfigurationEpoch.DataLossVersion {
		dataLossVersion = fu.PreviousConfigurationEpoch.DataLossVersion
	}
	fu.PreviousConfigurationEpoch = types.Epoch{DataLossVersion: dataLossVersion}

	for _, r := range fu.replicas {
		r.PreviousConfigurationRole = types.RoleNone
	}
}

// RemoveFromCurrentConfiguration removes replica from the current configuration.
func (fu *FailoverUnit) RemoveFromCurrentConfiguration(r *Replica) {
	r.IsPendingRemove = false
	if fu.HasPersistedState() && !r.IsUp && !r.IsDropped() {
		r.CurrentConfigurationRole = types.RoleIdle
		return
	}
	r.CurrentConfigurationRole = types.RoleNone
}

// SwapPrimary makes the replica the new primary and demotes the old one to secondary.
func (fu *FailoverUnit) SwapPrimary(newPrimary *Replica) {
	oldPrimary := fu.Primary()
	if oldPrimary == newPrimary {
		return
	}

	newPrimary.CurrentConfigurationRole = types.RolePrimary
	if oldPrimary != nil {
		oldPrimary.CurrentConfigurationRole = types.RoleSecondary
	}
}

// ChangePrimary makes the replica the primary of the current configuration.
// The old primary stays as secondary if it is up, otherwise it is removed from the current configuration.
func (fu *FailoverUnit) ChangePrimary(newPrimary *Replica) {
	if oldPrimary := fu.Primary(); oldPrimary != nil && oldPrimary != newPrimary {
		if oldPrimary.IsUp {
			oldPrimary.CurrentConfigurationRole = types.RoleSecondary
		} else {
			fu.RemoveFromCurrentConfiguration(oldPrimary)
		}
	}

	newPrimary.CurrentConfigurationRole = types.RolePrimary
	if newPrimary.IsStandBy() {
		newPrimary.State = types.ReplicaStateInBuild
	}
}

// ReconfigurationPrimary returns the replica driving the reconfiguration.
func (fu *FailoverUnit) ReconfigurationPrimary() *Replica {
	if fu.IsSwappingPrimary {
		if pc := fu.PreviousConfiguration(); pc.IsPrimaryAvailable() {
			return pc.Primary
		}
	}
	return fu.Primary()
}

// IsReconfigurationPrimaryAvailable returns true if reconfiguration primary is up and ready.
func (fu *FailoverUnit) IsReconfigurationPrimaryAvailable() bool {
	primary := fu.ReconfigurationPrimary()
	return primary != nil && primary.IsAvailable()
}

// OnReplicaDropped marks replica as dropped.
func (fu *FailoverUnit) OnReplicaDropped(r *Replica) {
	fu.OnReplicaDown(r, true)
}

// OnReplicaDown marks replica as down.
func (fu *FailoverUnit) OnReplicaDown(r *Replica, isDropped bool) {
	isDropped = isDropped || !fu.HasPersistedState()
	droppedStateChanged := isDropped && !r.IsDropped()

	switch {
	case r.IsUp:
		r.IsUp = false
		if r.FirstAcknowledgedLSN != types.InvalidLSN {
			r.FirstAcknowledgedLSN = 0
		}

		if fu.IsStateful() && fu.IsReconfigurationPrimaryAvailable() && r.CurrentConfigurationRole != types.RoleNone {
			r.IsPendingRemove = true
		}

		if r.CurrentConfigurationRole == types.RolePrimary || r.PreviousConfigurationRole == types.RolePrimary {
			fu.OnPrimaryDown()
		}
	case droppedStateChanged && r.IsInCurrentConfiguration() && fu.IsReconfigurationPrimaryAvailable():
		r.IsPendingRemove = true
	}

	if droppedStateChanged {
		r.State = types.ReplicaStateDropped
		if !r.IsInConfiguration() {
			r.CurrentConfigurationRole = types.RoleNone
			r.PreviousConfigurationRole = types.RoleNone
		}
	}
}

// OnPrimaryDown resets replicas which were being built by the lost primary.
func (fu *FailoverUnit) OnPrimaryDown() {
	for _, r := range fu.replicas {
		if r.IsInConfiguration() {
			continue
		}
		if fu.HasPersistedState() {
			if r.IsReady() {
				r.State = types.ReplicaStateInBuild
			}
		} else {
			r.IsToBeDroppedByFM = true
		}
		r.IsPendingRemove = false
	}
}

// RemoveAllReplicas drops all the replicas. It is allowed for the system failover unit only.
func (fu *FailoverUnit) RemoveAllReplicas(systemFailoverUnitID types.FailoverUnitID) error {
	if fu.ID != systemFailoverUnitID {
		return errors.Wrapf(ErrInvariantViolation, "removing all replicas of failover unit %s", fu.ID)
	}

	for _, r := range fu.replicas {
		fu.OnReplicaDropped(r)
		r.IsDeleted = true
	}

	var dataLossVersion int64
	if fu.PreviousConfigurationEpoch.DataLossVersion != fu.CurrentConfigurationEpoch.DataLossVersion {
		dataLossVersion = fu.PreviousConfigurationEpoch.DataLossVersion
	}
	fu.PreviousConfigurationEpoch = types.Epoch{DataLossVersion: dataLossVersion}
	return nil
}

// RecoverFromDataLoss builds new configuration from the replicas which are still up.
// The first up replica becomes the primary.
func (fu *FailoverUnit) RecoverFromDataLoss() bool {
	if !fu.HasPersistedState() {
		return false
	}

	var isPrimarySelected bool
	for _, r := range fu.replicas {
		if !r.IsUp || r.IsDropped() {
			continue
		}
		if isPrimarySelected {
			r.CurrentConfigurationRole = types.RoleSecondary
			continue
		}
		r.CurrentConfigurationRole = types.RolePrimary
		r.State = types.ReplicaStateInBuild
		isPrimarySelected = true
	}
	return isPrimarySelected
}

// DropOfflineReplicas drops replicas which are down.
func (fu *FailoverUnit) DropOfflineReplicas() {
	for _, r := range fu.replicas {
		if !r.IsUp && !r.IsDropped() {
			fu.OnReplicaDropped(r)
		}
	}
}

// ResetLSN forgets sequence numbers reported by replicas.
func (fu *FailoverUnit) ResetLSN() {
	for _, r := range fu.replicas {
		r.FirstAcknowledgedLSN = types.InvalidLSN
		r.LastAcknowledgedLSN = types.InvalidLSN
	}
}

// IsQuorumLost returns true if there are not enough up replicas to make progress.
func (fu *FailoverUnit) IsQuorumLost() bool {
	if !fu.HasPersistedState() {
		return false
	}

	cc := fu.CurrentConfiguration()
	if cc.IsEmpty() {
		return false
	}
	if cc.UpCount() < cc.WriteQuorumSize() {
		return true
	}

	pc := fu.PreviousConfiguration()
	return !pc.IsEmpty() && pc.UpCount() < pc.ReadQuorumSize()
}

// IsBelowMinReplicaSetSize returns true if there are fewer available replicas than required by the service.
func (fu *FailoverUnit) IsBelowMinReplicaSetSize() bool {
	return fu.IsStateful() && fu.CurrentConfiguration().AvailableCount() < fu.Service.MinReplicaSetSize
}
