package rebuild

import (
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/failover/partition"
	"github.com/outofforest/failover/types"
)

// ErrInvariantViolation is returned when reports contradict the protocol.
var ErrInvariantViolation = partition.ErrInvariantViolation

// NewInBuildFailoverUnit creates new in-build failover unit.
func NewInBuildFailoverUnit(
	id types.FailoverUnitID,
	service types.ServiceDescription,
	env partition.Env,
) *InBuildFailoverUnit {
	return &InBuildFailoverUnit{
		id:      id,
		service: service,
		env:     env,
		created: env.TimeSource.Now(),
		index:   map[types.NodeID]int{},
	}
}

// InBuildFailoverUnit accumulates reports sent by nodes to rebuild the state of the failover unit.
type InBuildFailoverUnit struct {
	id      types.FailoverUnitID
	service types.ServiceDescription
	env     partition.Env
	created time.Time

	replicas []*InBuildReplica
	index    map[types.NodeID]int

	cc                    *ReportedConfiguration
	pc                    *ReportedConfiguration
	isCCActivated         bool
	maxEpoch              types.Epoch
	pcEpochByReadyPrimary types.Epoch
	reportingNodes        []types.NodeInstance

	isPrimaryAvailable   bool
	isSecondaryAvailable bool
	isSwapPrimary        bool
	discardPC            bool
	isToBeDeleted        bool
}

// ID returns the id of the failover unit.
func (u *InBuildFailoverUnit) ID() types.FailoverUnitID {
	return u.id
}

// Service returns the description of the service.
func (u *InBuildFailoverUnit) Service() types.ServiceDescription {
	return u.service
}

// Created returns the time when the first report was received.
func (u *InBuildFailoverUnit) Created() time.Time {
	return u.created
}

// CurrentConfiguration returns the arbitrated current configuration.
func (u *InBuildFailoverUnit) CurrentConfiguration() *ReportedConfiguration {
	return u.cc
}

// PreviousConfiguration returns the arbitrated previous configuration.
func (u *InBuildFailoverUnit) PreviousConfiguration() *ReportedConfiguration {
	return u.pc
}

// MaxEpoch returns the highest epoch reported.
func (u *InBuildFailoverUnit) MaxEpoch() types.Epoch {
	return u.maxEpoch
}

// IsPrimaryAvailable returns true if ready primary has reported.
func (u *InBuildFailoverUnit) IsPrimaryAvailable() bool {
	return u.isPrimaryAvailable
}

// IsSecondaryAvailable returns true if ready secondary has reported.
func (u *InBuildFailoverUnit) IsSecondaryAvailable() bool {
	return u.isSecondaryAvailable
}

// IsSwapPrimary returns true if generated unit was swapping primary.
func (u *InBuildFailoverUnit) IsSwapPrimary() bool {
	return u.isSwapPrimary
}

// ReportingNodes returns nodes which sent reports.
func (u *InBuildFailoverUnit) ReportingNodes() []types.NodeInstance {
	return u.reportingNodes
}

// Replicas returns merged replicas.
func (u *InBuildFailoverUnit) Replicas() []*InBuildReplica {
	return u.replicas
}

// Replica returns merged replica hosted by the node.
func (u *InBuildFailoverUnit) Replica(nodeID types.NodeID) *InBuildReplica {
	i, exists := u.index[nodeID]
	if !exists {
		return nil
	}
	return u.replicas[i]
}

// MarkToBeDeleted marks the failover unit as belonging to the service being deleted.
func (u *InBuildFailoverUnit) MarkToBeDeleted() {
	u.isToBeDeleted = true
}

// IsToBeDeleted returns true if service is being deleted.
func (u *InBuildFailoverUnit) IsToBeDeleted() bool {
	return u.isToBeDeleted
}

// IsDeleted returns true if service is being deleted and all the replicas are confirmed dropped.
func (u *InBuildFailoverUnit) IsDeleted() bool {
	if !u.isToBeDeleted {
		return false
	}
	for _, r := range u.replicas {
		if !r.IsDeleted && !r.IsDropped() {
			return false
		}
	}
	return true
}

// OnReplicaDropped records that the replica is dropped on its node. It returns false if replica is unknown.
func (u *InBuildFailoverUnit) OnReplicaDropped(desc types.ReplicaDescription, isDeleted bool) bool {
	r := u.Replica(desc.Node.ID)
	if r == nil || r.InstanceID > desc.InstanceID {
		return false
	}

	r.State = types.ReplicaStateDropped
	r.IsUp = false
	if isDeleted {
		r.IsDeleted = true
	}
	return true
}

// Add merges the report sent by the node. It returns false if report is a duplicate or is stale.
func (u *InBuildFailoverUnit) Add(report types.FailoverUnitInfo, from types.NodeInstance) (bool, error) {
	local, exists := report.LocalReplica(from.ID)
	if !exists {
		return false, nil
	}
	localDesc := local.Description

	if existing := u.Replica(from.ID); existing != nil {
		if u.isReportingNode(from) && existing.isSameSelfReport(localDesc) {
			return false, nil
		}

		if existing.IsSelfReported &&
			(existing.Node.Instance > localDesc.Node.Instance ||
				existing.ReplicaID > localDesc.ReplicaID ||
				(existing.ReplicaID == localDesc.ReplicaID && existing.InstanceID > localDesc.InstanceID)) {
			return false, nil
		}
	}

	cc, ic, pc, err := reportedConfigurations(report)
	if err != nil {
		return false, err
	}

	u.reportingNodes = append(u.reportingNodes, from)
	u.maxEpoch = types.MaxEpoch(u.maxEpoch, report.CCEpoch)
	if report.ServiceDescription.UpdateVersion > u.service.UpdateVersion {
		u.service = report.ServiceDescription
	}

	fromReadyPrimary := report.IsReportFromPrimary &&
		localDesc.IsUp &&
		(localDesc.CurrentConfigurationRole == types.RolePrimary ||
			localDesc.PreviousConfigurationRole == types.RolePrimary) &&
		!localDesc.IsStandBy() && !localDesc.IsDropped()
	fromReadySecondary := !fromReadyPrimary &&
		localDesc.IsAvailable() &&
		(localDesc.CurrentConfigurationRole == types.RoleSecondary ||
			localDesc.PreviousConfigurationRole == types.RoleSecondary) &&
		hasPrimary(report)

	for _, info := range report.Replicas {
		discardPC, err := u.CheckReplica(info, report, from, fromReadyPrimary, fromReadySecondary)
		if err != nil {
			return false, err
		}
		u.discardPC = u.discardPC || discardPC
	}

	if fromReadyPrimary {
		u.pcEpochByReadyPrimary = report.PCEpoch
		u.isPrimaryAvailable = true
	}
	if fromReadySecondary {
		u.isSecondaryAvailable = true
	}

	if cc != nil {
		if err := u.ConsiderCC(cc, !report.PCEpoch.IsValid()); err != nil {
			return false, err
		}
	}
	if ic != nil {
		if err := u.ConsiderCC(ic, false); err != nil {
			return false, err
		}
	}
	if pc != nil {
		if err := u.ConsiderPC(pc); err != nil {
			return false, err
		}
	}

	return true, nil
}

// CheckReplica merges the replica mentioned by the report. It returns true if the previous configuration
// is contradicted by the role accepted from a ready secondary.
func (u *InBuildFailoverUnit) CheckReplica(
	info types.ReplicaInfo,
	report types.FailoverUnitInfo,
	from types.NodeInstance,
	fromReadyPrimary, fromReadySecondary bool,
) (bool, error) {
	desc := info.Description
	isSelfReport := desc.Node.ID == from.ID

	r := u.Replica(desc.Node.ID)
	if r == nil {
		r = &InBuildReplica{
			ReplicaDescription:    desc,
			IsReportedByPrimary:   fromReadyPrimary,
			IsReportedBySecondary: fromReadySecondary,
		}
		if isSelfReport {
			r.selfReport(report, desc)
		}
		u.index[desc.Node.ID] = len(u.replicas)
		u.replicas = append(u.replicas, r)
		return false, nil
	}

	isConfirmed := r.IsReportedByPrimary || r.IsReportedBySecondary
	r.IsReportedByPrimary = r.IsReportedByPrimary || fromReadyPrimary
	r.IsReportedBySecondary = r.IsReportedBySecondary || fromReadySecondary

	var acceptRoles, acceptedFromSecondary bool
	switch {
	case fromReadyPrimary:
		acceptRoles = true
	case isSelfReport && !isConfirmed:
		acceptRoles = true
	case fromReadySecondary && !u.isPrimaryAvailable:
		acceptRoles = true
		acceptedFromSecondary = true
	}

	ccRole, pcRole := r.CurrentConfigurationRole, r.PreviousConfigurationRole
	switch {
	case desc.InstanceID > r.InstanceID:
		if desc.ReplicaID < r.ReplicaID || desc.Node.Instance < r.Node.Instance {
			return false, errors.Wrapf(ErrInvariantViolation,
				"replica on node %s reported with higher instance but lower replica id or node instance", desc.Node.ID)
		}
		r.ReplicaDescription = desc
		r.IsDeleted = false
	case desc.InstanceID == r.InstanceID:
		r.State = max(r.State, desc.State)
		r.IsUp = r.IsUp && desc.IsUp
	default:
		if isSelfReport {
			return false, errors.Wrapf(ErrInvariantViolation,
				"replica on node %s reported itself with lower instance", desc.Node.ID)
		}
		return false, nil
	}

	if isSelfReport {
		r.selfReport(report, desc)
	}

	if !acceptRoles {
		r.CurrentConfigurationRole, r.PreviousConfigurationRole = ccRole, pcRole
		return false, nil
	}

	r.CurrentConfigurationRole = desc.CurrentConfigurationRole
	r.PreviousConfigurationRole = desc.PreviousConfigurationRole
	return acceptedFromSecondary && pcRole != types.RoleNone && desc.PreviousConfigurationRole == types.RoleNone, nil
}

// ConsiderCC arbitrates the candidate for the current configuration.
func (u *InBuildFailoverUnit) ConsiderCC(candidate *ReportedConfiguration, isActivated bool) error {
	if candidate.IsEmpty() {
		return nil
	}

	if u.cc == nil {
		u.cc = candidate
		u.isCCActivated = isActivated
		return nil
	}

	switch candidate.Epoch.Compare(u.cc.Epoch) {
	case 0:
		if u.cc.HasPrimary() && candidate.HasPrimary() && u.cc.Primary != candidate.Primary {
			return errors.Wrapf(ErrInvariantViolation, "configurations of epoch %s have different primaries",
				candidate.Epoch)
		}
		switch {
		case candidate.IsSubsetOf(u.cc):
			if !candidate.Equals(u.cc) || (!u.cc.HasPrimary() && candidate.HasPrimary()) {
				u.cc = candidate
			}
		case !u.cc.IsSubsetOf(candidate):
			return errors.Wrapf(ErrInvariantViolation, "configurations of epoch %s are not nested", candidate.Epoch)
		}
		u.isCCActivated = u.isCCActivated || isActivated
	case 1:
		discarded, wasActivated := u.cc, u.isCCActivated
		u.cc = candidate
		u.isCCActivated = isActivated
		if wasActivated {
			return u.ConsiderPC(discarded)
		}
	default:
		if isActivated {
			return u.ConsiderPC(candidate)
		}
	}
	return nil
}

// ConsiderPC arbitrates the candidate for the previous configuration.
func (u *InBuildFailoverUnit) ConsiderPC(candidate *ReportedConfiguration) error {
	if candidate.IsEmpty() {
		return nil
	}

	if u.pc == nil {
		u.pc = candidate
		return nil
	}

	switch cmp := candidate.Epoch.Compare(u.pc.Epoch); {
	case cmp == 0:
		if !candidate.Equals(u.pc) {
			return errors.Wrapf(ErrInvariantViolation, "previous configurations of epoch %s differ", candidate.Epoch)
		}
	case candidate.Epoch == u.pcEpochByReadyPrimary:
		u.pc = candidate
	case cmp > 0 && u.pc.Epoch != u.pcEpochByReadyPrimary:
		u.pc = candidate
	}
	return nil
}

func (u *InBuildFailoverUnit) isReportingNode(node types.NodeInstance) bool {
	for _, n := range u.reportingNodes {
		if n == node {
			return true
		}
	}
	return false
}

func reportedConfigurations(report types.FailoverUnitInfo) (cc, ic, pc *ReportedConfiguration, err error) {
	if report.CCEpoch.IsValid() {
		cc, err = NewReportedConfiguration(report.CCEpoch, report.Replicas, func(r types.ReplicaInfo) types.Role {
			return r.Description.CurrentConfigurationRole
		})
		if err != nil {
			return nil, nil, nil, err
		}
	}
	if report.ICEpoch.IsValid() {
		ic, err = NewReportedConfiguration(report.ICEpoch, report.Replicas, func(r types.ReplicaInfo) types.Role {
			return r.IntermediateConfigurationRole
		})
		if err != nil {
			return nil, nil, nil, err
		}
	}
	if report.PCEpoch.IsValid() {
		pc, err = NewReportedConfiguration(report.PCEpoch, report.Replicas, func(r types.ReplicaInfo) types.Role {
			return r.Description.PreviousConfigurationRole
		})
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return cc, ic, pc, nil
}

func hasPrimary(report types.FailoverUnitInfo) bool {
	for _, r := range report.Replicas {
		if r.Description.CurrentConfigurationRole == types.RolePrimary {
			return true
		}
	}
	return false
}
