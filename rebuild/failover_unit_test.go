package rebuild

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/failover/nodes"
	"github.com/outofforest/failover/partition"
	"github.com/outofforest/failover/types"
)

var persistedService = types.ServiceDescription{
	Name:                 "fabric:/app/svc",
	IsStateful:           true,
	HasPersistedState:    true,
	TargetReplicaSetSize: 3,
	MinReplicaSetSize:    2,
}

func newEnv() partition.Env {
	return partition.Env{
		Elector:    partition.NewElector(nil, nil, true),
		TimeSource: partition.NewTestTimeSource(time.Unix(1_700_000_000, 0)),
		TestMode:   true,
	}
}

func newNode() types.NodeInstance {
	return types.NodeInstance{ID: types.NodeID(uuid.New()), Instance: 1}
}

func replica(node types.NodeInstance, pcRole, ccRole types.Role, state types.ReplicaState) types.ReplicaDescription {
	return types.ReplicaDescription{
		Node:                      node,
		ReplicaID:                 1,
		InstanceID:                1,
		PreviousConfigurationRole: pcRole,
		CurrentConfigurationRole:  ccRole,
		State:                     state,
		IsUp:                      true,
		LastAcknowledgedLSN:       types.InvalidLSN,
		FirstAcknowledgedLSN:      types.InvalidLSN,
	}
}

func report(cc, pc types.Epoch, fromPrimary bool, replicas ...types.ReplicaDescription) types.FailoverUnitInfo {
	infos := make([]types.ReplicaInfo, 0, len(replicas))
	for _, r := range replicas {
		infos = append(infos, types.ReplicaInfo{Description: r})
	}
	return types.FailoverUnitInfo{
		ServiceDescription:  persistedService,
		Replicas:            infos,
		CCEpoch:             cc,
		PCEpoch:             pc,
		IsReportFromPrimary: fromPrimary,
	}
}

func epoch(dataLossVersion, configurationVersion int64) types.Epoch {
	return types.Epoch{DataLossVersion: dataLossVersion, ConfigurationVersion: configurationVersion}
}

func registry(up ...types.NodeInstance) *nodes.Registry {
	r := nodes.New()
	for _, n := range up {
		r.NodeUp(n)
	}
	return r
}

func newInBuildUnit() *InBuildFailoverUnit {
	return NewInBuildFailoverUnit(types.FailoverUnitID(uuid.New()), persistedService, newEnv())
}

func TestAddIsIdempotent(t *testing.T) {
	requireT := require.New(t)

	p, s := newNode(), newNode()
	u := newInBuildUnit()
	r := report(epoch(1, 2), types.InvalidEpoch, false,
		replica(p, types.RoleNone, types.RolePrimary, types.ReplicaStateReady),
		replica(s, types.RoleNone, types.RoleSecondary, types.ReplicaStateReady),
	)

	added, err := u.Add(r, s)
	requireT.NoError(err)
	requireT.True(added)
	requireT.True(u.IsSecondaryAvailable())

	cc := u.CurrentConfiguration()
	replicas := len(u.Replicas())

	added, err = u.Add(r, s)
	requireT.NoError(err)
	requireT.False(added)
	requireT.Len(u.ReportingNodes(), 1)
	requireT.Len(u.Replicas(), replicas)
	requireT.Same(cc, u.CurrentConfiguration())
}

func TestAddIgnoresReportWithoutLocalReplica(t *testing.T) {
	requireT := require.New(t)

	p, s := newNode(), newNode()
	u := newInBuildUnit()

	added, err := u.Add(report(epoch(1, 2), types.InvalidEpoch, false,
		replica(p, types.RoleNone, types.RolePrimary, types.ReplicaStateReady),
	), s)
	requireT.NoError(err)
	requireT.False(added)
	requireT.Empty(u.Replicas())
	requireT.Nil(u.CurrentConfiguration())
}

func TestAddRejectsStaleInstance(t *testing.T) {
	requireT := require.New(t)

	n := newNode()
	u := newInBuildUnit()

	newer := replica(n, types.RoleNone, types.RoleSecondary, types.ReplicaStateReady)
	newer.InstanceID = 2
	added, err := u.Add(report(epoch(1, 2), types.InvalidEpoch, false, newer), n)
	requireT.NoError(err)
	requireT.True(added)

	older := replica(n, types.RoleNone, types.RoleIdle, types.ReplicaStateStandBy)
	added, err = u.Add(report(epoch(1, 3), types.InvalidEpoch, false, older), n)
	requireT.NoError(err)
	requireT.False(added)

	r := u.Replica(n.ID)
	requireT.EqualValues(2, r.InstanceID)
	requireT.Equal(types.RoleSecondary, r.CurrentConfigurationRole)
	requireT.Equal(epoch(1, 2), u.MaxEpoch())
	requireT.Len(u.ReportingNodes(), 1)
}

func TestSelfReportWithLowerInstanceFromOtherReporterIsInvariantViolation(t *testing.T) {
	requireT := require.New(t)

	p, s := newNode(), newNode()
	u := newInBuildUnit()

	sDesc := replica(s, types.RoleNone, types.RoleSecondary, types.ReplicaStateReady)
	sDesc.InstanceID = 3
	_, err := u.Add(report(epoch(1, 2), types.InvalidEpoch, true,
		replica(p, types.RoleNone, types.RolePrimary, types.ReplicaStateReady),
		sDesc,
	), p)
	requireT.NoError(err)

	sDesc.InstanceID = 2
	_, err = u.Add(report(epoch(1, 2), types.InvalidEpoch, false,
		replica(p, types.RoleNone, types.RolePrimary, types.ReplicaStateReady),
		sDesc,
	), s)
	requireT.ErrorIs(err, ErrInvariantViolation)
}

func TestMaxEpochIsMonotonic(t *testing.T) {
	requireT := require.New(t)

	a, b := newNode(), newNode()
	u := newInBuildUnit()

	_, err := u.Add(report(epoch(1, 5), types.InvalidEpoch, false,
		replica(a, types.RoleNone, types.RoleSecondary, types.ReplicaStateReady),
		replica(b, types.RoleNone, types.RoleSecondary, types.ReplicaStateReady),
	), a)
	requireT.NoError(err)
	requireT.Equal(epoch(1, 5), u.MaxEpoch())

	_, err = u.Add(report(epoch(1, 3), types.InvalidEpoch, false,
		replica(a, types.RoleNone, types.RoleSecondary, types.ReplicaStateReady),
		replica(b, types.RoleNone, types.RoleSecondary, types.ReplicaStateReady),
	), b)
	requireT.NoError(err)
	requireT.Equal(epoch(1, 5), u.MaxEpoch())
	requireT.Equal(epoch(1, 5), u.CurrentConfiguration().Epoch)
	requireT.Equal(epoch(1, 3), u.PreviousConfiguration().Epoch)
}

func TestActivatedCCIsNeverReplacedByLowerEpoch(t *testing.T) {
	requireT := require.New(t)

	a, b := newNode(), newNode()
	u := newInBuildUnit()

	requireT.NoError(u.ConsiderCC(&ReportedConfiguration{
		Epoch:       epoch(1, 5),
		Primary:     a.ID,
		Secondaries: []types.NodeID{b.ID},
	}, true))
	requireT.NoError(u.ConsiderCC(&ReportedConfiguration{
		Epoch:       epoch(1, 4),
		Primary:     b.ID,
		Secondaries: []types.NodeID{a.ID},
	}, true))

	requireT.Equal(epoch(1, 5), u.CurrentConfiguration().Epoch)
	requireT.Equal(a.ID, u.CurrentConfiguration().Primary)
	requireT.Equal(epoch(1, 4), u.PreviousConfiguration().Epoch)
}

func TestConsiderCCKeepsSmallerNestedConfiguration(t *testing.T) {
	requireT := require.New(t)

	a, b, c := newNode(), newNode(), newNode()
	u := newInBuildUnit()

	requireT.NoError(u.ConsiderCC(&ReportedConfiguration{
		Epoch:       epoch(1, 5),
		Secondaries: []types.NodeID{a.ID, b.ID, c.ID},
	}, false))
	requireT.NoError(u.ConsiderCC(&ReportedConfiguration{
		Epoch:       epoch(1, 5),
		Primary:     a.ID,
		Secondaries: []types.NodeID{b.ID},
	}, true))

	cc := u.CurrentConfiguration()
	requireT.Equal(a.ID, cc.Primary)
	requireT.Equal(2, cc.ReplicaCount())

	requireT.NoError(u.ConsiderCC(&ReportedConfiguration{
		Epoch:       epoch(1, 5),
		Secondaries: []types.NodeID{a.ID, b.ID},
	}, false))
	requireT.Equal(a.ID, u.CurrentConfiguration().Primary)
}

func TestConfigurationsNotNestedIsInvariantViolation(t *testing.T) {
	requireT := require.New(t)

	a, b, c := newNode(), newNode(), newNode()
	u := newInBuildUnit()

	requireT.NoError(u.ConsiderCC(&ReportedConfiguration{
		Epoch:       epoch(1, 5),
		Primary:     a.ID,
		Secondaries: []types.NodeID{b.ID},
	}, true))
	err := u.ConsiderCC(&ReportedConfiguration{
		Epoch:       epoch(1, 5),
		Primary:     a.ID,
		Secondaries: []types.NodeID{c.ID},
	}, true)
	requireT.ErrorIs(err, ErrInvariantViolation)
}

func TestConfigurationsWithDifferentPrimariesIsInvariantViolation(t *testing.T) {
	requireT := require.New(t)

	a, b := newNode(), newNode()
	u := newInBuildUnit()

	requireT.NoError(u.ConsiderCC(&ReportedConfiguration{
		Epoch:       epoch(1, 5),
		Primary:     a.ID,
		Secondaries: []types.NodeID{b.ID},
	}, true))
	err := u.ConsiderCC(&ReportedConfiguration{
		Epoch:       epoch(1, 5),
		Primary:     b.ID,
		Secondaries: []types.NodeID{a.ID},
	}, true)
	requireT.ErrorIs(err, ErrInvariantViolation)
}

func TestPreviousConfigurationsOfSameEpochMustBeEqual(t *testing.T) {
	requireT := require.New(t)

	a, b := newNode(), newNode()
	u := newInBuildUnit()

	requireT.NoError(u.ConsiderPC(&ReportedConfiguration{
		Epoch:       epoch(1, 5),
		Primary:     a.ID,
		Secondaries: []types.NodeID{b.ID},
	}))
	requireT.ErrorIs(u.ConsiderPC(&ReportedConfiguration{
		Epoch:   epoch(1, 5),
		Primary: a.ID,
	}), ErrInvariantViolation)
}

func TestEmptyConfigurationIsSkipped(t *testing.T) {
	requireT := require.New(t)

	n := newNode()
	u := newInBuildUnit()

	added, err := u.Add(report(epoch(3, 7), types.InvalidEpoch, false,
		replica(n, types.RoleNone, types.RoleIdle, types.ReplicaStateStandBy),
	), n)
	requireT.NoError(err)
	requireT.True(added)
	requireT.Nil(u.CurrentConfiguration())
	requireT.Equal(epoch(3, 7), u.MaxEpoch())
}

func TestServiceDescriptionIsUpdated(t *testing.T) {
	requireT := require.New(t)

	n := newNode()
	u := newInBuildUnit()

	r := report(epoch(1, 2), types.InvalidEpoch, false,
		replica(n, types.RoleNone, types.RoleSecondary, types.ReplicaStateReady))
	r.ServiceDescription.UpdateVersion = 3
	r.ServiceDescription.TargetReplicaSetSize = 5

	_, err := u.Add(r, n)
	requireT.NoError(err)
	requireT.Equal(5, u.Service().TargetReplicaSetSize)
}

func TestReadyPrimaryRolesWin(t *testing.T) {
	requireT := require.New(t)

	p, s := newNode(), newNode()
	u := newInBuildUnit()

	_, err := u.Add(report(epoch(1, 2), types.InvalidEpoch, false,
		replica(s, types.RoleNone, types.RoleSecondary, types.ReplicaStateReady),
	), s)
	requireT.NoError(err)

	_, err = u.Add(report(epoch(1, 3), types.InvalidEpoch, true,
		replica(p, types.RoleNone, types.RolePrimary, types.ReplicaStateReady),
		replica(s, types.RoleNone, types.RoleIdle, types.ReplicaStateReady),
	), p)
	requireT.NoError(err)

	requireT.True(u.IsPrimaryAvailable())
	requireT.Equal(types.RoleIdle, u.Replica(s.ID).CurrentConfigurationRole)
	requireT.True(u.Replica(s.ID).IsReportedByPrimary)
	requireT.True(u.Replica(s.ID).IsSelfReported)
}

func TestOnReplicaDropped(t *testing.T) {
	requireT := require.New(t)

	n := newNode()
	u := newInBuildUnit()
	desc := replica(n, types.RoleNone, types.RoleSecondary, types.ReplicaStateReady)
	_, err := u.Add(report(epoch(1, 2), types.InvalidEpoch, false, desc), n)
	requireT.NoError(err)

	requireT.False(u.OnReplicaDropped(replica(newNode(), types.RoleNone, types.RoleNone, types.ReplicaStateDropped), true))

	requireT.True(u.OnReplicaDropped(desc, false))
	requireT.True(u.Replica(n.ID).IsDropped())
	requireT.False(u.Replica(n.ID).IsUp)
	requireT.False(u.IsDeleted())

	u.MarkToBeDeleted()
	requireT.True(u.IsDeleted())
}

func TestSelfReportIsIdempotentAfterPeerReportedReplicaDown(t *testing.T) {
	requireT := require.New(t)

	a, b := newNode(), newNode()
	u := newInBuildUnit()

	down := replica(a, types.RoleNone, types.RoleSecondary, types.ReplicaStateReady)
	down.IsUp = false
	added, err := u.Add(report(epoch(1, 2), types.InvalidEpoch, false,
		down,
		replica(b, types.RoleNone, types.RoleSecondary, types.ReplicaStateReady),
	), b)
	requireT.NoError(err)
	requireT.True(added)

	r := report(epoch(1, 2), types.InvalidEpoch, false,
		replica(a, types.RoleNone, types.RoleSecondary, types.ReplicaStateReady),
		replica(b, types.RoleNone, types.RoleSecondary, types.ReplicaStateReady),
	)
	added, err = u.Add(r, a)
	requireT.NoError(err)
	requireT.True(added)
	requireT.False(u.Replica(a.ID).IsUp)
	requireT.Len(u.ReportingNodes(), 2)

	added, err = u.Add(r, a)
	requireT.NoError(err)
	requireT.False(added)
	requireT.Len(u.ReportingNodes(), 2)
}

func TestReportedConfigurationWithTwoPrimariesIsInvariantViolation(t *testing.T) {
	requireT := require.New(t)

	a, b := newNode(), newNode()
	r := report(epoch(1, 2), types.InvalidEpoch, true,
		replica(a, types.RoleNone, types.RolePrimary, types.ReplicaStateReady),
		replica(b, types.RoleNone, types.RolePrimary, types.ReplicaStateReady),
	)

	_, err := NewReportedConfiguration(r.CCEpoch, r.Replicas, func(r types.ReplicaInfo) types.Role {
		return r.Description.CurrentConfigurationRole
	})
	requireT.ErrorIs(err, ErrInvariantViolation)

	u := newInBuildUnit()
	added, err := u.Add(r, a)
	requireT.ErrorIs(err, ErrInvariantViolation)
	requireT.False(added)
	requireT.Nil(u.CurrentConfiguration())
	requireT.Empty(u.ReportingNodes())
	requireT.Empty(u.Replicas())
}

func TestIntermediateConfigurationReplacesActivatedCC(t *testing.T) {
	requireT := require.New(t)

	a, b, c := newNode(), newNode(), newNode()
	u := newInBuildUnit()

	r := report(epoch(1, 2), types.InvalidEpoch, false,
		replica(a, types.RoleNone, types.RolePrimary, types.ReplicaStateReady),
		replica(b, types.RoleNone, types.RoleSecondary, types.ReplicaStateReady),
		replica(c, types.RoleNone, types.RoleNone, types.ReplicaStateInBuild),
	)
	r.ICEpoch = epoch(1, 3)
	r.Replicas[0].IntermediateConfigurationRole = types.RolePrimary
	r.Replicas[1].IntermediateConfigurationRole = types.RoleSecondary
	r.Replicas[2].IntermediateConfigurationRole = types.RoleSecondary

	added, err := u.Add(r, b)
	requireT.NoError(err)
	requireT.True(added)

	cc := u.CurrentConfiguration()
	requireT.Equal(epoch(1, 3), cc.Epoch)
	requireT.Equal(a.ID, cc.Primary)
	requireT.ElementsMatch([]types.NodeID{b.ID, c.ID}, cc.Secondaries)
	requireT.False(u.isCCActivated)

	pc := u.PreviousConfiguration()
	requireT.NotNil(pc)
	requireT.Equal(epoch(1, 2), pc.Epoch)
	requireT.Equal(a.ID, pc.Primary)
	requireT.Equal([]types.NodeID{b.ID}, pc.Secondaries)
}
