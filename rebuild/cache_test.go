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

func newCache(t *testing.T, reg *nodes.Registry) (*Cache, *partition.TestTimeSource) {
	timeSource := partition.NewTestTimeSource(time.Unix(1_700_000_000, 0))
	env := newEnv()
	env.TimeSource = timeSource
	c, err := NewCache(env, reg, time.Hour)
	require.NoError(t, err)
	return c, timeSource
}

func unitReport(id types.FailoverUnitID, p, s types.NodeInstance) types.FailoverUnitInfo {
	r := report(epoch(1, 2), types.InvalidEpoch, true,
		replica(p, types.RoleNone, types.RolePrimary, types.ReplicaStateReady),
		replica(s, types.RoleNone, types.RoleSecondary, types.ReplicaStateReady),
	)
	r.FailoverUnitID = id
	return r
}

func TestCacheAddAndGenerate(t *testing.T) {
	requireT := require.New(t)

	p, s := newNode(), newNode()
	c, _ := newCache(t, registry(p, s))
	id := types.FailoverUnitID(uuid.New())

	requireT.False(c.Contains(id))
	fu, err := c.Generate(id, false)
	requireT.NoError(err)
	requireT.Nil(fu)

	added, err := c.Add(unitReport(id, p, s), p)
	requireT.NoError(err)
	requireT.True(added)
	requireT.True(c.Contains(id))

	added, err = c.Add(unitReport(id, p, s), p)
	requireT.NoError(err)
	requireT.False(added)

	ids, err := c.IDs()
	requireT.NoError(err)
	requireT.Equal([]types.FailoverUnitID{id}, ids)

	ids, err = c.ByNode(s.ID)
	requireT.NoError(err)
	requireT.Equal([]types.FailoverUnitID{id}, ids)

	fu, err = c.Generate(id, false)
	requireT.NoError(err)
	requireT.NotNil(fu)
	requireT.Equal(id, fu.ID)
	requireT.Equal(p.ID, fu.Primary().Node.ID)
	requireT.True(c.Contains(id))

	requireT.NoError(c.Remove(id))
	requireT.False(c.Contains(id))
}

func TestCacheOnReplicaDropped(t *testing.T) {
	requireT := require.New(t)

	p, s := newNode(), newNode()
	c, _ := newCache(t, registry(p, s))
	id := types.FailoverUnitID(uuid.New())

	code, err := c.OnReplicaDropped(id, replica(s, types.RoleNone, types.RoleSecondary, types.ReplicaStateDropped), false)
	requireT.NoError(err)
	requireT.Equal(types.ErrorCodeFMFailoverUnitNotFound, code)

	_, err = c.Add(unitReport(id, p, s), p)
	requireT.NoError(err)

	code, err = c.OnReplicaDropped(id, replica(newNode(), types.RoleNone, types.RoleNone, types.ReplicaStateDropped), false)
	requireT.NoError(err)
	requireT.Equal(types.ErrorCodeFMFailoverUnitNotFound, code)

	code, err = c.OnReplicaDropped(id, replica(s, types.RoleNone, types.RoleSecondary, types.ReplicaStateDropped), false)
	requireT.NoError(err)
	requireT.Equal(types.ErrorCodeSuccess, code)

	u, err := c.Get(id)
	requireT.NoError(err)
	requireT.True(u.Replica(s.ID).IsDropped())
}

func TestCacheRemovesDeletedUnit(t *testing.T) {
	requireT := require.New(t)

	p, s := newNode(), newNode()
	c, _ := newCache(t, registry(p, s))
	id := types.FailoverUnitID(uuid.New())
	otherID := types.FailoverUnitID(uuid.New())

	_, err := c.Add(unitReport(id, p, s), p)
	requireT.NoError(err)
	_, err = c.Add(unitReport(otherID, p, s), p)
	requireT.NoError(err)

	ids, err := c.MarkToBeDeletedForService(persistedService.Name, func(fuID types.FailoverUnitID) bool {
		return fuID == id
	})
	requireT.NoError(err)
	requireT.Equal([]types.FailoverUnitID{id}, ids)

	other, err := c.Get(otherID)
	requireT.NoError(err)
	requireT.False(other.IsToBeDeleted())

	for _, n := range []types.NodeInstance{p, s} {
		code, err := c.OnReplicaDropped(id, replica(n, types.RoleNone, types.RoleNone, types.ReplicaStateDropped), true)
		requireT.NoError(err)
		requireT.Equal(types.ErrorCodeSuccess, code)
	}
	requireT.False(c.Contains(id))
	requireT.True(c.Contains(otherID))
}

func TestCacheRecoverPartition(t *testing.T) {
	requireT := require.New(t)

	n := newNode()
	c, _ := newCache(t, registry(n))
	id := types.FailoverUnitID(uuid.New())

	_, err := c.RecoverPartition(id)
	requireT.ErrorIs(err, partition.ErrNotFound)

	r := report(epoch(2, 1), types.InvalidEpoch, false,
		replica(n, types.RoleNone, types.RoleIdle, types.ReplicaStateStandBy))
	r.FailoverUnitID = id
	_, err = c.Add(r, n)
	requireT.NoError(err)

	fu, err := c.Generate(id, false)
	requireT.NoError(err)
	requireT.Nil(fu)

	fu, err = c.RecoverPartition(id)
	requireT.NoError(err)
	requireT.NotNil(fu)
	requireT.Equal(epoch(3, 1), fu.CurrentConfigurationEpoch)
}

func TestCacheExpiry(t *testing.T) {
	requireT := require.New(t)

	p, s := newNode(), newNode()
	c, timeSource := newCache(t, registry(p, s))
	id := types.FailoverUnitID(uuid.New())

	_, err := c.Add(unitReport(id, p, s), p)
	requireT.NoError(err)
	requireT.False(c.IsExpired(id))

	timeSource.Add(59 * time.Minute)
	requireT.False(c.IsExpired(id))

	timeSource.Add(time.Minute)
	requireT.True(c.IsExpired(id))
}
