package failover

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/failover/manager"
	"github.com/outofforest/failover/partition"
	"github.com/outofforest/failover/store"
	"github.com/outofforest/failover/types"
	"github.com/outofforest/failover/wire"
)

var service = types.ServiceDescription{
	Name:                 "fabric:/app/svc",
	ApplicationID:        "app",
	IsStateful:           true,
	HasPersistedState:    true,
	TargetReplicaSetSize: 3,
	MinReplicaSetSize:    2,
}

type sender struct {
	ch chan wire.Send
}

func (s *sender) Send(_ context.Context, msg wire.Send) error {
	s.ch <- msg
	return nil
}

func replica(node types.NodeInstance, role types.Role, state types.ReplicaState) types.ReplicaDescription {
	return types.ReplicaDescription{
		Node:                     node,
		ReplicaID:                1,
		InstanceID:               1,
		CurrentConfigurationRole: role,
		State:                    state,
		IsUp:                     true,
		LastAcknowledgedLSN:      types.InvalidLSN,
		FirstAcknowledgedLSN:     types.InvalidLSN,
	}
}

func droppedReply(t *testing.T, ch <-chan wire.Send) *wire.ReplicaDroppedReply {
	select {
	case msg := <-ch:
		reply, ok := msg.Message.(*wire.ReplicaDroppedReply)
		require.True(t, ok)
		return reply
	case <-time.After(5 * time.Second):
		require.FailNow(t, "reply not sent")
		return nil
	}
}

func TestRun(t *testing.T) {
	requireT := require.New(t)
	ctx := logger.WithLogger(t.Context(), logger.New(logger.DefaultConfig))

	dir := t.TempDir()
	config := types.DefaultConfig
	config.StateDir = dir
	config.TestMode = true

	p := types.NodeInstance{ID: types.NodeID(uuid.New()), Instance: 1}
	s := types.NodeInstance{ID: types.NodeID(uuid.New()), Instance: 1}
	id := types.FailoverUnitID(uuid.New())

	sent := make(chan wire.Send, 10)
	intake := make(chan any, 10)
	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(ctx, config, Collaborators{Sender: &sender{ch: sent}}, intake)
	}()

	intake <- manager.NodeUp{Instance: p}
	intake <- manager.NodeUp{Instance: s}
	intake <- manager.Report{
		Info: types.FailoverUnitInfo{
			ServiceDescription: service,
			FailoverUnitID:     id,
			Replicas: []types.ReplicaInfo{
				{Description: replica(p, types.RolePrimary, types.ReplicaStateReady)},
				{Description: replica(s, types.RoleSecondary, types.ReplicaStateReady)},
			},
			CCEpoch:             types.Epoch{DataLossVersion: 1, ConfigurationVersion: 3},
			PCEpoch:             types.InvalidEpoch,
			IsReportFromPrimary: true,
		},
		From: p,
	}

	unknownID := types.FailoverUnitID(uuid.New())
	intake <- &wire.ReplicaDropped{ReplicaBody: wire.ReplicaBody{
		FailoverUnitID: unknownID,
		From:           s,
		Service:        service,
		Replica:        replica(s, types.RoleSecondary, types.ReplicaStateDropped),
	}}
	intake <- &wire.ReplicaDropped{ReplicaBody: wire.ReplicaBody{
		FailoverUnitID: id,
		From:           s,
		Service:        service,
		Replica:        replica(s, types.RoleSecondary, types.ReplicaStateDropped),
	}}

	codes := map[types.FailoverUnitID]types.ErrorCode{}
	for range 2 {
		reply := droppedReply(t, sent)
		codes[reply.FailoverUnitID] = reply.ErrorCode
	}
	requireT.Equal(map[types.FailoverUnitID]types.ErrorCode{
		unknownID: types.ErrorCodeFMFailoverUnitNotFound,
		id:        types.ErrorCodeSuccess,
	}, codes)

	close(intake)
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		requireT.NoError(err)
	}

	st, err := store.Open(dir, partition.NewMarshaller())
	requireT.NoError(err)
	defer st.Close()

	v, _, err := st.Get(uuid.UUID(id))
	requireT.NoError(err)
	fu := v.(*partition.FailoverUnit)
	requireT.Equal(p.ID, fu.Primary().Node.ID)
	requireT.True(fu.Replica(s.ID).IsDropped())
}
