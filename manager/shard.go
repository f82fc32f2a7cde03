package manager

import (
	"context"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/failover/partition"
	"github.com/outofforest/failover/processor"
	"github.com/outofforest/failover/types"
	"github.com/outofforest/failover/wire"
)

type shard struct {
	manager     *Manager
	index       uint64
	queue       <-chan any
	sagas       *parallel.Group
	quarantined map[types.FailoverUnitID]struct{}
}

func (s *shard) run(ctx context.Context) error {
	retry := newRetryTicker(s.manager.config.RebuildRetryInterval)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-retry.Ticks():
			pending, err := s.retryRebuilds(ctx)
			if err != nil {
				return err
			}
			if !pending {
				retry.Stop()
			}
		case event := <-s.queue:
			deferred, err := s.apply(ctx, event)
			if err != nil {
				return err
			}
			if deferred {
				retry.Start()
			}
		}
	}
}

func (s *shard) apply(ctx context.Context, event any) (bool, error) {
	switch e := event.(type) {
	case Report:
		return s.applyReport(ctx, e)
	case wire.Message:
		return false, s.applyMessage(ctx, e)
	case recoverEvent:
		e.ResultCh <- s.recover(ctx, e.FailoverUnitID)
		return false, nil
	case recoverAllEvent:
		e.ResultCh <- s.recoverAll(ctx)
		return false, nil
	case nodeDownEvent:
		return false, s.applyNodeDown(ctx, e.Instance)
	case serviceDeletedEvent:
		return false, s.applyServiceDeleted(ctx, e.ServiceName)
	default:
		return false, errors.Errorf("unexpected event type %T", e)
	}
}

func (s *shard) owns(id types.FailoverUnitID) bool {
	_, quarantined := s.quarantined[id]
	return !quarantined && s.manager.shardOf(id) == s.index
}

func (s *shard) applyReport(ctx context.Context, r Report) (bool, error) {
	id := r.Info.FailoverUnitID
	log := logger.Get(ctx).With(zap.Stringer("failoverUnit", id), zap.Stringer("node", r.From))

	if _, quarantined := s.quarantined[id]; quarantined {
		log.Debug("Report for quarantined failover unit dropped")
		return false, nil
	}
	if s.manager.table.Contains(id) {
		log.Debug("Report for materialized failover unit dropped")
		return false, nil
	}

	added, err := s.manager.cache.Add(r.Info, r.From)
	if err != nil {
		return false, s.check(ctx, id, err)
	}
	if !added {
		log.Debug("Stale report dropped")
		return false, nil
	}
	return s.generate(ctx, id, false)
}

// generate returns true if decision has been deferred.
func (s *shard) generate(ctx context.Context, id types.FailoverUnitID, forceRecovery bool) (bool, error) {
	log := logger.Get(ctx).With(zap.Stringer("failoverUnit", id))

	fu, err := s.manager.cache.Generate(id, forceRecovery)
	if err != nil {
		return false, s.check(ctx, id, err)
	}
	if fu == nil {
		if !s.manager.cache.Contains(id) {
			return false, nil
		}
		log.Debug("Failover unit rebuild deferred")
		return true, nil
	}
	if err := s.materialize(fu); err != nil {
		return false, err
	}

	if forceRecovery {
		log.Warn("Failover unit recovered with data loss",
			zap.Stringer("epoch", fu.CurrentConfigurationEpoch))
	} else {
		log.Info("Failover unit generated", zap.Stringer("epoch", fu.CurrentConfigurationEpoch))
	}
	return false, nil
}

func (s *shard) materialize(fu *partition.FailoverUnit) error {
	if err := s.manager.cache.Remove(fu.ID); err != nil {
		return err
	}
	return s.manager.table.Insert(fu)
}

func (s *shard) retryRebuilds(ctx context.Context) (bool, error) {
	ids, err := s.manager.cache.IDs()
	if err != nil {
		return false, err
	}

	var pending bool
	for _, id := range ids {
		if !s.owns(id) {
			continue
		}
		if s.manager.cache.IsExpired(id) {
			logger.Get(ctx).Warn("In-build failover unit expired", zap.Stringer("failoverUnit", id))
			if err := s.manager.cache.Remove(id); err != nil {
				return false, err
			}
			continue
		}
		deferred, err := s.generate(ctx, id, false)
		if err != nil {
			return false, err
		}
		pending = pending || deferred
	}
	return pending, nil
}

func (s *shard) recover(ctx context.Context, id types.FailoverUnitID) error {
	if _, quarantined := s.quarantined[id]; quarantined {
		return errors.Wrapf(ErrQuarantined, "failover unit %s", id)
	}
	if s.manager.table.Contains(id) {
		return errors.Wrapf(partition.ErrExists, "failover unit %s", id)
	}

	fu, err := s.manager.cache.RecoverPartition(id)
	if err != nil {
		if errors.Is(err, partition.ErrNotFound) {
			return err
		}
		if err := s.check(ctx, id, err); err != nil {
			return err
		}
		return errors.Wrapf(ErrQuarantined, "failover unit %s", id)
	}
	if fu == nil {
		return nil
	}
	if err := s.materialize(fu); err != nil {
		return err
	}

	logger.Get(ctx).Warn("Failover unit recovered with data loss",
		zap.Stringer("failoverUnit", id), zap.Stringer("epoch", fu.CurrentConfigurationEpoch))
	return nil
}

func (s *shard) recoverAll(ctx context.Context) error {
	ids, err := s.manager.cache.IDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if !s.owns(id) {
			continue
		}
		if _, err := s.generate(ctx, id, true); err != nil {
			return err
		}
	}
	return nil
}

func (s *shard) applyMessage(ctx context.Context, msg wire.Message) error {
	id, from := msg.Address()
	if _, quarantined := s.quarantined[id]; quarantined {
		return nil
	}
	if !s.manager.table.Contains(id) {
		return s.applyInBuildMessage(ctx, msg)
	}

	tx, err := s.manager.table.Lock(id)
	if err != nil {
		return err
	}
	result, err := s.manager.processor.Apply(tx, msg)
	if err != nil {
		tx.Release()
		if errors.Is(err, partition.ErrInvariantViolation) {
			return s.check(ctx, id, err)
		}
		logger.Get(ctx).Warn("Message rejected", zap.Stringer("failoverUnit", id),
			zap.Stringer("node", from), zap.Error(err))
		return nil
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.send(ctx, result.Send...)
	if result.DeleteSaga != nil {
		s.startSaga(result.DeleteSaga)
	}
	return nil
}

func (s *shard) applyInBuildMessage(ctx context.Context, msg wire.Message) error {
	var body wire.ReplicaBody
	var isDeleted bool
	switch m := msg.(type) {
	case *wire.ReplicaDropped:
		code, err := s.manager.cache.OnReplicaDropped(m.FailoverUnitID, m.Replica, false)
		if err != nil {
			return s.check(ctx, m.FailoverUnitID, err)
		}
		s.send(ctx, processor.ReplicaDroppedReply(m, code))
		return nil
	case *wire.DropReplicaReply:
		body = m.ReplicaBody
	case *wire.DeleteReplicaReply:
		body, isDeleted = m.ReplicaBody, true
	case *wire.RemoveInstanceReply:
		body, isDeleted = m.ReplicaBody, true
	default:
		id, from := msg.Address()
		logger.Get(ctx).Debug("Message for unknown failover unit dropped",
			zap.Stringer("failoverUnit", id), zap.Stringer("node", from))
		return nil
	}

	if !body.ErrorCode.IsSuccess() {
		return nil
	}
	_, err := s.manager.cache.OnReplicaDropped(body.FailoverUnitID, body.Replica, isDeleted)
	return s.check(ctx, body.FailoverUnitID, err)
}

func (s *shard) applyNodeDown(ctx context.Context, instance types.NodeInstance) error {
	ids, err := s.manager.table.ByNode(instance.ID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if !s.owns(id) {
			continue
		}
		tx, err := s.manager.table.Lock(id)
		if err != nil {
			return err
		}
		fu := tx.Unit()
		if r := fu.Replica(instance.ID); r != nil && r.IsUp && r.Node.Instance <= instance.Instance {
			fu.OnReplicaDown(r, false)
			tx.EnableUpdate(false)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func (s *shard) applyServiceDeleted(ctx context.Context, serviceName string) error {
	log := logger.Get(ctx).With(zap.String("service", serviceName))

	ids, err := s.manager.cache.MarkToBeDeletedForService(serviceName, s.owns)
	if err != nil {
		return err
	}
	for _, id := range ids {
		log.Info("In-build failover unit marked to be deleted", zap.Stringer("failoverUnit", id))
	}

	ids, err = s.manager.table.ByService(serviceName)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if !s.owns(id) {
			continue
		}
		tx, err := s.manager.table.Lock(id)
		if err != nil {
			return err
		}
		fu := tx.Unit()
		fu.IsToBeDeleted = true
		tx.EnableUpdate(false)

		var sends []wire.Send
		for _, r := range fu.Replicas() {
			if r.IsDeleted {
				continue
			}
			body := wire.ReplicaBody{
				FailoverUnitID: fu.ID,
				Service:        fu.Service,
				Replica:        r.ReplicaDescription,
			}
			var msg any = &wire.DeleteReplica{ReplicaBody: body}
			if !fu.IsStateful() {
				msg = &wire.RemoveInstance{ReplicaBody: body}
			}
			sends = append(sends, wire.Send{Recipient: r.Node, Message: msg})
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		log.Info("Failover unit marked to be deleted", zap.Stringer("failoverUnit", id))
		s.send(ctx, sends...)
	}
	return nil
}

func (s *shard) startSaga(saga *processor.DeleteSaga) {
	s.sagas.Spawn("delete-service", parallel.Continue, func(ctx context.Context) error {
		log := logger.Get(ctx).With(zap.String("service", saga.ServiceName))
		if err := saga.Run(ctx, s.manager.catalog); err != nil {
			log.Error("Deleting service failed", zap.Error(err))
			return nil
		}
		log.Info("Service deleted")
		return s.manager.broadcast(ctx, serviceDeletedEvent{ServiceName: saga.ServiceName})
	})
}

func (s *shard) send(ctx context.Context, sends ...wire.Send) {
	for _, send := range sends {
		if err := s.manager.sender.Send(ctx, send); err != nil {
			logger.Get(ctx).Error("Sending message failed",
				zap.Stringer("node", send.Recipient), zap.Error(err))
		}
	}
}

// check quarantines the failover unit if error is caused by the invariant violation.
// Other errors are returned.
func (s *shard) check(ctx context.Context, id types.FailoverUnitID, err error) error {
	if err == nil {
		return nil
	}
	if !errors.Is(err, partition.ErrInvariantViolation) {
		return err
	}

	logger.Get(ctx).Error("Failover unit quarantined", zap.Stringer("failoverUnit", id), zap.Error(err))
	s.quarantined[id] = struct{}{}
	return nil
}
