package processor

import (
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/outofforest/failover/partition"
	"github.com/outofforest/failover/types"
	"github.com/outofforest/failover/wire"
)

// Result contains side effects of the applied message.
type Result struct {
	// Send contains messages to be sent to nodes.
	Send []wire.Send
	// DeleteSaga is set if service of the failover unit must be deleted.
	DeleteSaga *DeleteSaga
}

// New creates new message processor.
func New(env partition.Env, systemFailoverUnitID types.FailoverUnitID) *Processor {
	return &Processor{
		env:                  env,
		systemFailoverUnitID: systemFailoverUnitID,
	}
}

// Processor applies messages received from nodes to the materialized failover units.
type Processor struct {
	env                  partition.Env
	systemFailoverUnitID types.FailoverUnitID
}

// Apply applies the message to the failover unit locked by the transaction.
// Update is enabled on the transaction only if the unit has been modified.
func (p *Processor) Apply(tx *partition.Tx, msg wire.Message) (Result, error) {
	fu := tx.Unit()
	if id, _ := msg.Address(); id != fu.ID {
		return Result{}, errors.Errorf("message for failover unit %s applied to failover unit %s", id, fu.ID)
	}

	switch m := msg.(type) {
	case *wire.AddInstanceReply:
		return p.applyAddReply(tx, m.ReplicaBody, false), nil
	case *wire.AddPrimaryReply:
		return p.applyAddReply(tx, m.ReplicaBody, false), nil
	case *wire.AddReplicaReply:
		return p.applyAddReply(tx, m.ReplicaBody, true), nil
	case *wire.RemoveReplicaReply:
		p.applyRemoveReplicaReply(tx, m.ReplicaBody)
		return Result{}, nil
	case *wire.DropReplicaReply:
		p.applyReplicaDown(tx, m.ReplicaBody, false)
		return Result{}, nil
	case *wire.DeleteReplicaReply:
		p.applyReplicaDown(tx, m.ReplicaBody, true)
		return Result{}, nil
	case *wire.RemoveInstanceReply:
		p.applyReplicaDown(tx, m.ReplicaBody, true)
		return Result{}, nil
	case *wire.ReplicaDropped:
		return p.applyReplicaDropped(tx, m), nil
	case *wire.ReplicaEndpointUpdated:
		p.applyReplicaEndpointUpdated(tx, m.ReplicaBody)
		return Result{}, nil
	case *wire.ReconfigurationReply:
		return p.applyReconfigurationReply(tx, m.ConfigurationBody)
	case *wire.ChangeConfiguration:
		p.applyChangeConfiguration(tx, m.ConfigurationBody)
		return Result{}, nil
	case *wire.DatalossReport:
		return Result{}, p.applyDatalossReport(tx)
	default:
		return Result{}, errors.Errorf("unexpected message type %T", m)
	}
}

// ReplicaDroppedReply returns the acknowledgment of ReplicaDropped message.
func ReplicaDroppedReply(msg *wire.ReplicaDropped, code types.ErrorCode) wire.Send {
	body := msg.ReplicaBody
	body.ErrorCode = code
	return wire.Send{
		Recipient: msg.From,
		Message:   &wire.ReplicaDroppedReply{ReplicaBody: body},
	}
}

func (p *Processor) applyAddReply(tx *partition.Tx, body wire.ReplicaBody, requiresPrimary bool) Result {
	fu := tx.Unit()
	r := fu.Replica(body.Replica.Node.ID)
	if r == nil || r.InstanceID != body.Replica.InstanceID || !r.IsInBuild() || !r.IsUp {
		return Result{}
	}
	if requiresPrimary && !fu.IsReconfigurationPrimaryAvailable() {
		return Result{}
	}

	switch body.ErrorCode {
	case types.ErrorCodeSuccess:
		r.State = types.ReplicaStateReady
		r.ServiceEndpoint = body.Replica.ServiceEndpoint
		r.ReplicationEndpoint = body.Replica.ReplicationEndpoint
		r.PackageVersionInstance = body.Replica.PackageVersionInstance
		tx.EnableUpdate(false)
	case types.ErrorCodeApplicationInstanceDeleted:
		return Result{DeleteSaga: newDeleteSaga(fu.Service)}
	}
	return Result{}
}

func (p *Processor) applyRemoveReplicaReply(tx *partition.Tx, body wire.ReplicaBody) {
	r := tx.Unit().Replica(body.Replica.Node.ID)
	if r == nil || r.InstanceID != body.Replica.InstanceID || !r.IsPendingRemove {
		return
	}
	r.IsPendingRemove = false
	tx.EnableUpdate(false)
}

func (p *Processor) applyReplicaDown(tx *partition.Tx, body wire.ReplicaBody, isDeleted bool) {
	if !body.ErrorCode.IsSuccess() {
		return
	}

	fu := tx.Unit()
	r := fu.Replica(body.Replica.Node.ID)
	if r == nil || r.InstanceID > body.Replica.InstanceID {
		return
	}

	fu.OnReplicaDown(r, true)
	r.IsToBeDroppedByFM = false
	if isDeleted {
		r.IsDeleted = true
	}
	tx.EnableUpdate(false)
}

func (p *Processor) applyReplicaDropped(tx *partition.Tx, msg *wire.ReplicaDropped) Result {
	fu := tx.Unit()
	r := fu.Replica(msg.Replica.Node.ID)

	code := types.ErrorCodeSuccess
	switch {
	case r == nil:
	case r.InstanceID > msg.Replica.InstanceID:
		code = types.ErrorCodeStaleRequest
	case !r.IsDropped() || r.IsUp:
		fu.OnReplicaDown(r, true)
		tx.EnableUpdate(false)
	}

	return Result{Send: []wire.Send{ReplicaDroppedReply(msg, code)}}
}

func (p *Processor) applyReplicaEndpointUpdated(tx *partition.Tx, body wire.ReplicaBody) {
	fu := tx.Unit()
	if !fu.IsChangingConfiguration() {
		return
	}

	r := fu.Replica(body.Replica.Node.ID)
	if r == nil || r.InstanceID != body.Replica.InstanceID {
		return
	}

	r.ServiceEndpoint = body.Replica.ServiceEndpoint
	r.ReplicationEndpoint = body.Replica.ReplicationEndpoint
	r.IsEndpointAvailable = true
	tx.EnableUpdate(false)
}

func (p *Processor) applyReconfigurationReply(tx *partition.Tx, body wire.ConfigurationBody) (Result, error) {
	fu := tx.Unit()
	if !body.ErrorCode.IsSuccess() || !fu.IsInReconfiguration() {
		return Result{}, nil
	}
	if primary := fu.ReconfigurationPrimary(); primary == nil || primary.Node != body.From {
		return Result{}, nil
	}

	reported := lo.SliceToMap(body.Replicas, func(d types.ReplicaDescription) (types.NodeID, types.ReplicaDescription) {
		return d.Node.ID, d
	})

	var result Result
	for _, r := range fu.Replicas() {
		if !r.IsInCurrentConfiguration() {
			continue
		}

		d, exists := reported[r.Node.ID]
		if !exists {
			if r.CurrentConfigurationRole != types.RoleSecondary {
				continue
			}
			if !fu.HasPersistedState() {
				r.CurrentConfigurationRole = types.RoleNone
				continue
			}
			r.CurrentConfigurationRole = types.RoleIdle
			r.IsToBeDroppedByFM = true
			result.Send = append(result.Send, wire.Send{
				Recipient: r.Node,
				Message: &wire.DropReplica{ReplicaBody: wire.ReplicaBody{
					FailoverUnitID: fu.ID,
					Service:        fu.Service,
					Replica:        r.ReplicaDescription,
				}},
			})
			continue
		}

		r.CurrentConfigurationRole = d.CurrentConfigurationRole
		r.State = d.State
		r.ServiceEndpoint = d.ServiceEndpoint
		r.ReplicationEndpoint = d.ReplicationEndpoint
	}

	if err := fu.CompleteReconfiguration(); err != nil {
		return Result{}, err
	}
	tx.EnableUpdate(false)
	return result, nil
}

func (p *Processor) applyChangeConfiguration(tx *partition.Tx, body wire.ConfigurationBody) {
	fu := tx.Unit()
	if !fu.IsInReconfiguration() {
		return
	}

	for _, d := range body.Replicas {
		if r := fu.Replica(d.Node.ID); r != nil && r.InstanceID == d.InstanceID {
			r.LastAcknowledgedLSN = d.LastAcknowledgedLSN
			r.FirstAcknowledgedLSN = d.FirstAcknowledgedLSN
		}
	}

	var up []*partition.Replica
	var bestDown *partition.Replica
	for _, r := range fu.Replicas() {
		if !r.IsInConfiguration() || r.IsDropped() {
			continue
		}
		if r.IsUp {
			up = append(up, r)
			continue
		}
		if bestDown == nil || r.LastAcknowledgedLSN > bestDown.LastAcknowledgedLSN {
			bestDown = r
		}
	}

	newPrimary := p.env.Elector.SelectPrimary(fu, up)
	if bestDown != nil && (newPrimary == nil || bestDown.LastAcknowledgedLSN > newPrimary.LastAcknowledgedLSN) {
		newPrimary = bestDown
	}
	if newPrimary == nil {
		return
	}

	if newPrimary != fu.Primary() {
		fu.ChangePrimary(newPrimary)
	}
	fu.UpdateEpochForConfigurationChange(true, false)
	tx.EnableUpdate(false)
}

func (p *Processor) applyDatalossReport(tx *partition.Tx) error {
	fu := tx.Unit()
	if !fu.IsInReconfiguration() {
		return nil
	}

	if fu.ID == p.systemFailoverUnitID {
		if err := fu.RemoveAllReplicas(p.systemFailoverUnitID); err != nil {
			return err
		}
	}
	fu.UpdateEpochForDataLoss(p.env.TimeSource.Now(), p.env.TestMode)
	tx.EnableUpdate(false)
	return nil
}
