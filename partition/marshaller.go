package partition

import (
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/failover/types"
	"github.com/outofforest/varuint64"
)

const failoverUnitID uint64 = 1

// NewMarshaller creates marshaller of failover unit records.
func NewMarshaller() Marshaller {
	return Marshaller{}
}

// Marshaller converts failover units to bytes and back.
type Marshaller struct{}

// ID returns the id of the record type.
func (m Marshaller) ID(v any) (uint64, error) {
	if _, ok := v.(*FailoverUnit); ok {
		return failoverUnitID, nil
	}
	return 0, errors.Errorf("unknown type %T", v)
}

// Size returns the number of bytes required to marshal the record.
func (m Marshaller) Size(v any) (uint64, error) {
	fu, ok := v.(*FailoverUnit)
	if !ok {
		return 0, errors.Errorf("unknown type %T", v)
	}
	w := &recordWriter{}
	w.failoverUnit(fu)
	return w.n, nil
}

// Marshal marshals the record into the buffer.
func (m Marshaller) Marshal(v any, buf []byte) (retID, retSize uint64, retErr error) {
	defer func() {
		if res := recover(); res != nil {
			retErr = errors.Errorf("marshaling failed: %s", res)
		}
	}()

	fu, ok := v.(*FailoverUnit)
	if !ok {
		return 0, 0, errors.Errorf("unknown type %T", v)
	}
	w := &recordWriter{buf: buf}
	w.failoverUnit(fu)
	return failoverUnitID, w.n, nil
}

// Unmarshal unmarshals the record from the buffer.
func (m Marshaller) Unmarshal(id uint64, buf []byte) (any, uint64, error) {
	if id != failoverUnitID {
		return nil, 0, errors.Errorf("unknown ID %d", id)
	}
	r := &recordReader{buf: buf}
	fu := r.failoverUnit()
	if r.err != nil {
		return nil, 0, r.err
	}
	return fu, r.n, nil
}

type recordWriter struct {
	buf []byte
	n   uint64
}

func (w *recordWriter) uint(v uint64) {
	if w.buf != nil {
		varuint64.Put(w.buf[w.n:], v)
	}
	w.n += varuint64.Size(v)
}

func (w *recordWriter) int(v int64) {
	w.uint(uint64(v<<1) ^ uint64(v>>63))
}

func (w *recordWriter) bool(v bool) {
	if v {
		w.uint(1)
		return
	}
	w.uint(0)
}

func (w *recordWriter) bytes(v []byte) {
	if w.buf != nil {
		copy(w.buf[w.n:], v)
	}
	w.n += uint64(len(v))
}

func (w *recordWriter) string(v string) {
	w.uint(uint64(len(v)))
	w.bytes([]byte(v))
}

func (w *recordWriter) epoch(e types.Epoch) {
	w.int(e.DataLossVersion)
	w.int(e.ConfigurationVersion)
}

func (w *recordWriter) failoverUnit(fu *FailoverUnit) {
	w.bytes(fu.ID[:])

	w.string(fu.Service.Name)
	w.string(fu.Service.ApplicationID)
	w.uint(fu.Service.ApplicationInstance)
	w.bool(fu.Service.IsStateful)
	w.bool(fu.Service.HasPersistedState)
	w.uint(uint64(fu.Service.TargetReplicaSetSize))
	w.uint(uint64(fu.Service.MinReplicaSetSize))
	w.uint(fu.Service.UpdateVersion)
	w.uint(fu.Service.ServiceInstance)

	w.epoch(fu.CurrentConfigurationEpoch)
	w.epoch(fu.PreviousConfigurationEpoch)
	w.bool(fu.IsSwappingPrimary)
	w.bool(fu.NoData)
	w.bool(fu.IsToBeDeleted)
	if fu.QuorumLossTime.IsZero() {
		w.int(0)
	} else {
		w.int(fu.QuorumLossTime.UnixNano())
	}

	w.uint(uint64(len(fu.replicas)))
	for _, r := range fu.replicas {
		w.bytes(r.Node.ID[:])
		w.uint(r.Node.Instance)
		w.int(r.ReplicaID)
		w.int(r.InstanceID)
		w.uint(uint64(r.CurrentConfigurationRole))
		w.uint(uint64(r.PreviousConfigurationRole))
		w.uint(uint64(r.State))
		w.bool(r.IsUp)
		w.int(r.LastAcknowledgedLSN)
		w.int(r.FirstAcknowledgedLSN)
		w.string(r.ServiceEndpoint)
		w.string(r.ReplicationEndpoint)
		w.string(r.PackageVersionInstance.Version)
		w.uint(r.PackageVersionInstance.Instance)
		w.bool(r.IsPendingRemove)
		w.bool(r.IsToBeDroppedByFM)
		w.bool(r.IsEndpointAvailable)
		w.bool(r.IsDeleted)
	}
}

type recordReader struct {
	buf []byte
	n   uint64
	err error
}

func (r *recordReader) uint() uint64 {
	if r.err != nil {
		return 0
	}
	if !varuint64.Contains(r.buf[r.n:]) {
		r.err = errors.WithStack(io.ErrUnexpectedEOF)
		return 0
	}
	v, n := varuint64.Parse(r.buf[r.n:])
	r.n += n
	return v
}

func (r *recordReader) int() int64 {
	v := r.uint()
	return int64(v>>1) ^ -int64(v&1)
}

func (r *recordReader) bool() bool {
	return r.uint() != 0
}

func (r *recordReader) bytes(dst []byte) {
	if r.err != nil {
		return
	}
	if uint64(len(r.buf))-r.n < uint64(len(dst)) {
		r.err = errors.WithStack(io.ErrUnexpectedEOF)
		return
	}
	r.n += uint64(copy(dst, r.buf[r.n:]))
}

func (r *recordReader) string() string {
	size := r.uint()
	if r.err != nil {
		return ""
	}
	if uint64(len(r.buf))-r.n < size {
		r.err = errors.WithStack(io.ErrUnexpectedEOF)
		return ""
	}
	v := string(r.buf[r.n : r.n+size])
	r.n += size
	return v
}

func (r *recordReader) epoch() types.Epoch {
	return types.Epoch{
		DataLossVersion:      r.int(),
		ConfigurationVersion: r.int(),
	}
}

func (r *recordReader) failoverUnit() *FailoverUnit {
	var id types.FailoverUnitID
	r.bytes(id[:])

	fu := NewFailoverUnit(id, types.ServiceDescription{
		Name:                 r.string(),
		ApplicationID:        r.string(),
		ApplicationInstance:  r.uint(),
		IsStateful:           r.bool(),
		HasPersistedState:    r.bool(),
		TargetReplicaSetSize: int(r.uint()),
		MinReplicaSetSize:    int(r.uint()),
		UpdateVersion:        r.uint(),
		ServiceInstance:      r.uint(),
	})
	fu.CurrentConfigurationEpoch = r.epoch()
	fu.PreviousConfigurationEpoch = r.epoch()
	fu.IsSwappingPrimary = r.bool()
	fu.NoData = r.bool()
	fu.IsToBeDeleted = r.bool()
	if quorumLossTime := r.int(); quorumLossTime != 0 {
		fu.QuorumLossTime = time.Unix(0, quorumLossTime)
	}

	count := r.uint()
	for range count {
		if r.err != nil {
			return nil
		}

		var desc types.ReplicaDescription
		r.bytes(desc.Node.ID[:])
		desc.Node.Instance = r.uint()
		desc.ReplicaID = r.int()
		desc.InstanceID = r.int()
		desc.CurrentConfigurationRole = types.Role(r.uint())
		desc.PreviousConfigurationRole = types.Role(r.uint())
		desc.State = types.ReplicaState(r.uint())
		desc.IsUp = r.bool()
		desc.LastAcknowledgedLSN = r.int()
		desc.FirstAcknowledgedLSN = r.int()
		desc.ServiceEndpoint = r.string()
		desc.ReplicationEndpoint = r.string()
		desc.PackageVersionInstance.Version = r.string()
		desc.PackageVersionInstance.Instance = r.uint()

		replica, err := fu.AddReplica(desc)
		if err != nil {
			r.err = err
			return nil
		}
		replica.IsPendingRemove = r.bool()
		replica.IsToBeDroppedByFM = r.bool()
		replica.IsEndpointAvailable = r.bool()
		replica.IsDeleted = r.bool()
	}

	if r.err != nil {
		return nil
	}
	return fu
}
