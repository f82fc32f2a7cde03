package store

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/outofforest/varuint64"
)

const (
	putEntryID    uint64 = 1
	deleteEntryID uint64 = 2
)

type putEntry struct {
	Key      uuid.UUID
	Version  uint64
	RecordID uint64
	Data     []byte
}

type deleteEntry struct {
	Key     uuid.UUID
	Version uint64
}

type entryMarshaller struct{}

func (m entryMarshaller) ID(v any) (uint64, error) {
	switch v.(type) {
	case *putEntry:
		return putEntryID, nil
	case *deleteEntry:
		return deleteEntryID, nil
	default:
		return 0, errors.Errorf("unknown type %T", v)
	}
}

func (m entryMarshaller) Size(v any) (uint64, error) {
	switch e := v.(type) {
	case *putEntry:
		return uint64(len(e.Key)) + varuint64.Size(e.Version) + varuint64.Size(e.RecordID) + uint64(len(e.Data)), nil
	case *deleteEntry:
		return uint64(len(e.Key)) + varuint64.Size(e.Version), nil
	default:
		return 0, errors.Errorf("unknown type %T", v)
	}
}

func (m entryMarshaller) Marshal(v any, buf []byte) (uint64, uint64, error) {
	switch e := v.(type) {
	case *putEntry:
		n := uint64(copy(buf, e.Key[:]))
		n += varuint64.Put(buf[n:], e.Version)
		n += varuint64.Put(buf[n:], e.RecordID)
		n += uint64(copy(buf[n:], e.Data))
		return putEntryID, n, nil
	case *deleteEntry:
		n := uint64(copy(buf, e.Key[:]))
		n += varuint64.Put(buf[n:], e.Version)
		return deleteEntryID, n, nil
	default:
		return 0, 0, errors.Errorf("unknown type %T", v)
	}
}

func (m entryMarshaller) Unmarshal(id uint64, buf []byte) (any, uint64, error) {
	var key uuid.UUID
	if len(buf) < len(key) {
		return nil, 0, errors.New("entry too short")
	}
	n := uint64(copy(key[:], buf))
	if !varuint64.Contains(buf[n:]) {
		return nil, 0, errors.New("invalid version")
	}
	version, n2 := varuint64.Parse(buf[n:])
	n += n2

	switch id {
	case putEntryID:
		if !varuint64.Contains(buf[n:]) {
			return nil, 0, errors.New("invalid record id")
		}
		recordID, n3 := varuint64.Parse(buf[n:])
		n += n3
		data := make([]byte, uint64(len(buf))-n)
		n += uint64(copy(data, buf[n:]))
		return &putEntry{
			Key:      key,
			Version:  version,
			RecordID: recordID,
			Data:     data,
		}, n, nil
	case deleteEntryID:
		return &deleteEntry{
			Key:     key,
			Version: version,
		}, n, nil
	default:
		return nil, 0, errors.Errorf("unknown ID %d", id)
	}
}
