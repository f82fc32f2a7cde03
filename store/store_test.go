package store

import (
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type textMarshaller struct{}

func (m textMarshaller) ID(v any) (uint64, error) {
	if _, ok := v.(string); !ok {
		return 0, errors.Errorf("unknown type %T", v)
	}
	return 7, nil
}

func (m textMarshaller) Size(v any) (uint64, error) {
	return uint64(len(v.(string))), nil
}

func (m textMarshaller) Marshal(v any, buf []byte) (uint64, uint64, error) {
	return 7, uint64(copy(buf, v.(string))), nil
}

func (m textMarshaller) Unmarshal(id uint64, buf []byte) (any, uint64, error) {
	if id != 7 {
		return nil, 0, errors.Errorf("unknown ID %d", id)
	}
	return string(buf), uint64(len(buf)), nil
}

func TestPutGet(t *testing.T) {
	requireT := require.New(t)

	s := New(textMarshaller{})
	key := uuid.New()

	v, version, err := s.Get(key)
	requireT.NoError(err)
	requireT.Nil(v)
	requireT.Zero(version)

	version, err = s.Put(key, "alpha", 0)
	requireT.NoError(err)
	requireT.EqualValues(1, version)

	version, err = s.Put(key, "beta", 1)
	requireT.NoError(err)
	requireT.EqualValues(2, version)

	v, version, err = s.Get(key)
	requireT.NoError(err)
	requireT.Equal("beta", v)
	requireT.EqualValues(2, version)
}

func TestVersionMismatch(t *testing.T) {
	requireT := require.New(t)

	s := New(textMarshaller{})
	key := uuid.New()

	_, err := s.Put(key, "alpha", 0)
	requireT.NoError(err)

	_, err = s.Put(key, "beta", 0)
	requireT.ErrorIs(err, ErrVersionMismatch)

	_, err = s.Put(key, "beta", 2)
	requireT.ErrorIs(err, ErrVersionMismatch)

	requireT.ErrorIs(s.Delete(key, 3), ErrVersionMismatch)
	requireT.ErrorIs(s.Delete(uuid.New(), 0), ErrVersionMismatch)

	v, _, err := s.Get(key)
	requireT.NoError(err)
	requireT.Equal("alpha", v)
}

func TestDelete(t *testing.T) {
	requireT := require.New(t)

	s := New(textMarshaller{})
	key := uuid.New()

	_, err := s.Put(key, "alpha", 0)
	requireT.NoError(err)
	requireT.NoError(s.Delete(key, 1))

	v, version, err := s.Get(key)
	requireT.NoError(err)
	requireT.Nil(v)
	requireT.Zero(version)

	version, err = s.Put(key, "beta", 0)
	requireT.NoError(err)
	requireT.EqualValues(1, version)
}

func TestReopen(t *testing.T) {
	requireT := require.New(t)

	dir := t.TempDir()
	key1 := uuid.New()
	key2 := uuid.New()
	key3 := uuid.New()

	s, err := Open(dir, textMarshaller{})
	requireT.NoError(err)

	_, err = s.Put(key1, "alpha", 0)
	requireT.NoError(err)
	_, err = s.Put(key1, "beta", 1)
	requireT.NoError(err)
	_, err = s.Put(key2, "gamma", 0)
	requireT.NoError(err)
	_, err = s.Put(key3, "delta", 0)
	requireT.NoError(err)
	requireT.NoError(s.Delete(key3, 1))
	requireT.NoError(s.Close())

	for range 2 {
		s, err = Open(dir, textMarshaller{})
		requireT.NoError(err)

		records := map[uuid.UUID]string{}
		versions := map[uuid.UUID]uint64{}
		requireT.NoError(s.ForEach(func(key uuid.UUID, v any, version uint64) error {
			records[key] = v.(string)
			versions[key] = version
			return nil
		}))
		requireT.Equal(map[uuid.UUID]string{
			key1: "beta",
			key2: "gamma",
		}, records)
		requireT.Equal(map[uuid.UUID]uint64{
			key1: 2,
			key2: 1,
		}, versions)
		requireT.NoError(s.Close())
	}
}

func TestDirectoryIsLocked(t *testing.T) {
	requireT := require.New(t)

	dir := t.TempDir()

	s, err := Open(dir, textMarshaller{})
	requireT.NoError(err)

	_, err = Open(dir, textMarshaller{})
	requireT.Error(err)

	requireT.NoError(s.Close())

	s, err = Open(dir, textMarshaller{})
	requireT.NoError(err)
	requireT.NoError(s.Close())
}
