package codec

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/varuint64"
)

type number uint64

type numberMarshaller struct{}

func (m numberMarshaller) ID(v any) (uint64, error) {
	if _, ok := v.(number); !ok {
		return 0, errors.Errorf("unknown type %T", v)
	}
	return 1, nil
}

func (m numberMarshaller) Size(v any) (uint64, error) {
	return varuint64.Size(uint64(v.(number))), nil
}

func (m numberMarshaller) Marshal(v any, buf []byte) (uint64, uint64, error) {
	return 1, varuint64.Put(buf, uint64(v.(number))), nil
}

func (m numberMarshaller) Unmarshal(id uint64, buf []byte) (any, uint64, error) {
	v, n := varuint64.Parse(buf)
	return number(v), n, nil
}

func TestEncoderDecoder(t *testing.T) {
	requireT := require.New(t)

	buf := bytes.NewBuffer(nil)
	m := numberMarshaller{}

	e := NewEncoder(0, buf, m)
	requireT.NoError(e.Encode(number(1)))
	requireT.NoError(e.Encode(number(2)))
	requireT.NoError(e.Encode(number(2)))

	d := NewDecoder(buf, m)

	n, checksum1, v, err := d.Decode()
	requireT.NoError(err)
	requireT.Equal(number(1), v)
	requireT.EqualValues(11, n)

	n, checksum2, v, err := d.Decode()
	requireT.NoError(err)
	requireT.Equal(number(2), v)
	requireT.EqualValues(22, n)
	requireT.NotEqual(checksum1, checksum2)

	n, checksum3, v, err := d.Decode()
	requireT.NoError(err)
	requireT.Equal(number(2), v)
	requireT.EqualValues(33, n)
	requireT.NotEqual(checksum2, checksum3)

	n, _, v, err = d.Decode()
	requireT.ErrorIs(err, io.EOF)
	requireT.Nil(v)
	requireT.Zero(n)
}

func TestInvalidChecksum(t *testing.T) {
	requireT := require.New(t)

	buf := bytes.NewBuffer(nil)
	m := numberMarshaller{}

	e := NewEncoder(0, buf, m)
	requireT.NoError(e.Encode(number(1)))
	requireT.NoError(e.Encode(number(2)))

	b := buf.Bytes()
	b[len(b)-1]++

	d := NewDecoder(bytes.NewReader(b), m)

	n, _, v, err := d.Decode()
	requireT.NoError(err)
	requireT.Equal(number(1), v)
	requireT.EqualValues(11, n)

	n, _, v, err = d.Decode()
	requireT.ErrorIs(err, io.EOF)
	requireT.Nil(v)
	requireT.Zero(n)
}

func TestChecksumChainContinues(t *testing.T) {
	requireT := require.New(t)

	buf := bytes.NewBuffer(nil)
	m := numberMarshaller{}

	e := NewEncoder(0, buf, m)
	requireT.NoError(e.Encode(number(1)))

	d := NewDecoder(bytes.NewReader(bytes.Clone(buf.Bytes())), m)
	_, checksum, _, err := d.Decode()
	requireT.NoError(err)

	e = NewEncoder(checksum, buf, m)
	requireT.NoError(e.Encode(number(5)))

	d = NewDecoder(buf, m)
	_, _, v, err := d.Decode()
	requireT.NoError(err)
	requireT.Equal(number(1), v)
	_, _, v, err = d.Decode()
	requireT.NoError(err)
	requireT.Equal(number(5), v)
}

func TestTruncatedEntry(t *testing.T) {
	requireT := require.New(t)

	buf := bytes.NewBuffer(nil)
	m := numberMarshaller{}

	e := NewEncoder(0, buf, m)
	requireT.NoError(e.Encode(number(1)))
	requireT.NoError(e.Encode(number(2)))

	b := buf.Bytes()
	d := NewDecoder(bytes.NewReader(b[:len(b)-3]), m)

	_, _, v, err := d.Decode()
	requireT.NoError(err)
	requireT.Equal(number(1), v)

	_, _, _, err = d.Decode()
	requireT.ErrorIs(err, io.EOF)
}
