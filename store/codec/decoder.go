package codec

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"

	"github.com/outofforest/varuint64"
)

// NewDecoder creates new decoder.
func NewDecoder(r io.Reader, m Marshaller) *Decoder {
	return &Decoder{
		r:   r,
		m:   m,
		buf: make([]byte, varuint64.MaxSize),
	}
}

// Decoder reads entries from the input stream.
type Decoder struct {
	r io.Reader
	m Marshaller

	buf          []byte
	checksumSeed uint64
	count        uint64
}

// Decode decodes single entry. It returns the number of bytes of the stream consumed so far
// and the checksum of the entry to be used as a seed by the encoder appending next entries.
// Entry with invalid checksum is treated as the end of the stream.
func (d *Decoder) Decode() (uint64, uint64, any, error) {
	var sizeReceived uint64
	for !varuint64.Contains(d.buf[:sizeReceived]) {
		if sizeReceived == varuint64.MaxSize {
			return 0, 0, nil, errors.WithStack(io.EOF)
		}
		n, err := d.r.Read(d.buf[sizeReceived : sizeReceived+1])
		if err != nil {
			return 0, 0, nil, errors.WithStack(err)
		}
		sizeReceived += uint64(n)
	}

	size, n := varuint64.Parse(d.buf[:sizeReceived])
	if size < checksumSize {
		return 0, 0, nil, errors.WithStack(io.EOF)
	}
	if uint64(len(d.buf)) < size+n {
		buf := make([]byte, size+n)
		copy(buf, d.buf[:n])
		d.buf = buf
	}

	if _, err := io.ReadFull(d.r, d.buf[n:n+size]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, 0, nil, errors.WithStack(io.EOF)
		}
		return 0, 0, nil, errors.WithStack(err)
	}

	checksum := xxh3.HashSeed(d.buf[:n+size-checksumSize], d.checksumSeed)
	expectedChecksum := binary.LittleEndian.Uint64(d.buf[n+size-checksumSize:])

	if checksum != expectedChecksum {
		return 0, 0, nil, errors.WithStack(io.EOF)
	}

	d.checksumSeed = checksum

	id, n2 := varuint64.Parse(d.buf[n:])
	v, _, err := d.m.Unmarshal(id, d.buf[n+n2:n+size-checksumSize])
	if err != nil {
		return 0, 0, nil, err
	}
	d.count += n + size

	return d.count, checksum, v, nil
}
