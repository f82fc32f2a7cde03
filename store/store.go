package store

import (
	"bufio"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/outofforest/failover/store/codec"
)

const lockFile = "lock"

// ErrVersionMismatch is returned if the stored version of the record differs from the expected one.
var ErrVersionMismatch = errors.New("version mismatch")

type record struct {
	version uint64
	id      uint64
	data    []byte
}

// New creates in-memory store.
func New(m codec.Marshaller) *Store {
	return &Store{
		m:       m,
		records: map[uuid.UUID]record{},
	}
}

// Open opens the store persisted in the directory. On every open all the log files are replayed
// and the live records are rewritten into a new file.
func Open(dir string, m codec.Marshaller) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.WithStack(err)
	}

	lf, err := os.OpenFile(filepath.Join(dir, lockFile), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = lf.Close()
		return nil, errors.Wrapf(err, "locking store directory %s", dir)
	}

	s, err := open(dir, lf, m)
	if err != nil {
		_ = lf.Close()
		return nil, err
	}
	return s, nil
}

func open(dir string, lf *os.File, m codec.Marshaller) (*Store, error) {
	fileIndexes, err := findFiles(dir)
	if err != nil {
		return nil, err
	}

	s := New(m)
	s.dir = dir
	s.lf = lf

	var fileIndex uint64
	for _, fi := range fileIndexes {
		if err := s.replay(fi); err != nil {
			return nil, err
		}
		fileIndex = fi + 1
	}

	f, err := os.OpenFile(filepath.Join(dir, strconv.FormatUint(fileIndex, 10)),
		os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_SYNC, 0o600)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	s.f = f
	s.encoder = codec.NewEncoder(0, f, entryMarshaller{})

	for key, r := range s.records {
		if err := s.encoder.Encode(&putEntry{
			Key:      key,
			Version:  r.version,
			RecordID: r.id,
			Data:     r.data,
		}); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	for _, fi := range fileIndexes {
		if err := os.Remove(filepath.Join(dir, strconv.FormatUint(fi, 10))); err != nil {
			_ = f.Close()
			return nil, errors.WithStack(err)
		}
	}

	return s, nil
}

// Store stores versioned records.
type Store struct {
	m codec.Marshaller

	mu      sync.Mutex
	records map[uuid.UUID]record

	dir     string
	lf      *os.File
	f       *os.File
	encoder *codec.Encoder
}

// Get returns the record and its version.
func (s *Store) Get(key uuid.UUID) (any, uint64, error) {
	s.mu.Lock()
	r, exists := s.records[key]
	s.mu.Unlock()

	if !exists {
		return nil, 0, nil
	}
	v, _, err := s.m.Unmarshal(r.id, r.data)
	if err != nil {
		return nil, 0, err
	}
	return v, r.version, nil
}

// Put stores the record if its current version matches the expected one. Expected version 0 means
// the record must not exist. The new version is returned.
func (s *Store) Put(key uuid.UUID, v any, expectedVersion uint64) (uint64, error) {
	id, err := s.m.ID(v)
	if err != nil {
		return 0, err
	}
	size, err := s.m.Size(v)
	if err != nil {
		return 0, err
	}
	data := make([]byte, size)
	if _, _, err := s.m.Marshal(v, data); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r := s.records[key]; r.version != expectedVersion {
		return 0, errors.Wrapf(ErrVersionMismatch, "record %s: expected %d, got %d", key, expectedVersion, r.version)
	}

	r := record{
		version: expectedVersion + 1,
		id:      id,
		data:    data,
	}
	if s.encoder != nil {
		if err := s.encoder.Encode(&putEntry{
			Key:      key,
			Version:  r.version,
			RecordID: r.id,
			Data:     r.data,
		}); err != nil {
			return 0, err
		}
	}
	s.records[key] = r
	return r.version, nil
}

// Delete deletes the record if its current version matches the expected one.
func (s *Store) Delete(key uuid.UUID, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.records[key]
	if !exists || r.version != expectedVersion {
		return errors.Wrapf(ErrVersionMismatch, "record %s: expected %d, got %d", key, expectedVersion, r.version)
	}

	if s.encoder != nil {
		if err := s.encoder.Encode(&deleteEntry{
			Key:     key,
			Version: r.version,
		}); err != nil {
			return err
		}
	}
	delete(s.records, key)
	return nil
}

// ForEach calls the function for every stored record.
func (s *Store) ForEach(fn func(key uuid.UUID, v any, version uint64) error) error {
	s.mu.Lock()
	records := make(map[uuid.UUID]record, len(s.records))
	for k, r := range s.records {
		records[k] = r
	}
	s.mu.Unlock()

	for key, r := range records {
		v, _, err := s.m.Unmarshal(r.id, r.data)
		if err != nil {
			return errors.Wrapf(err, "decoding record %s", key)
		}
		if err := fn(key, v, r.version); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the store.
func (s *Store) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	if err2 := s.lf.Close(); err == nil {
		err = err2
	}
	return errors.WithStack(err)
}

func (s *Store) replay(fileIndex uint64) error {
	f, err := os.Open(filepath.Join(s.dir, strconv.FormatUint(fileIndex, 10)))
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	decoder := codec.NewDecoder(bufio.NewReader(f), entryMarshaller{})
	for {
		_, _, entry, err := decoder.Decode()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return nil
		default:
			return err
		}

		switch e := entry.(type) {
		case *putEntry:
			s.records[e.Key] = record{
				version: e.Version,
				id:      e.RecordID,
				data:    e.Data,
			}
		case *deleteEntry:
			delete(s.records, e.Key)
		}
	}
}

func findFiles(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var fileIndexes []uint64
	for _, d := range entries {
		if d.Name() == lockFile {
			continue
		}
		if d.IsDir() {
			return nil, errors.Errorf("unexpected directory: %s", filepath.Join(dir, d.Name()))
		}
		if d.Type()&fs.ModeType != 0 {
			return nil, errors.Errorf("unexpected file: %s", filepath.Join(dir, d.Name()))
		}
		fi, err := strconv.ParseUint(d.Name(), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid file name: %s", filepath.Join(dir, d.Name()))
		}
		fileIndexes = append(fileIndexes, fi)
	}
	slices.Sort(fileIndexes)
	return fileIndexes, nil
}
