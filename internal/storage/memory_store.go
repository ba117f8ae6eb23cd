package storage

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
)

type memKey struct {
	uploadID string
	index    int
}

// MemoryStore is a non-durable ChunkStore for tests. FailOpen, FailSave and
// FailDeleteAll inject storage faults.
type MemoryStore struct {
	mu    sync.RWMutex
	parts map[memKey][]byte

	FailSave func(uploadID string, index int) error
	FailOpen func(uploadID string, index int) error

	FailDeleteAll func(uploadID string) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{parts: make(map[memKey][]byte)}
}

func (m *MemoryStore) Save(ctx context.Context, uploadID string, index int, body io.Reader) (int64, error) {
	if err := validateKey(uploadID, index); err != nil {
		return 0, err
	}
	if m.FailSave != nil {
		if err := m.FailSave(uploadID, index); err != nil {
			return 0, err
		}
	}

	data, err := io.ReadAll(readerWithContext(ctx, body))
	if err != nil {
		return int64(len(data)), errors.Wrapf(err, "failed to read chunk %d of %s", index, uploadID)
	}

	m.mu.Lock()
	m.parts[memKey{uploadID, index}] = data
	m.mu.Unlock()
	return int64(len(data)), nil
}

func (m *MemoryStore) Open(ctx context.Context, uploadID string, index int) (io.ReadCloser, error) {
	if err := validateKey(uploadID, index); err != nil {
		return nil, err
	}
	if m.FailOpen != nil {
		if err := m.FailOpen(uploadID, index); err != nil {
			return nil, err
		}
	}

	m.mu.RLock()
	data, ok := m.parts[memKey{uploadID, index}]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "chunk %d of %s", index, uploadID)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryStore) Delete(ctx context.Context, uploadID string, index int) error {
	if err := validateKey(uploadID, index); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey{uploadID, index}
	if _, ok := m.parts[k]; !ok {
		return errors.Wrapf(ErrNotFound, "chunk %d of %s", index, uploadID)
	}
	delete(m.parts, k)
	return nil
}

func (m *MemoryStore) DeleteAll(ctx context.Context, uploadID string) error {
	if err := ValidateUploadID(uploadID); err != nil {
		return err
	}
	if m.FailDeleteAll != nil {
		if err := m.FailDeleteAll(uploadID); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.parts {
		if k.uploadID == uploadID {
			delete(m.parts, k)
		}
	}
	return nil
}

// Len reports how many artifacts uploadID has.
func (m *MemoryStore) Len(uploadID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for k := range m.parts {
		if k.uploadID == uploadID {
			n++
		}
	}
	return n
}
