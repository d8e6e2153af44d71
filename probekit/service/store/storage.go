package store

import (
	"slices"
	"sync"

	"github.com/go-analyze/bulk"
	"github.com/vmihailenco/msgpack/v5"
)

// Storage is a keyed byte store backing the durable stores in this package.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Get returns the value for key. found is false when the key is absent.
	Get(key string) (data []byte, found bool, err error)
	// Set stores value under key, replacing any existing value.
	Set(key string, data []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error
	// DeleteAll removes every key.
	DeleteAll() error
	// KeySet returns all stored keys in unspecified order.
	KeySet() []string
	// Len returns the number of stored keys.
	Len() int
	Close() error
}

// Serialize encodes a record for storage.
func Serialize(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Deserialize decodes a stored record into v.
func Deserialize(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

// MemStorage is an in-memory Storage. Values are copied on both read and
// write so callers never alias the stored bytes.
type MemStorage struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

var _ Storage = (*MemStorage)(nil)

// NewMemStorage creates an empty in-memory storage.
func NewMemStorage() *MemStorage {
	return &MemStorage{
		entries: make(map[string][]byte),
	}
}

func (s *MemStorage) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, found := s.entries[key]
	if !found {
		return nil, false, nil
	}
	return slices.Clone(data), true, nil
}

func (s *MemStorage) Set(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = slices.Clone(data)
	return nil
}

func (s *MemStorage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

func (s *MemStorage) DeleteAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string][]byte)
	return nil
}

func (s *MemStorage) KeySet() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return bulk.MapKeysSlice(s.entries)
}

func (s *MemStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries)
}

func (s *MemStorage) Close() error {
	return nil
}
