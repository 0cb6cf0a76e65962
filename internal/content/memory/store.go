// Package memory stores payloads in-memory for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/bookmark-mirror/internal/content"
	"github.com/JakeFAU/bookmark-mirror/internal/hash/md5"
)

// Store keeps payloads in a map and returns memory:// locations.
type Store struct {
	mu     sync.RWMutex
	data   map[string][]byte
	puts   int
	hasher *md5.Hasher
	// FailPut, when set, is consulted before every Put and may return an error.
	FailPut func(name string) error
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		data:   make(map[string][]byte),
		hasher: md5.New(),
	}
}

// Stat describes a stored payload.
func (s *Store) Stat(_ context.Context, name string) (content.Object, error) {
	clean, err := content.CleanName(name)
	if err != nil {
		return content.Object{}, err
	}
	s.mu.RLock()
	data, ok := s.data[clean]
	s.mu.RUnlock()
	if !ok {
		return content.Object{}, fmt.Errorf("%s: %w", clean, content.ErrNotFound)
	}
	return s.object(clean, data)
}

// Put copies data into the store.
func (s *Store) Put(_ context.Context, name string, _ string, data []byte, overwrite bool) (content.Object, error) {
	clean, err := content.CleanName(name)
	if err != nil {
		return content.Object{}, err
	}
	if s.FailPut != nil {
		if err := s.FailPut(clean); err != nil {
			return content.Object{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[clean]; ok && !overwrite {
		return content.Object{}, fmt.Errorf("%s: %w", clean, content.ErrExists)
	}
	s.data[clean] = append([]byte(nil), data...)
	s.puts++
	return s.object(clean, data)
}

// Len returns how many payloads are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Puts returns how many successful writes happened.
func (s *Store) Puts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}

// Bytes returns a copy of the payload stored under name.
func (s *Store) Bytes(name string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[name]
	return append([]byte(nil), data...), ok
}

// Delete drops a payload, simulating loss outside the mirror.
func (s *Store) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, name)
}

func (s *Store) object(name string, data []byte) (content.Object, error) {
	sum, err := s.hasher.Hash(data)
	if err != nil {
		return content.Object{}, fmt.Errorf("hash %s: %w", name, err)
	}
	return content.Object{
		Name:     name,
		Location: "memory://" + name,
		Size:     int64(len(data)),
		MD5:      sum,
	}, nil
}
