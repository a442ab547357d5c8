// Package memstore is an in-process bucket.Store. Records are lost on
// restart.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/koustreak/bucketgw/internal/bucket"
)

// Store keeps bucket records in a map. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	buckets map[string]*bucket.Bucket
}

// New returns an empty Store.
func New() *Store {
	return &Store{buckets: make(map[string]*bucket.Bucket)}
}

func (s *Store) List(ctx context.Context) ([]bucket.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]bucket.Bucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		out = append(out, *b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) Get(ctx context.Context, name string) (*bucket.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.buckets[name]
	if !ok {
		return nil, bucket.NotFound(name)
	}
	return b.Clone(), nil
}

func (s *Store) Insert(ctx context.Context, b *bucket.Bucket) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.buckets[b.Name]; dup {
		return uuid.Nil, bucket.Duplicate(b.Name)
	}
	c := b.Clone()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	s.buckets[c.Name] = c
	return c.ID, nil
}

func (s *Store) Update(ctx context.Context, name string, p bucket.Patch) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[name]
	if !ok {
		return uuid.Nil, bucket.NotFound(name)
	}
	p.Apply(b)
	return b.ID, nil
}

func (s *Store) Delete(ctx context.Context, name string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[name]
	if !ok {
		return uuid.Nil, bucket.NotFound(name)
	}
	delete(s.buckets, name)
	return b.ID, nil
}
