package service

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ResultStore holds completed results until they are drained. The worker is
// its only writer.
type ResultStore interface {
	Put(ctx context.Context, result Result) error
	// PutAll publishes a whole batch at once: readers and drains see either
	// none of it or all of it.
	PutAll(ctx context.Context, results []Result) error
	// Get does not consume. ErrNotFound covers both unknown and pending ids.
	Get(ctx context.Context, id string) (Result, error)
	Contains(ctx context.Context, id string) (bool, error)
	// DrainAll removes and returns every completed result. Concurrent drains
	// never return the same id twice.
	DrainAll(ctx context.Context) ([]Result, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

type MemoryStoreConfig struct {
	// TTL expires results nobody drained. Zero keeps them until drained.
	TTL time.Duration
}

// MemoryStore keeps results in process. The LRU has no size bound so nothing
// is evicted except by TTL; mu serializes drains against writers so a drain
// snapshot never splits a PutAll.
type MemoryStore struct {
	mu      sync.RWMutex
	entries *expirable.LRU[string, Result]
}

func NewMemoryStore(cfg MemoryStoreConfig) *MemoryStore {
	ttl := cfg.TTL
	if ttl < 0 {
		ttl = 0
	}
	return &MemoryStore{
		entries: expirable.NewLRU[string, Result](0, nil, ttl),
	}
}

func (s *MemoryStore) Put(_ context.Context, result Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Add(result.ID, cloneResult(result))
	return nil
}

func (s *MemoryStore) PutAll(_ context.Context, results []Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, result := range results {
		s.entries.Add(result.ID, cloneResult(result))
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.entries.Peek(id)
	if !ok {
		return Result{}, ErrNotFound
	}
	return cloneResult(result), nil
}

func (s *MemoryStore) Contains(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries.Contains(id), nil
}

func (s *MemoryStore) DrainAll(_ context.Context) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.entries.Keys()
	out := make([]Result, 0, len(keys))
	for _, key := range keys {
		// an entry can expire between Keys and Peek
		if result, ok := s.entries.Peek(key); ok {
			out = append(out, result)
		}
	}
	s.entries.Purge()
	return out, nil
}

func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries.Len(), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Purge()
	return nil
}

// cloneResult copies the embedding so callers never share a backing array
// with the store.
func cloneResult(result Result) Result {
	if result.Embedding != nil {
		embedding := make([]float32, len(result.Embedding))
		copy(embedding, result.Embedding)
		result.Embedding = embedding
	}
	return result
}
