package builder

import (
	"context"
	"sort"
	"sync"
)

// Repository is the build record store. Implementations must serialise
// concurrent access and always return whole-record snapshots.
type Repository interface {
	// Create persists a new record. It fails with ErrAlreadyExists for a duplicate id.
	Create(ctx context.Context, job Job) error
	// Get returns the current snapshot or ErrNotFound.
	Get(ctx context.Context, id string) (Job, error)
	// CompareAndSwap replaces the record if its stored version equals expected.Version.
	// It returns the stored record with its new version, ErrConflict or ErrNotFound.
	CompareAndSwap(ctx context.Context, expected, next Job) (Job, error)
	// ListByOwner returns the owner's builds, newest first.
	ListByOwner(ctx context.Context, ownerID string) ([]Job, error)
	// ListActive returns all builds that have not reached a terminal status.
	ListActive(ctx context.Context) ([]Job, error)
}

var (
	_ Repository = (*MemStore)(nil)
	_ Repository = (*PostgresStore)(nil)
	_ Repository = (*RedisStore)(nil)
)

// MemStore keeps build records in process memory. State is lost on restart.
type MemStore struct {
	mu    sync.RWMutex
	items map[string]Job
}

func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]Job)}
}

func (s *MemStore) Create(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[job.ID]; ok {
		return ErrAlreadyExists
	}
	job.Version = 1
	s.items[job.ID] = job
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.items[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return job, nil
}

func (s *MemStore) CompareAndSwap(_ context.Context, expected, next Job) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.items[expected.ID]
	if !ok {
		return Job{}, ErrNotFound
	}
	if current.Version != expected.Version {
		return Job{}, ErrConflict
	}
	next.ID = expected.ID
	next.Version = current.Version + 1
	s.items[next.ID] = next
	return next, nil
}

func (s *MemStore) ListByOwner(_ context.Context, ownerID string) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Job, 0)
	for _, job := range s.items {
		if job.OwnerID == ownerID {
			result = append(result, job)
		}
	}
	sortNewestFirst(result)
	return result, nil
}

func (s *MemStore) ListActive(_ context.Context) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Job, 0)
	for _, job := range s.items {
		if !job.Status.Terminal() {
			result = append(result, job)
		}
	}
	sortNewestFirst(result)
	return result, nil
}

// Delete drops a record. It exists for tests that simulate a wiped store.
func (s *MemStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
}

func sortNewestFirst(jobs []Job) {
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
}
