package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// RecordStore archives the final state of evicted sessions so they remain
// queryable. It is not a message queue: live sessions are never restored
// from it. Implementations must be safe for concurrent use.
type RecordStore interface {
	// Save stores the final state of a session, replacing any previous record.
	Save(ctx context.Context, state SessionState) error

	// Load retrieves a record.
	// Returns ErrSessionNotFound if there is none.
	Load(ctx context.Context, key Key) (*SessionState, error)

	// List returns the records of a namespace, or of all namespaces when
	// namespace is empty, oldest first.
	List(ctx context.Context, namespace string) ([]SessionState, error)

	// Delete removes a record.
	Delete(ctx context.Context, key Key) error

	// Prune drops records older than the store's retention and returns how
	// many were removed.
	Prune(ctx context.Context) (int, error)

	// Close releases any resources held by the store.
	Close() error
}

// MemoryRecordStore keeps records in process memory.
type MemoryRecordStore struct {
	retention time.Duration
	now       func() time.Time

	mu      sync.RWMutex
	records map[Key]memoryRecord
	closed  bool
}

type memoryRecord struct {
	state    SessionState
	archived time.Time
}

// NewMemoryRecordStore creates an in-memory store. A zero retention keeps
// records until they are deleted.
func NewMemoryRecordStore(retention time.Duration) *MemoryRecordStore {
	return &MemoryRecordStore{
		retention: retention,
		now:       time.Now,
		records:   make(map[Key]memoryRecord),
	}
}

// Save implements RecordStore.
func (s *MemoryRecordStore) Save(_ context.Context, state SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStorageClosed
	}
	s.records[state.Key()] = memoryRecord{state: state, archived: s.now()}
	return nil
}

// Load implements RecordStore.
func (s *MemoryRecordStore) Load(_ context.Context, key Key) (*SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStorageClosed
	}
	rec, ok := s.records[key]
	if !ok || s.expired(rec) {
		return nil, ErrSessionNotFound
	}
	st := rec.state
	return &st, nil
}

// List implements RecordStore.
func (s *MemoryRecordStore) List(_ context.Context, namespace string) ([]SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStorageClosed
	}
	out := make([]SessionState, 0, len(s.records))
	for key, rec := range s.records {
		if namespace != "" && key.Namespace != namespace {
			continue
		}
		if s.expired(rec) {
			continue
		}
		out = append(out, rec.state)
	}
	sortStates(out)
	return out, nil
}

// Delete implements RecordStore.
func (s *MemoryRecordStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStorageClosed
	}
	delete(s.records, key)
	return nil
}

// Prune implements RecordStore.
func (s *MemoryRecordStore) Prune(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStorageClosed
	}
	n := 0
	for key, rec := range s.records {
		if s.expired(rec) {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}

// Close implements RecordStore.
func (s *MemoryRecordStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.records = nil
	return nil
}

func (s *MemoryRecordStore) expired(rec memoryRecord) bool {
	return s.retention > 0 && s.now().Sub(rec.archived) > s.retention
}

func sortStates(states []SessionState) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].Timestamp.Equal(states[j].Timestamp) {
			return states[i].Key().String() < states[j].Key().String()
		}
		return states[i].Timestamp.Before(states[j].Timestamp)
	})
}
