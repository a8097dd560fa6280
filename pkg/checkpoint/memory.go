package checkpoint

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
)

// MemoryStore is an in-process Store used by tests and single-node
// development setups.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]Record
	clock   clockwork.Clock
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(clockwork.NewRealClock())
}

// NewMemoryStoreWithClock stamps records with clock instead of wall time.
func NewMemoryStoreWithClock(clock clockwork.Clock) *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]Record),
		clock:   clock,
	}
}

func (s *MemoryStore) GetLatest(_ context.Context, conversationID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestLocked(conversationID)
}

func (s *MemoryStore) Put(ctx context.Context, conversationID string, state, metadata []byte) (string, error) {
	versionID, err := newVersionID()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := Record{
		ConversationID: conversationID,
		VersionID:      versionID,
		State:          clone(state),
		Metadata:       clone(metadata),
		CreatedAt:      s.clock.Now(),
	}
	if parent, err := s.latestLocked(conversationID); err == nil {
		rec.ParentVersionID = parent.VersionID
	}
	if err := s.upsertLocked(rec); err != nil {
		return "", err
	}
	return versionID, nil
}

func (s *MemoryStore) Upsert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock.Now()
	}
	rec.State = clone(rec.State)
	rec.Metadata = clone(rec.Metadata)
	return s.upsertLocked(rec)
}

func (s *MemoryStore) upsertLocked(rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	versions := s.records[rec.ConversationID]
	for i := range versions {
		if versions[i].VersionID == rec.VersionID {
			versions[i] = rec
			return nil
		}
	}
	s.records[rec.ConversationID] = append(versions, rec)
	return nil
}

func (s *MemoryStore) latestLocked(conversationID string) (Record, error) {
	versions := s.records[conversationID]
	if len(versions) == 0 {
		return Record{}, ErrNotFound
	}
	latest := versions[0]
	for _, r := range versions[1:] {
		if r.CreatedAt.After(latest.CreatedAt) ||
			(r.CreatedAt.Equal(latest.CreatedAt) && r.VersionID > latest.VersionID) {
			latest = r
		}
	}
	latest.State = clone(latest.State)
	latest.Metadata = clone(latest.Metadata)
	return latest, nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
