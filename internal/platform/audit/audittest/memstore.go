// Package audittest provides an in-memory audit store for unit tests.
package audittest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ehr/records/internal/platform/apperr"
	"github.com/ehr/records/internal/platform/audit"
	"github.com/ehr/records/pkg/pagination"
)

// MemoryStore is an in-process audit.Store. It does not take part in
// transactions; pair it with dbtest.MemTransactor for rollback.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*audit.Entry
	nextID  int64
	now     func() time.Time
}

var _ audit.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1, now: time.Now}
}

// SetClock replaces the timestamp source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) Append(_ context.Context, d audit.Draft) (*audit.Entry, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now().UTC()
	if n := len(s.entries); n > 0 && !ts.After(s.entries[n-1].Timestamp) {
		ts = s.entries[n-1].Timestamp.Add(time.Microsecond)
	}
	e := &audit.Entry{
		LogID:         s.nextID,
		ActorID:       d.ActorID,
		PatientID:     d.PatientID,
		TableName:     d.TableName,
		ActionType:    d.ActionType,
		OldValues:     cloneRaw(d.OldValues),
		NewValues:     cloneRaw(d.NewValues),
		IPAddress:     d.IPAddress,
		EventType:     d.EventType,
		BranchID:      d.BranchID,
		HospitalID:    d.HospitalID,
		RequestMethod: d.RequestMethod,
		Endpoint:      d.Endpoint,
		Timestamp:     ts,
	}
	s.nextID++
	s.entries = append(s.entries, e)
	out := *e
	return &out, nil
}

// Insert stores a fully formed entry, keeping its timestamp. Used to seed
// history.
func (s *MemoryStore) Insert(e audit.Entry) *audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.LogID == 0 {
		e.LogID = s.nextID
	}
	if e.LogID >= s.nextID {
		s.nextID = e.LogID + 1
	}
	s.entries = append(s.entries, &e)
	return &e
}

// NullActor clears the actor reference of every entry written by actorID,
// as the database does when a staff user is deleted.
func (s *MemoryStore) NullActor(actorID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.ActorID != nil && *e.ActorID == actorID {
			e.ActorID = nil
			n++
		}
	}
	return n
}

func (s *MemoryStore) Get(_ context.Context, logID int64) (*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.LogID == logID {
			out := *e
			return &out, nil
		}
	}
	return nil, apperr.NotFound("audit entry %d not found", logID)
}

// matching returns copies of the entries matching f, newest first.
func (s *MemoryStore) matching(f audit.Filter) []*audit.Entry {
	s.mu.RLock()
	var out []*audit.Entry
	for _, e := range s.entries {
		if f.Match(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].LogID > out[j].LogID
	})
	return out
}

func (s *MemoryStore) List(_ context.Context, f audit.Filter, p pagination.Params) ([]*audit.Entry, int, error) {
	all := s.matching(f)
	total := len(all)

	start := p.Offset()
	if start > total {
		start = total
	}
	end := start + p.PageSize
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (s *MemoryStore) Scan(_ context.Context, f audit.Filter, limit int) ([]*audit.Entry, error) {
	all := s.matching(f)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryStore) Statistics(_ context.Context, f audit.Filter, since time.Time) (*audit.Statistics, error) {
	return audit.Aggregate(s.matching(f), since), nil
}

func (s *MemoryStore) CountBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, e := range s.entries {
		if e.Timestamp.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	var n int64
	for _, e := range s.entries {
		if e.Timestamp.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return n, nil
}

func cloneRaw(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Checkpoint returns a function that restores the store to its current
// contents.
func (s *MemoryStore) Checkpoint() func() {
	s.mu.RLock()
	saved := make([]*audit.Entry, len(s.entries))
	for i, e := range s.entries {
		cp := *e
		saved[i] = &cp
	}
	nextID := s.nextID
	s.mu.RUnlock()

	return func() {
		s.mu.Lock()
		s.entries = saved
		s.nextID = nextID
		s.mu.Unlock()
	}
}
