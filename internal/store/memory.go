package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"timerflow/internal/domain"
	"timerflow/internal/txn"
)

// Memory is a process-local store with the same contract as SQLite. Writes
// made under a transaction are staged and applied only when it commits;
// reads see committed records.
type Memory struct {
	mu   sync.Mutex
	recs map[string]domain.TimerRecord
	seq  map[string]int
	next int
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{recs: map[string]domain.TimerRecord{}, seq: map[string]int{}, now: time.Now}
}

type stage struct {
	m   *Memory
	ops []func()
}

func (s *stage) Commit() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, op := range s.ops {
		op()
	}
	return nil
}

func (s *stage) Rollback() error { return nil }

// apply runs op now, or stages it when ctx carries a transaction.
func (m *Memory) apply(ctx context.Context, op func()) error {
	tx := txn.FromContext(ctx)
	if tx == nil || tx.Status() != txn.StatusActive {
		m.mu.Lock()
		op()
		m.mu.Unlock()
		return nil
	}
	r, err := tx.Resource(m, func() (txn.Resource, error) { return &stage{m: m}, nil })
	if err != nil {
		return err
	}
	st := r.(*stage)
	st.ops = append(st.ops, op)
	return nil
}

func (m *Memory) Persist(ctx context.Context, rec domain.TimerRecord) error {
	m.mu.Lock()
	_, exists := m.recs[rec.ID]
	m.mu.Unlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, rec.ID)
	}
	rec = clone(rec)
	return m.apply(ctx, func() { m.put(rec) })
}

func (m *Memory) Merge(ctx context.Context, rec domain.TimerRecord) error {
	rec = clone(rec)
	return m.apply(ctx, func() { m.put(rec) })
}

// put must be called with m.mu held.
func (m *Memory) put(rec domain.TimerRecord) {
	now := m.now()
	if old, ok := m.recs[rec.ID]; ok {
		rec.CreatedAt = old.CreatedAt
	} else {
		rec.CreatedAt = now
		m.next++
		m.seq[rec.ID] = m.next
	}
	rec.UpdatedAt = now
	m.recs[rec.ID] = rec
}

func (m *Memory) Query(_ context.Context, owner string, excluded ...domain.State) ([]domain.TimerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TimerRecord
	for _, rec := range m.recs {
		if rec.Owner != owner || slices.Contains(excluded, rec.State) {
			continue
		}
		out = append(out, clone(rec))
	}
	sort.Slice(out, func(i, j int) bool { return m.seq[out[i].ID] < m.seq[out[j].ID] })
	return out, nil
}

func (m *Memory) Get(_ context.Context, id string) (domain.TimerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return domain.TimerRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return clone(rec), nil
}

func clone(rec domain.TimerRecord) domain.TimerRecord {
	rec.Payload = slices.Clone(rec.Payload)
	rec.Next = cloneTime(rec.Next)
	rec.Previous = cloneTime(rec.Previous)
	if rec.Calendar != nil {
		cal := *rec.Calendar
		cal.Start, cal.End = cloneTime(cal.Start), cloneTime(cal.End)
		rec.Calendar = &cal
	}
	return rec
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
