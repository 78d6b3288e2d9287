package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"cmdsched/internal/domain"
)

// Memory is a process-local Collection. Records do not survive a restart.
type Memory struct {
	mu      sync.Mutex
	records map[string]domain.Record
}

func NewMemory() *Memory {
	return &Memory{records: map[string]domain.Record{}}
}

func (m *Memory) Insert(_ context.Context, rec domain.Record) (string, error) {
	rec.ID = newID()
	if rec.State == "" {
		rec.State = domain.StatePending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Command = append([]byte(nil), rec.Command...)

	m.mu.Lock()
	m.records[rec.ID] = rec
	m.mu.Unlock()
	return rec.ID, nil
}

func (m *Memory) FindDue(_ context.Context, now int64) ([]domain.Record, error) {
	return m.filter(func(r domain.Record) bool { return r.Due(now) }), nil
}

func (m *Memory) Remove(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return false, nil
	}
	delete(m.records, id)
	return true, nil
}

func (m *Memory) CompareAndSwap(_ context.Context, id string, expect domain.Version, next Update) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.Version() != expect {
		return false, nil
	}
	rec.State = next.State
	rec.ClaimedAt = next.ClaimedAt
	rec.Command = append([]byte(nil), next.Command...)
	m.records[id] = rec
	return true, nil
}

func (m *Memory) DeleteVersion(_ context.Context, id string, expect domain.Version) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.Version() != expect {
		return false, nil
	}
	delete(m.records, id)
	return true, nil
}

func (m *Memory) FindStale(_ context.Context, cutoff int64) ([]domain.Record, error) {
	return m.filter(func(r domain.Record) bool {
		return r.State == domain.StateExecuting && r.ClaimedAt < cutoff
	}), nil
}

func (m *Memory) Get(_ context.Context, id string) (domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return domain.Record{}, ErrNotFound
	}
	rec.Command = append([]byte(nil), rec.Command...)
	return rec, nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	ok, _ := m.Remove(ctx, id)
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (m *Memory) List(_ context.Context, limit int) ([]domain.Record, error) {
	recs := m.filter(func(domain.Record) bool { return true })
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) filter(keep func(domain.Record) bool) []domain.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Record
	for _, r := range m.records {
		if keep(r) {
			r.Command = append([]byte(nil), r.Command...)
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}
