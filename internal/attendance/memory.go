package attendance

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Repository. The (student, session) index plays the
// part of the unique constraint.
type Memory struct {
	mu      sync.Mutex
	records map[string]Record
	byPair  map[string]string
	flags   []FlagRecord
	audit   []AuditEntry
}

// NewMemory returns an empty repository.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]Record),
		byPair:  make(map[string]string),
	}
}

func pairKey(studentID, sessionID string) string { return studentID + "|" + sessionID }

func (m *Memory) Exists(_ context.Context, studentID, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byPair[pairKey(studentID, sessionID)]
	return ok, nil
}

func (m *Memory) Create(_ context.Context, rec Record, flags []FlagRecord, audit AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pairKey(rec.StudentID, rec.SessionID)
	if _, ok := m.byPair[k]; ok {
		return ErrDuplicateAttendance
	}
	m.records[rec.ID] = rec
	m.byPair[k] = rec.ID
	m.flags = append(m.flags, flags...)
	m.audit = append(m.audit, audit)
	return nil
}

func (m *Memory) ListBySession(_ context.Context, sessionID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarkedAt.Before(out[j].MarkedAt) })
	return out, nil
}

func (m *Memory) ListByStudent(_ context.Context, studentID string, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.StudentID == studentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarkedAt.After(out[j].MarkedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Stats(_ context.Context, f StatsFilter) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Stats
	for _, r := range m.records {
		if f.SessionID != "" && r.SessionID != f.SessionID {
			continue
		}
		if f.StudentID != "" && r.StudentID != f.StudentID {
			continue
		}
		s.add(r.Status, 1)
	}
	s.rate()
	return s, nil
}

func (m *Memory) ListFlags(_ context.Context, f FlagFilter) ([]FlagRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []FlagRecord
	for i := len(m.flags) - 1; i >= 0; i-- {
		fl := m.flags[i]
		if f.UnresolvedOnly && fl.Resolved {
			continue
		}
		if f.SessionID != "" && fl.SessionID != f.SessionID {
			continue
		}
		out = append(out, fl)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) ResolveFlag(_ context.Context, id, resolver string, at time.Time) (FlagRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.flags {
		if m.flags[i].ID != id {
			continue
		}
		if m.flags[i].Resolved {
			return FlagRecord{}, ErrFlagResolved
		}
		m.flags[i].Resolved = true
		m.flags[i].ResolvedBy = resolver
		m.flags[i].ResolvedAt = &at
		return m.flags[i], nil
	}
	return FlagRecord{}, ErrFlagNotFound
}

// Audit returns a copy of the audit trail.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}
