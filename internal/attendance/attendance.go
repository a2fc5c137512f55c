package attendance

import (
	"context"
	"errors"
	"math"
	"time"

	"sams/internal/anticheat"
	"sams/internal/geo"
)

var (
	ErrDuplicateAttendance = errors.New("attendance already marked for this session")
	ErrOutOfGeofence       = errors.New("location is outside the session geofence")
	ErrFlagNotFound        = errors.New("anti-cheat flag not found")
	ErrFlagResolved        = errors.New("anti-cheat flag already resolved")
)

// Status of an attendance record.
type Status string

const (
	StatusPresent Status = "present"
	StatusLate    Status = "late"
	StatusAbsent  Status = "absent"
	StatusExcused Status = "excused"
)

// DefaultGracePeriod is how long after start a check-in still counts as present.
const DefaultGracePeriod = 5 * time.Minute

// Classify maps a check-in time to a status: present up to start+grace,
// late up to start+2*grace, absent after that.
func Classify(start time.Time, grace time.Duration, at time.Time) Status {
	switch {
	case !at.After(start.Add(grace)):
		return StatusPresent
	case !at.After(start.Add(2 * grace)):
		return StatusLate
	default:
		return StatusAbsent
	}
}

// Record is one student's attendance for one session.
type Record struct {
	ID                string     `json:"id"`
	StudentID         string     `json:"student_id"`
	SessionID         string     `json:"session_id"`
	Status            Status     `json:"status"`
	MarkedAt          time.Time  `json:"marked_at"`
	Location          *geo.Point `json:"location,omitempty"`
	DeviceFingerprint string     `json:"device_fingerprint"`
	SourceIP          string     `json:"source_ip"`
	TokenID           *string    `json:"qr_token_id,omitempty"`
}

// FlagRecord is a persisted anti-cheat flag awaiting review.
type FlagRecord struct {
	ID          string             `json:"id"`
	RecordID    string             `json:"attendance_id"`
	StudentID   string             `json:"student_id"`
	SessionID   string             `json:"session_id"`
	Type        anticheat.FlagType `json:"flag_type"`
	Severity    anticheat.Severity `json:"severity"`
	Description string             `json:"description"`
	Resolved    bool               `json:"resolved"`
	ResolvedBy  string             `json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time         `json:"resolved_at,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// AuditEntry is an append-only trail row.
type AuditEntry struct {
	ID        string    `json:"id"`
	RecordID  string    `json:"attendance_id"`
	ActorID   string    `json:"actor_id"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"created_at"`
}

// StatsFilter narrows Stats; empty fields match everything.
type StatsFilter struct {
	SessionID string
	StudentID string
}

// Stats summarises attendance counts.
type Stats struct {
	Total          int     `json:"total"`
	Present        int     `json:"present"`
	Late           int     `json:"late"`
	Absent         int     `json:"absent"`
	Excused        int     `json:"excused"`
	AttendanceRate float64 `json:"attendance_rate"`
}

func (s *Stats) add(st Status, n int) {
	s.Total += n
	switch st {
	case StatusPresent:
		s.Present += n
	case StatusLate:
		s.Late += n
	case StatusAbsent:
		s.Absent += n
	case StatusExcused:
		s.Excused += n
	}
}

// rate counts late arrivals as attended, as a percentage with two decimals.
func (s *Stats) rate() {
	if s.Total == 0 {
		s.AttendanceRate = 0
		return
	}
	s.AttendanceRate = math.Round(float64(s.Present+s.Late)/float64(s.Total)*10000) / 100
}

// FlagFilter narrows ListFlags.
type FlagFilter struct {
	UnresolvedOnly bool
	SessionID      string
	Limit          int
}

// Repository persists records, flags and audit rows.
type Repository interface {
	Exists(ctx context.Context, studentID, sessionID string) (bool, error)
	// Create writes the record with its flags and audit entry atomically.
	// A second record for the same (student, session) fails with
	// ErrDuplicateAttendance.
	Create(ctx context.Context, rec Record, flags []FlagRecord, audit AuditEntry) error
	ListBySession(ctx context.Context, sessionID string) ([]Record, error)
	ListByStudent(ctx context.Context, studentID string, limit int) ([]Record, error)
	Stats(ctx context.Context, f StatsFilter) (Stats, error)
	ListFlags(ctx context.Context, f FlagFilter) ([]FlagRecord, error)
	ResolveFlag(ctx context.Context, id, resolver string, at time.Time) (FlagRecord, error)
}
