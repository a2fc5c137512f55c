package session

import (
	"context"
	"errors"
	"time"

	"sams/internal/geo"
)

var (
	ErrSessionNotFound       = errors.New("session not found")
	ErrSessionNotActive      = errors.New("session is not active")
	ErrInvalidTransition     = errors.New("invalid session status transition")
	ErrInvalidOrExpiredToken = errors.New("invalid or expired qr token")
	ErrInvalidSchedule       = errors.New("invalid session schedule")
	ErrGeofenceTooLarge      = errors.New("geofence radius exceeds maximum")
	ErrTokenNotFound         = errors.New("qr token not found")
)

// Status is the lifecycle state of a class session.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Geofence is the circle a check-in location must fall in.
type Geofence struct {
	Center       geo.Point `json:"center"`
	RadiusMeters float64   `json:"radius_m"`
}

// Session is one scheduled meeting of a course.
type Session struct {
	ID        string    `json:"id"`
	CourseID  string    `json:"course_id"`
	Title     string    `json:"title"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
	Geofence  *Geofence `json:"geofence,omitempty"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Token is the QR secret for a session. A session has at most one row;
// refreshing replaces the code in place.
type Token struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidAt reports whether the token can be used at now.
func (t Token) ValidAt(now time.Time) bool {
	return t.Active && !now.After(t.ExpiresAt)
}

// Repository persists sessions and their tokens.
type Repository interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	// TransitionStatus moves the session to `to` only if its current status is
	// one of from. It returns ErrInvalidTransition otherwise.
	TransitionStatus(ctx context.Context, id string, from []Status, to Status) (Session, error)
	UpsertToken(ctx context.Context, t Token) (Token, error)
	TokenByCode(ctx context.Context, code string) (Token, error)
	TokenBySession(ctx context.Context, sessionID string) (Token, error)
	DeactivateToken(ctx context.Context, sessionID string) error
}
