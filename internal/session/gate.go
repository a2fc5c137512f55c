package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"sams/internal/geo"
)

const (
	DefaultTokenTTL   = time.Hour
	DefaultGeofenceM  = 100.0
	MaxGeofenceM      = 500.0
	tokenEntropyBytes = 32
)

// GateConfig tunes token lifetime and geofence bounds.
type GateConfig struct {
	TokenTTL         time.Duration
	DefaultGeofenceM float64
	MaxGeofenceM     float64
	Now              func() time.Time
}

// Gate owns the session state machine and issues and checks QR tokens.
type Gate struct {
	repo   Repository
	cfg    GateConfig
	logger *slog.Logger
}

// NewGate builds a gate over repo.
func NewGate(repo Repository, cfg GateConfig, logger *slog.Logger) *Gate {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.DefaultGeofenceM <= 0 {
		cfg.DefaultGeofenceM = DefaultGeofenceM
	}
	if cfg.MaxGeofenceM <= 0 {
		cfg.MaxGeofenceM = MaxGeofenceM
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{repo: repo, cfg: cfg, logger: logger}
}

// NewSession is the input to Schedule.
type NewSession struct {
	CourseID string
	Title    string
	StartsAt time.Time
	EndsAt   time.Time
	Center   *geo.Point
	RadiusM  float64
}

// Schedule validates and stores a new session in the scheduled state.
func (g *Gate) Schedule(ctx context.Context, in NewSession) (Session, error) {
	if strings.TrimSpace(in.CourseID) == "" {
		return Session{}, fmt.Errorf("%w: course required", ErrInvalidSchedule)
	}
	if in.StartsAt.IsZero() || !in.EndsAt.After(in.StartsAt) {
		return Session{}, fmt.Errorf("%w: end must be after start", ErrInvalidSchedule)
	}

	s := Session{
		ID:        uuid.NewString(),
		CourseID:  in.CourseID,
		Title:     in.Title,
		StartsAt:  in.StartsAt.UTC(),
		EndsAt:    in.EndsAt.UTC(),
		Status:    StatusScheduled,
		CreatedAt: g.cfg.Now().UTC(),
	}
	if in.Center != nil {
		if err := in.Center.Validate(); err != nil {
			return Session{}, err
		}
		radius := in.RadiusM
		if radius <= 0 {
			radius = g.cfg.DefaultGeofenceM
		}
		if radius > g.cfg.MaxGeofenceM {
			return Session{}, fmt.Errorf("%w: %.0fm > %.0fm", ErrGeofenceTooLarge, radius, g.cfg.MaxGeofenceM)
		}
		s.Geofence = &Geofence{Center: *in.Center, RadiusMeters: radius}
	}

	if err := g.repo.CreateSession(ctx, s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Get returns a session by id.
func (g *Gate) Get(ctx context.Context, id string) (Session, error) {
	return g.repo.GetSession(ctx, id)
}

// Activate opens a scheduled session for check-in.
func (g *Gate) Activate(ctx context.Context, id string) (Session, error) {
	return g.repo.TransitionStatus(ctx, id, []Status{StatusScheduled}, StatusActive)
}

// Complete closes an active session and retires its token.
func (g *Gate) Complete(ctx context.Context, id string) (Session, error) {
	s, err := g.repo.TransitionStatus(ctx, id, []Status{StatusActive}, StatusCompleted)
	if err != nil {
		return Session{}, err
	}
	g.retire(ctx, id)
	return s, nil
}

// Cancel abandons a scheduled or active session and retires its token.
func (g *Gate) Cancel(ctx context.Context, id string) (Session, error) {
	s, err := g.repo.TransitionStatus(ctx, id, []Status{StatusScheduled, StatusActive}, StatusCancelled)
	if err != nil {
		return Session{}, err
	}
	g.retire(ctx, id)
	return s, nil
}

// retire deactivates the token of a session that has already left the active
// state. The status change is committed, so a failure is logged, not returned.
func (g *Gate) retire(ctx context.Context, sessionID string) {
	if err := g.Deactivate(ctx, sessionID); err != nil {
		g.logger.WarnContext(ctx, "qr token deactivation failed", "session_id", sessionID, "err", err)
	}
}

// GenerateOrRefresh issues a fresh code for an active session. Any earlier
// code for the session stops working.
func (g *Gate) GenerateOrRefresh(ctx context.Context, sessionID string) (Token, error) {
	s, err := g.repo.GetSession(ctx, sessionID)
	if err != nil {
		return Token{}, err
	}
	if s.Status != StatusActive {
		return Token{}, ErrSessionNotActive
	}
	code, err := newCode()
	if err != nil {
		return Token{}, err
	}
	now := g.cfg.Now().UTC()
	tok, err := g.repo.UpsertToken(ctx, Token{
		ID:        uuid.NewString(),
		SessionID: s.ID,
		Code:      code,
		ExpiresAt: now.Add(g.cfg.TokenTTL),
		Active:    true,
		CreatedAt: now,
	})
	if err != nil {
		return Token{}, err
	}
	g.logger.InfoContext(ctx, "qr token issued", "session_id", s.ID, "expires_at", tok.ExpiresAt)
	return tok, nil
}

// Validate resolves code to its session. Unknown, inactive and expired codes
// all fail with ErrInvalidOrExpiredToken.
func (g *Gate) Validate(ctx context.Context, code string) (Session, Token, error) {
	if code == "" {
		return Session{}, Token{}, ErrInvalidOrExpiredToken
	}
	tok, err := g.repo.TokenByCode(ctx, code)
	if errors.Is(err, ErrTokenNotFound) {
		return Session{}, Token{}, ErrInvalidOrExpiredToken
	}
	if err != nil {
		return Session{}, Token{}, err
	}
	if !tok.ValidAt(g.cfg.Now()) {
		return Session{}, Token{}, ErrInvalidOrExpiredToken
	}
	s, err := g.repo.GetSession(ctx, tok.SessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return Session{}, Token{}, ErrInvalidOrExpiredToken
	}
	if err != nil {
		return Session{}, Token{}, err
	}
	return s, tok, nil
}

// Current returns the session's token if it is still valid.
func (g *Gate) Current(ctx context.Context, sessionID string) (Token, error) {
	tok, err := g.repo.TokenBySession(ctx, sessionID)
	if errors.Is(err, ErrTokenNotFound) {
		return Token{}, ErrInvalidOrExpiredToken
	}
	if err != nil {
		return Token{}, err
	}
	if !tok.ValidAt(g.cfg.Now()) {
		return Token{}, ErrInvalidOrExpiredToken
	}
	return tok, nil
}

// Deactivate retires the session's token, if any.
func (g *Gate) Deactivate(ctx context.Context, sessionID string) error {
	return g.repo.DeactivateToken(ctx, sessionID)
}

func newCode() (string, error) {
	buf := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate qr code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
