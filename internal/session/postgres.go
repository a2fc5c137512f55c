package session

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"sams/internal/geo"
)

// Postgres persists sessions in class_sessions and tokens in qr_tokens.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a repo.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const sessionColumns = `id, course_id, title, starts_at, ends_at, latitude, longitude, geofence_radius_m, status, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		s             Session
		lat, lon, rad sql.NullFloat64
	)
	if err := row.Scan(&s.ID, &s.CourseID, &s.Title, &s.StartsAt, &s.EndsAt, &lat, &lon, &rad, &s.Status, &s.CreatedAt); err != nil {
		return Session{}, err
	}
	if lat.Valid && lon.Valid && rad.Valid {
		s.Geofence = &Geofence{Center: geo.Point{Lat: lat.Float64, Lon: lon.Float64}, RadiusMeters: rad.Float64}
	}
	return s, nil
}

func (p *Postgres) CreateSession(ctx context.Context, s Session) error {
	var lat, lon, rad sql.NullFloat64
	if s.Geofence != nil {
		lat = sql.NullFloat64{Float64: s.Geofence.Center.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: s.Geofence.Center.Lon, Valid: true}
		rad = sql.NullFloat64{Float64: s.Geofence.RadiusMeters, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO class_sessions (id, course_id, title, starts_at, ends_at, latitude, longitude, geofence_radius_m, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, s.ID, s.CourseID, s.Title, s.StartsAt, s.EndsAt, lat, lon, rad, string(s.Status), s.CreatedAt)
	return errors.Wrap(err, "insert session")
}

func (p *Postgres) GetSession(ctx context.Context, id string) (Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM class_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, errors.Wrap(err, "select session")
	}
	return s, nil
}

func (p *Postgres) TransitionStatus(ctx context.Context, id string, from []Status, to Status) (Session, error) {
	args := []any{id, string(to)}
	marks := make([]string, 0, len(from))
	for _, st := range from {
		args = append(args, string(st))
		marks = append(marks, "$"+strconv.Itoa(len(args)))
	}
	row := p.db.QueryRowContext(ctx, `
		UPDATE class_sessions
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status IN (`+strings.Join(marks, ", ")+`)
		RETURNING `+sessionColumns, args...)
	s, err := scanSession(row)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Session{}, errors.Wrap(err, "update session status")
	}
	// Nothing updated: either the session is missing or its status disallows the move.
	if _, err := p.GetSession(ctx, id); err != nil {
		return Session{}, err
	}
	return Session{}, ErrInvalidTransition
}

const tokenColumns = `id, session_id, code, expires_at, active, created_at`

func scanToken(row rowScanner) (Token, error) {
	var t Token
	err := row.Scan(&t.ID, &t.SessionID, &t.Code, &t.ExpiresAt, &t.Active, &t.CreatedAt)
	return t, err
}

func (p *Postgres) UpsertToken(ctx context.Context, t Token) (Token, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO qr_tokens (id, session_id, code, expires_at, active)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (session_id) DO UPDATE SET
			code = EXCLUDED.code,
			expires_at = EXCLUDED.expires_at,
			active = TRUE,
			updated_at = NOW()
		RETURNING `+tokenColumns,
		t.ID, t.SessionID, t.Code, t.ExpiresAt)
	out, err := scanToken(row)
	if err != nil {
		return Token{}, errors.Wrap(err, "upsert qr token")
	}
	return out, nil
}

func (p *Postgres) TokenByCode(ctx context.Context, code string) (Token, error) {
	t, err := scanToken(p.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM qr_tokens WHERE code = $1`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, ErrTokenNotFound
	}
	return t, errors.Wrap(err, "select qr token")
}

func (p *Postgres) TokenBySession(ctx context.Context, sessionID string) (Token, error) {
	t, err := scanToken(p.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM qr_tokens WHERE session_id = $1`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, ErrTokenNotFound
	}
	return t, errors.Wrap(err, "select qr token")
}

func (p *Postgres) DeactivateToken(ctx context.Context, sessionID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE qr_tokens SET active = FALSE, updated_at = NOW() WHERE session_id = $1`, sessionID)
	return errors.Wrap(err, "deactivate qr token")
}
