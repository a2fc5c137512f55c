package session

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(db), mock
}

var sessionCols = []string{"id", "course_id", "title", "starts_at", "ends_at", "latitude", "longitude", "geofence_radius_m", "status", "created_at"}

func TestPostgresGetSession(t *testing.T) {
	repo, mock := newMockRepo(t)
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM class_sessions WHERE id = $1`)).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(sessionCols).
			AddRow("s1", "CS101", "Intro", start, start.Add(time.Hour), 6.5, 3.4, 120.0, "active", start))

	s, err := repo.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, s.Status)
	require.NotNil(t, s.Geofence)
	assert.Equal(t, 120.0, s.Geofence.RadiusMeters)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetSessionNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`FROM class_sessions`).WillReturnError(sql.ErrNoRows)

	_, err := repo.GetSession(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPostgresTransitionDisallowed(t *testing.T) {
	repo, mock := newMockRepo(t)
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`status IN ($3, $4)`)).
		WithArgs("s1", "cancelled", "scheduled", "active").
		WillReturnRows(sqlmock.NewRows(sessionCols))
	mock.ExpectQuery(`FROM class_sessions WHERE id`).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(sessionCols).
			AddRow("s1", "CS101", "Intro", start, start.Add(time.Hour), nil, nil, nil, "completed", start))

	_, err := repo.TransitionStatus(context.Background(), "s1", []Status{StatusScheduled, StatusActive}, StatusCancelled)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertToken(t *testing.T) {
	repo, mock := newMockRepo(t)
	exp := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`ON CONFLICT (session_id) DO UPDATE`)).
		WithArgs("t-new", "s1", "code", exp).
		WillReturnRows(sqlmock.NewRows([]string{"id", "session_id", "code", "expires_at", "active", "created_at"}).
			AddRow("t-old", "s1", "code", exp, true, exp.Add(-2*time.Hour)))

	tok, err := repo.UpsertToken(context.Background(), Token{ID: "t-new", SessionID: "s1", Code: "code", ExpiresAt: exp})
	require.NoError(t, err)
	assert.Equal(t, "t-old", tok.ID)
	assert.True(t, tok.Active)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTokenByCodeNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`FROM qr_tokens WHERE code`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "session_id", "code", "expires_at", "active", "created_at"}))

	_, err := repo.TokenByCode(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}
