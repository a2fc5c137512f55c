package attendance

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sams/internal/anticheat"
	"sams/internal/geo"
)

func newMockRepo(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(db), mock
}

func sampleRecord() (Record, []FlagRecord, AuditEntry) {
	tok := "tok-1"
	rec := Record{
		ID:                "rec-1",
		StudentID:         "alice",
		SessionID:         "s1",
		Status:            StatusLate,
		MarkedAt:          classStart.Add(7 * time.Minute),
		Location:          &geo.Point{Lat: 6.5, Lon: 3.4},
		DeviceFingerprint: "fp",
		SourceIP:          "10.0.0.7",
		TokenID:           &tok,
	}
	flags := []FlagRecord{{
		ID: "flag-1", RecordID: rec.ID, StudentID: rec.StudentID, SessionID: rec.SessionID,
		Type: anticheat.FlagDeviceMismatch, Severity: anticheat.SeverityMedium,
		Description: "new device", CreatedAt: rec.MarkedAt,
	}}
	audit := AuditEntry{ID: "audit-1", RecordID: rec.ID, ActorID: "alice", Action: "marked", Details: "status=late", CreatedAt: rec.MarkedAt}
	return rec, flags, audit
}

func TestPostgresCreateCommits(t *testing.T) {
	repo, mock := newMockRepo(t)
	rec, flags, audit := sampleRecord()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`ON CONFLICT (student_id, session_id) DO NOTHING`)).
		WithArgs(rec.ID, "alice", "s1", "late", rec.MarkedAt, sqlmock.AnyArg(), sqlmock.AnyArg(), "fp", "10.0.0.7", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(rec.ID))
	mock.ExpectExec(`INSERT INTO anticheat_flags`).
		WithArgs("flag-1", rec.ID, "alice", "s1", "device_mismatch", "medium", "new device", rec.MarkedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO attendance_audit_log`).
		WithArgs("audit-1", rec.ID, "alice", "marked", "status=late", rec.MarkedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Create(context.Background(), rec, flags, audit))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateConflictIsDuplicate(t *testing.T) {
	repo, mock := newMockRepo(t)
	rec, flags, audit := sampleRecord()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO attendance_records`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err := repo.Create(context.Background(), rec, flags, audit)
	assert.ErrorIs(t, err, ErrDuplicateAttendance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateUniqueViolationIsDuplicate(t *testing.T) {
	repo, mock := newMockRepo(t)
	rec, _, audit := sampleRecord()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO attendance_records`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "attendance_records_student_id_session_id_key"})
	mock.ExpectRollback()

	err := repo.Create(context.Background(), rec, nil, audit)
	assert.ErrorIs(t, err, ErrDuplicateAttendance)
}

func TestPostgresCreateRollsBackOnFlagFailure(t *testing.T) {
	repo, mock := newMockRepo(t)
	rec, flags, audit := sampleRecord()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO attendance_records`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(rec.ID))
	mock.ExpectExec(`INSERT INTO anticheat_flags`).WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := repo.Create(context.Background(), rec, flags, audit)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateAttendance)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStats(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status, COUNT(*) FROM attendance_records WHERE session_id = $1 GROUP BY status`)).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("present", 6).
			AddRow("late", 1).
			AddRow("absent", 2).
			AddRow("excused", 1))

	s, err := repo.Stats(context.Background(), StatsFilter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 10, Present: 6, Late: 1, Absent: 2, Excused: 1, AttendanceRate: 70}, s)
}

var flagCols = []string{"id", "attendance_id", "student_id", "session_id", "flag_type", "severity", "description", "resolved", "resolved_by", "resolved_at", "created_at"}

func TestPostgresListFlagsUnresolved(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE resolved = FALSE ORDER BY created_at DESC LIMIT $1`)).
		WithArgs(20).
		WillReturnRows(sqlmock.NewRows(flagCols).
			AddRow("f1", "rec-1", "alice", "s1", "rapid_marking", "critical", "too fast", false, nil, nil, classStart))

	flags, err := repo.ListFlags(context.Background(), FlagFilter{UnresolvedOnly: true, Limit: 20})
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, anticheat.SeverityCritical, flags[0].Severity)
	assert.Nil(t, flags[0].ResolvedAt)
}

func TestPostgresResolveFlagTwice(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`UPDATE anticheat_flags`).
		WithArgs("f1", "lecturer-1", classStart).
		WillReturnRows(sqlmock.NewRows(flagCols))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("f1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := repo.ResolveFlag(context.Background(), "f1", "lecturer-1", classStart)
	assert.ErrorIs(t, err, ErrFlagResolved)
	assert.NoError(t, mock.ExpectationsWereMet())
}
