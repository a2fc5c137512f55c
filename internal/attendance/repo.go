package attendance

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"sams/internal/anticheat"
	"sams/internal/geo"
)

const uniqueViolation = "23505"

// Postgres persists attendance data.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a repo.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Exists reports whether the student already has a record for the session.
func (r *Postgres) Exists(ctx context.Context, studentID, sessionID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM attendance_records WHERE student_id = $1 AND session_id = $2)
	`, studentID, sessionID).Scan(&exists)
	return exists, errors.Wrap(err, "check attendance")
}

// Create inserts the record, its flags and its audit row in one transaction.
func (r *Postgres) Create(ctx context.Context, rec Record, flags []FlagRecord, audit AuditEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	var lat, lon sql.NullFloat64
	if rec.Location != nil {
		lat = sql.NullFloat64{Float64: rec.Location.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: rec.Location.Lon, Valid: true}
	}
	var id string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, student_id, session_id, status, marked_at, latitude, longitude, device_fingerprint, source_ip, qr_token_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (student_id, session_id) DO NOTHING
		RETURNING id
	`, rec.ID, rec.StudentID, rec.SessionID, string(rec.Status), rec.MarkedAt, lat, lon, rec.DeviceFingerprint, rec.SourceIP, rec.TokenID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
		return ErrDuplicateAttendance
	}
	if err != nil {
		return errors.Wrap(err, "insert attendance")
	}

	for _, f := range flags {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO anticheat_flags (id, attendance_id, student_id, session_id, flag_type, severity, description, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, f.ID, rec.ID, f.StudentID, f.SessionID, string(f.Type), f.Severity.String(), f.Description, f.CreatedAt); err != nil {
			return errors.Wrap(err, "insert anticheat flag")
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_audit_log (id, attendance_id, actor_id, action, details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, audit.ID, rec.ID, audit.ActorID, audit.Action, audit.Details, audit.CreatedAt); err != nil {
		return errors.Wrap(err, "insert audit entry")
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateAttendance
		}
		return errors.Wrap(err, "commit attendance")
	}
	return nil
}

const recordColumns = `id, student_id, session_id, status, marked_at, latitude, longitude, device_fingerprint, source_ip, qr_token_id`

func (r *Postgres) listRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list attendance")
	}
	defer rows.Close()

	var res []Record
	for rows.Next() {
		var (
			rec      Record
			lat, lon sql.NullFloat64
			tokenID  sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.SessionID, &rec.Status, &rec.MarkedAt, &lat, &lon, &rec.DeviceFingerprint, &rec.SourceIP, &tokenID); err != nil {
			return nil, errors.Wrap(err, "scan attendance")
		}
		if lat.Valid && lon.Valid {
			rec.Location = &geo.Point{Lat: lat.Float64, Lon: lon.Float64}
		}
		if tokenID.Valid {
			rec.TokenID = &tokenID.String
		}
		res = append(res, rec)
	}
	return res, errors.Wrap(rows.Err(), "list attendance")
}

// ListBySession returns a session roster ordered by check-in time.
func (r *Postgres) ListBySession(ctx context.Context, sessionID string) ([]Record, error) {
	return r.listRecords(ctx, `SELECT `+recordColumns+` FROM attendance_records WHERE session_id = $1 ORDER BY marked_at`, sessionID)
}

// ListByStudent returns a student's history, newest first.
func (r *Postgres) ListByStudent(ctx context.Context, studentID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.listRecords(ctx, `SELECT `+recordColumns+` FROM attendance_records WHERE student_id = $1 ORDER BY marked_at DESC LIMIT $2`, studentID, limit)
}

// Stats counts records by status.
func (r *Postgres) Stats(ctx context.Context, f StatsFilter) (Stats, error) {
	query := `SELECT status, COUNT(*) FROM attendance_records`
	var (
		args    []any
		clauses []string
	)
	if f.SessionID != "" {
		args = append(args, f.SessionID)
		clauses = append(clauses, "session_id = $"+strconv.Itoa(len(args)))
	}
	if f.StudentID != "" {
		args = append(args, f.StudentID)
		clauses = append(clauses, "student_id = $"+strconv.Itoa(len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " GROUP BY status"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Stats{}, errors.Wrap(err, "attendance stats")
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var (
			st Status
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return Stats{}, errors.Wrap(err, "scan stats")
		}
		s.add(st, n)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, errors.Wrap(err, "attendance stats")
	}
	s.rate()
	return s, nil
}

const flagColumns = `id, attendance_id, student_id, session_id, flag_type, severity, description, resolved, resolved_by, resolved_at, created_at`

func scanFlag(row interface{ Scan(...any) error }) (FlagRecord, error) {
	var (
		f          FlagRecord
		severity   string
		resolvedBy sql.NullString
		resolvedAt sql.NullTime
	)
	if err := row.Scan(&f.ID, &f.RecordID, &f.StudentID, &f.SessionID, &f.Type, &severity, &f.Description, &f.Resolved, &resolvedBy, &resolvedAt, &f.CreatedAt); err != nil {
		return FlagRecord{}, err
	}
	sev, err := anticheat.ParseSeverity(severity)
	if err != nil {
		return FlagRecord{}, err
	}
	f.Severity = sev
	f.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		f.ResolvedAt = &resolvedAt.Time
	}
	return f, nil
}

// ListFlags returns flags newest first.
func (r *Postgres) ListFlags(ctx context.Context, f FlagFilter) ([]FlagRecord, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	query := `SELECT ` + flagColumns + ` FROM anticheat_flags`
	var (
		args    []any
		clauses []string
	)
	if f.UnresolvedOnly {
		clauses = append(clauses, "resolved = FALSE")
	}
	if f.SessionID != "" {
		args = append(args, f.SessionID)
		clauses = append(clauses, "session_id = $"+strconv.Itoa(len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, f.Limit)
	query += " ORDER BY created_at DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list flags")
	}
	defer rows.Close()

	var res []FlagRecord
	for rows.Next() {
		fl, err := scanFlag(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan flag")
		}
		res = append(res, fl)
	}
	return res, errors.Wrap(rows.Err(), "list flags")
}

// ResolveFlag marks a flag reviewed. Resolving twice fails with ErrFlagResolved.
func (r *Postgres) ResolveFlag(ctx context.Context, id, resolver string, at time.Time) (FlagRecord, error) {
	f, err := scanFlag(r.db.QueryRowContext(ctx, `
		UPDATE anticheat_flags
		SET resolved = TRUE, resolved_by = $2, resolved_at = $3
		WHERE id = $1 AND resolved = FALSE
		RETURNING `+flagColumns, id, resolver, at))
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return FlagRecord{}, errors.Wrap(err, "resolve flag")
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM anticheat_flags WHERE id = $1)`, id).Scan(&exists); err != nil {
		return FlagRecord{}, errors.Wrap(err, "resolve flag")
	}
	if exists {
		return FlagRecord{}, ErrFlagResolved
	}
	return FlagRecord{}, ErrFlagNotFound
}
