package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// schema is idempotent. The unique (student_id, session_id) constraint on
// attendance_records is what makes concurrent check-ins safe across processes.
const schema = `
CREATE TABLE IF NOT EXISTS class_sessions (
	id                TEXT PRIMARY KEY,
	course_id         TEXT NOT NULL,
	title             TEXT NOT NULL DEFAULT '',
	starts_at         TIMESTAMPTZ NOT NULL,
	ends_at           TIMESTAMPTZ NOT NULL,
	latitude          DOUBLE PRECISION,
	longitude         DOUBLE PRECISION,
	geofence_radius_m DOUBLE PRECISION,
	status            TEXT NOT NULL DEFAULT 'scheduled'
		CHECK (status IN ('scheduled', 'active', 'completed', 'cancelled')),
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK (ends_at > starts_at)
);

CREATE TABLE IF NOT EXISTS qr_tokens (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL UNIQUE REFERENCES class_sessions(id) ON DELETE CASCADE,
	code       TEXT NOT NULL UNIQUE CHECK (length(code) >= 32),
	expires_at TIMESTAMPTZ NOT NULL,
	active     BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS attendance_records (
	id                 TEXT PRIMARY KEY,
	student_id         TEXT NOT NULL,
	session_id         TEXT NOT NULL REFERENCES class_sessions(id),
	status             TEXT NOT NULL CHECK (status IN ('present', 'late', 'absent', 'excused')),
	marked_at          TIMESTAMPTZ NOT NULL,
	latitude           DOUBLE PRECISION,
	longitude          DOUBLE PRECISION,
	device_fingerprint TEXT NOT NULL DEFAULT '',
	source_ip          TEXT NOT NULL DEFAULT '',
	qr_token_id        TEXT REFERENCES qr_tokens(id) ON DELETE SET NULL,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (student_id, session_id)
);

CREATE INDEX IF NOT EXISTS idx_attendance_records_student ON attendance_records(student_id, marked_at DESC);

CREATE TABLE IF NOT EXISTS anticheat_flags (
	id            TEXT PRIMARY KEY,
	attendance_id TEXT NOT NULL REFERENCES attendance_records(id) ON DELETE CASCADE,
	student_id    TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	flag_type     TEXT NOT NULL,
	severity      TEXT NOT NULL CHECK (severity IN ('low', 'medium', 'high', 'critical')),
	description   TEXT NOT NULL DEFAULT '',
	resolved      BOOLEAN NOT NULL DEFAULT FALSE,
	resolved_by   TEXT,
	resolved_at   TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_anticheat_flags_unresolved ON anticheat_flags(created_at DESC) WHERE NOT resolved;

CREATE TABLE IF NOT EXISTS attendance_audit_log (
	id            TEXT PRIMARY KEY,
	attendance_id TEXT NOT NULL REFERENCES attendance_records(id) ON DELETE CASCADE,
	actor_id      TEXT NOT NULL,
	action        TEXT NOT NULL,
	details       TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return errors.Wrap(err, "migrate")
}
