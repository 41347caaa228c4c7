package db

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens a DB and ensures schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite" // modernc driver
		if dsn == "" {
			dsn = "file:proctor.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
		}
	case DriverPostgres:
		drvName = "pgx" // pgx stdlib driver
		if dsn == "" {
			dsn = "postgres://localhost:5432/proctor?sslmode=disable"
		}
	default:
		return nil, errors.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open db")
	}
	if driver == DriverSQLite {
		// modernc sqlite allows one writer at a time.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping db")
	}

	if err := ensureSchema(ctx, db, driver); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ensure schema")
	}
	return db, nil
}

func ensureSchema(ctx context.Context, db *sql.DB, driver Driver) error {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = schemaSQLite
	case DriverPostgres:
		schema = schemaPostgres
	}
	_, err := db.ExecContext(ctx, schema)
	return err
}

const schemaSQLite = `
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS exams (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  duration_minutes INTEGER NOT NULL,
  starts_at INTEGER,
  ends_at INTEGER,
  active INTEGER NOT NULL DEFAULT 0,
  security_json TEXT NOT NULL DEFAULT '{}',
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS questions (
  id TEXT NOT NULL,
  exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
  type TEXT NOT NULL,
  prompt TEXT NOT NULL,
  points INTEGER NOT NULL,
  position INTEGER NOT NULL,
  PRIMARY KEY (exam_id, id)
);

CREATE TABLE IF NOT EXISTS choices (
  id TEXT NOT NULL,
  exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
  question_id TEXT NOT NULL,
  label TEXT NOT NULL,
  is_correct INTEGER NOT NULL DEFAULT 0,
  position INTEGER NOT NULL,
  PRIMARY KEY (exam_id, id)
);

CREATE TABLE IF NOT EXISTS assignments (
  id TEXT PRIMARY KEY,
  exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
  student_id TEXT NOT NULL,
  status TEXT NOT NULL,
  assigned_at INTEGER NOT NULL,
  started_at INTEGER,
  submitted_at INTEGER,
  auto_score REAL,
  score REAL,
  security_violation TEXT,
  forced_submission INTEGER NOT NULL DEFAULT 0,
  submit_trigger TEXT NOT NULL DEFAULT '',
  graded_at INTEGER,
  UNIQUE (exam_id, student_id)
);

CREATE INDEX IF NOT EXISTS idx_assignments_open ON assignments(submitted_at, started_at);

CREATE TABLE IF NOT EXISTS answers (
  id TEXT PRIMARY KEY,
  assignment_id TEXT NOT NULL REFERENCES assignments(id) ON DELETE CASCADE,
  question_id TEXT NOT NULL,
  choice_id TEXT,
  answer_text TEXT,
  score REAL,
  feedback TEXT,
  graded_by TEXT NOT NULL DEFAULT '',
  updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_answers_assignment ON answers(assignment_id, question_id);

CREATE TABLE IF NOT EXISTS event_log (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  site_id TEXT NOT NULL DEFAULT 'local',
  typ TEXT NOT NULL,                         -- e.g., AttemptSubmitted
  key TEXT NOT NULL,                         -- natural key: assignment id
  data TEXT NOT NULL,                        -- JSON payload
  created_at INTEGER NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS exams (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  duration_minutes INTEGER NOT NULL,
  starts_at BIGINT,
  ends_at BIGINT,
  active BOOLEAN NOT NULL DEFAULT FALSE,
  security_json TEXT NOT NULL DEFAULT '{}',
  created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS questions (
  id TEXT NOT NULL,
  exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
  type TEXT NOT NULL,
  prompt TEXT NOT NULL,
  points INTEGER NOT NULL,
  position INTEGER NOT NULL,
  PRIMARY KEY (exam_id, id)
);

CREATE TABLE IF NOT EXISTS choices (
  id TEXT NOT NULL,
  exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
  question_id TEXT NOT NULL,
  label TEXT NOT NULL,
  is_correct BOOLEAN NOT NULL DEFAULT FALSE,
  position INTEGER NOT NULL,
  PRIMARY KEY (exam_id, id)
);

CREATE TABLE IF NOT EXISTS assignments (
  id TEXT PRIMARY KEY,
  exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
  student_id TEXT NOT NULL,
  status TEXT NOT NULL,
  assigned_at BIGINT NOT NULL,
  started_at BIGINT,
  submitted_at BIGINT,
  auto_score DOUBLE PRECISION,
  score DOUBLE PRECISION,
  security_violation TEXT,
  forced_submission BOOLEAN NOT NULL DEFAULT FALSE,
  submit_trigger TEXT NOT NULL DEFAULT '',
  graded_at BIGINT,
  UNIQUE (exam_id, student_id)
);

CREATE INDEX IF NOT EXISTS idx_assignments_open ON assignments(submitted_at, started_at);

CREATE TABLE IF NOT EXISTS answers (
  id TEXT PRIMARY KEY,
  assignment_id TEXT NOT NULL REFERENCES assignments(id) ON DELETE CASCADE,
  question_id TEXT NOT NULL,
  choice_id TEXT,
  answer_text TEXT,
  score DOUBLE PRECISION,
  feedback TEXT,
  graded_by TEXT NOT NULL DEFAULT '',
  updated_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_answers_assignment ON answers(assignment_id, question_id);

CREATE TABLE IF NOT EXISTS event_log (
  seq BIGSERIAL PRIMARY KEY,
  site_id TEXT NOT NULL DEFAULT 'local',
  typ TEXT NOT NULL,
  key TEXT NOT NULL,
  data TEXT NOT NULL,
  created_at BIGINT NOT NULL
);
`
