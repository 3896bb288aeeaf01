package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/classwatch/internal/domain"
	"github.com/ashureev/classwatch/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	writer *writer
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets dashboard reads proceed while the writer commits.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	s.writer = newWriter(db, 256)

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS violations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		student_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		confidence REAL NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		bbox_json TEXT,
		occurred_at INTEGER NOT NULL,
		received_at INTEGER NOT NULL,
		clock_skew_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_violations_student ON violations(student_id, seq);
	CREATE INDEX IF NOT EXISTS idx_violations_received ON violations(received_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Append inserts ev and sets its Seq from the autoincrement key.
func (s *SQLiteStore) Append(ctx context.Context, ev *domain.ViolationEvent) error {
	var bbox interface{}
	if ev.BBox != nil {
		raw, err := json.Marshal(ev.BBox)
		if err != nil {
			return fmt.Errorf("%w: encode bbox: %v", ErrStoreWrite, err)
		}
		bbox = string(raw)
	}

	query := `
	INSERT INTO violations (event_id, student_id, kind, confidence, details, bbox_json,
		occurred_at, received_at, clock_skew_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var seq int64
	err := shared.RetryOnConflict(ctx, shared.DefaultConflictRetry, "insert violation", func() error {
		return s.writer.do(ctx, func(ctx context.Context, tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, query,
				ev.EventID, ev.StudentID, string(ev.Kind), ev.Confidence, ev.Details, bbox,
				ev.OccurredAt.UnixNano(), ev.ReceivedAt.UnixNano(), ev.ClockSkewMS,
			)
			if err != nil {
				return err
			}
			seq, err = res.LastInsertId()
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}

	ev.Seq = seq
	return nil
}

// List returns events matching q in ascending seq order.
func (s *SQLiteStore) List(ctx context.Context, q Query) ([]domain.ViolationEvent, error) {
	var (
		where []string
		args  []interface{}
	)
	where = append(where, "seq > ?")
	args = append(args, q.AfterSeq)
	if q.StudentID != "" {
		where = append(where, "student_id = ?")
		args = append(args, q.StudentID)
	}
	if !q.Since.IsZero() {
		where = append(where, "received_at >= ?")
		args = append(args, q.Since.UnixNano())
	}

	query := `
		SELECT seq, event_id, student_id, kind, confidence, details, bbox_json,
		       occurred_at, received_at, clock_skew_ms
		FROM violations WHERE ` + strings.Join(where, " AND ") + ` ORDER BY seq ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close violation rows", "error", closeErr)
		}
	}()

	var events []domain.ViolationEvent
	for rows.Next() {
		var (
			ev                   domain.ViolationEvent
			kind                 string
			bbox                 sql.NullString
			occurredAt, received int64
		)
		if err := rows.Scan(
			&ev.Seq, &ev.EventID, &ev.StudentID, &kind, &ev.Confidence, &ev.Details, &bbox,
			&occurredAt, &received, &ev.ClockSkewMS,
		); err != nil {
			return nil, fmt.Errorf("scan violation row: %w", err)
		}
		ev.Kind = domain.Kind(kind)
		ev.OccurredAt = time.Unix(0, occurredAt).UTC()
		ev.ReceivedAt = time.Unix(0, received).UTC()
		if bbox.Valid {
			var b domain.BBox
			if err := json.Unmarshal([]byte(bbox.String), &b); err != nil {
				slog.Warn("discarding malformed bbox", "event_id", ev.EventID, "error", err)
			} else {
				ev.BBox = &b
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate violations: %w", err)
	}

	return events, nil
}

// Count returns the number of stored events.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM violations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count violations: %w", err)
	}
	return n, nil
}

// Students summarises events per student.
func (s *SQLiteStore) Students(ctx context.Context) ([]StudentSummary, error) {
	query := `
		SELECT student_id, COUNT(*), MIN(received_at), MAX(received_at)
		FROM violations GROUP BY student_id ORDER BY student_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query students: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close student rows", "error", closeErr)
		}
	}()

	var out []StudentSummary
	for rows.Next() {
		var (
			sum         StudentSummary
			first, last int64
		)
		if err := rows.Scan(&sum.StudentID, &sum.Count, &first, &last); err != nil {
			return nil, fmt.Errorf("scan student row: %w", err)
		}
		sum.FirstSeen = time.Unix(0, first).UTC()
		sum.LastSeen = time.Unix(0, last).UTC()
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate students: %w", err)
	}
	return out, nil
}

// PruneBefore deletes events received before cutoff.
func (s *SQLiteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := shared.RetryOnConflict(ctx, shared.DefaultConflictRetry, "prune violations", func() error {
		return s.writer.do(ctx, func(ctx context.Context, tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `DELETE FROM violations WHERE received_at < ?`, cutoff.UnixNano())
			if err != nil {
				return err
			}
			removed, err = res.RowsAffected()
			return err
		})
	})
	if err != nil {
		return 0, fmt.Errorf("prune violations: %w", err)
	}
	return removed, nil
}

// Close stops the writer and closes the database connection.
func (s *SQLiteStore) Close() error {
	s.writer.close()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
