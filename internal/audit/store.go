// Package audit persists completed session summaries and sequence-validation
// reports. It sits at the persistence collaborator boundary: records go in as
// opaque rows and nothing is read back into the session subsystem.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/codefionn/streamgate/internal/events"
	"github.com/codefionn/streamgate/internal/sessions"
)

// Store handles SQLite operations for the audit trail.
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (or creates) the audit database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	store := &Store{db: db, dbPath: dbPath}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_summaries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		isolation_key TEXT NOT NULL,
		user_id TEXT NOT NULL,
		thread_id TEXT,
		run_id TEXT,
		created_at DATETIME NOT NULL,
		closed_at DATETIME NOT NULL,
		connections_total INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sequence_reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		score REAL NOT NULL,
		required_count INTEGER NOT NULL,
		present_count INTEGER NOT NULL,
		missing_critical TEXT,
		impact TEXT NOT NULL,
		recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_summaries_user ON session_summaries(user_id);
	CREATE INDEX IF NOT EXISTS idx_reports_run ON sequence_reports(run_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// RecordSessionSummary stores one completed-session record. Implements
// sessions.SummaryRecorder.
func (s *Store) RecordSessionSummary(summary sessions.SessionSummary) error {
	_, err := s.db.Exec(`
		INSERT INTO session_summaries
			(isolation_key, user_id, thread_id, run_id, created_at, closed_at, connections_total, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		summary.IsolationKey, summary.UserID, summary.ThreadID, summary.RunID,
		summary.CreatedAt, summary.ClosedAt, summary.ConnectionsTotal, summary.Reason)
	if err != nil {
		return fmt.Errorf("failed to record session summary: %w", err)
	}
	return nil
}

// RecordSequenceReport stores one sequence-validation verdict.
func (s *Store) RecordSequenceReport(report events.SequenceReport) error {
	missing, err := json.Marshal(report.MissingCritical)
	if err != nil {
		return fmt.Errorf("failed to encode missing list: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO sequence_reports
			(run_id, score, required_count, present_count, missing_critical, impact)
		VALUES (?, ?, ?, ?, ?, ?)`,
		report.RunID, report.Score, report.RequiredCount, report.PresentCount,
		string(missing), string(report.Impact))
	if err != nil {
		return fmt.Errorf("failed to record sequence report: %w", err)
	}
	return nil
}

// SummaryCountForUser returns how many session summaries a user has on
// record.
func (s *Store) SummaryCountForUser(userID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM session_summaries WHERE user_id = ?", userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count summaries: %w", err)
	}
	return count, nil
}

// LatestSequenceReport returns the most recent report for a run.
func (s *Store) LatestSequenceReport(runID string) (*events.SequenceReport, error) {
	row := s.db.QueryRow(`
		SELECT run_id, score, required_count, present_count, missing_critical, impact
		FROM sequence_reports WHERE run_id = ?
		ORDER BY id DESC LIMIT 1`, runID)

	var report events.SequenceReport
	var missing string
	var impact string
	err := row.Scan(&report.RunID, &report.Score, &report.RequiredCount,
		&report.PresentCount, &missing, &impact)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no sequence report for run %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sequence report: %w", err)
	}

	report.Impact = events.RevenueImpact(impact)
	if strings.TrimSpace(missing) != "" {
		if err := json.Unmarshal([]byte(missing), &report.MissingCritical); err != nil {
			return nil, fmt.Errorf("failed to decode missing list: %w", err)
		}
	}
	return &report, nil
}
