// Package sqlite persists completed call records. The live-call pipeline
// is the writer; the REST API is the reader. Display clients never read
// from here directly, the bus only carries copies.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/emsdesk/livecall/pkg/logger"
)

// Import logger functions
var (
	String = logger.String
	Error  = logger.Error
)

// CallRecord represents one completed call in the database
type CallRecord struct {
	ID               int64     `json:"id"`
	CallID           string    `json:"call_id"`
	Source           string    `json:"source"` // "realtime_call" or "patient_journey"
	Transcript       string    `json:"transcript"`
	DurationSecs     float64   `json:"duration_seconds"`
	Language         string    `json:"language"`
	WordCount        int       `json:"word_count"`
	SOAPSubjective   string    `json:"soap_subjective"`
	SOAPObjective    string    `json:"soap_objective"`
	SOAPAssessment   string    `json:"soap_assessment"`
	SOAPPlan         string    `json:"soap_plan"`
	UrgencyLevel     string    `json:"urgency_level"`
	UrgencyScore     int       `json:"urgency_score"`
	UrgencyReasoning string    `json:"urgency_reasoning"`
	CreatedAt        time.Time `json:"created_at"`
}

// CallStorage handles storage of call records
type CallStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewCallStorage opens (or creates) the SQLite database at dbPath
func NewCallStorage(dbPath string, log *logger.Logger) (*CallStorage, error) {
	storageLogger := log.Named("sqlite")

	storageLogger.Info("Initializing SQLite storage", String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	storage := &CallStorage{
		db:     db,
		logger: storageLogger,
	}

	if err := storage.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// initDB initializes the database tables
func (s *CallStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id TEXT NOT NULL UNIQUE,
			source TEXT NOT NULL,
			transcript TEXT NOT NULL,
			duration_seconds REAL NOT NULL,
			language TEXT NOT NULL,
			word_count INTEGER NOT NULL,
			soap_subjective TEXT,
			soap_objective TEXT,
			soap_assessment TEXT,
			soap_plan TEXT,
			urgency_level TEXT,
			urgency_score INTEGER,
			urgency_reasoning TEXT,
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create calls table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_calls_call_id ON calls(call_id)`)
	if err != nil {
		return fmt.Errorf("failed to create call_id index: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_calls_created_at ON calls(created_at)`)
	if err != nil {
		return fmt.Errorf("failed to create created_at index: %w", err)
	}

	return nil
}

// SaveCall inserts a completed call record. Saving the same call_id twice
// replaces the earlier row (a finalize retry must not duplicate the call).
func (s *CallStorage) SaveCall(rec *CallRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO calls (
			call_id, source, transcript, duration_seconds, language, word_count,
			soap_subjective, soap_objective, soap_assessment, soap_plan,
			urgency_level, urgency_score, urgency_reasoning, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, rec.Source, rec.Transcript, rec.DurationSecs, rec.Language, rec.WordCount,
		rec.SOAPSubjective, rec.SOAPObjective, rec.SOAPAssessment, rec.SOAPPlan,
		rec.UrgencyLevel, rec.UrgencyScore, rec.UrgencyReasoning, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save call %s: %w", rec.CallID, err)
	}

	s.logger.Debug("Saved call record", String("call_id", rec.CallID))
	return nil
}

// GetCalls returns the most recent call records, newest first.
func (s *CallStorage) GetCalls(limit int) ([]*CallRecord, error) {
	if limit <= 0 {
		limit = 200
	}

	rows, err := s.db.Query(`
		SELECT id, call_id, source, transcript, duration_seconds, language, word_count,
			COALESCE(soap_subjective, ''), COALESCE(soap_objective, ''),
			COALESCE(soap_assessment, ''), COALESCE(soap_plan, ''),
			COALESCE(urgency_level, ''), COALESCE(urgency_score, 0),
			COALESCE(urgency_reasoning, ''), created_at
		FROM calls
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query calls: %w", err)
	}
	defer rows.Close()

	var records []*CallRecord
	for rows.Next() {
		rec := &CallRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.CallID, &rec.Source, &rec.Transcript, &rec.DurationSecs,
			&rec.Language, &rec.WordCount,
			&rec.SOAPSubjective, &rec.SOAPObjective, &rec.SOAPAssessment, &rec.SOAPPlan,
			&rec.UrgencyLevel, &rec.UrgencyScore, &rec.UrgencyReasoning, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan call record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetCall returns one call by its call_id, or nil if absent.
func (s *CallStorage) GetCall(callID string) (*CallRecord, error) {
	rec := &CallRecord{}
	err := s.db.QueryRow(`
		SELECT id, call_id, source, transcript, duration_seconds, language, word_count,
			COALESCE(soap_subjective, ''), COALESCE(soap_objective, ''),
			COALESCE(soap_assessment, ''), COALESCE(soap_plan, ''),
			COALESCE(urgency_level, ''), COALESCE(urgency_score, 0),
			COALESCE(urgency_reasoning, ''), created_at
		FROM calls WHERE call_id = ?`, callID).Scan(
		&rec.ID, &rec.CallID, &rec.Source, &rec.Transcript, &rec.DurationSecs,
		&rec.Language, &rec.WordCount,
		&rec.SOAPSubjective, &rec.SOAPObjective, &rec.SOAPAssessment, &rec.SOAPPlan,
		&rec.UrgencyLevel, &rec.UrgencyScore, &rec.UrgencyReasoning, &rec.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query call %s: %w", callID, err)
	}
	return rec, nil
}

// Close closes the database
func (s *CallStorage) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database handle
func (s *CallStorage) GetDB() *sql.DB {
	return s.db
}
