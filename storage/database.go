package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Database represents the SQLite database connection
type Database struct {
	db     *sql.DB
	logger *logrus.Logger
}

// LoginAttempt is one pass through the login retry loop
type LoginAttempt struct {
	ID         int       `json:"id"`
	Username   string    `json:"username"`
	SessionID  string    `json:"session_id"`
	Attempt    int       `json:"attempt"`
	Challenge  string    `json:"challenge"`
	Outcome    string    `json:"outcome"` // success, bad_credentials, bad_challenge, timeout
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// SnapshotRecord notes where a credential snapshot was written
type SnapshotRecord struct {
	ID          int       `json:"id"`
	Username    string    `json:"username"`
	URL         string    `json:"url"`
	Path        string    `json:"path"`
	CookieCount int       `json:"cookie_count"`
	SavedAt     time.Time `json:"saved_at"`
}

// Extraction is an artifact produced after login
type Extraction struct {
	ID        int       `json:"id"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`   // timetable, attendance, calendar, courses
	Status    string    `json:"status"` // ok, failed
	Path      string    `json:"path"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// NewDatabase creates a new database connection
func NewDatabase(dbPath string, logger *logrus.Logger) (*Database, error) {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	database := &Database{
		db:     db,
		logger: logger,
	}

	if err := database.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	logger.Info("Database initialized successfully")
	return database, nil
}

// initTables creates all necessary tables
func (d *Database) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS login_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL,
			session_id TEXT,
			attempt INTEGER NOT NULL,
			challenge TEXT,
			outcome TEXT NOT NULL,
			duration_ms INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL,
			url TEXT,
			path TEXT NOT NULL,
			cookie_count INTEGER DEFAULT 0,
			saved_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS extractions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			path TEXT,
			detail TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_login_attempts_username ON login_attempts(username)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_username ON snapshots(username)`,
		`CREATE INDEX IF NOT EXISTS idx_extractions_session ON extractions(session_id)`,
	}

	for _, query := range queries {
		if _, err := d.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	return nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// SaveLoginAttempt records one login attempt
func (d *Database) SaveLoginAttempt(attempt *LoginAttempt) error {
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO login_attempts (username, session_id, attempt, challenge, outcome, duration_ms, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`

	result, err := d.db.Exec(query, attempt.Username, attempt.SessionID, attempt.Attempt, attempt.Challenge, attempt.Outcome, attempt.DurationMS, attempt.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save login attempt: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get login attempt ID: %w", err)
	}

	attempt.ID = int(id)
	d.logger.WithFields(logrus.Fields{
		"username": attempt.Username,
		"attempt":  attempt.Attempt,
		"outcome":  attempt.Outcome,
	}).Debug("Login attempt saved")
	return nil
}

// GetLoginAttempts retrieves the most recent attempts for a user, newest first
func (d *Database) GetLoginAttempts(username string, limit int) ([]*LoginAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, username, session_id, attempt, challenge, outcome, duration_ms, created_at
			  FROM login_attempts WHERE username = ? ORDER BY id DESC LIMIT ?`

	rows, err := d.db.Query(query, username, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get login attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*LoginAttempt
	for rows.Next() {
		var a LoginAttempt
		if err := rows.Scan(&a.ID, &a.Username, &a.SessionID, &a.Attempt, &a.Challenge, &a.Outcome, &a.DurationMS, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan login attempt: %w", err)
		}
		attempts = append(attempts, &a)
	}

	return attempts, rows.Err()
}

// SaveSnapshotRecord records a persisted credential snapshot
func (d *Database) SaveSnapshotRecord(rec *SnapshotRecord) error {
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now().UTC()
	}
	query := `INSERT INTO snapshots (username, url, path, cookie_count, saved_at)
			  VALUES (?, ?, ?, ?, ?)`

	result, err := d.db.Exec(query, rec.Username, rec.URL, rec.Path, rec.CookieCount, rec.SavedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save snapshot record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get snapshot record ID: %w", err)
	}

	rec.ID = int(id)
	d.logger.WithField("path", rec.Path).Debug("Snapshot record saved")
	return nil
}

// GetLatestSnapshot returns the newest snapshot record for a user, or nil
func (d *Database) GetLatestSnapshot(username string) (*SnapshotRecord, error) {
	query := `SELECT id, username, url, path, cookie_count, saved_at
			  FROM snapshots WHERE username = ? ORDER BY id DESC LIMIT 1`

	var rec SnapshotRecord
	err := d.db.QueryRow(query, username).Scan(&rec.ID, &rec.Username, &rec.URL, &rec.Path, &rec.CookieCount, &rec.SavedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get snapshot record: %w", err)
	}

	return &rec, nil
}

// SaveExtraction records an extraction artifact
func (d *Database) SaveExtraction(ex *Extraction) error {
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO extractions (session_id, kind, status, path, detail, created_at)
			  VALUES (?, ?, ?, ?, ?, ?)`

	result, err := d.db.Exec(query, ex.SessionID, ex.Kind, ex.Status, ex.Path, ex.Detail, ex.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save extraction: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get extraction ID: %w", err)
	}

	ex.ID = int(id)
	d.logger.WithFields(logrus.Fields{
		"session_id": ex.SessionID,
		"kind":       ex.Kind,
	}).Debug("Extraction saved")
	return nil
}

// GetExtractions retrieves the artifacts of one session in creation order
func (d *Database) GetExtractions(sessionID string) ([]*Extraction, error) {
	query := `SELECT id, session_id, kind, status, path, detail, created_at
			  FROM extractions WHERE session_id = ? ORDER BY id`

	rows, err := d.db.Query(query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get extractions: %w", err)
	}
	defer rows.Close()

	return scanExtractions(rows)
}

// GetDailyStats retrieves daily statistics
func (d *Database) GetDailyStats(date time.Time) (map[string]int, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM login_attempts WHERE DATE(created_at) = DATE(?)) as login_attempts,
			(SELECT COUNT(*) FROM login_attempts WHERE outcome = 'success' AND DATE(created_at) = DATE(?)) as logins_succeeded,
			(SELECT COUNT(*) FROM login_attempts WHERE outcome = 'bad_credentials' AND DATE(created_at) = DATE(?)) as credentials_rejected,
			(SELECT COUNT(*) FROM login_attempts WHERE outcome = 'bad_challenge' AND DATE(created_at) = DATE(?)) as challenges_rejected,
			(SELECT COUNT(*) FROM extractions WHERE status = 'ok' AND DATE(created_at) = DATE(?)) as extractions
	`

	day := date.UTC()
	row := d.db.QueryRow(query, day, day, day, day, day)
	var attempts, succeeded, badCreds, badChallenge, extractions int
	if err := row.Scan(&attempts, &succeeded, &badCreds, &badChallenge, &extractions); err != nil {
		return nil, fmt.Errorf("failed to get daily stats: %w", err)
	}

	stats := map[string]int{
		"login_attempts":       attempts,
		"logins_succeeded":     succeeded,
		"credentials_rejected": badCreds,
		"challenges_rejected":  badChallenge,
		"extractions":          extractions,
	}

	return stats, nil
}

// ExportData exports all data to JSON format
func (d *Database) ExportData() (map[string]interface{}, error) {
	data := make(map[string]interface{})

	attempts, err := d.getAllLoginAttempts()
	if err != nil {
		return nil, fmt.Errorf("failed to export login attempts: %w", err)
	}
	data["login_attempts"] = attempts

	snapshots, err := d.getAllSnapshots()
	if err != nil {
		return nil, fmt.Errorf("failed to export snapshots: %w", err)
	}
	data["snapshots"] = snapshots

	rows, err := d.db.Query(`SELECT id, session_id, kind, status, path, detail, created_at FROM extractions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to export extractions: %w", err)
	}
	defer rows.Close()
	extractions, err := scanExtractions(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to export extractions: %w", err)
	}
	data["extractions"] = extractions

	return data, nil
}

// Helper methods for data export
func (d *Database) getAllLoginAttempts() ([]*LoginAttempt, error) {
	query := `SELECT id, username, session_id, attempt, challenge, outcome, duration_ms, created_at FROM login_attempts ORDER BY id`
	rows, err := d.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*LoginAttempt
	for rows.Next() {
		var a LoginAttempt
		if err := rows.Scan(&a.ID, &a.Username, &a.SessionID, &a.Attempt, &a.Challenge, &a.Outcome, &a.DurationMS, &a.CreatedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

func (d *Database) getAllSnapshots() ([]*SnapshotRecord, error) {
	query := `SELECT id, username, url, path, cookie_count, saved_at FROM snapshots ORDER BY id`
	rows, err := d.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*SnapshotRecord
	for rows.Next() {
		var rec SnapshotRecord
		if err := rows.Scan(&rec.ID, &rec.Username, &rec.URL, &rec.Path, &rec.CookieCount, &rec.SavedAt); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func scanExtractions(rows *sql.Rows) ([]*Extraction, error) {
	var extractions []*Extraction
	for rows.Next() {
		var ex Extraction
		if err := rows.Scan(&ex.ID, &ex.SessionID, &ex.Kind, &ex.Status, &ex.Path, &ex.Detail, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan extraction: %w", err)
		}
		extractions = append(extractions, &ex)
	}
	return extractions, rows.Err()
}
