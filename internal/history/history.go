// Package history persists the adaptive controller's per-round decisions to
// SQLite, the Go-native replacement for vdbtest.py's CSV LogWriter (spec.md
// marks CSV formatting itself out of scope, not the underlying need to keep
// a record of every round).
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// TargetSample is one target's requested/achieved rate and latency for a
// round, keyed by target name in Round.Targets.
type TargetSample struct {
	RequestedIOPS float64 `json:"requested_iops"`
	AchievedIOPS  float64 `json:"achieved_iops"`
	LatencyMS     float64 `json:"latency_ms"`
	Blacklisted   bool    `json:"blacklisted"`
}

// Round is one controller iteration's outcome.
type Round struct {
	ID           int64
	Number       int
	Targets      map[string]TargetSample
	AllPassed    bool
	BinarySearch bool
	BracketLower float64
	BracketUpper float64
	Timestamp    time.Time
}

// Store persists Rounds to a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rounds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		number INTEGER NOT NULL,
		targets TEXT NOT NULL,
		all_passed BOOLEAN NOT NULL,
		binary_search BOOLEAN NOT NULL,
		bracket_lower REAL NOT NULL,
		bracket_upper REAL NOT NULL,
		timestamp DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_rounds_number ON rounds(number);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("history: create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRound inserts one round's outcome.
func (s *Store) SaveRound(r Round) (int64, error) {
	targetsJSON, err := json.Marshal(r.Targets)
	if err != nil {
		return 0, fmt.Errorf("history: marshal targets: %w", err)
	}

	result, err := s.db.Exec(`
		INSERT INTO rounds (number, targets, all_passed, binary_search, bracket_lower, bracket_upper, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.Number, string(targetsJSON), r.AllPassed, r.BinarySearch, r.BracketLower, r.BracketUpper, r.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("history: insert round: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("history: get round id: %w", err)
	}
	return id, nil
}

// Rounds returns every persisted round, ordered by round number ascending.
func (s *Store) Rounds() ([]Round, error) {
	rows, err := s.db.Query(`
		SELECT id, number, targets, all_passed, binary_search, bracket_lower, bracket_upper, timestamp
		FROM rounds
		ORDER BY number ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("history: query rounds: %w", err)
	}
	defer rows.Close()

	var out []Round
	for rows.Next() {
		var r Round
		var targetsJSON string
		if err := rows.Scan(&r.ID, &r.Number, &targetsJSON, &r.AllPassed, &r.BinarySearch, &r.BracketLower, &r.BracketUpper, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("history: scan round: %w", err)
		}
		if err := json.Unmarshal([]byte(targetsJSON), &r.Targets); err != nil {
			return nil, fmt.Errorf("history: unmarshal targets: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate rounds: %w", err)
	}
	return out, nil
}

// LatestRound returns the saved round with the highest round number, or
// ok=false if none have been saved yet.
func (s *Store) LatestRound() (round Round, ok bool, err error) {
	row := s.db.QueryRow(`
		SELECT id, number, targets, all_passed, binary_search, bracket_lower, bracket_upper, timestamp
		FROM rounds
		ORDER BY number DESC
		LIMIT 1
	`)
	var targetsJSON string
	scanErr := row.Scan(&round.ID, &round.Number, &targetsJSON, &round.AllPassed, &round.BinarySearch, &round.BracketLower, &round.BracketUpper, &round.Timestamp)
	if scanErr == sql.ErrNoRows {
		return Round{}, false, nil
	}
	if scanErr != nil {
		return Round{}, false, fmt.Errorf("history: query latest round: %w", scanErr)
	}
	if err := json.Unmarshal([]byte(targetsJSON), &round.Targets); err != nil {
		return Round{}, false, fmt.Errorf("history: unmarshal targets: %w", err)
	}
	return round, true, nil
}
