package conversation

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteHistory persists turns so evicted conversations can be
// rehydrated and thread membership survives restarts.
type SQLiteHistory struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteHistory creates or opens the turn history database at the
// given file path.
func NewSQLiteHistory(dbPath string) (*SQLiteHistory, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	h := &SQLiteHistory{db: db, dbPath: dbPath}
	if err := h.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return h, nil
}

func (h *SQLiteHistory) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		channel TEXT NOT NULL,
		thread TEXT NOT NULL,
		query TEXT NOT NULL,
		author TEXT NOT NULL,
		answer TEXT,
		artifact_id TEXT,
		steps_json TEXT,
		outcome TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_conversation
		ON turns(channel, thread, finished_at);
	`
	_, err := h.db.Exec(schema)
	return err
}

// RecordTurn inserts one finished turn.
func (h *SQLiteHistory) RecordTurn(key Key, turn Turn) error {
	steps, err := json.Marshal(turn.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode steps: %w", err)
	}
	_, err = h.db.Exec(`
		INSERT OR REPLACE INTO turns
		(id, channel, thread, query, author, answer, artifact_id, steps_json, outcome, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, key.Channel, key.Thread, turn.Query, turn.Author,
		turn.Answer, turn.ArtifactID, string(steps), string(turn.Outcome),
		turn.StartedAt.UTC().Format(time.RFC3339Nano),
		turn.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert turn: %w", err)
	}
	return nil
}

// RecentTurns returns up to n most recent turns for the key, oldest
// first.
func (h *SQLiteHistory) RecentTurns(key Key, n int) ([]Turn, error) {
	rows, err := h.db.Query(`
		SELECT id, query, author, answer, artifact_id, steps_json, outcome, started_at, finished_at
		FROM turns
		WHERE channel = ? AND thread = ?
		ORDER BY finished_at DESC
		LIMIT ?`,
		key.Channel, key.Thread, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var stepsJSON, outcome, started, finished string
		if err := rows.Scan(&t.ID, &t.Query, &t.Author, &t.Answer,
			&t.ArtifactID, &stepsJSON, &outcome, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		if stepsJSON != "" {
			if err := json.Unmarshal([]byte(stepsJSON), &t.Steps); err != nil {
				return nil, fmt.Errorf("failed to decode steps: %w", err)
			}
		}
		t.Outcome = Outcome(outcome)
		t.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		t.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// HasThread reports whether any turn was recorded for the thread.
func (h *SQLiteHistory) HasThread(channel, thread string) (bool, error) {
	var exists bool
	err := h.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM turns WHERE channel = ? AND thread = ?)`,
		channel, thread).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check thread: %w", err)
	}
	return exists, nil
}

// Path returns the database file path.
func (h *SQLiteHistory) Path() string {
	return h.dbPath
}

// Close closes the database.
func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}
