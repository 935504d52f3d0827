package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/rts.bridge/internal/transport"
)

// CommandRecord is one logged send attempt.
type CommandRecord struct {
	ID         string            `json:"id"`
	Command    string            `json:"command"`
	Outcome    transport.Outcome `json:"outcome"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	WrittenAt  *time.Time        `json:"written_at,omitempty"`
	LatencyMs  float64           `json:"latency_ms"`
	Mismatches []string          `json:"mismatches,omitempty"`
}

// DefaultRecentLimit is used when RecentCommands is given a non-positive limit.
const DefaultRecentLimit = 100

// MaxRecentLimit caps RecentCommands.
const MaxRecentLimit = 1000

// RecordSend stores one send attempt. It implements transport.Recorder.
func (db *DB) RecordSend(r transport.SendResult) error {
	mismatches := r.Mismatches
	if mismatches == nil {
		mismatches = []string{}
	}
	mismatchesJSON, err := json.Marshal(mismatches)
	if err != nil {
		return fmt.Errorf("failed to encode mismatches: %w", err)
	}

	var written sql.NullInt64
	if !r.WrittenAt.IsZero() {
		written = sql.NullInt64{Int64: r.WrittenAt.UnixNano(), Valid: true}
	}

	_, err = db.Exec(
		`INSERT INTO commands (
			command_id, command, outcome, error, started_unix_nanos,
			written_unix_nanos, latency_ns, mismatches_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Command, string(r.Outcome), r.Error, r.StartedAt.UnixNano(),
		written, int64(r.Latency), string(mismatchesJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to record command %s: %w", r.ID, err)
	}
	return nil
}

// RecentCommands returns the most recent attempts, newest first.
func (db *DB) RecentCommands(limit int) ([]CommandRecord, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}

	rows, err := db.Query(
		`SELECT command_id, command, outcome, error, started_unix_nanos,
			written_unix_nanos, latency_ns, mismatches_json
		FROM commands ORDER BY started_unix_nanos DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []CommandRecord{}
	for rows.Next() {
		var (
			rec            CommandRecord
			outcome        string
			startedNanos   int64
			writtenNanos   sql.NullInt64
			latencyNanos   int64
			mismatchesJSON string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Command,
			&outcome,
			&rec.Error,
			&startedNanos,
			&writtenNanos,
			&latencyNanos,
			&mismatchesJSON,
		); err != nil {
			return nil, err
		}

		rec.Outcome = transport.Outcome(outcome)
		rec.StartedAt = time.Unix(0, startedNanos).UTC()
		if writtenNanos.Valid {
			w := time.Unix(0, writtenNanos.Int64).UTC()
			rec.WrittenAt = &w
		}
		rec.LatencyMs = float64(latencyNanos) / float64(time.Millisecond)
		if err := json.Unmarshal([]byte(mismatchesJSON), &rec.Mismatches); err != nil {
			return nil, fmt.Errorf("failed to decode mismatches for %s: %w", rec.ID, err)
		}
		if len(rec.Mismatches) == 0 {
			rec.Mismatches = nil
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
