package db

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/rts.bridge/internal/transport"
)

// CommandStats summarises the send attempts since a point in time.
type CommandStats struct {
	Since     time.Time                 `json:"since"`
	Total     int                       `json:"total"`
	ByOutcome map[transport.Outcome]int `json:"by_outcome"`
	// Latency figures cover confirmed attempts only, in milliseconds.
	LatencyMeanMs   float64 `json:"latency_mean_ms"`
	LatencyMedianMs float64 `json:"latency_median_ms"`
	LatencyP95Ms    float64 `json:"latency_p95_ms"`
	LatencyMaxMs    float64 `json:"latency_max_ms"`
}

// CommandStats counts attempts by outcome and summarises confirmation
// latency for attempts started at or after since.
func (db *DB) CommandStats(since time.Time) (CommandStats, error) {
	stats := CommandStats{
		Since:     since.UTC(),
		ByOutcome: make(map[transport.Outcome]int),
	}

	rows, err := db.Query(
		`SELECT outcome, COUNT(*) FROM commands
		WHERE started_unix_nanos >= ? GROUP BY outcome`, since.UnixNano())
	if err != nil {
		return stats, err
	}
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			rows.Close()
			return stats, err
		}
		stats.ByOutcome[transport.Outcome(outcome)] = n
		stats.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	rows, err = db.Query(
		`SELECT latency_ns FROM commands
		WHERE started_unix_nanos >= ? AND outcome = ?`, since.UnixNano(), string(transport.OutcomeConfirmed))
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	var latencies []float64
	for rows.Next() {
		var ns int64
		if err := rows.Scan(&ns); err != nil {
			return stats, err
		}
		latencies = append(latencies, float64(ns)/float64(time.Millisecond))
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	if len(latencies) > 0 {
		sort.Float64s(latencies)
		stats.LatencyMeanMs = stat.Mean(latencies, nil)
		stats.LatencyMedianMs = stat.Quantile(0.5, stat.Empirical, latencies, nil)
		stats.LatencyP95Ms = stat.Quantile(0.95, stat.Empirical, latencies, nil)
		stats.LatencyMaxMs = latencies[len(latencies)-1]
	}
	return stats, nil
}
