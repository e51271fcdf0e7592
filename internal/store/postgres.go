package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/hydrowatch/backend/internal/core"
)

// PostgresStore persists samples and detections in two append-only
// tables. Detections store the full result as JSONB so rule details
// survive without schema churn.
type PostgresStore struct {
	db *sql.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS samples (
	id           TEXT,
	location     TEXT NOT NULL,
	ts           TIMESTAMPTZ NOT NULL,
	pressure     DOUBLE PRECISION NOT NULL,
	flow         DOUBLE PRECISION NOT NULL,
	valve_state  TEXT,
	temperature  DOUBLE PRECISION,
	conductivity DOUBLE PRECISION
);
CREATE INDEX IF NOT EXISTS samples_location_ts ON samples (location, ts);

CREATE TABLE IF NOT EXISTS detections (
	id        TEXT PRIMARY KEY,
	location  TEXT NOT NULL,
	ts        TIMESTAMPTZ NOT NULL,
	is_leak   BOOLEAN NOT NULL,
	severity  TEXT NOT NULL,
	payload   JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS detections_location_ts ON detections (location, ts DESC);
`

// NewPostgres connects, pings, and ensures the schema exists.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}

	slog.Info("Postgres sample store connected")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveSample(ctx context.Context, sample *core.RawSample) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO samples (id, location, ts, pressure, flow, valve_state, temperature, conductivity)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sample.ID, sample.Location, sample.Timestamp, sample.Pressure, sample.Flow,
		string(sample.ValveState), sample.Temperature, sample.Conductivity)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentSamples(ctx context.Context, location string, since time.Time) ([]core.RawSample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, location, ts, pressure, flow, valve_state, temperature, conductivity
		 FROM samples WHERE location = $1 AND ts >= $2 ORDER BY ts ASC`,
		location, since)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	var out []core.RawSample
	for rows.Next() {
		var sample core.RawSample
		var valveState string
		if err := rows.Scan(&sample.ID, &sample.Location, &sample.Timestamp,
			&sample.Pressure, &sample.Flow, &valveState,
			&sample.Temperature, &sample.Conductivity); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		sample.ValveState = core.ValvePosition(valveState)
		out = append(out, sample)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveDetection(ctx context.Context, result *core.DetectionResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal detection: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO detections (id, location, ts, is_leak, severity, payload)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
		result.ID, result.Sample.Location, result.Timestamp, result.IsLeak,
		result.Severity.String(), payload)
	if err != nil {
		return fmt.Errorf("insert detection: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentDetections(ctx context.Context, location string, limit int) ([]core.DetectionResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM detections WHERE location = $1 ORDER BY ts DESC LIMIT $2`,
		location, limit)
	if err != nil {
		return nil, fmt.Errorf("query detections: %w", err)
	}
	defer rows.Close()

	var out []core.DetectionResult
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		var result core.DetectionResult
		if err := json.Unmarshal(payload, &result); err != nil {
			continue
		}
		out = append(out, result)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
