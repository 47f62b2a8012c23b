// Package audit persists everything the pipeline touches: validated input
// events, daily metric snapshots and the traceability rows linking them, in
// PostgreSQL, plus a JSONL log of validated events that the replay tool
// reads back. It also serves the HTTP query API.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/mvaldesr/observa/pkg/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the PostgreSQL persistence layer.
type Store struct {
	logger *zap.Logger
	pool   *pgxpool.Pool
	url    string
}

// StoredEvent is an input event as recorded in the database.
type StoredEvent struct {
	EventID    string          `json:"event_id"`
	Source     string          `json:"source"`
	Region     string          `json:"region"`
	Date       string          `json:"date"`
	Timestamp  string          `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// MetricRow is one persisted daily snapshot.
type MetricRow struct {
	ID        int64           `json:"id"`
	Date      string          `json:"date"`
	Region    string          `json:"region"`
	Metrics   json.RawMessage `json:"metrics"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// OpenStore connects a pgx pool and applies pending migrations.
func OpenStore(ctx context.Context, logger *zap.Logger, databaseURL string) (*Store, error) {
	if databaseURL == "" {
		return nil, errors.New("database URL is required")
	}

	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{logger: logger, pool: pool, url: databaseURL}
	if err := s.migrate(); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("Audit store ready")
	return s, nil
}

func (s *Store) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	db, err := sql.Open("pgx", s.url)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InsertEvent records a validated input event. Replays of an already stored
// event id are ignored.
func (s *Store) InsertEvent(ctx context.Context, ev *domain.Event, day string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO input_events (event_id, source, region, event_date, event_timestamp, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, string(ev.Source), ev.Region, day, ev.Timestamp, ev.Payload,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w", ev.EventID, err)
	}
	return nil
}

// UpsertSnapshot stores a daily snapshot, replacing any earlier one for the
// same (date, region). Late buckets re-flush through here, so last write
// wins per key. Returns the metric row id.
func (s *Store) UpsertSnapshot(ctx context.Context, snap domain.Snapshot) (int64, error) {
	metrics, err := json.Marshal(snap.Metrics)
	if err != nil {
		return 0, fmt.Errorf("failed to encode snapshot metrics: %w", err)
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO daily_metrics (metric_date, region, metrics, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (metric_date, region)
		DO UPDATE SET metrics = EXCLUDED.metrics, updated_at = now()
		RETURNING id`,
		snap.Date, snap.Region, metrics,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert snapshot %s/%s: %w", snap.Date, snap.Region, err)
	}
	return id, nil
}

// LinkTraceability connects every stored event on the snapshot's (date,
// region) to the metric row, with the event source as the contribution
// type. Returns the number of new links.
func (s *Store) LinkTraceability(ctx context.Context, metricID int64, date, region string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO event_traceability (event_id, metric_id, contribution)
		SELECT e.event_id, $1, e.source
		FROM input_events e
		WHERE e.event_date = $2 AND e.region = $3
		ON CONFLICT (event_id, metric_id) DO NOTHING`,
		metricID, date, region,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to link traceability for %s/%s: %w", date, region, err)
	}
	return tag.RowsAffected(), nil
}

// MetricsByFilter returns stored daily metrics, optionally narrowed by date
// and/or region. Empty filter values match everything.
func (s *Store) MetricsByFilter(ctx context.Context, date, region string) ([]MetricRow, error) {
	query := `
		SELECT id, to_char(metric_date, 'YYYY-MM-DD'), region, metrics, updated_at
		FROM daily_metrics
		WHERE ($1 = '' OR metric_date = $1::date)
		  AND ($2 = '' OR region = $2)
		ORDER BY metric_date DESC, region`

	rows, err := s.pool.Query(ctx, query, date, region)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()

	var out []MetricRow
	for rows.Next() {
		var m MetricRow
		if err := rows.Scan(&m.ID, &m.Date, &m.Region, &m.Metrics, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan metric row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read metric rows: %w", err)
	}
	return out, nil
}

// EventsForMetric returns the input events linked to the snapshot for
// (date, region).
func (s *Store) EventsForMetric(ctx context.Context, date, region string) ([]StoredEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.event_id, e.source, e.region, to_char(e.event_date, 'YYYY-MM-DD'),
		       e.event_timestamp, e.payload, e.received_at
		FROM input_events e
		JOIN event_traceability t ON t.event_id = e.event_id
		JOIN daily_metrics m ON m.id = t.metric_id
		WHERE m.metric_date = $1::date AND m.region = $2
		ORDER BY e.received_at`,
		date, region,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for %s/%s: %w", date, region, err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var e StoredEvent
		if err := rows.Scan(&e.EventID, &e.Source, &e.Region, &e.Date,
			&e.Timestamp, &e.Payload, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event rows: %w", err)
	}
	return out, nil
}
