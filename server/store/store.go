// Package store persists counted crossings in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/san-kum/gate-counter/server/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const DefaultListLimit = 100

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
}

// Store is the crossing log. It implements processor.CrossingRecorder.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens or creates the database at path and migrates it to the latest
// schema.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Crossing store opened", zap.String("path", path))
	return s, nil
}

// MigrateUp runs all pending migrations. It is a no-op at the latest version.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// Closing m would close the shared connection pool.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Version returns the current schema version, 0 when nothing is applied.
func (s *Store) Version() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{logger: s.logger}
	return m, nil
}

type migrateLogger struct {
	logger *zap.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)), zap.String("component", "migrate"))
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// RecordCrossing stores ev. Recording the same event twice is a no-op.
func (s *Store) RecordCrossing(ctx context.Context, ev *models.CrossingEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO crossings
			(id, stream_id, track_id, direction, transition, centroid_x, centroid_y, frame_seq, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID.String(), ev.StreamID, int64(ev.TrackID), string(ev.Direction), ev.Transition,
		ev.Centroid.X, ev.Centroid.Y, int64(ev.FrameSeq), ev.Time.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record crossing %s: %w", ev.ID, err)
	}
	return nil
}

// Query selects crossings. Zero fields do not filter.
type Query struct {
	StreamID string
	Since    time.Time
	Until    time.Time
	Limit    int
}

func (q Query) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if q.StreamID != "" {
		clauses = append(clauses, "stream_id = ?")
		args = append(args, q.StreamID)
	}
	if !q.Since.IsZero() {
		clauses = append(clauses, "occurred_at >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	if !q.Until.IsZero() {
		clauses = append(clauses, "occurred_at < ?")
		args = append(args, q.Until.UnixMilli())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListCrossings returns matching crossings, newest first.
func (s *Store) ListCrossings(ctx context.Context, q Query) ([]models.CrossingEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	where, args := q.where()
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stream_id, track_id, direction, transition, centroid_x, centroid_y, frame_seq, occurred_at
		FROM crossings`+where+`
		ORDER BY occurred_at DESC, rowid DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query crossings: %w", err)
	}
	defer rows.Close()

	var events []models.CrossingEvent
	for rows.Next() {
		var (
			id, direction       string
			trackID, seq, occur int64
			ev                  models.CrossingEvent
		)
		if err := rows.Scan(&id, &ev.StreamID, &trackID, &direction, &ev.Transition,
			&ev.Centroid.X, &ev.Centroid.Y, &seq, &occur); err != nil {
			return nil, fmt.Errorf("failed to scan crossing: %w", err)
		}
		if ev.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("corrupt crossing id %q: %w", id, err)
		}
		ev.TrackID = uint64(trackID)
		ev.FrameSeq = uint64(seq)
		ev.Direction = models.Direction(direction)
		ev.Time = time.UnixMilli(occur)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// Totals sums recorded crossings per direction. Limit is ignored.
func (s *Store) Totals(ctx context.Context, q Query) (models.Counts, error) {
	where, args := q.where()

	rows, err := s.db.QueryContext(ctx, `
		SELECT direction, COUNT(*) FROM crossings`+where+`
		GROUP BY direction`, args...)
	if err != nil {
		return models.Counts{}, fmt.Errorf("failed to sum crossings: %w", err)
	}
	defer rows.Close()

	var counts models.Counts
	for rows.Next() {
		var (
			direction string
			n         int64
		)
		if err := rows.Scan(&direction, &n); err != nil {
			return models.Counts{}, err
		}
		switch models.Direction(direction) {
		case models.DirectionIn:
			counts.In = n
		case models.DirectionOut:
			counts.Out = n
		}
	}
	return counts, rows.Err()
}

// DeleteBefore removes crossings older than cutoff and reports how many.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM crossings WHERE occurred_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete crossings: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
