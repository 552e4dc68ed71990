// Package store persists places and their visit history in SQLite
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starfail/dwell/pkg"
	"github.com/starfail/dwell/pkg/logx"
)

// ErrNotFound is returned when a place id has no row
var ErrNotFound = errors.New("place not stored")

const schema = `
CREATE TABLE IF NOT EXISTS places (
	id              TEXT PRIMARY KEY,
	latitude        REAL NOT NULL,
	longitude       REAL NOT NULL,
	radius_m        REAL NOT NULL,
	name            TEXT NOT NULL DEFAULT '',
	street_address  TEXT NOT NULL DEFAULT '',
	category        TEXT NOT NULL DEFAULT 'other',
	confidence      REAL NOT NULL DEFAULT 0,
	is_confirmed    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at      DATETIME NOT NULL,
	last_visited_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS visits (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	place_id       TEXT NOT NULL REFERENCES places(id) ON DELETE CASCADE,
	arrival_time   DATETIME NOT NULL,
	departure_time DATETIME
);
CREATE INDEX IF NOT EXISTS idx_visits_place ON visits(place_id);
`

// SQLiteStore stores places in a SQLite database
type SQLiteStore struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (creating if needed) the database at path
func Open(path string, logger *logx.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = logx.Discard()
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer at a time
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("place store opened", "path", path)
	return &SQLiteStore{db: db, logger: logger.With("component", "store")}, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SavePlace upserts a place and replaces its visit history
func (s *SQLiteStore) SavePlace(ctx context.Context, p pkg.Place) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO places (id, latitude, longitude, radius_m, name, street_address, category, confidence, is_confirmed, created_at, last_visited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			radius_m = excluded.radius_m,
			name = excluded.name,
			street_address = excluded.street_address,
			category = excluded.category,
			confidence = excluded.confidence,
			is_confirmed = excluded.is_confirmed,
			last_visited_at = excluded.last_visited_at`,
		p.ID, p.Coordinate.Latitude, p.Coordinate.Longitude, p.Radius, p.Name, p.StreetAddress,
		string(p.Category), p.Confidence, p.IsConfirmed, p.CreatedAt.UTC(), p.LastVisitedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert place %s: %w", p.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM visits WHERE place_id = ?`, p.ID); err != nil {
		return fmt.Errorf("clear visits for %s: %w", p.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO visits (place_id, arrival_time, departure_time) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare visits: %w", err)
	}
	defer stmt.Close()

	for _, v := range p.Visits {
		var dep sql.NullTime
		if v.Departure != nil {
			dep = sql.NullTime{Time: v.Departure.UTC(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, p.ID, v.Arrival.UTC(), dep); err != nil {
			return fmt.Errorf("insert visit for %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("place saved", "place_id", p.ID, "visits", len(p.Visits))
	return nil
}

// DeletePlace removes a place and its visits
func (s *SQLiteStore) DeletePlace(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM places WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete place %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// LoadPlace returns one stored place
func (s *SQLiteStore) LoadPlace(ctx context.Context, id string) (pkg.Place, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, latitude, longitude, radius_m, name, street_address, category, confidence, is_confirmed, created_at, last_visited_at
		FROM places WHERE id = ?`, id)
	p, err := scanPlace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return pkg.Place{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return pkg.Place{}, err
	}

	visits, err := s.loadVisits(ctx, `WHERE place_id = ?`, id)
	if err != nil {
		return pkg.Place{}, err
	}
	p.Visits = visits[p.ID]
	return p, nil
}

// LoadPlaces returns every stored place in creation order
func (s *SQLiteStore) LoadPlaces(ctx context.Context) ([]pkg.Place, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, latitude, longitude, radius_m, name, street_address, category, confidence, is_confirmed, created_at, last_visited_at
		FROM places ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query places: %w", err)
	}
	defer rows.Close()

	var places []pkg.Place
	for rows.Next() {
		p, err := scanPlace(rows)
		if err != nil {
			return nil, err
		}
		places = append(places, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	visits, err := s.loadVisits(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range places {
		places[i].Visits = visits[places[i].ID]
	}
	return places, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPlace(row scanner) (pkg.Place, error) {
	var p pkg.Place
	var category string
	err := row.Scan(&p.ID, &p.Coordinate.Latitude, &p.Coordinate.Longitude, &p.Radius, &p.Name,
		&p.StreetAddress, &category, &p.Confidence, &p.IsConfirmed, &p.CreatedAt, &p.LastVisitedAt)
	if err != nil {
		return pkg.Place{}, err
	}
	p.Category = pkg.Category(category)
	return p, nil
}

func (s *SQLiteStore) loadVisits(ctx context.Context, where string, args ...interface{}) (map[string][]pkg.Visit, error) {
	query := `SELECT place_id, arrival_time, departure_time FROM visits ` + where + ` ORDER BY place_id, arrival_time`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query visits: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]pkg.Visit)
	for rows.Next() {
		var id string
		var arrival time.Time
		var dep sql.NullTime
		if err := rows.Scan(&id, &arrival, &dep); err != nil {
			return nil, err
		}
		v := pkg.Visit{Arrival: arrival}
		if dep.Valid {
			d := dep.Time
			v.Departure = &d
		}
		out[id] = append(out[id], v)
	}
	return out, rows.Err()
}
