// Package db persists run reports to PostgreSQL.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/docutag/autofill/models"
)

// ErrRunNotFound is returned when a run id is unknown
var ErrRunNotFound = errors.New("run not found")

// DB wraps the database connection and provides data access methods
type DB struct {
	conn *sql.DB
}

// Config contains database configuration
type Config struct {
	DSN string // PostgreSQL connection string
}

// New opens the database and applies pending migrations
func New(config Config) (*DB, error) {
	db, err := Open(config)
	if err != nil {
		return nil, err
	}

	if err := Migrate(db.conn); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// Open connects to the database without touching its schema
func Open(config Config) (*DB, error) {
	conn, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(5)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// DB returns the underlying database connection
func (db *DB) DB() *sql.DB {
	return db.conn
}

// SaveRun stores a run summary and its rows. Saving the same run again
// replaces its rows.
func (db *DB) SaveRun(ctx context.Context, run *models.RunSummary) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO autofill_runs (id, started_at, finished_at, scanned, updated, skipped)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			scanned = excluded.scanned,
			updated = excluded.updated,
			skipped = excluded.skipped
	`, run.RunID, run.StartedAt, nullTime(run.FinishedAt), run.Scanned, run.Updated, run.Skipped)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM autofill_product_results WHERE run_id = $1", run.RunID); err != nil {
		return fmt.Errorf("failed to delete old results: %w", err)
	}

	for i, row := range run.Rows {
		refs, err := json.Marshal(row.ImageRefs)
		if err != nil {
			return fmt.Errorf("failed to marshal image refs: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO autofill_product_results
				(run_id, position, product_id, title, vendor, code, images_uploaded,
				 description_updated, notes, context_url, image_refs, failed)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, run.RunID, i, row.ProductID, row.Title, row.Vendor, row.Code, row.ImagesUploaded,
			row.DescriptionUpdated, row.Notes, row.ContextURL, string(refs), row.Failed)
		if err != nil {
			return fmt.Errorf("failed to save result for product %s: %w", row.ProductID, err)
		}
	}

	return tx.Commit()
}

// GetRun loads a run and its rows in report order
func (db *DB) GetRun(ctx context.Context, runID string) (*models.RunSummary, error) {
	run := &models.RunSummary{RunID: runID}
	var finished sql.NullTime

	err := db.conn.QueryRowContext(ctx,
		"SELECT started_at, finished_at, scanned, updated, skipped FROM autofill_runs WHERE id = $1", runID,
	).Scan(&run.StartedAt, &finished, &run.Scanned, &run.Updated, &run.Skipped)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if finished.Valid {
		run.FinishedAt = finished.Time
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT product_id, title, vendor, code, images_uploaded, description_updated,
			notes, context_url, image_refs, failed
		FROM autofill_product_results WHERE run_id = $1 ORDER BY position
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row models.ReportRow
		var refs string
		if err := rows.Scan(&row.ProductID, &row.Title, &row.Vendor, &row.Code, &row.ImagesUploaded,
			&row.DescriptionUpdated, &row.Notes, &row.ContextURL, &refs, &row.Failed); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if err := json.Unmarshal([]byte(refs), &row.ImageRefs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal image refs: %w", err)
		}
		run.Rows = append(run.Rows, row)
	}

	return run, rows.Err()
}

// ListRuns returns run summaries, newest first, without their rows
func (db *DB) ListRuns(ctx context.Context, limit, offset int) ([]models.RunSummary, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, started_at, finished_at, scanned, updated, skipped
		FROM autofill_runs ORDER BY started_at DESC LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []models.RunSummary
	for rows.Next() {
		var run models.RunSummary
		var finished sql.NullTime
		if err := rows.Scan(&run.RunID, &run.StartedAt, &finished, &run.Scanned, &run.Updated, &run.Skipped); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if finished.Valid {
			run.FinishedAt = finished.Time
		}
		out = append(out, run)
	}

	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
