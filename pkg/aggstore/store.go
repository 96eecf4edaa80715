// Package aggstore reads per-user rolling aggregates from Postgres. The
// aggregates are maintained by the external ingestion jobs; this process only
// reads.
package aggstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fraudguard/pkg/fraud"

	_ "github.com/lib/pq"
)

// Store fetches rolling aggregates. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore connects to Postgres and verifies the connection.
func NewStore(dbURL string) (*Store, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("aggstore: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("aggstore: ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing connection, for tests.
func NewStoreWithDB(db *sql.DB) *Store { return &Store{db: db} }

// Fetch returns the aggregates snapshot for a user as of the given instant.
// A user with no row yields (nil, nil): the feature builder applies its
// documented defaults, absence of aggregates is not an error.
func (s *Store) Fetch(ctx context.Context, userID string, asOf time.Time) (*fraud.Aggregates, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is empty", fraud.ErrInvalidInput)
	}

	const query = `
		SELECT tx_last_hour, tx_last_day, account_age_days, credit_score
		FROM user_aggregates
		WHERE user_id = $1 AND as_of <= $2
		ORDER BY as_of DESC
		LIMIT 1`

	var agg fraud.Aggregates
	err := s.db.QueryRowContext(ctx, query, userID, asOf).Scan(
		&agg.TxLastHour, &agg.TxLastDay, &agg.AccountAgeDays, &agg.CreditScore,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("aggstore: fetch aggregates for user: %w", err)
	}
	return &agg, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }
