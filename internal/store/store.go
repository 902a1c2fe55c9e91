// Package store owns the Subscription/Payment/History rows. All status
// transitions go through ApplyTransition so that the row update, its
// history entry, and any payment commit atomically or not at all.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/docketspace/billing/internal/cache"
)

// DB wraps the database connection and an optional plan cache.
type DB struct {
	conn  *sql.DB
	cache *cache.Client
}

// NewDB creates a new database connection
func NewDB(connectionString string) (*DB, error) {
	conn, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, err
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := conn.Ping(); err != nil {
		return nil, err
	}

	return &DB{conn: conn}, nil
}

// WithPlanCache attaches a Redis cache used for plan reads. Plans are
// read-only reference data; nothing invalidates the cache beyond TTL.
func (db *DB) WithPlanCache(c *cache.Client) *DB {
	db.cache = c
	return db
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks if the database is accessible
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// EnsureSchema creates the billing tables if they don't exist
func (db *DB) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS plans (
			id VARCHAR(100) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			price NUMERIC(12,2) NOT NULL,
			currency VARCHAR(10) NOT NULL DEFAULT 'USD',
			interval VARCHAR(20) NOT NULL DEFAULT 'monthly',
			is_active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS subscriptions (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			user_id UUID NOT NULL,
			plan_id VARCHAR(100) NOT NULL REFERENCES plans(id),
			status VARCHAR(50) NOT NULL DEFAULT 'incomplete',
			billing_cycle VARCHAR(20) NOT NULL DEFAULT 'monthly',
			current_period_start TIMESTAMP,
			current_period_end TIMESTAMP,
			next_billing_date TIMESTAMP,
			cancel_at_period_end BOOLEAN NOT NULL DEFAULT false,
			retry_count INT NOT NULL DEFAULT 0,
			last_payment_attempt TIMESTAMP,
			grace_period_end TIMESTAMP,
			provider_subscription_id VARCHAR(255),
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			CONSTRAINT valid_subscription_status CHECK (status IN ('incomplete', 'active', 'past_due', 'canceled'))
		);

		CREATE TABLE IF NOT EXISTS payments (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			subscription_id UUID NOT NULL REFERENCES subscriptions(id),
			user_id UUID NOT NULL,
			amount NUMERIC(12,2) NOT NULL,
			currency VARCHAR(10) NOT NULL DEFAULT 'USD',
			status VARCHAR(50) NOT NULL DEFAULT 'pending',
			description TEXT,
			provider_payment_ref VARCHAR(255),
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			CONSTRAINT valid_payment_status CHECK (status IN ('pending', 'succeeded', 'failed'))
		);

		CREATE TABLE IF NOT EXISTS subscription_history (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			subscription_id UUID NOT NULL REFERENCES subscriptions(id),
			action VARCHAR(100) NOT NULL,
			old_value JSONB,
			new_value JSONB,
			reason TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_subscriptions_due ON subscriptions(next_billing_date)
			WHERE status = 'active' AND cancel_at_period_end = false;
		CREATE INDEX IF NOT EXISTS idx_subscriptions_grace ON subscriptions(grace_period_end)
			WHERE status = 'past_due';
		CREATE INDEX IF NOT EXISTS idx_subscriptions_provider_ref ON subscriptions(provider_subscription_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_provider_ref ON payments(provider_payment_ref)
			WHERE provider_payment_ref IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_payments_subscription ON payments(subscription_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_history_subscription ON subscription_history(subscription_id, created_at);
	`

	if _, err := db.conn.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create billing tables: %w", err)
	}

	return nil
}
