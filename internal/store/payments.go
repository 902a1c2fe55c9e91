package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/docketspace/billing/internal/models"
)

const paymentColumns = `id, subscription_id, user_id, amount, currency, status,
	COALESCE(description, ''), COALESCE(provider_payment_ref, ''), created_at`

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(
		&p.ID, &p.SubscriptionID, &p.UserID, &p.Amount, &p.Currency, &p.Status,
		&p.Description, &p.ProviderPaymentRef, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPaymentByProviderRef looks up a payment by its provider dedup key.
// Returns (nil, nil) when no such payment exists.
func (db *DB) GetPaymentByProviderRef(ctx context.Context, providerRef string) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE provider_payment_ref = $1`

	p, err := scanPayment(db.conn.QueryRowContext(ctx, query, providerRef))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment by provider ref: %w", err)
	}

	return p, nil
}

// HasRecentSucceededPayment reports whether a succeeded payment exists
// for the subscription since the given time. The sweep and the webhook
// reconciler both use a 24-hour window so a renewal observed on one
// path is not charged again on the other.
func (db *DB) HasRecentSucceededPayment(ctx context.Context, subscriptionID string, since time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM payments
			WHERE subscription_id = $1 AND status = 'succeeded' AND created_at >= $2
		)`

	var exists bool
	err := db.conn.QueryRowContext(ctx, query, subscriptionID, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check recent payments: %w", err)
	}

	return exists, nil
}

// ListPayments retrieves payments for a subscription, newest first.
func (db *DB) ListPayments(ctx context.Context, subscriptionID string, limit int) ([]models.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE subscription_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := db.conn.QueryContext(ctx, query, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, *p)
	}

	return payments, rows.Err()
}
