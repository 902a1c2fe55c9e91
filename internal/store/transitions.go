package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/docketspace/billing/internal/models"
)

// Transition is one atomic status change: column updates, exactly one
// history entry, and at most one payment row. Either everything commits
// or nothing does; no partial financial state is ever observable.
type Transition struct {
	Updates map[string]interface{}
	Action  string
	Reason  string
	Payment *models.Payment
}

// ApplyTransition executes a transition as a single database
// transaction. The subscription row is locked for the duration, which
// serializes concurrent writers (sweep and webhook) at the row level.
func (db *DB) ApplyTransition(ctx context.Context, subscriptionID string, t *Transition) (*models.Subscription, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	before, err := getSubscriptionForUpdate(ctx, tx, subscriptionID)
	if err != nil {
		return nil, err
	}

	query := "UPDATE subscriptions SET updated_at = NOW()"
	args := []interface{}{}
	argNum := 1

	for key, value := range t.Updates {
		query += fmt.Sprintf(", %s = $%d", key, argNum)
		args = append(args, value)
		argNum++
	}

	query += fmt.Sprintf(" WHERE id = $%d", argNum)
	args = append(args, subscriptionID)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	after, err := getSubscriptionTx(ctx, tx, subscriptionID)
	if err != nil {
		return nil, err
	}

	oldValue, err := json.Marshal(before)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot subscription: %w", err)
	}
	newValue, err := json.Marshal(after)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot subscription: %w", err)
	}

	historyQuery := `
		INSERT INTO subscription_history (id, subscription_id, action, old_value, new_value, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`
	_, err = tx.ExecContext(ctx, historyQuery,
		uuid.New().String(), subscriptionID, t.Action, oldValue, newValue, t.Reason)
	if err != nil {
		return nil, fmt.Errorf("failed to record history: %w", err)
	}

	if t.Payment != nil {
		if err := insertPayment(ctx, tx, t.Payment); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	return after, nil
}

func getSubscriptionForUpdate(ctx context.Context, tx *sql.Tx, id string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1 FOR UPDATE`

	sub, err := scanSubscription(tx.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock subscription: %w", err)
	}

	return sub, nil
}

func getSubscriptionTx(ctx context.Context, tx *sql.Tx, id string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`

	sub, err := scanSubscription(tx.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to re-read subscription: %w", err)
	}

	return sub, nil
}

func insertPayment(ctx context.Context, tx *sql.Tx, p *models.Payment) error {
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}

	var providerRef interface{}
	if p.ProviderPaymentRef != "" {
		providerRef = p.ProviderPaymentRef
	}

	query := `
		INSERT INTO payments (id, subscription_id, user_id, amount, currency, status, description, provider_payment_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`

	_, err := tx.ExecContext(ctx, query,
		id, p.SubscriptionID, p.UserID, p.Amount, p.Currency, p.Status, p.Description, providerRef)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}

	return nil
}
