package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/docketspace/billing/internal/models"
)

const subscriptionColumns = `id, user_id, plan_id, status, billing_cycle,
	current_period_start, current_period_end, next_billing_date,
	cancel_at_period_end, retry_count, last_payment_attempt, grace_period_end,
	COALESCE(provider_subscription_id, ''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var s models.Subscription
	err := row.Scan(
		&s.ID, &s.UserID, &s.PlanID, &s.Status, &s.BillingCycle,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.NextBillingDate,
		&s.CancelAtPeriodEnd, &s.RetryCount, &s.LastPaymentAttempt, &s.GracePeriodEnd,
		&s.ProviderSubscriptionID, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSubscription retrieves a subscription by ID
func (db *DB) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`

	sub, err := scanSubscription(db.conn.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	return sub, nil
}

// GetSubscriptionByProviderRef retrieves a subscription by the external
// provider's identifier. Webhook events correlate through this ref.
func (db *DB) GetSubscriptionByProviderRef(ctx context.Context, providerRef string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE provider_subscription_id = $1`

	sub, err := scanSubscription(db.conn.QueryRowContext(ctx, query, providerRef))
	if err == sql.ErrNoRows {
		return nil, models.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription by provider ref: %w", err)
	}

	return sub, nil
}

// GetSubscriptionWithPlan retrieves a subscription with its plan details
func (db *DB) GetSubscriptionWithPlan(ctx context.Context, id string) (*models.SubscriptionWithPlan, error) {
	sub, err := db.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}

	plan, err := db.GetPlan(ctx, sub.PlanID)
	if err != nil && err != models.ErrPlanNotFound {
		return nil, err
	}

	return &models.SubscriptionWithPlan{
		Subscription: *sub,
		Plan:         plan,
	}, nil
}

// CreateSubscription creates an incomplete subscription at checkout
// initiation. It becomes active on the first confirmed payment, via
// sweep or webhook.
func (db *DB) CreateSubscription(ctx context.Context, req *models.CreateSubscriptionRequest) (*models.Subscription, error) {
	plan, err := db.GetPlan(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}
	if !plan.IsActive {
		return nil, models.ErrPlanNotPurchasable
	}

	userUUID, err := uuid.Parse(req.UserID)
	if err != nil {
		// Deterministic UUID for non-UUID external user identifiers.
		userUUID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(req.UserID))
	}

	var providerRef interface{}
	if req.ProviderSubscriptionID != "" {
		providerRef = req.ProviderSubscriptionID
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	query := `
		INSERT INTO subscriptions (user_id, plan_id, status, billing_cycle, provider_subscription_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING id`

	var id string
	err = tx.QueryRowContext(ctx, query,
		userUUID, plan.ID, models.SubscriptionStatusIncomplete, plan.Interval, providerRef, now,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	historyQuery := `
		INSERT INTO subscription_history (id, subscription_id, action, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err = tx.ExecContext(ctx, historyQuery,
		uuid.New().String(), id, "created", "Checkout initiated for plan "+plan.ID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to record subscription creation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit subscription creation: %w", err)
	}

	return db.GetSubscription(ctx, id)
}

// FindDueForRenewal returns active, non-cancel-flagged subscriptions
// whose next billing date has passed and that have a provider ref to
// reconcile against.
func (db *DB) FindDueForRenewal(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = 'active'
		  AND cancel_at_period_end = false
		  AND next_billing_date <= $1
		  AND provider_subscription_id IS NOT NULL
		ORDER BY next_billing_date ASC
		LIMIT $2`

	rows, err := db.conn.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find due subscriptions: %w", err)
	}
	defer rows.Close()

	var subscriptions []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subscriptions = append(subscriptions, *sub)
	}

	return subscriptions, rows.Err()
}

// FindExpiredGracePeriods returns past_due subscriptions whose grace
// window has closed.
func (db *DB) FindExpiredGracePeriods(ctx context.Context, now time.Time) ([]models.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = 'past_due'
		  AND grace_period_end IS NOT NULL
		  AND grace_period_end <= $1
		ORDER BY grace_period_end ASC`

	rows, err := db.conn.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to find expired grace periods: %w", err)
	}
	defer rows.Close()

	var subscriptions []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subscriptions = append(subscriptions, *sub)
	}

	return subscriptions, rows.Err()
}

// GetPlan retrieves a plan by ID, consulting the Redis cache first.
func (db *DB) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	cacheKey := "billing:plan:" + id

	if db.cache != nil {
		var cached models.Plan
		// Cache misses and cache trouble both fall through to the database.
		if err := db.cache.GetJSON(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	query := `
		SELECT id, name, price, currency, interval, is_active, created_at, updated_at
		FROM plans WHERE id = $1`

	var p models.Plan
	err := db.conn.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.Name, &p.Price, &p.Currency, &p.Interval, &p.IsActive, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, models.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	if db.cache != nil {
		_ = db.cache.SetJSON(ctx, cacheKey, &p, 5*time.Minute)
	}

	return &p, nil
}

// ListPlans retrieves all purchasable plans
func (db *DB) ListPlans(ctx context.Context, includeInactive bool) ([]models.Plan, error) {
	query := `
		SELECT id, name, price, currency, interval, is_active, created_at, updated_at
		FROM plans`

	if !includeInactive {
		query += " WHERE is_active = true"
	}

	query += " ORDER BY price ASC"

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []models.Plan
	for rows.Next() {
		var p models.Plan
		err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Currency, &p.Interval, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, p)
	}

	return plans, rows.Err()
}
