// internal/models/models.go
package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Subscription represents a user's subscription as persisted locally.
// The subscription store owns these rows; every other component mutates
// them only through the store's transactional API.
type Subscription struct {
	ID                     string     `json:"id" db:"id"`
	UserID                 string     `json:"user_id" db:"user_id"`
	PlanID                 string     `json:"plan_id" db:"plan_id"`
	Status                 string     `json:"status" db:"status"`
	BillingCycle           string     `json:"billing_cycle" db:"billing_cycle"`
	CurrentPeriodStart     *time.Time `json:"current_period_start,omitempty" db:"current_period_start"`
	CurrentPeriodEnd       *time.Time `json:"current_period_end,omitempty" db:"current_period_end"`
	NextBillingDate        *time.Time `json:"next_billing_date,omitempty" db:"next_billing_date"`
	CancelAtPeriodEnd      bool       `json:"cancel_at_period_end" db:"cancel_at_period_end"`
	RetryCount             int        `json:"retry_count" db:"retry_count"`
	LastPaymentAttempt     *time.Time `json:"last_payment_attempt,omitempty" db:"last_payment_attempt"`
	GracePeriodEnd         *time.Time `json:"grace_period_end,omitempty" db:"grace_period_end"`
	ProviderSubscriptionID string     `json:"provider_subscription_id,omitempty" db:"provider_subscription_id"`
	CreatedAt              time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at" db:"updated_at"`
}

// Plan represents a subscription plan. Read-only reference data from
// this subsystem's perspective.
type Plan struct {
	ID        string          `json:"id" db:"id"`
	Name      string          `json:"name" db:"name"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Currency  string          `json:"currency" db:"currency"`
	Interval  string          `json:"interval" db:"interval"` // monthly, yearly
	IsActive  bool            `json:"is_active" db:"is_active"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Payment represents a charge or credit. Rows are append-only; the only
// permitted correction is a status update by a reconciling event that
// references the same provider payment ref.
type Payment struct {
	ID                 string          `json:"id" db:"id"`
	SubscriptionID     string          `json:"subscription_id" db:"subscription_id"`
	UserID             string          `json:"user_id" db:"user_id"`
	Amount             decimal.Decimal `json:"amount" db:"amount"` // signed; negative = credit
	Currency           string          `json:"currency" db:"currency"`
	Status             string          `json:"status" db:"status"`
	Description        string          `json:"description" db:"description"`
	ProviderPaymentRef string          `json:"provider_payment_ref,omitempty" db:"provider_payment_ref"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
}

// HistoryEntry is one row of the append-only subscription audit trail.
// Exactly one entry is written per accepted transition, in the same
// transaction as the transition itself.
type HistoryEntry struct {
	ID             string          `json:"id" db:"id"`
	SubscriptionID string          `json:"subscription_id" db:"subscription_id"`
	Action         string          `json:"action" db:"action"`
	OldValue       json.RawMessage `json:"old_value,omitempty" db:"old_value"`
	NewValue       json.RawMessage `json:"new_value,omitempty" db:"new_value"`
	Reason         string          `json:"reason,omitempty" db:"reason"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// SubscriptionWithPlan includes plan details
type SubscriptionWithPlan struct {
	Subscription
	Plan *Plan `json:"plan,omitempty"`
}

// Subscription status constants
const (
	SubscriptionStatusIncomplete = "incomplete"
	SubscriptionStatusActive     = "active"
	SubscriptionStatusPastDue    = "past_due"
	SubscriptionStatusCanceled   = "canceled"
)

// Payment status constants
const (
	PaymentStatusPending   = "pending"
	PaymentStatusSucceeded = "succeeded"
	PaymentStatusFailed    = "failed"
)

// Billing interval constants
const (
	IntervalMonthly = "monthly"
	IntervalYearly  = "yearly"
)

// History action constants
const (
	HistoryActionActivated          = "activated"
	HistoryActionRenewed            = "renewed"
	HistoryActionGracePeriodStarted = "grace_period_started"
	HistoryActionStatusChanged      = "status_changed"
	HistoryActionCanceled           = "canceled"
	HistoryActionPlanMigrated       = "plan_migrated"
)

// AddCycle advances t by one billing cycle.
func AddCycle(t time.Time, interval string) time.Time {
	if interval == IntervalYearly {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// CreateSubscriptionRequest represents a checkout initiation. The row
// starts incomplete and becomes active on the first confirmed payment.
type CreateSubscriptionRequest struct {
	UserID                 string `json:"user_id"`
	PlanID                 string `json:"plan_id"`
	ProviderSubscriptionID string `json:"provider_subscription_id"`
}

// Validate checks if CreateSubscriptionRequest is valid
func (r *CreateSubscriptionRequest) Validate() error {
	if r.UserID == "" {
		return ErrMissingUserID
	}
	if r.PlanID == "" {
		return ErrMissingPlanID
	}
	return nil
}

// MigrationRequest represents a synchronous plan change.
type MigrationRequest struct {
	SubscriptionID string `json:"subscription_id"`
	NewPlanID      string `json:"new_plan_id"`
	EffectiveDate  string `json:"effective_date"` // immediate, next_period
	ProrateBilling bool   `json:"prorate_billing"`
	NotifyCustomer bool   `json:"notify_customer"`
	Reason         string `json:"reason,omitempty"`
}

// Effective date constants for plan migration
const (
	EffectiveImmediate  = "immediate"
	EffectiveNextPeriod = "next_period"
)

// Validate checks if MigrationRequest is valid
func (r *MigrationRequest) Validate() error {
	if r.NewPlanID == "" {
		return ErrMissingPlanID
	}
	if r.EffectiveDate != EffectiveImmediate && r.EffectiveDate != EffectiveNextPeriod {
		return ErrInvalidEffectiveDate
	}
	return nil
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// ValidationError is a rejected-request error, surfaced to the caller
// with a precise message and never retried internally.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Message
}

var (
	ErrMissingUserID         = ValidationError{Field: "user_id", Message: "user_id is required"}
	ErrMissingPlanID         = ValidationError{Field: "plan_id", Message: "plan_id is required"}
	ErrInvalidEffectiveDate  = ValidationError{Field: "effective_date", Message: "effective_date must be immediate or next_period"}
	ErrPlanNotFound          = ValidationError{Field: "plan_id", Message: "plan not found"}
	ErrPlanNotPurchasable    = ValidationError{Field: "plan_id", Message: "plan is not available for purchase"}
	ErrSubscriptionNotFound  = ValidationError{Field: "id", Message: "subscription not found"}
	ErrSubscriptionNotActive = ValidationError{Field: "status", Message: "subscription is not active"}
	ErrSamePlan              = ValidationError{Field: "new_plan_id", Message: "subscription is already on this plan"}
)
