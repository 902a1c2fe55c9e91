// Package notify is the client for the notification/audit sink. The
// sink is a best-effort side channel: everything here is fire-and-forget
// and runs after the causing transaction has committed. A sink failure
// is logged and never reverses billing state.
package notify

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/docketspace/billing/internal/httpclient"
	"github.com/docketspace/billing/internal/logger"
)

// Publisher posts notifications and audit entries to the sink service.
// A nil Publisher is valid and drops everything, so components don't
// need to guard their emit calls.
type Publisher struct {
	client *httpclient.Client
	logger *logger.Logger
}

func NewPublisher(sinkURL string, log *logger.Logger) *Publisher {
	return &Publisher{
		client: httpclient.NewClient(sinkURL, 5*time.Second),
		logger: log,
	}
}

// PlanMigrationNotification is the customer-facing email payload.
type PlanMigrationNotification struct {
	To              string          `json:"to"`
	Name            string          `json:"name"`
	OldPlanName     string          `json:"old_plan_name"`
	NewPlanName     string          `json:"new_plan_name"`
	EffectiveDate   string          `json:"effective_date"`
	ProrationAmount decimal.Decimal `json:"proration_amount"`
	Currency        string          `json:"currency"`
	Reason          string          `json:"reason,omitempty"`
}

// AuditEntry mirrors what the sink's audit trail records per accepted
// transition, in addition to the store's own history rows.
type AuditEntry struct {
	SubscriptionID string    `json:"subscription_id"`
	Action         string    `json:"action"`
	Source         string    `json:"source"` // sweep, webhook, migration
	Detail         string    `json:"detail,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// SendPlanMigrationNotification dispatches the migration email
// asynchronously.
func (p *Publisher) SendPlanMigrationNotification(n PlanMigrationNotification) {
	if p == nil {
		return
	}
	p.postAsync("/internal/notifications/plan-migration", n)
}

// AppendAudit appends an audit entry asynchronously.
func (p *Publisher) AppendAudit(entry AuditEntry) {
	if p == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	p.postAsync("/internal/audit", entry)
}

func (p *Publisher) postAsync(endpoint string, payload interface{}) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := p.client.Post(ctx, endpoint, payload, nil); err != nil && p.logger != nil {
			p.logger.Warn("sink dispatch failed", "endpoint", endpoint, "error", err)
		}
	}()
}
