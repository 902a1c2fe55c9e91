package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docketspace/billing/internal/models"
)

func testPlan() *models.Plan {
	return &models.Plan{
		ID:       "plan_basic",
		Name:     "Basic",
		Price:    decimal.NewFromInt(15),
		Currency: "USD",
		Interval: models.IntervalMonthly,
		IsActive: true,
	}
}

func TestFirstFailureOpensGracePeriod(t *testing.T) {
	p := Policy{GracePeriodDays: 7, MaxRetries: 3}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sub := &models.Subscription{
		ID:         "sub_1",
		UserID:     "user_1",
		Status:     models.SubscriptionStatusActive,
		RetryCount: 0,
	}

	out := p.OnRenewalFailure(sub, testPlan(), now, "sweep", "")

	assert.Equal(t, models.SubscriptionStatusPastDue, out.Status)
	assert.Equal(t, 1, out.RetryCount)
	assert.Equal(t, now.AddDate(0, 0, 7), out.GracePeriodEnd)
	assert.Equal(t, models.HistoryActionGracePeriodStarted, out.HistoryAction)

	require.NotNil(t, out.FailedPayment)
	assert.Equal(t, models.PaymentStatusFailed, out.FailedPayment.Status)
	assert.True(t, out.FailedPayment.Amount.Equal(decimal.NewFromInt(15)))
	assert.Contains(t, out.FailedPayment.Description, "attempt 1 of 3")
}

func TestRepeatedFailuresNeverExtendGracePeriod(t *testing.T) {
	p := Policy{GracePeriodDays: 7, MaxRetries: 3}
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sub := &models.Subscription{
		ID:     "sub_1",
		UserID: "user_1",
		Status: models.SubscriptionStatusActive,
	}

	first := p.OnRenewalFailure(sub, testPlan(), start, "sweep", "")
	graceEnd := first.GracePeriodEnd

	// Apply the outcome and fail again on subsequent days.
	for day := 1; day <= 5; day++ {
		sub.Status = first.Status
		sub.RetryCount = day
		sub.GracePeriodEnd = &graceEnd

		out := p.OnRenewalFailure(sub, testPlan(), start.AddDate(0, 0, day), "sweep", "")

		assert.Equal(t, graceEnd, out.GracePeriodEnd, "failure %d must not move the grace boundary", day+1)
		assert.Equal(t, day+1, out.RetryCount)
		assert.Equal(t, models.HistoryActionStatusChanged, out.HistoryAction)
	}
}

func TestRetryCountExceedsMaxRetriesWithoutCancellation(t *testing.T) {
	// The retry cap is advisory: the policy keeps counting attempts and
	// cancellation happens only through grace expiry.
	p := Policy{GracePeriodDays: 7, MaxRetries: 3}
	now := time.Now()
	graceEnd := now.AddDate(0, 0, 7)

	sub := &models.Subscription{
		ID:             "sub_1",
		UserID:         "user_1",
		Status:         models.SubscriptionStatusPastDue,
		RetryCount:     5,
		GracePeriodEnd: &graceEnd,
	}

	out := p.OnRenewalFailure(sub, testPlan(), now, "webhook", "pay_123")

	assert.Equal(t, models.SubscriptionStatusPastDue, out.Status)
	assert.Equal(t, 6, out.RetryCount)
	assert.Contains(t, out.FailedPayment.Description, "attempt 6 of 3")
}

func TestFailureWithoutPlanStillRecordsPayment(t *testing.T) {
	p := Policy{GracePeriodDays: 7, MaxRetries: 3}

	sub := &models.Subscription{ID: "sub_1", UserID: "user_1"}
	out := p.OnRenewalFailure(sub, nil, time.Now(), "webhook", "pay_9")

	require.NotNil(t, out.FailedPayment)
	assert.True(t, out.FailedPayment.Amount.IsZero())
	assert.Equal(t, "pay_9", out.FailedPayment.ProviderPaymentRef)
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.Error(t, err)

	def := Default()
	assert.Equal(t, 7, def.GracePeriodDays)
	assert.Equal(t, 3, def.MaxRetries)
}

func TestLoadReadsPolicyFile(t *testing.T) {
	dir := t.TempDir()
	content := "version: \"1.0\"\ngrace_period_days: 10\nmax_retries: 5\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "billing-policy.yaml"), []byte(content), 0o644))

	pol, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 10, pol.GracePeriodDays)
	assert.Equal(t, 5, pol.MaxRetries)
}

func TestLoadRejectsNonPositiveValues(t *testing.T) {
	dir := t.TempDir()
	content := "grace_period_days: 0\nmax_retries: 3\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "billing-policy.yaml"), []byte(content), 0o644))

	_, err := Load(dir)
	assert.Error(t, err)
}
