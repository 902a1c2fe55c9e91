package migration

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/docketspace/billing/internal/models"
)

func plan(id, name string, price int64) *models.Plan {
	return &models.Plan{
		ID:       id,
		Name:     name,
		Price:    decimal.NewFromInt(price),
		Currency: "USD",
		Interval: models.IntervalMonthly,
		IsActive: true,
	}
}

func TestProrateUpgradeMidCycle(t *testing.T) {
	// 30-day period, 10 days remaining, $15 -> $49:
	// ((49/30) - (15/30)) * 10 = 11.33
	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 0, 30)
	now := periodEnd.AddDate(0, 0, -10)

	p := Prorate(plan("basic", "Basic", 15), plan("pro", "Pro", 49), periodStart, periodEnd, now)

	assert.Equal(t, int64(30), p.TotalDays)
	assert.Equal(t, int64(10), p.RemainingDays)
	assert.True(t, p.Amount.Equal(decimal.RequireFromString("11.33")), "got %s", p.Amount)
	assert.Contains(t, p.Description, "10 of 30 remaining days")
}

func TestProrateDowngradeIsAdditiveInverse(t *testing.T) {
	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 0, 30)
	now := periodEnd.AddDate(0, 0, -10)

	basic := plan("basic", "Basic", 15)
	pro := plan("pro", "Pro", 49)

	up := Prorate(basic, pro, periodStart, periodEnd, now)
	down := Prorate(pro, basic, periodStart, periodEnd, now)

	// Same remaining window in both directions cancels out within
	// rounding tolerance.
	diff := up.Amount.Add(down.Amount).Abs()
	assert.True(t, diff.LessThanOrEqual(decimal.RequireFromString("0.01")), "residual %s", diff)
	assert.True(t, down.Amount.IsNegative())
}

func TestProratePartialDaysRoundUp(t *testing.T) {
	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 0, 30)
	// 9 days and 6 hours remaining counts as 10 days.
	now := periodEnd.Add(-9*24*time.Hour - 6*time.Hour)

	p := Prorate(plan("basic", "Basic", 15), plan("pro", "Pro", 49), periodStart, periodEnd, now)

	assert.Equal(t, int64(10), p.RemainingDays)
}

func TestProrateElapsedPeriodIsZero(t *testing.T) {
	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 0, 30)
	now := periodEnd.Add(time.Hour)

	p := Prorate(plan("basic", "Basic", 15), plan("pro", "Pro", 49), periodStart, periodEnd, now)

	assert.True(t, p.Amount.IsZero())
	assert.Equal(t, int64(0), p.RemainingDays)
}

func TestProrateIdenticalPricesIsZero(t *testing.T) {
	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 0, 30)
	now := periodStart.AddDate(0, 0, 15)

	p := Prorate(plan("a", "A", 20), plan("b", "B", 20), periodStart, periodEnd, now)

	assert.True(t, p.Amount.IsZero())
}
