// Package migration implements synchronous plan changes with proration.
package migration

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/docketspace/billing/internal/models"
)

// ceilDays converts a duration to whole days, rounding any partial day
// up. Billing day counts always favor the longer period.
func ceilDays(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	days := int64(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		days++
	}
	return days
}

// Proration is the computed mid-cycle charge or credit for a plan
// change. Amount is signed: positive means the customer owes the
// difference, negative means a credit.
type Proration struct {
	Amount        decimal.Decimal
	RemainingDays int64
	TotalDays     int64
	Description   string
}

// Prorate computes the prorated difference between two plans for the
// remainder of the current billing period:
//
//	dailyRate       = plan.price / totalDays
//	prorationAmount = (newDailyRate - oldDailyRate) * remainingDays
//
// rounded to 2 decimal places. Both prices divide by the same totalDays,
// so migrating A→B and back B→A over the same remaining window produces
// amounts that cancel out within rounding tolerance.
func Prorate(oldPlan, newPlan *models.Plan, periodStart, periodEnd, now time.Time) Proration {
	totalDays := ceilDays(periodEnd.Sub(periodStart))
	remainingDays := ceilDays(periodEnd.Sub(now))

	if totalDays == 0 || remainingDays == 0 {
		return Proration{
			Amount:        decimal.Zero,
			RemainingDays: remainingDays,
			TotalDays:     totalDays,
			Description:   "No proration: billing period already elapsed",
		}
	}

	total := decimal.NewFromInt(totalDays)
	oldDaily := oldPlan.Price.Div(total)
	newDaily := newPlan.Price.Div(total)
	amount := newDaily.Sub(oldDaily).Mul(decimal.NewFromInt(remainingDays)).Round(2)

	var description string
	switch {
	case amount.IsPositive():
		description = fmt.Sprintf("Prorated charge for %d of %d remaining days on %s", remainingDays, totalDays, newPlan.Name)
	case amount.IsNegative():
		description = fmt.Sprintf("Prorated credit for %d of %d remaining days after switching to %s", remainingDays, totalDays, newPlan.Name)
	default:
		description = "No proration: plans are priced identically"
	}

	return Proration{
		Amount:        amount,
		RemainingDays: remainingDays,
		TotalDays:     totalDays,
		Description:   description,
	}
}
