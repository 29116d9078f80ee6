package recommend

import (
	"time"

	"github.com/cjohnsto-nz/CoffeeCopilot/models"
)

// SpendingSummary reports recent order spend relative to the monthly
// budget.
type SpendingSummary struct {
	CurrentMonth      float64
	LastMonth         float64
	ThreeMonthAverage float64
	RemainingBudget   float64
}

// Summarize computes the spend totals for the month containing now, the
// month before, and a trailing three-month average that excludes the
// current month. RemainingBudget may be negative.
func Summarize(orders []models.Order, prefs models.Preferences, now time.Time) SpendingSummary {
	current := monthlySpend(orders, now.Year(), now.Month())

	lastYear, lastMonth := previousMonth(now.Year(), now.Month())
	last := monthlySpend(orders, lastYear, lastMonth)

	threeTotal := 0.0
	year, month := now.Year(), now.Month()
	for i := 0; i < 3; i++ {
		year, month = previousMonth(year, month)
		threeTotal += monthlySpend(orders, year, month)
	}

	return SpendingSummary{
		CurrentMonth:      current,
		LastMonth:         last,
		ThreeMonthAverage: threeTotal / 3,
		RemainingBudget:   prefs.MonthlyBudget - current,
	}
}

func monthlySpend(orders []models.Order, year int, month time.Month) float64 {
	total := 0.0
	for _, o := range orders {
		if o.OrderDate.Year() == year && o.OrderDate.Month() == month {
			total += o.PricePaid
		}
	}
	return total
}

func previousMonth(year int, month time.Month) (int, time.Month) {
	if month == time.January {
		return year - 1, time.December
	}
	return year, month - 1
}
