package recommend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cjohnsto-nz/CoffeeCopilot/models"
)

func TestSummarize(t *testing.T) {
	now := time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC)
	orders := []models.Order{
		{ProductID: "r/p1", OrderDate: time.Date(2026, time.March, 3, 0, 0, 0, 0, time.UTC), PricePaid: 30},
		{ProductID: "r/p2", OrderDate: time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC), PricePaid: 20},
		{ProductID: "r/p3", OrderDate: time.Date(2026, time.February, 20, 0, 0, 0, 0, time.UTC), PricePaid: 45},
		{ProductID: "r/p4", OrderDate: time.Date(2026, time.January, 5, 0, 0, 0, 0, time.UTC), PricePaid: 15},
		{ProductID: "r/p5", OrderDate: time.Date(2025, time.December, 28, 0, 0, 0, 0, time.UTC), PricePaid: 60},
		// Outside the trailing window entirely.
		{ProductID: "r/p6", OrderDate: time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC), PricePaid: 99},
	}
	prefs := models.Preferences{MonthlyBudget: 100}

	summary := Summarize(orders, prefs, now)
	require.Equal(t, 50.0, summary.CurrentMonth)
	require.Equal(t, 45.0, summary.LastMonth)
	require.InDelta(t, (45.0+15.0+60.0)/3, summary.ThreeMonthAverage, 1e-9)
	require.Equal(t, 50.0, summary.RemainingBudget)
}

func TestSummarizeYearBoundary(t *testing.T) {
	now := time.Date(2026, time.January, 10, 0, 0, 0, 0, time.UTC)
	orders := []models.Order{
		{ProductID: "r/p1", OrderDate: time.Date(2025, time.December, 15, 0, 0, 0, 0, time.UTC), PricePaid: 40},
	}
	prefs := models.Preferences{MonthlyBudget: 80}

	summary := Summarize(orders, prefs, now)
	require.Equal(t, 0.0, summary.CurrentMonth)
	require.Equal(t, 40.0, summary.LastMonth)
	require.Equal(t, 80.0, summary.RemainingBudget)
}

func TestSummarizeNoOrders(t *testing.T) {
	summary := Summarize(nil, models.Preferences{MonthlyBudget: 100}, time.Now())
	require.Equal(t, 0.0, summary.CurrentMonth)
	require.Equal(t, 100.0, summary.RemainingBudget)
}
