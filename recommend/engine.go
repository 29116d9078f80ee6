// Package recommend ranks catalog products against the user's order
// history and preferences. The engine is a pure function of its inputs:
// it performs no I/O and never mutates the snapshots it receives.
package recommend

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cjohnsto-nz/CoffeeCopilot/models"
	"github.com/cjohnsto-nz/CoffeeCopilot/parser"
)

var (
	// ErrEmptyCatalog is returned when there are no products to consider.
	ErrEmptyCatalog = errors.New("recommend: empty catalog")

	// ErrNoEligibleProducts is returned when the budget filter removes
	// every candidate and the fallback policy does not allow an empty
	// result.
	ErrNoEligibleProducts = errors.New("recommend: no eligible products")
)

// InvalidLimitError reports a non-positive result cap.
type InvalidLimitError struct {
	Limit int
}

func (e InvalidLimitError) Error() string {
	return fmt.Sprintf("recommend: limit must be positive, got %d", e.Limit)
}

// ScoredProduct pairs a candidate with its computed score.
type ScoredProduct struct {
	Product models.Product
	Score   float64
}

// Result is the ordered outcome of one engine run. It is a snapshot:
// never mutated after being produced.
type Result struct {
	RunID       string
	GeneratedAt time.Time
	Widened     bool
	Items       []ScoredProduct
}

// Record converts the result into its persistable form.
func (r *Result) Record() *models.Recommendation {
	rec := &models.Recommendation{
		RunID:       r.RunID,
		GeneratedAt: r.GeneratedAt,
		Items:       make([]models.RecommendationItem, 0, len(r.Items)),
	}
	for i, item := range r.Items {
		rec.Items = append(rec.Items, models.RecommendationItem{
			RunID:     r.RunID,
			Position:  i + 1,
			ProductID: item.Product.ID,
			Score:     item.Score,
			Price:     item.Product.Price,
		})
	}
	return rec
}

// Engine computes recommendations. The zero value is not usable; build
// one with New.
type Engine struct {
	now func() time.Time
}

// New returns an engine that evaluates the recent-history window
// against the wall clock.
func New() *Engine {
	return &Engine{now: time.Now}
}

// Recommend produces a ranked, deduplicated candidate list of at most
// limit products.
//
// Previously ordered products are always excluded. Products priced
// above MonthlyBudget * (1 + BudgetFlexibility) are excluded; if that
// leaves nothing, prefs.BudgetFallback decides between widening the cap
// once by prefs.WidenFactor, returning an explicit empty result, or
// returning ErrNoEligibleProducts. Survivors are scored by preference
// affinity minus a saturation penalty for roasters and origins already
// frequent in recent orders, then sorted by score descending, price
// ascending, and identifier for full determinism.
func (e *Engine) Recommend(products []models.Product, orders []models.Order, prefs models.Preferences, limit int) (*Result, error) {
	if limit <= 0 {
		return nil, InvalidLimitError{Limit: limit}
	}
	if len(products) == 0 {
		return nil, ErrEmptyCatalog
	}

	now := e.now()
	result := &Result{
		RunID:       uuid.NewString(),
		GeneratedAt: now,
	}

	ordered := make(map[string]struct{}, len(orders))
	for _, o := range orders {
		ordered[o.ProductID] = struct{}{}
	}

	candidates := make([]models.Product, 0, len(products))
	seen := make(map[string]struct{}, len(products))
	for _, p := range products {
		if _, ok := ordered[p.ID]; ok {
			continue
		}
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		// Everything in the catalog has already been tried.
		return result, nil
	}

	eligible := underCap(candidates, prefs.MaxPrice())
	if len(eligible) == 0 {
		switch prefs.BudgetFallback {
		case models.BudgetFallbackWiden:
			eligible = underCap(candidates, prefs.MaxPrice()*prefs.WidenFactor)
			if len(eligible) == 0 {
				return nil, ErrNoEligibleProducts
			}
			result.Widened = true
		case models.BudgetFallbackEmpty:
			return result, nil
		default:
			return nil, ErrNoEligibleProducts
		}
	}

	saturation := recentSaturation(orders, prefs, now)

	scored := make([]ScoredProduct, 0, len(eligible))
	for _, p := range eligible {
		scored = append(scored, ScoredProduct{
			Product: p,
			Score:   score(p, prefs, saturation),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Product.Price != b.Product.Price {
			return a.Product.Price < b.Product.Price
		}
		return a.Product.ID < b.Product.ID
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}
	result.Items = scored
	return result, nil
}

func underCap(products []models.Product, maxPrice float64) []models.Product {
	out := make([]models.Product, 0, len(products))
	for _, p := range products {
		if p.Price <= maxPrice {
			out = append(out, p)
		}
	}
	return out
}

// historySaturation counts roaster and origin occurrences among recent
// orders.
type historySaturation struct {
	roasters map[string]int
	origins  map[string]int
}

func recentSaturation(orders []models.Order, prefs models.Preferences, now time.Time) historySaturation {
	sat := historySaturation{
		roasters: make(map[string]int),
		origins:  make(map[string]int),
	}
	cutoff := now.AddDate(0, 0, -prefs.RecentWindowDays)
	for _, o := range orders {
		if o.OrderDate.Before(cutoff) {
			continue
		}
		if r := parser.NormalizeTag(o.Roaster); r != "" {
			sat.roasters[r]++
		}
		if c := parser.NormalizeTag(o.Origin); c != "" {
			sat.origins[c]++
		}
	}
	return sat
}

// score combines preference affinity with a variety penalty. Higher
// affinity raises the score; heavier recent-history saturation for the
// product's roaster or origin lowers it.
func score(p models.Product, prefs models.Preferences, sat historySaturation) float64 {
	affinity := 0.0
	for _, note := range p.TastingNotes {
		affinity += prefs.FlavorAffinities[parser.NormalizeTag(note)]
	}
	affinity += prefs.OriginAffinities[parser.NormalizeTag(p.Origin)]
	affinity += prefs.RoastAffinities[parser.NormalizeTag(p.RoastLevel)]

	penalty := prefs.RoasterSaturationWeight*float64(sat.roasters[parser.NormalizeTag(p.Roaster)]) +
		prefs.OriginSaturationWeight*float64(sat.origins[parser.NormalizeTag(p.Origin)])

	return prefs.AffinityWeight*affinity - prefs.VarietyWeight*penalty
}
