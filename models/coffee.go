// Package models defines the data records shared across the pipeline.
package models

import (
	"fmt"
	"time"
)

// Budget fallback policies for runs where the budget filter removes
// every candidate.
const (
	BudgetFallbackWiden = "widen"
	BudgetFallbackEmpty = "empty"
	BudgetFallbackError = "error"
)

// Product is a coffee listing scraped from a roaster storefront,
// optionally enriched with AI-extracted attributes.
type Product struct {
	ID          string  `gorm:"primaryKey" csv:"id" json:"id"`
	Roaster     string  `gorm:"index" csv:"roaster" json:"roaster"`
	Name        string  `csv:"name" json:"name"`
	URL         string  `csv:"url" json:"url"`
	Description string  `csv:"-" json:"description,omitempty"`
	Tags        string  `csv:"tags" json:"tags,omitempty"`
	Price       float64 `csv:"price" json:"price"`
	Available   bool    `csv:"available" json:"available"`

	// AI-extracted attributes, empty until enhancement runs.
	Origin               string     `csv:"origin" json:"origin,omitempty"`
	OriginRegion         string     `csv:"origin_region" json:"origin_region,omitempty"`
	Process              string     `csv:"process" json:"process,omitempty"`
	RoastLevel           string     `csv:"roast_level" json:"roast_level,omitempty"`
	Varietals            string     `csv:"varietals" json:"varietals,omitempty"`
	SingleOrigin         *bool      `csv:"-" json:"single_origin,omitempty"`
	TastingNotes         []string   `gorm:"serializer:json" csv:"tasting_notes" json:"tasting_notes,omitempty"`
	ExtractionConfidence float64    `csv:"-" json:"extraction_confidence,omitempty"`
	Enhanced             bool       `csv:"enhanced" json:"enhanced"`
	EnhancedAt           *time.Time `csv:"-" json:"enhanced_at,omitempty"`

	ScrapedAt time.Time `csv:"scraped_at" json:"scraped_at"`
}

// ProductID builds the canonical product identifier from a roaster name
// and a storefront handle. Identifiers are unique within the catalog.
func ProductID(roaster, handle string) string {
	return fmt.Sprintf("%s/%s", roaster, handle)
}

// Order records a past purchase. ProductID references a product that
// exists or existed in the catalog; the roaster, origin and process
// columns snapshot the product attributes at purchase time.
type Order struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ProductID string    `gorm:"index" json:"product_id"`
	OrderDate time.Time `gorm:"index" json:"order_date"`
	PricePaid float64   `json:"price_paid"`
	Quantity  int       `json:"quantity"`
	Notes     string    `json:"notes,omitempty"`

	Roaster string `json:"roaster,omitempty"`
	Origin  string `json:"origin,omitempty"`
	Process string `json:"process,omitempty"`
}

// Preferences holds the user's budget and taste settings plus the
// scoring weights. Loaded once per run and immutable afterwards.
type Preferences struct {
	MonthlyBudget     float64
	BudgetFlexibility float64

	FlavorAffinities map[string]float64
	OriginAffinities map[string]float64
	RoastAffinities  map[string]float64

	AffinityWeight          float64
	VarietyWeight           float64
	RoasterSaturationWeight float64
	OriginSaturationWeight  float64
	RecentWindowDays        int

	BudgetFallback string
	WidenFactor    float64
}

// MaxPrice is the budget ceiling for a single candidate.
func (p Preferences) MaxPrice() float64 {
	return p.MonthlyBudget * (1 + p.BudgetFlexibility)
}

// Recommendation is a persisted snapshot of one engine run.
type Recommendation struct {
	RunID       string               `gorm:"primaryKey" json:"run_id"`
	GeneratedAt time.Time            `json:"generated_at"`
	Items       []RecommendationItem `gorm:"foreignKey:RunID;references:RunID" json:"items"`
}

// RecommendationItem is a single ranked entry within a recommendation.
type RecommendationItem struct {
	ID        uint    `gorm:"primaryKey" json:"-"`
	RunID     string  `gorm:"index" json:"-"`
	Position  int     `json:"position"`
	ProductID string  `json:"product_id"`
	Score     float64 `json:"score"`
	Price     float64 `json:"price"`
}

// ScrapeResult holds the overall outcome of a scraping run.
type ScrapeResult struct {
	StartTime    time.Time
	EndTime      time.Time
	TotalCount   int
	ErrorCount   int
	FailedURLs   []string
	ErrorsByType map[string]int
	RetryCount   int
	RequestCount int
	PageCount    int
}
