// Package store persists the product catalog, order history, and
// recommendation log in SQLite.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/cjohnsto-nz/CoffeeCopilot/models"
)

// ErrProductNotFound is returned when an order references a product
// missing from the catalog.
var ErrProductNotFound = errors.New("store: product not found")

// Store wraps the SQLite catalog.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the catalog at path and migrates the
// schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	if err := db.AutoMigrate(
		&models.Product{},
		&models.Order{},
		&models.Recommendation{},
		&models.RecommendationItem{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertProducts inserts or refreshes scraped products. Enrichment
// columns are preserved on conflict so a re-scrape does not erase
// earlier AI extraction.
func (s *Store) UpsertProducts(ctx context.Context, products []*models.Product) error {
	if len(products) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"roaster", "name", "url", "description", "tags",
			"price", "available", "scraped_at",
		}),
	}).Create(products).Error
	if err != nil {
		return fmt.Errorf("upsert products: %w", err)
	}
	return nil
}

// ListProducts returns a snapshot of the full catalog.
func (s *Store) ListProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	if err := s.db.WithContext(ctx).Order("id").Find(&products).Error; err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return products, nil
}

// ListAvailableProducts returns the in-stock slice of the catalog.
func (s *Store) ListAvailableProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	if err := s.db.WithContext(ctx).Where("available = ?", true).Order("id").Find(&products).Error; err != nil {
		return nil, fmt.Errorf("list available products: %w", err)
	}
	return products, nil
}

// ListUnenhancedProducts returns products still awaiting AI extraction.
func (s *Store) ListUnenhancedProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	if err := s.db.WithContext(ctx).Where("enhanced = ?", false).Order("id").Find(&products).Error; err != nil {
		return nil, fmt.Errorf("list unenhanced products: %w", err)
	}
	return products, nil
}

// UpdateEnhancement writes back the AI-extracted columns for a product.
func (s *Store) UpdateEnhancement(ctx context.Context, p *models.Product) error {
	result := s.db.WithContext(ctx).Model(&models.Product{}).
		Where("id = ?", p.ID).
		Updates(map[string]any{
			"origin":                p.Origin,
			"origin_region":         p.OriginRegion,
			"process":               p.Process,
			"roast_level":           p.RoastLevel,
			"varietals":             p.Varietals,
			"single_origin":         p.SingleOrigin,
			"tasting_notes":         p.TastingNotes,
			"extraction_confidence": p.ExtractionConfidence,
			"enhanced":              p.Enhanced,
			"enhanced_at":           p.EnhancedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("update enhancement for %s: %w", p.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("update enhancement for %s: %w", p.ID, ErrProductNotFound)
	}
	return nil
}

// ListOrders returns the order history, newest first.
func (s *Store) ListOrders(ctx context.Context) ([]models.Order, error) {
	var orders []models.Order
	if err := s.db.WithContext(ctx).Order("order_date desc").Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// AddOrder records a purchase. The referenced product must exist; its
// roaster, origin, and process are snapshotted onto the order row.
func (s *Store) AddOrder(ctx context.Context, order *models.Order) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var product models.Product
		if err := tx.First(&product, "id = ?", order.ProductID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("add order for %s: %w", order.ProductID, ErrProductNotFound)
			}
			return fmt.Errorf("look up product %s: %w", order.ProductID, err)
		}

		if order.OrderDate.IsZero() {
			order.OrderDate = time.Now()
		}
		if order.Quantity <= 0 {
			order.Quantity = 1
		}
		if order.PricePaid == 0 {
			order.PricePaid = product.Price
		}
		order.Roaster = product.Roaster
		order.Origin = product.Origin
		order.Process = product.Process

		if err := tx.Create(order).Error; err != nil {
			return fmt.Errorf("add order: %w", err)
		}
		return nil
	})
}

// SaveRecommendation appends a run snapshot to the recommendations log.
func (s *Store) SaveRecommendation(ctx context.Context, rec *models.Recommendation) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("save recommendation: %w", err)
	}
	return nil
}

// RecentRecommendations returns the latest n run snapshots with their
// items, newest first.
func (s *Store) RecentRecommendations(ctx context.Context, n int) ([]models.Recommendation, error) {
	var recs []models.Recommendation
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Order("generated_at desc").
		Limit(n).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("recent recommendations: %w", err)
	}
	return recs, nil
}
