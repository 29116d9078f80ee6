package scraper

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cjohnsto-nz/CoffeeCopilot/config"
	"github.com/cjohnsto-nz/CoffeeCopilot/models"
	"github.com/cjohnsto-nz/CoffeeCopilot/parser"
)

// catalogPayload mirrors the Shopify storefront /products.json page.
type catalogPayload struct {
	Products []shopifyProduct `json:"products"`
}

type shopifyProduct struct {
	ID          int64            `json:"id"`
	Title       string           `json:"title"`
	Handle      string           `json:"handle"`
	BodyHTML    string           `json:"body_html"`
	ProductType string           `json:"product_type"`
	Tags        []string         `json:"tags"`
	Variants    []shopifyVariant `json:"variants"`
}

type shopifyVariant struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Price     string `json:"price"`
	Available bool   `json:"available"`
	Grams     int    `json:"grams"`
}

func decodeCatalogPage(body []byte) (*catalogPayload, error) {
	var payload catalogPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, ErrBadPayload{Err: err}
	}
	return &payload, nil
}

// toProducts converts one catalog page into catalog records. Products
// without a handle or without any parseable variant price are dropped.
func toProducts(roaster config.RoasterConfig, payload *catalogPayload, now time.Time) []*models.Product {
	out := make([]*models.Product, 0, len(payload.Products))
	for _, sp := range payload.Products {
		if strings.TrimSpace(sp.Handle) == "" || strings.TrimSpace(sp.Title) == "" {
			continue
		}

		price, available, ok := pickVariant(sp.Variants)
		if !ok {
			continue
		}

		out = append(out, &models.Product{
			ID:          models.ProductID(roaster.Name, sp.Handle),
			Roaster:     roaster.Name,
			Name:        strings.TrimSpace(sp.Title),
			URL:         productURL(roaster.URL, sp.Handle),
			Description: sp.BodyHTML,
			Tags:        strings.Join(sp.Tags, ", "),
			Price:       price,
			Available:   available,
			ScrapedAt:   now,
		})
	}
	return out
}

// pickVariant returns the cheapest parseable variant price and whether
// any variant is in stock.
func pickVariant(variants []shopifyVariant) (price float64, available, ok bool) {
	for _, v := range variants {
		p, err := parser.ParsePrice(v.Price)
		if err != nil {
			continue
		}
		if !ok || p < price {
			price = p
		}
		ok = true
		if v.Available {
			available = true
		}
	}
	return price, available, ok
}

func productURL(base, handle string) string {
	return fmt.Sprintf("%s/products/%s", strings.TrimSuffix(base, "/"), handle)
}

func catalogURL(base string, page int) string {
	return fmt.Sprintf("%s/products.json?limit=250&page=%d", strings.TrimSuffix(base, "/"), page)
}
