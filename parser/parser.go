// Package parser normalizes and validates scraped product fields.
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cjohnsto-nz/CoffeeCopilot/models"
)

// ValidateProduct ensures the scraper captured the required fields.
func ValidateProduct(p *models.Product) error {
	if p == nil {
		return fmt.Errorf("product is nil")
	}
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("product missing identifier")
	}
	if strings.TrimSpace(p.Roaster) == "" {
		return fmt.Errorf("product missing roaster for %s", p.ID)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("product missing name for %s", p.ID)
	}
	if p.Price < 0 {
		return fmt.Errorf("product has negative price for %s", p.ID)
	}
	return nil
}

var priceCleaner = regexp.MustCompile(`[^0-9.]`)

// ParsePrice converts a storefront price string ("$18.50", "NZD 24,00")
// into a float. Comma decimal separators are accepted.
func ParsePrice(price string) (float64, error) {
	price = strings.TrimSpace(price)
	if price == "" {
		return 0, fmt.Errorf("empty price")
	}
	if strings.Count(price, ",") == 1 && !strings.Contains(price, ".") {
		price = strings.Replace(price, ",", ".", 1)
	}
	cleaned := priceCleaner.ReplaceAllString(price, "")
	if cleaned == "" {
		return 0, fmt.Errorf("unparseable price %q", price)
	}
	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", price, err)
	}
	return value, nil
}

// NormalizeTag lowercases and trims an affinity tag so preference
// lookups match regardless of storefront casing.
func NormalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// NormalizeNotes normalizes a tasting-note list, dropping empties and
// in-list duplicates while preserving order.
func NormalizeNotes(notes []string) []string {
	seen := make(map[string]struct{}, len(notes))
	out := make([]string, 0, len(notes))
	for _, note := range notes {
		n := NormalizeTag(note)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// RoastToLevel maps free-form roast descriptions onto a coarse scale.
func RoastToLevel(roast string) string {
	r := NormalizeTag(roast)
	switch {
	case r == "":
		return ""
	case strings.Contains(r, "light"):
		return "light"
	case strings.Contains(r, "medium"):
		return "medium"
	case strings.Contains(r, "dark"):
		return "dark"
	case strings.Contains(r, "filter"), strings.Contains(r, "omni"):
		return "light"
	case strings.Contains(r, "espresso"):
		return "medium"
	default:
		return r
	}
}
