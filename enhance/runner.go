package enhance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cjohnsto-nz/CoffeeCopilot/models"
)

// Catalog is the slice of the store the enhancement pass needs.
type Catalog interface {
	ListUnenhancedProducts(ctx context.Context) ([]models.Product, error)
	UpdateEnhancement(ctx context.Context, p *models.Product) error
}

// RunReport summarizes one enhancement pass.
type RunReport struct {
	Processed int
	Enhanced  int
	Failed    int
}

// Run enhances every product still awaiting extraction. Individual
// extraction failures are logged and skipped; the pass keeps going so
// one stubborn product cannot stall the catalog.
func Run(ctx context.Context, cat Catalog, x *Extractor) (RunReport, error) {
	var report RunReport

	pending, err := cat.ListUnenhancedProducts(ctx)
	if err != nil {
		return report, fmt.Errorf("list pending products: %w", err)
	}

	for i := range pending {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		p := &pending[i]
		report.Processed++

		extraction, err := x.Extract(ctx, p)
		if err != nil {
			report.Failed++
			slog.Error("extraction failed",
				slog.String("product", p.ID),
				slog.Any("error", err),
			)
			continue
		}

		Apply(p, extraction, time.Now())
		if err := cat.UpdateEnhancement(ctx, p); err != nil {
			report.Failed++
			slog.Error("persist enhancement failed",
				slog.String("product", p.ID),
				slog.Any("error", err),
			)
			continue
		}
		report.Enhanced++
		slog.Debug("product enhanced",
			slog.String("product", p.ID),
			slog.Float64("confidence", extraction.Confidence),
		)
	}

	return report, nil
}
