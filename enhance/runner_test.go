package enhance

import (
	"context"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"

	"github.com/cjohnsto-nz/CoffeeCopilot/models"
)

type fakeCatalog struct {
	pending []models.Product
	updated []string
}

func (f *fakeCatalog) ListUnenhancedProducts(context.Context) ([]models.Product, error) {
	return f.pending, nil
}

func (f *fakeCatalog) UpdateEnhancement(_ context.Context, p *models.Product) error {
	f.updated = append(f.updated, p.ID)
	return nil
}

func TestRunEnhancesPendingProducts(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("POST", endpoint,
		httpmock.NewStringResponder(200, chatBody(validDocument)))

	cat := &fakeCatalog{
		pending: []models.Product{
			{ID: "r/a", Roaster: "r", Name: "A", Description: "one"},
			{ID: "r/b", Roaster: "r", Name: "B", Description: "two"},
		},
	}

	report, err := Run(context.Background(), cat, newTestExtractor(t, transport))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Processed != 2 || report.Enhanced != 2 || report.Failed != 0 {
		t.Fatalf("report = %+v", report)
	}
	if len(cat.updated) != 2 {
		t.Fatalf("updated = %v", cat.updated)
	}
}

func TestRunSkipsFailedExtractions(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("POST", endpoint,
		httpmock.NewStringResponder(http.StatusUnauthorized, "bad key"))

	cat := &fakeCatalog{
		pending: []models.Product{{ID: "r/a", Roaster: "r", Name: "A"}},
	}

	report, err := Run(context.Background(), cat, newTestExtractor(t, transport))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Failed != 1 || report.Enhanced != 0 {
		t.Fatalf("report = %+v", report)
	}
	if len(cat.updated) != 0 {
		t.Fatalf("no products should have been updated, got %v", cat.updated)
	}
}
