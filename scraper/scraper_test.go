package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/jarcoal/httpmock"

	"github.com/cjohnsto-nz/CoffeeCopilot/config"
	"github.com/cjohnsto-nz/CoffeeCopilot/models"
	"github.com/cjohnsto-nz/CoffeeCopilot/pipeline"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Roasters = []config.RoasterConfig{
		{Name: "proud-mary", URL: "http://proud-mary.test"},
	}
	cfg.Scraper.MaxPages = 3
	cfg.Scraper.Parallelism = 2
	cfg.Scraper.MaxRetries = 0
	cfg.Scraper.Delay = 0
	cfg.Scraper.RandomDelay = 0
	return cfg
}

func TestRetryManagerScheduleRespectsLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Scraper.MaxRetries = 2
	cfg.Scraper.RetryBackoff = time.Hour
	cfg.Scraper.RetryBackoffMax = time.Hour

	rm := newRetryManager(colly.NewCollector(), &cfg.Scraper, NewMetrics())

	if !rm.Schedule("http://proud-mary.test/products.json") {
		t.Fatalf("first retry should be scheduled")
	}
	if !rm.Schedule("http://proud-mary.test/products.json") {
		t.Fatalf("second retry should be scheduled")
	}
	if rm.Schedule("http://proud-mary.test/products.json") {
		t.Fatalf("third retry should not be scheduled")
	}

	rm.Stop()
	if got := rm.TotalRetries(); got != 2 {
		t.Fatalf("total retries = %d, want 2", got)
	}
}

func TestRetryManagerBackoffCapped(t *testing.T) {
	cfg := testConfig()
	cfg.Scraper.RetryBackoff = 200 * time.Millisecond
	cfg.Scraper.RetryBackoffMax = 500 * time.Millisecond

	rm := newRetryManager(colly.NewCollector(), &cfg.Scraper, NewMetrics())

	delay := rm.backoff(4)
	if delay > cfg.Scraper.RetryBackoffMax {
		t.Fatalf("delay %v exceeds max %v", delay, cfg.Scraper.RetryBackoffMax)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "bad payload", err: ErrBadPayload{Err: errors.New("unexpected end of JSON input")}, statusCode: 0, expected: "bad_payload"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}

func TestScraperHTTPStatusClassification(t *testing.T) {
	tests := []struct {
		status   int
		expected string
	}{
		{status: http.StatusTooManyRequests, expected: "rate_limited"},
		{status: http.StatusForbidden, expected: "forbidden"},
		{status: http.StatusNotFound, expected: "not_found"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			cfg := testConfig()
			cfg.Scraper.MaxPages = 1
			cfg.Scraper.Parallelism = 1
			cfg.Scraper.BatchSize = 1

			transport := httpmock.NewMockTransport()
			transport.RegisterResponder("GET", catalogURL("http://proud-mary.test", 1),
				httpmock.NewStringResponder(tt.status, ""))

			s, err := NewScraper(cfg)
			if err != nil {
				t.Fatalf("new scraper: %v", err)
			}
			s.collector.WithTransport(transport)

			writer := &collectingWriter{}
			p := pipeline.NewPipeline(writer, &cfg.Scraper)
			p.Start(1)

			result, err := s.Run(context.Background(), p)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if err := p.Close(); err != nil {
				t.Fatalf("close pipeline: %v", err)
			}

			if got := result.ErrorsByType[tt.expected]; got == 0 {
				t.Fatalf("expected %q classification for status %d", tt.expected, tt.status)
			}
		})
	}
}

type collectingWriter struct {
	mu       sync.Mutex
	products []*models.Product
}

func (cw *collectingWriter) Write(products []*models.Product) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.products = append(cw.products, products...)
	return nil
}

func (cw *collectingWriter) Close() error {
	return nil
}

func (cw *collectingWriter) Validate() error {
	return nil
}

func (cw *collectingWriter) Count() int {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return len(cw.products)
}

func (cw *collectingWriter) All() []*models.Product {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	out := make([]*models.Product, len(cw.products))
	copy(out, cw.products)
	return out
}

func catalogPage(pageOffset, n int) string {
	page := `{"products":[`
	for i := 0; i < n; i++ {
		if i > 0 {
			page += ","
		}
		page += fmt.Sprintf(`{
			"id": %d,
			"title": "Coffee %d",
			"handle": "coffee-%d",
			"body_html": "<p>Tasty.</p>",
			"product_type": "Coffee",
			"tags": ["single origin"],
			"variants": [
				{"id": 1, "title": "250g", "price": "19.50", "available": true, "grams": 250},
				{"id": 2, "title": "1kg", "price": "62.00", "available": false, "grams": 1000}
			]
		}`, pageOffset+i, pageOffset+i, pageOffset+i)
	}
	return page + `]}`
}

func TestScraperCrawlsCatalogPages(t *testing.T) {
	cfg := testConfig()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", catalogURL("http://proud-mary.test", 1),
		httpmock.NewStringResponder(200, catalogPage(0, 3)))
	transport.RegisterResponder("GET", catalogURL("http://proud-mary.test", 2),
		httpmock.NewStringResponder(200, catalogPage(100, 2)))
	transport.RegisterResponder("GET", catalogURL("http://proud-mary.test", 3),
		httpmock.NewStringResponder(200, `{"products":[]}`))

	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.collector.WithTransport(transport)

	writer := &collectingWriter{}
	p := pipeline.NewPipeline(writer, &cfg.Scraper)
	p.Start(2)

	result, err := s.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	if got := writer.Count(); got != 5 {
		t.Fatalf("products=%d, want 5 (requests=%d errors=%d failed=%v)",
			got, result.RequestCount, result.ErrorCount, result.FailedURLs)
	}
	if result.PageCount != 2 {
		t.Fatalf("pages=%d, want 2", result.PageCount)
	}

	var sample *models.Product
	for _, product := range writer.All() {
		if product.ID == "proud-mary/coffee-0" {
			sample = product
			break
		}
	}
	if sample == nil {
		t.Fatalf("expected product proud-mary/coffee-0")
	}
	if sample.Price != 19.50 {
		t.Fatalf("price=%v, want cheapest variant 19.50", sample.Price)
	}
	if !sample.Available {
		t.Fatalf("product should be available while any variant is in stock")
	}
	if sample.URL != "http://proud-mary.test/products/coffee-0" {
		t.Fatalf("url=%q", sample.URL)
	}
}

func TestScraperCountsBadPayload(t *testing.T) {
	cfg := testConfig()
	cfg.Scraper.MaxPages = 1

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", catalogURL("http://proud-mary.test", 1),
		httpmock.NewStringResponder(200, "<html>not json</html>"))

	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.collector.WithTransport(transport)

	writer := &collectingWriter{}
	p := pipeline.NewPipeline(writer, &cfg.Scraper)
	p.Start(1)

	result, err := s.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	if got := result.ErrorsByType["bad_payload"]; got != 1 {
		t.Fatalf("bad_payload count=%d, want 1", got)
	}
	if writer.Count() != 0 {
		t.Fatalf("no products expected from a bad payload")
	}
}

func TestNewScraperRequiresRoasters(t *testing.T) {
	cfg := config.DefaultConfig()
	if _, err := NewScraper(cfg); err == nil {
		t.Fatalf("expected error with no roasters configured")
	}
}
