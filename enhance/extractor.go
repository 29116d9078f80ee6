// Package enhance extracts structured coffee attributes from raw
// product text through an OpenAI-compatible chat-completions API.
package enhance

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cjohnsto-nz/CoffeeCopilot/config"
	"github.com/cjohnsto-nz/CoffeeCopilot/models"
	"github.com/cjohnsto-nz/CoffeeCopilot/parser"
)

// TastingNotes groups extracted notes by category. Flatten preserves
// the category order so note sequences stay deterministic.
type TastingNotes struct {
	Fruits  []string `json:"fruits"`
	Sweets  []string `json:"sweets"`
	Florals []string `json:"florals"`
	Spices  []string `json:"spices"`
	Others  []string `json:"others"`
}

// Flatten returns all notes as one normalized, ordered list.
func (t TastingNotes) Flatten() []string {
	all := make([]string, 0, len(t.Fruits)+len(t.Sweets)+len(t.Florals)+len(t.Spices)+len(t.Others))
	all = append(all, t.Fruits...)
	all = append(all, t.Sweets...)
	all = append(all, t.Florals...)
	all = append(all, t.Spices...)
	all = append(all, t.Others...)
	return parser.NormalizeNotes(all)
}

// Extraction is the validated result of one extraction call.
type Extraction struct {
	SingleOrigin  *bool
	OriginCountry string
	OriginRegion  string
	Process       string
	RoastLevel    string
	Varietals     []string
	TastingNotes  TastingNotes
	Confidence    float64
}

// ValidationError reports a malformed extraction response.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("enhance: invalid response field %s: %s", e.Field, e.Reason)
}

// APIError reports a non-success status from the completions endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e APIError) Error() string {
	return fmt.Sprintf("enhance: api status %d: %s", e.StatusCode, e.Body)
}

func (e APIError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Extractor calls the completions API with retry, caching responses by
// content hash so unchanged product text is extracted once.
type Extractor struct {
	cfg    config.AIConfig
	client *http.Client
	cache  *lru.Cache[string, *Extraction]
}

// New builds an extractor from cfg.
func New(cfg config.AIConfig) (*Extractor, error) {
	cache, err := lru.New[string, *Extraction](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("build extraction cache: %w", err)
	}
	return &Extractor{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		cache:  cache,
	}, nil
}

// SetTransport swaps the HTTP transport, used by tests.
func (x *Extractor) SetTransport(rt http.RoundTripper) {
	x.client.Transport = rt
}

// Extract derives structured attributes for one product.
func (x *Extractor) Extract(ctx context.Context, p *models.Product) (*Extraction, error) {
	key := contentKey(p)
	if cached, ok := x.cache.Get(key); ok {
		return cached, nil
	}

	prompt := buildPrompt(p)

	var lastErr error
	for attempt := 0; attempt <= x.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff(x.cfg.RetryBackoff, attempt)):
			}
		}

		extraction, err := x.complete(ctx, prompt)
		if err == nil {
			x.cache.Add(key, extraction)
			return extraction, nil
		}
		lastErr = err

		var apiErr APIError
		if errors.As(err, &apiErr) && !apiErr.retryable() {
			return nil, err
		}
		var valErr ValidationError
		if errors.As(err, &valErr) {
			// A malformed document will stay malformed; do not retry.
			return nil, err
		}
	}
	return nil, fmt.Errorf("extract %s: %w", p.ID, lastErr)
}

// Apply copies an extraction onto the product record.
func Apply(p *models.Product, ex *Extraction, now time.Time) {
	p.SingleOrigin = ex.SingleOrigin
	p.Origin = ex.OriginCountry
	p.OriginRegion = ex.OriginRegion
	p.Process = ex.Process
	p.RoastLevel = parser.RoastToLevel(ex.RoastLevel)
	p.Varietals = strings.Join(ex.Varietals, ", ")
	p.TastingNotes = ex.TastingNotes.Flatten()
	p.ExtractionConfidence = ex.Confidence
	p.Enhanced = true
	p.EnhancedAt = &now
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// extractionWire is the strict response schema. Pointer fields detect
// missing keys instead of tolerating their absence.
type extractionWire struct {
	SingleOrigin *bool         `json:"is_single_origin"`
	Origin       *originWire   `json:"origin"`
	Process      string        `json:"processing_method"`
	RoastLevel   string        `json:"roast_level"`
	Varietals    []string      `json:"varietals"`
	TastingNotes *TastingNotes `json:"tasting_notes"`
	Confidence   *float64      `json:"confidence_score"`
}

type originWire struct {
	Country string `json:"country"`
	Region  string `json:"region"`
}

func (x *Extractor) complete(ctx context.Context, prompt string) (*Extraction, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       x.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: x.cfg.Temperature,
		MaxTokens:   x.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if x.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+x.cfg.APIKey)
	}

	resp, err := x.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call completions api: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, APIError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
	}

	var chat chatResponse
	if err := json.Unmarshal(body, &chat); err != nil {
		return nil, fmt.Errorf("decode response envelope: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, ValidationError{Field: "choices", Reason: "empty"}
	}

	return parseExtraction(chat.Choices[0].Message.Content)
}

func parseExtraction(content string) (*Extraction, error) {
	content = stripFences(content)

	var wire extractionWire
	dec := json.NewDecoder(strings.NewReader(content))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wire); err != nil {
		return nil, ValidationError{Field: "document", Reason: err.Error()}
	}

	if wire.Confidence == nil {
		return nil, ValidationError{Field: "confidence_score", Reason: "missing"}
	}
	if *wire.Confidence < 0 || *wire.Confidence > 1 {
		return nil, ValidationError{Field: "confidence_score", Reason: "outside [0, 1]"}
	}
	if wire.TastingNotes == nil {
		return nil, ValidationError{Field: "tasting_notes", Reason: "missing"}
	}
	if wire.Origin == nil {
		return nil, ValidationError{Field: "origin", Reason: "missing"}
	}

	return &Extraction{
		SingleOrigin:  wire.SingleOrigin,
		OriginCountry: strings.TrimSpace(wire.Origin.Country),
		OriginRegion:  strings.TrimSpace(wire.Origin.Region),
		Process:       strings.TrimSpace(wire.Process),
		RoastLevel:    strings.TrimSpace(wire.RoastLevel),
		Varietals:     wire.Varietals,
		TastingNotes:  *wire.TastingNotes,
		Confidence:    *wire.Confidence,
	}, nil
}

func buildPrompt(p *models.Product) string {
	var b strings.Builder
	b.WriteString("Extract coffee product details from this text. Pay special attention to the product title when deciding between a blend and a single origin.\n\n")
	b.WriteString("=== PRODUCT TITLE ===\n")
	b.WriteString(p.Name)
	if desc := CleanHTML(p.Description); desc != "" {
		b.WriteString("\n\n=== PRODUCT DESCRIPTION ===\n")
		b.WriteString(desc)
	}
	if p.Tags != "" {
		b.WriteString("\n\n=== PRODUCT TAGS ===\nTags: ")
		b.WriteString(p.Tags)
	}
	b.WriteString(`

Respond with only a JSON document with exactly these fields:
{
  "is_single_origin": true, false, or null,
  "origin": {"country": string or null, "region": string or null},
  "processing_method": string or null,
  "roast_level": string or null,
  "varietals": [strings],
  "tasting_notes": {"fruits": [], "sweets": [], "florals": [], "spices": [], "others": []},
  "confidence_score": number between 0 and 1
}`)
	return b.String()
}

var (
	tagStripper   = regexp.MustCompile(`<[^>]*>`)
	blockElements = regexp.MustCompile(`(?i)</(p|h[1-6]|li|div|br)>|<br\s*/?>`)
)

// CleanHTML reduces storefront HTML to plain text, one block element
// per line.
func CleanHTML(html string) string {
	if html == "" {
		return ""
	}
	html = blockElements.ReplaceAllString(html, "\n")
	text := tagStripper.ReplaceAllString(html, "")
	lines := make([]string, 0)
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func contentKey(p *models.Product) string {
	sum := sha256.Sum256([]byte(p.Name + "\x00" + p.Description + "\x00" + p.Tags))
	return hex.EncodeToString(sum[:])
}

func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	return base * time.Duration(1<<(attempt-1))
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
