package pipeline

import (
	"fmt"
	"sync"

	"github.com/cjohnsto-nz/CoffeeCopilot/models"
)

// DualWriter mirrors the catalog to the store and a JSONL export in
// one pass.
type DualWriter struct {
	store *StoreWriter
	json  *JSONWriter
	mu    sync.Mutex
}

// NewDualWriter combines a store writer with a JSONL export.
func NewDualWriter(store *StoreWriter, jsonFilename string) (*DualWriter, error) {
	jsonWriter, err := NewJSONWriter(jsonFilename)
	if err != nil {
		return nil, fmt.Errorf("create json writer: %w", err)
	}

	return &DualWriter{
		store: store,
		json:  jsonWriter,
	}, nil
}

// Write sends products to both destinations.
func (dw *DualWriter) Write(products []*models.Product) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if err := dw.store.Write(products); err != nil {
		return fmt.Errorf("store write failed: %w", err)
	}
	if err := dw.json.Write(products); err != nil {
		return fmt.Errorf("json write failed: %w", err)
	}
	return nil
}

// Close closes both writers.
func (dw *DualWriter) Close() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	var errs []error
	if err := dw.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close failed: %w", err))
	}
	if err := dw.json.Close(); err != nil {
		errs = append(errs, fmt.Errorf("json close failed: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("multiple errors: %v", errs)
	}
	return nil
}

// Validate validates both destinations.
func (dw *DualWriter) Validate() error {
	var errs []error
	if err := dw.store.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("store validation failed: %w", err))
	}
	if err := dw.json.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("json validation failed: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("validation errors: %v", errs)
	}
	return nil
}
