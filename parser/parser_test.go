package parser

import (
	"reflect"
	"strings"
	"testing"

	"github.com/cjohnsto-nz/CoffeeCopilot/models"
)

func TestValidateProduct(t *testing.T) {
	valid := func() *models.Product {
		return &models.Product{
			ID:      "proud-mary/ethiopia-guji",
			Roaster: "proud-mary",
			Name:    "Ethiopia Guji",
			Price:   24.50,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*models.Product)
		wantErr string
	}{
		{
			name:    "valid product",
			mutate:  func(*models.Product) {},
			wantErr: "",
		},
		{
			name: "missing identifier",
			mutate: func(p *models.Product) {
				p.ID = "  "
			},
			wantErr: "identifier",
		},
		{
			name: "missing roaster",
			mutate: func(p *models.Product) {
				p.Roaster = ""
			},
			wantErr: "roaster",
		},
		{
			name: "missing name",
			mutate: func(p *models.Product) {
				p.Name = ""
			},
			wantErr: "name",
		},
		{
			name: "negative price",
			mutate: func(p *models.Product) {
				p.Price = -1
			},
			wantErr: "negative price",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(p)
			err := ValidateProduct(p)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}

	if err := ValidateProduct(nil); err == nil {
		t.Fatalf("nil product should fail validation")
	}
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{in: "$18.50", want: 18.50},
		{in: "NZD 24,00", want: 24.00},
		{in: " 32.00 ", want: 32.00},
		{in: "£9.99", want: 9.99},
		{in: "1,250.00", want: 1250.00},
		{in: "", wantErr: true},
		{in: "free", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePrice(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParsePrice(%q) expected error, got %v", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePrice(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("ParsePrice(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeNotes(t *testing.T) {
	in := []string{" Stone Fruit ", "cocoa", "", "STONE FRUIT", "Jasmine"}
	want := []string{"stone fruit", "cocoa", "jasmine"}
	if got := NormalizeNotes(in); !reflect.DeepEqual(got, want) {
		t.Fatalf("NormalizeNotes = %v, want %v", got, want)
	}
}

func TestRoastToLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "Light Roast", want: "light"},
		{in: "medium-dark", want: "medium"},
		{in: "DARK", want: "dark"},
		{in: "Filter", want: "light"},
		{in: "Espresso Roast", want: "medium"},
		{in: "", want: ""},
		{in: "city+", want: "city+"},
	}

	for _, tt := range tests {
		if got := RoastToLevel(tt.in); got != tt.want {
			t.Fatalf("RoastToLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
