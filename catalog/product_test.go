package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChooseSKU(t *testing.T) {
	p := Product{Variants: []Variant{{SKU: "OTHER-1"}, {SKU: " ABC123456-M "}}}

	assert.Equal(t, "ABC123456-M", p.ChooseSKU([]string{"ABC123456"}))
	assert.Equal(t, "OTHER-1", p.ChooseSKU([]string{"ZZZ"}))
	assert.Equal(t, "", Product{}.ChooseSKU([]string{"ZZZ"}))
}

func TestColorPreference(t *testing.T) {
	names := []string{"color", "colour", "colore"}

	tests := []struct {
		name    string
		product Product
		want    string
	}{
		{
			name: "variant option wins",
			product: Product{
				Title:    "Camicia nero",
				Tags:     []string{"rosso fuoco"},
				Variants: []Variant{{Options: []Option{{Name: "Taglia", Value: "M"}, {Name: "COLORE", Value: "Blu Navy"}}}},
			},
			want: "Blu Navy",
		},
		{
			name:    "tag with color word",
			product: Product{Title: "Camicia nero", Tags: []string{"estate", " Rosso Fuoco "}},
			want:    "Rosso Fuoco",
		},
		{
			name:    "title fallback",
			product: Product{Title: "T-shirt Bianco Antico girocollo"},
			want:    "Bianco Antico",
		},
		{
			name:    "title needs whole word",
			product: Product{Title: "Bluetooth speaker"},
			want:    "",
		},
		{
			name:    "option without value ignored",
			product: Product{Variants: []Variant{{Options: []Option{{Name: "Color", Value: " "}}}}},
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.product.ColorPreference(names))
		})
	}
}

func TestProductIDFromGID(t *testing.T) {
	id, err := ProductIDFromGID("gid://shopify/Product/8123456789")
	assert.NoError(t, err)
	assert.Equal(t, int64(8123456789), id)

	_, err = ProductIDFromGID("gid://shopify/Product/")
	assert.Error(t, err)
}

func TestDraftAndDescription(t *testing.T) {
	assert.True(t, Product{Status: "DRAFT"}.IsDraft())
	assert.False(t, Product{Status: "ACTIVE"}.IsDraft())
	assert.False(t, Product{BodyHTML: "  "}.HasDescription())
	assert.True(t, Product{BodyHTML: "<p>x</p>"}.HasDescription())
}
