package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/pricewatch/internal/domain"
)

func TestShopifyMatch(t *testing.T) {
	a := NewShopify(zerolog.Nop())

	tests := []struct {
		rawURL string
		want   bool
	}{
		{"https://shop.example.com/products/widget-pro", true},
		{"https://shop.example.com/collections/all/products/widget-pro", true},
		{"https://shop.example.com/collections/all", false},
		{"https://shop.example.com/", false},
	}

	for _, tt := range tests {
		u, err := url.Parse(tt.rawURL)
		require.NoError(t, err)
		assert.Equal(t, tt.want, a.Match(u), tt.rawURL)
	}
}

func TestShopifyExtractJSEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/products/printer-x1.js" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		// .js prices are integer cents.
		w.Write([]byte(`{
			"title": "Printer X1 Carbon",
			"price": 3999,
			"variants": [
				{"title": "P2S", "price": 3999, "available": false},
				{"title": "X1C", "price": 4250, "available": true}
			]
		}`))
	}))
	defer srv.Close()

	a := NewShopify(zerolog.Nop())
	result, err := a.Extract(context.Background(), srv.URL+"/products/printer-x1", 20*time.Second)
	require.NoError(t, err)
	require.NotNil(t, result)

	require.NotNil(t, result.PriceCents)
	assert.Equal(t, int64(4250), *result.PriceCents, "price should come from the first purchasable variant")
	assert.Equal(t, domain.StockPartial, result.StockState)
	assert.Nil(t, result.InStock, "PARTIAL projects to unknown in-stock")
	assert.Equal(t, domain.MethodShopifyJSON, result.Method)
	assert.Len(t, result.VariantStock, 2)
	assert.Equal(t, domain.VariantOut, result.VariantStock[0].Stock)
	assert.Equal(t, domain.VariantIn, result.VariantStock[1].Stock)
	assert.InDelta(t, 0.99, result.Confidence, 0.001)
}

func TestShopifyExtractFallsBackToJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/products/widget.js":
			http.NotFound(w, r)
		case "/products/widget.json":
			w.Header().Set("Content-Type", "application/json")
			// .json prices are whole currency units.
			w.Write([]byte(`{"product": {
				"title": "Widget Pro",
				"variants": [{"title": "Default", "price": "39.99", "available": true}]
			}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := NewShopify(zerolog.Nop())
	result, err := a.Extract(context.Background(), srv.URL+"/products/widget", 20*time.Second)
	require.NoError(t, err)
	require.NotNil(t, result)

	require.NotNil(t, result.PriceCents)
	assert.Equal(t, int64(3999), *result.PriceCents)
	assert.Equal(t, domain.StockInStock, result.StockState)
	require.NotNil(t, result.InStock)
	assert.True(t, *result.InStock)
}

func TestShopifyExtractRedirectYieldsNoResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://elsewhere.example.com/", http.StatusMovedPermanently)
	}))
	defer srv.Close()

	a := NewShopify(zerolog.Nop())
	result, err := a.Extract(context.Background(), srv.URL+"/products/moved", 20*time.Second)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestShopifyExtractNonProductURL(t *testing.T) {
	a := NewShopify(zerolog.Nop())
	result, err := a.Extract(context.Background(), "https://shop.example.com/collections/all", 20*time.Second)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestShopifyPriceCents(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		centsUnits bool
		want       int64
		ok         bool
	}{
		{"js integer cents", "4250", true, 4250, true},
		{"json float units", "42.50", false, 4250, true},
		{"json string units", `"39.99"`, false, 3999, true},
		{"zero rejected", "0", true, 0, false},
		{"empty", "", false, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := shopifyPriceCents([]byte(tt.raw), tt.centsUnits)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
