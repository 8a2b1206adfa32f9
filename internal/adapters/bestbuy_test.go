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

func TestBestBuyMatch(t *testing.T) {
	a := NewBestBuy(zerolog.Nop(), "")

	tests := []struct {
		rawURL string
		want   bool
	}{
		{"https://www.bestbuy.ca/en-ca/product/thing/17912973", true},
		{"https://bestbuy.ca/en-ca/product/thing/17912973", true},
		{"https://www.bestbuy.com/site/thing/1234567.p", false},
		{"https://example.com/bestbuy.ca/fake", false},
	}

	for _, tt := range tests {
		u, err := url.Parse(tt.rawURL)
		require.NoError(t, err)
		assert.Equal(t, tt.want, a.Match(u), tt.rawURL)
	}
}

func TestFindSKU(t *testing.T) {
	tests := []struct {
		rawURL string
		want   string
	}{
		{"https://www.bestbuy.ca/en-ca/product/laser-printer/17912973", "17912973"},
		{"https://www.bestbuy.ca/en-ca/product?sku=17912973", "17912973"},
		{"https://www.bestbuy.ca/en-ca/product?id=17912973", "17912973"},
		{"https://www.bestbuy.ca/en-ca/category/printers", ""},
		{"https://www.bestbuy.ca/en-ca/product/thing/12345", ""},
	}

	for _, tt := range tests {
		u, err := url.Parse(tt.rawURL)
		require.NoError(t, err)
		assert.Equal(t, tt.want, findSKU(u), tt.rawURL)
	}
}

func TestBestBuyExtract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v2/json/product/17912973", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"name": "Brother HL-L2460DW Monochrome Laser Printer",
			"salePrice": 629.99,
			"regularPrice": 699.99,
			"availability": {"onlineAvailability": "InStock", "isAvailableOnline": true}
		}`))
	}))
	defer srv.Close()

	a := NewBestBuy(zerolog.Nop(), srv.URL)
	result, err := a.Extract(context.Background(), "https://www.bestbuy.ca/en-ca/product/printer/17912973", 20*time.Second)
	require.NoError(t, err)
	require.NotNil(t, result)

	require.NotNil(t, result.PriceCents)
	assert.Equal(t, int64(62999), *result.PriceCents)
	assert.Equal(t, domain.StockInStock, result.StockState)
	require.NotNil(t, result.InStock)
	assert.True(t, *result.InStock)
	assert.Equal(t, 0.96, result.Confidence)
	assert.Equal(t, domain.MethodStatic, result.Method)
}

func TestBestBuyExtractSoldOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"name": "Limited Edition Console",
			"salePrice": 499.99,
			"availability": {"onlineAvailability": "SoldOutOnline", "isAvailableOnline": false}
		}`))
	}))
	defer srv.Close()

	a := NewBestBuy(zerolog.Nop(), srv.URL)
	result, err := a.Extract(context.Background(), "https://www.bestbuy.ca/en-ca/product/console/16000001", 20*time.Second)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, domain.StockOutOfStock, result.StockState)
	require.NotNil(t, result.InStock)
	assert.False(t, *result.InStock)
}

func TestBestBuyExtractNonOKYieldsNoResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := NewBestBuy(zerolog.Nop(), srv.URL)
	result, err := a.Extract(context.Background(), "https://www.bestbuy.ca/en-ca/product/printer/17912973", 20*time.Second)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestBestBuyExtractNoSKU(t *testing.T) {
	a := NewBestBuy(zerolog.Nop(), "http://127.0.0.1:1")
	result, err := a.Extract(context.Background(), "https://www.bestbuy.ca/en-ca/category/printers", 20*time.Second)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestBestBuyStockStateFallbacks(t *testing.T) {
	assert.Equal(t, domain.StockUnknown, bestBuyStockState(nil))
	assert.Equal(t, domain.StockInStock, bestBuyStockState(&bestBuyAvailability{IsAvailableInStore: true}))
	assert.Equal(t, domain.StockOutOfStock, bestBuyStockState(&bestBuyAvailability{OnlineAvailability: "ComingSoon"}))
	assert.Equal(t, domain.StockUnknown, bestBuyStockState(&bestBuyAvailability{}))
}
