package extract

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const productPage = `<!DOCTYPE html>
<html>
<head>
<title>Widget Pro | Example Shop</title>
<meta name="description" content="The Widget Pro widget.">
<script type="application/ld+json">
{
  "@context": "https://schema.org",
  "@type": "Product",
  "name": "Widget Pro",
  "offers": {
    "@type": "Offer",
    "price": "49.99",
    "priceCurrency": "USD",
    "availability": "https://schema.org/InStock"
  }
}
</script>
</head>
<body>
<h1>Widget Pro</h1>
<div class="price">$49.99</div>
<button type="submit">Add to Cart</button>
</body>
</html>`

const soldOutPage = `<!DOCTYPE html>
<html>
<head>
<title>Widget Pro | Example Shop</title>
<meta itemprop="availability" content="https://schema.org/OutOfStock">
</head>
<body>
<h1>Widget Pro</h1>
<div class="stock-status">Sold Out</div>
<button disabled>Add to Cart</button>
</body>
</html>`

const variantMixPage = `<!DOCTYPE html>
<html>
<head><title>Widget Pro</title></head>
<body>
<h1>Widget Pro</h1>
<div class="price">$49.99</div>
<select name="size">
  <option value="">Select</option>
  <option value="s">Small - In Stock</option>
  <option value="m" disabled>Medium</option>
</select>
<button>Add to Cart</button>
</body>
</html>`

func newExtractor() *Extractor {
	return New(zerolog.Nop())
}

func TestExtractConfidentProductPage(t *testing.T) {
	result, err := newExtractor().Extract(productPage, "https://shop.example.com/products/widget")
	require.NoError(t, err)

	assert.Equal(t, "Widget Pro", result.ProductName)
	require.NotNil(t, result.PriceCents)
	assert.Equal(t, int64(4999), *result.PriceCents)
	assert.Equal(t, "IN_STOCK", string(result.StockState))
	require.NotNil(t, result.InStock)
	assert.True(t, *result.InStock)
	assert.GreaterOrEqual(t, result.Confidence, 0.9)
	assert.Equal(t, "static", string(result.Method))
	assert.Len(t, result.ContentHash, 64)

	assert.Equal(t, "https://shop.example.com/products/widget", result.Evidence.URL)
	assert.Equal(t, "Widget Pro | Example Shop", result.Evidence.Title)
	assert.NotEmpty(t, result.Evidence.Candidates)
	assert.Equal(t, "json_ld", result.Evidence.Candidates[0].Source)
}

func TestExtractSoldOutPage(t *testing.T) {
	result, err := newExtractor().Extract(soldOutPage, "https://shop.example.com/products/widget")
	require.NoError(t, err)

	assert.Equal(t, "OUT_OF_STOCK", string(result.StockState))
	require.NotNil(t, result.InStock)
	assert.False(t, *result.InStock)
	// A known stock state lifts confidence to its floor even without a
	// price candidate.
	assert.GreaterOrEqual(t, result.Confidence, knownStockFloor)
	assert.True(t, result.Evidence.Stock.ExplicitOut)
}

func TestExtractVariantMixIsPartial(t *testing.T) {
	result, err := newExtractor().Extract(variantMixPage, "https://shop.example.com/products/widget")
	require.NoError(t, err)

	assert.Equal(t, "PARTIAL", string(result.StockState))
	require.NotNil(t, result.InStock)
	assert.True(t, *result.InStock, "PARTIAL projects to purchasable")
	assert.GreaterOrEqual(t, result.Confidence, partialStockFloor)

	require.Len(t, result.VariantStock, 2, "placeholder option is dropped")
	assert.Equal(t, "Small", result.VariantStock[0].Label, "availability noise stripped from label")
	assert.Equal(t, "IN", result.VariantStock[0].Stock)
	assert.Equal(t, "Medium", result.VariantStock[1].Label)
	assert.Equal(t, "OUT", result.VariantStock[1].Stock)
}

func TestExtractContentHashIsDeterministic(t *testing.T) {
	e := newExtractor()
	a, err := e.Extract(productPage, "https://shop.example.com/p")
	require.NoError(t, err)
	b, err := e.Extract(productPage, "https://shop.example.com/p")
	require.NoError(t, err)
	assert.Equal(t, a.ContentHash, b.ContentHash)

	c, err := e.Extract(soldOutPage, "https://shop.example.com/p")
	require.NoError(t, err)
	assert.NotEqual(t, a.ContentHash, c.ContentHash)
}

func TestExtractAmbiguityPenalty(t *testing.T) {
	// JSON-LD and an embedded productSku blob disagree on price with
	// nearly equal scores; the winner is penalized.
	page := `<html><head>
<script type="application/ld+json">
{"@type":"Product","name":"Widget Pro","offers":{"price":"49.99","availability":"https://schema.org/InStock"}}
</script>
<script>
window.__DATA__ = {"productSku":{"id":"w1"},"price":"39.99"};
</script>
</head><body><h1>Widget Pro</h1><button>Add to Cart</button></body></html>`

	result, err := newExtractor().Extract(page, "https://shop.example.com/p")
	require.NoError(t, err)

	require.NotNil(t, result.PriceCents)
	assert.Equal(t, int64(4999), *result.PriceCents, "higher-weight source still wins")
	assert.Less(t, result.Confidence, 0.95, "disagreeing runner-up costs confidence")
}

func TestExtractEmptyPage(t *testing.T) {
	result, err := newExtractor().Extract("<html><body></body></html>", "https://shop.example.com/p")
	require.NoError(t, err)

	assert.Empty(t, result.ProductName)
	assert.Nil(t, result.PriceCents)
	assert.Equal(t, "UNKNOWN", string(result.StockState))
	assert.Nil(t, result.InStock)
	assert.Zero(t, result.Confidence)
}

func TestExtractMalformedJSONLDIsRecovered(t *testing.T) {
	page := `<html><head>
<script type="application/ld+json">{not json at all</script>
</head><body>
<h1>Widget Pro</h1>
<div class="price">$19.99</div>
</body></html>`

	result, err := newExtractor().Extract(page, "https://shop.example.com/p")
	require.NoError(t, err)
	require.NotNil(t, result.PriceCents)
	assert.Equal(t, int64(1999), *result.PriceCents)
}

func TestExtractBodyScanOnlyStaysLowConfidence(t *testing.T) {
	page := `<html><body><h1>Widget Pro</h1><p>Get yours today from $19.99</p></body></html>`

	result, err := newExtractor().Extract(page, "https://shop.example.com/p")
	require.NoError(t, err)

	require.NotNil(t, result.PriceCents)
	assert.Equal(t, int64(1999), *result.PriceCents)
	assert.Less(t, result.Confidence, 0.85)
}

func TestNormalizeProductName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"Widget Pro", "Widget Pro"},
		{"Smart Widget with Charger and Case", "Smart Widget"},
		{"Air Purifiers for Home", "Air Purifier"},
		{"Levoit Core 600S Smart True HEPA Air Purifier, White", "Levoit Core 600S Smart True HEPA Air Purifier"},
		{"Air Purifier Replacement for Core Units HEPA13X", "Air Purifier Replacement - HEPA13X"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeProductName(tt.in))
		})
	}
}

func TestMarshalEvidenceRoundTrips(t *testing.T) {
	result, err := newExtractor().Extract(productPage, "https://shop.example.com/p")
	require.NoError(t, err)

	raw := MarshalEvidence(result.Evidence)
	assert.Contains(t, raw, `"url":"https://shop.example.com/p"`)
	assert.Contains(t, raw, `"json_ld"`)
}
