package urlnorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"bare url unchanged",
			"https://shop.example.com/products/widget",
			"https://shop.example.com/products/widget",
		},
		{
			"fragment stripped",
			"https://shop.example.com/products/widget#reviews",
			"https://shop.example.com/products/widget",
		},
		{
			"tracking params dropped",
			"https://shop.example.com/p?utm_source=news&utm_campaign=x&gclid=abc&fbclid=def&id=42",
			"https://shop.example.com/p?id=42",
		},
		{
			"ref prefix dropped",
			"https://shop.example.com/p?ref=homepage&refinement=color&id=42",
			"https://shop.example.com/p?id=42",
		},
		{
			"params sorted by name",
			"https://shop.example.com/p?b=2&a=1&c=3",
			"https://shop.example.com/p?a=1&b=2&c=3",
		},
		{
			"repeated values keep order",
			"https://shop.example.com/p?size=m&color=red&size=l",
			"https://shop.example.com/p?color=red&size=m&size=l",
		},
		{
			"trailing slash stripped",
			"https://shop.example.com/products/widget/",
			"https://shop.example.com/products/widget",
		},
		{
			"root slash preserved",
			"https://shop.example.com/",
			"https://shop.example.com/",
		},
		{
			"surrounding whitespace trimmed",
			"  https://shop.example.com/p  ",
			"https://shop.example.com/p",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonicalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanonicalizeIsIdempotent(t *testing.T) {
	once, err := Canonicalize("https://shop.example.com/p/?b=2&a=1&utm_medium=email#top")
	require.NoError(t, err)
	twice, err := Canonicalize(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestCanonicalizeRejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"ftp scheme", "ftp://shop.example.com/p"},
		{"no scheme", "shop.example.com/p"},
		{"javascript scheme", "javascript:alert(1)"},
		{"empty", ""},
		{"scheme only", "https://"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Canonicalize(tt.in)
			assert.Error(t, err)
		})
	}
}

func TestHost(t *testing.T) {
	host, err := Host("https://Shop.Example.COM:8443/products/widget")
	require.NoError(t, err)
	assert.Equal(t, "shop.example.com", host)
}
