// Package pricing parses free-form price text into integer minor-currency
// units. All money downstream of this boundary is integer cents; the only
// floating-point arithmetic on money is the single round(value * 100) here.
package pricing

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ParsedPrice is the result of parsing a price out of arbitrary text.
type ParsedPrice struct {
	Cents int64   // Minor currency units
	Raw   float64 // The parsed decimal value before cent conversion
}

// tokenRe matches the first numeric token of the form
// digits (thousand-separator digit-triples)? (decimal-separator 2 digits)?
// where separators are '.', ',' or a space.
var tokenRe = regexp.MustCompile(`\d{1,3}(?:[., ]\d{3})+(?:[.,]\d{2})?|\d+(?:[.,]\d{2})?`)

var whitespaceRe = regexp.MustCompile(`\s+`)

// Parse extracts the first price-like number from text.
// Returns false when no usable number is present or the value is not
// positive and finite.
func Parse(text string) (ParsedPrice, bool) {
	// Normalize whitespace (including NBSP and narrow spaces) so spaced
	// thousand groups like "1 299,00" survive tokenization.
	normalized := strings.NewReplacer("\u00a0", " ", "\u202f", " ").Replace(text)
	normalized = whitespaceRe.ReplaceAllString(normalized, " ")

	token := tokenRe.FindString(normalized)
	if token == "" {
		return ParsedPrice{}, false
	}

	value, ok := normalizeToken(token)
	if !ok {
		return ParsedPrice{}, false
	}

	if value <= 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return ParsedPrice{}, false
	}

	return ParsedPrice{
		Cents: int64(math.Round(value * 100)),
		Raw:   value,
	}, true
}

// normalizeToken resolves separator ambiguity and produces a parseable
// decimal string.
//
// Rules:
//   - Spaces are always thousand separators.
//   - If both '.' and ',' appear, the later one is the decimal separator.
//   - If only one appears, it is decimal only when it occurs once with
//     exactly two trailing digits; otherwise it separates thousands.
func normalizeToken(token string) (float64, bool) {
	token = strings.ReplaceAll(token, " ", "")

	lastDot := strings.LastIndex(token, ".")
	lastComma := strings.LastIndex(token, ",")

	var decimalSep byte
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastDot > lastComma {
			decimalSep = '.'
		} else {
			decimalSep = ','
		}
	case lastDot >= 0:
		if strings.Count(token, ".") == 1 && len(token)-lastDot == 3 {
			decimalSep = '.'
		}
	case lastComma >= 0:
		if strings.Count(token, ",") == 1 && len(token)-lastComma == 3 {
			decimalSep = ','
		}
	}

	var b strings.Builder
	for i := 0; i < len(token); i++ {
		c := token[i]
		switch {
		case c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == decimalSep && i == strings.LastIndexByte(token, decimalSep):
			b.WriteByte('.')
		default:
			// Thousand separator (or an earlier occurrence of the
			// decimal character) - drop it.
		}
	}

	value, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

// FormatCents renders integer cents as a display price, e.g. 129999 ->
// "$1,299.99". Grouping follows en-CA conventions.
func FormatCents(cents int64) string {
	negative := cents < 0
	if negative {
		cents = -cents
	}

	whole := cents / 100
	frac := cents % 100

	digits := strconv.FormatInt(whole, 10)
	var grouped strings.Builder
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			grouped.WriteByte(',')
		}
		grouped.WriteRune(d)
	}

	sign := ""
	if negative {
		sign = "-"
	}
	return sign + "$" + grouped.String() + "." + pad2(frac)
}

func pad2(n int64) string {
	if n < 10 {
		return "0" + strconv.FormatInt(n, 10)
	}
	return strconv.FormatInt(n, 10)
}
