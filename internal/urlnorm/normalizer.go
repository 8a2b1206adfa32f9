// Package urlnorm canonicalizes product URLs for deduplication. Tracking
// parameters are stripped, remaining query parameters are sorted, and the
// result is stable under re-normalization.
package urlnorm

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// trackingPrefixes are query parameter name prefixes (case-insensitive)
// that carry attribution rather than product identity.
var trackingPrefixes = []string{"utm_", "fbclid", "gclid", "msclkid", "ref", "ref_", "source"}

// Canonicalize returns the dedupe-stable form of a product URL:
// fragment removed, tracking parameters dropped, remaining parameters
// sorted lexicographically by name (value order preserved within a name),
// and a single trailing slash stripped from non-root paths.
func Canonicalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("URL has no host")
	}

	u.Fragment = ""
	u.RawFragment = ""

	query := u.Query()
	names := make([]string, 0, len(query))
	for name := range query {
		if isTrackingParam(name) {
			delete(query, name)
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) == 0 {
		u.RawQuery = ""
	} else {
		// Rebuild the query by hand: names sorted, value order
		// within a name preserved.
		var b strings.Builder
		for _, name := range names {
			for _, value := range query[name] {
				if b.Len() > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(name))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(value))
			}
		}
		u.RawQuery = b.String()
	}

	if len(u.Path) > 1 && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimSuffix(u.Path, "/")
		u.RawPath = ""
	}

	return u.String(), nil
}

// Host extracts the lowercase host (without port) used as an item's site
// host, for grouping same-site extraction hints.
func Host(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	return strings.ToLower(u.Hostname()), nil
}

func isTrackingParam(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range trackingPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}
