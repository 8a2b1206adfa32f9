package extract

import (
	"regexp"
	"strings"
)

var (
	// Marketing suffixes: everything from the first " with ", " for " or
	// comma onward is accessory copy, not product identity.
	reNameCut = regexp.MustCompile(`(?i)\s+with\s+|\s+for\s+|,`)

	// Model hints: "Core 600S" style series names, or bare alphanumeric
	// model codes like "LV-H132" / "HEPA13X". Last match wins.
	reCoreModel    = regexp.MustCompile(`\b(Core)\s+([A-Z0-9-]{3,})\b`)
	reGenericModel = regexp.MustCompile(`\b[A-Z]+[0-9]{2,}[A-Z0-9-]*\b`)
)

// NormalizeProductName canonicalizes an extracted product name: trims
// marketing suffixes, fixes plural category names, and re-appends a model
// hint that trimming may have dropped.
func NormalizeProductName(name string) string {
	original := strings.TrimSpace(name)
	if original == "" {
		return ""
	}

	trimmed := original
	if loc := reNameCut.FindStringIndex(trimmed); loc != nil {
		trimmed = strings.TrimSpace(trimmed[:loc[0]])
	}

	trimmed = strings.ReplaceAll(trimmed, "Air Purifiers", "Air Purifier")

	model := modelHint(original)
	if model != "" && !strings.Contains(strings.ToLower(trimmed), strings.ToLower(model)) {
		trimmed = trimmed + " - " + strings.TrimSuffix(model, "-P")
	}

	return trimmed
}

// modelHint extracts the last model-looking token from the full name.
func modelHint(name string) string {
	hint := ""
	if matches := reCoreModel.FindAllStringSubmatch(name, -1); len(matches) > 0 {
		last := matches[len(matches)-1]
		hint = last[1] + " " + last[2]
	}
	if matches := reGenericModel.FindAllString(name, -1); len(matches) > 0 {
		hint = matches[len(matches)-1]
	}
	return hint
}
