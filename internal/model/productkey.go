package model

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var turkishLower = cases.Lower(language.Turkish)

// NormalizeProductKey canonicalizes a product key: Turkish-aware
// lowercasing (İ→i, I→ı), trimmed, whitespace and underscores
// collapsed to single dashes. "Tavuk Eti/KG" and "tavuk-eti/kg" map to
// the same key.
func NormalizeProductKey(key string) string {
	key = turkishLower.String(strings.TrimSpace(key))
	fields := strings.FieldsFunc(key, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '_'
	})
	return strings.Join(fields, "-")
}
