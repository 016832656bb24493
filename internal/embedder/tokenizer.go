package embedder

import (
	"strings"
	"unicode"
)

// tokenize splits text into lowercase word tokens and maps each to a stable
// integer id via FNV-1a over the token bytes. This stands in for the real
// transformer vocabulary file: both the primary and fallback paths only need
// a stable, deterministic id per distinct token, not a specific vocabulary.
func tokenize(text string) []int {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	ids := make([]int, 0, len(fields))
	for _, f := range fields {
		ids = append(ids, int(fnv1a(f)%1000003))
	}
	return ids
}

func fnv1a(s string) uint32 {
	const (
		offsetBasis = 2166136261
		prime       = 16777619
	)
	h := uint32(offsetBasis)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}
