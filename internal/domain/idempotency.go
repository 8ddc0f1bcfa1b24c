package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// CanonicalFactors serializes a factor map deterministically: keys sorted,
// JSON-style quoting, no insignificant whitespace. Equal maps always
// canonicalize to the same string regardless of insertion order.
func CanonicalFactors(factors map[string]string) string {
	if len(factors) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(factors))
	for k := range factors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(quoteJSON(k))
		b.WriteByte(':')
		b.WriteString(quoteJSON(factors[k]))
	}
	b.WriteByte('}')
	return b.String()
}

// IdempotencyKey hashes (job, directory, factors) into a 64-char lowercase
// hex digest. Deterministic across processes and restarts; the key defines
// what counts as an effectively identical submission.
func IdempotencyKey(jobID, directory string, factors map[string]string) string {
	preimage := jobID + ":" + directory + ":" + CanonicalFactors(factors)
	sum := sha256.Sum256([]byte(preimage))
	return hex.EncodeToString(sum[:])
}

// DefaultIdempotencyFactors is used when a plan carries no factor map.
func DefaultIdempotencyFactors(business BusinessProfile, directory string) map[string]string {
	return map[string]string{
		"name":      business.Name,
		"directory": directory,
	}
}

func quoteJSON(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
