package domain_test

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listflow/dirsubmit/internal/domain"
)

func TestIdempotencyKey_Deterministic(t *testing.T) {
	t.Parallel()
	factors := map[string]string{"name": "Acme Plumbing", "directory": "yelp"}
	k1 := domain.IdempotencyKey("J1", "yelp", factors)
	k2 := domain.IdempotencyKey("J1", "yelp", map[string]string{"directory": "yelp", "name": "Acme Plumbing"})
	assert.Equal(t, k1, k2, "key must not depend on map insertion order")
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), k1)
}

func TestIdempotencyKey_DistinguishesInputs(t *testing.T) {
	t.Parallel()
	base := domain.IdempotencyKey("J1", "yelp", map[string]string{"name": "Acme"})
	assert.NotEqual(t, base, domain.IdempotencyKey("J2", "yelp", map[string]string{"name": "Acme"}))
	assert.NotEqual(t, base, domain.IdempotencyKey("J1", "bing", map[string]string{"name": "Acme"}))
	assert.NotEqual(t, base, domain.IdempotencyKey("J1", "yelp", map[string]string{"name": "Acme Co"}))
}

func TestCanonicalFactors(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "{}", domain.CanonicalFactors(nil))
	assert.Equal(t, `{"a":"1","b":"2"}`, domain.CanonicalFactors(map[string]string{"b": "2", "a": "1"}))
	// Values needing escapes survive round-trip distinctly.
	withQuote := domain.CanonicalFactors(map[string]string{"a": `x"y`})
	assert.Equal(t, `{"a":"x\"y"}`, withQuote)
}

func TestDefaultIdempotencyFactors(t *testing.T) {
	t.Parallel()
	f := domain.DefaultIdempotencyFactors(domain.BusinessProfile{Name: "Acme"}, "yelp")
	require.Equal(t, map[string]string{"name": "Acme", "directory": "yelp"}, f)
}

func TestNormalizePriority(t *testing.T) {
	t.Parallel()
	p, ok := domain.NormalizePriority("pro")
	assert.True(t, ok)
	assert.Equal(t, domain.PriorityPro, p)

	p, ok = domain.NormalizePriority("platinum")
	assert.False(t, ok)
	assert.Equal(t, domain.PriorityStarter, p)
}

func TestSubmissionStatus_Terminal(t *testing.T) {
	t.Parallel()
	assert.True(t, domain.SubmissionSubmitted.Terminal())
	assert.True(t, domain.SubmissionSkipped.Terminal())
	assert.False(t, domain.SubmissionSubmitting.Terminal())
	assert.False(t, domain.SubmissionFailed.Terminal())
}
