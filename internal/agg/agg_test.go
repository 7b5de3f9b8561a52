package agg

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/steveyegge/keel/internal/types"
)

func TestKeyDeterministic(t *testing.T) {
	scope := Scope{ClientID: "C1", Discriminator: "I1"}
	k1 := Key(types.CategoryFinancial, scope)
	k2 := Key(types.CategoryFinancial, scope)
	assert.Equal(t, k1, k2)
	assert.Regexp(t, `^agg_[0-9a-f]{16}$`, k1)
}

func TestKeyDiscriminates(t *testing.T) {
	base := Scope{ClientID: "C1", Discriminator: "I1"}
	k := Key(types.CategoryFinancial, base)

	assert.NotEqual(t, k, Key(types.CategoryRisk, base))
	assert.NotEqual(t, k, Key(types.CategoryFinancial, Scope{ClientID: "C2", Discriminator: "I1"}))
	assert.NotEqual(t, k, Key(types.CategoryFinancial, Scope{ClientID: "C1", Discriminator: "I2"}))
	assert.NotEqual(t, k, Key(types.CategoryFinancial, Scope{ClientID: "C1", BrandID: "B1", Discriminator: "I1"}))
}

func TestNextSeverityMonotonic(t *testing.T) {
	got := NextSeverity(types.SeverityHigh, types.SeverityLow, false)
	assert.Equal(t, types.SeverityHigh, got, "ordinary evidence never lowers severity")

	got = NextSeverity(types.SeverityLow, types.SeverityCritical, false)
	assert.Equal(t, types.SeverityCritical, got)

	got = NextSeverity(types.SeverityHigh, types.SeverityLow, true)
	assert.Equal(t, types.SeverityLow, got, "recovery evidence recomputes from scratch")
}

func TestShouldSurface(t *testing.T) {
	assert.True(t, ShouldSurface(types.SeverityMedium, 1, types.SeverityMedium, 3))
	assert.True(t, ShouldSurface(types.SeverityCritical, 1, types.SeverityMedium, 3))
	assert.False(t, ShouldSurface(types.SeverityLow, 2, types.SeverityMedium, 3))
	assert.True(t, ShouldSurface(types.SeverityLow, 3, types.SeverityMedium, 3), "evidence count crosses the floor")
	assert.False(t, ShouldSurface(types.SeverityLow, 100, types.SeverityMedium, 0), "zero disables the count path")
}
