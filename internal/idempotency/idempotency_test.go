package idempotency

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate_Deterministic(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

	k1 := Create("pbx-poll", "ActiveCallObserved", "call:42", at, true, nil)
	k2 := Create("pbx-poll", "ActiveCallObserved", "call:42", at, true, nil)

	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64)
	assert.Equal(t, strings.ToLower(k1), k1)
}

func TestCreate_TimezoneNormalized(t *testing.T) {
	utc := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	amsterdam := utc.In(time.FixedZone("CET", 3600))

	assert.Equal(t, Create("a", utc), Create("a", amsterdam))
}

func TestCreate_SingleFieldDifference(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

	base := Create("pbx-poll", "ActiveCallObserved", "call:42", at)
	assert.NotEqual(t, base, Create("pbx-poll", "ActiveCallObserved", "call:43", at))
	assert.NotEqual(t, base, Create("pbx-poll", "ActiveCallObserved", "call:42", at.Add(time.Millisecond)))
	assert.NotEqual(t, base, Create("pbx-push", "ActiveCallObserved", "call:42", at))
}

func TestCreate_SeparatorPreventsShifting(t *testing.T) {
	assert.NotEqual(t, Create("ab", "c"), Create("a", "bc"))
}

func TestCreate_NilAndEmptyEquivalent(t *testing.T) {
	var s *string
	var ts *time.Time
	assert.Equal(t, Create("x", nil), Create("x", ""))
	assert.Equal(t, Create("x", s), Create("x", ""))
	assert.Equal(t, Create("x", ts), Create("x", ""))
}

func TestCreate_Booleans(t *testing.T) {
	assert.Equal(t, Create(true), Create("1"))
	assert.Equal(t, Create(false), Create("0"))
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	short := "caller-key-1"
	assert.Equal(t, short, Normalize(short))
	assert.Equal(t, " "+short+" ", Normalize(" "+short+" "), "supplied keys are not rewritten")
	assert.Empty(t, Normalize(""))
	assert.Empty(t, Normalize(" \t "))
	assert.True(t, IsBlank("  "))
	assert.False(t, IsBlank(short))

	exact := strings.Repeat("k", MaxKeyLength)
	assert.Equal(t, exact, Normalize(exact))

	long := strings.Repeat("k", MaxKeyLength+1)
	normalized := Normalize(long)
	require.Len(t, normalized, 64)
	assert.Equal(t, normalized, Normalize(long), "hashing must be deterministic")
	assert.NotEqual(t, normalized, Normalize(long+"x"))
}

func TestPayloadHash(t *testing.T) {
	assert.Equal(t, PayloadHash(`{"a":1}`), PayloadHash(`{"a":1}`))
	assert.NotEqual(t, PayloadHash(`{"a":1}`), PayloadHash(`{"a":2}`))
}
