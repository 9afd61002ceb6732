package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemanticType_StringParseRoundTrip(t *testing.T) {
	for _, st := range AllSemanticTypes() {
		parsed, err := ParseSemanticType(st.String())
		require.NoError(t, err)
		assert.Equal(t, st, parsed)
		assert.True(t, st.Valid())
	}
}

func TestSemanticType_ParseIsCaseInsensitive(t *testing.T) {
	st, err := ParseSemanticType("  Nullable-Timestamp ")
	require.NoError(t, err)
	assert.Equal(t, SemanticNullableTimestamp, st)
}

func TestSemanticType_ParseUnknown(t *testing.T) {
	_, err := ParseSemanticType("int64")
	assert.ErrorIs(t, err, ErrUnknownSemanticType)
}

func TestSemanticType_Invalid(t *testing.T) {
	assert.False(t, SemanticInvalid.Valid())
	assert.False(t, SemanticType(200).Valid())
	assert.Equal(t, "semantic(200)", SemanticType(200).String())
}

func TestSemanticType_EnumerationOrder(t *testing.T) {
	all := AllSemanticTypes()
	require.Len(t, all, 10)
	assert.Equal(t, SemanticFloat32, all[0])
	assert.Equal(t, SemanticNullableTimestamp, all[len(all)-1])
	assert.True(t, SemanticNullableTimestamp.Nullable())
	assert.False(t, SemanticTimestamp.Nullable())
}
