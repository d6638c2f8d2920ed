package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerdictText(t *testing.T) {
	for _, v := range []Verdict{VerdictUnknown, VerdictPass, VerdictHighFail, VerdictLowFail, VerdictOutputFail} {
		b, err := v.MarshalText()
		require.NoError(t, err)
		var got Verdict
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, v, got)
	}

	var v Verdict
	require.NoError(t, v.UnmarshalText([]byte(" high fail ")))
	assert.Equal(t, VerdictHighFail, v)
	require.NoError(t, v.UnmarshalText(nil))
	assert.Equal(t, VerdictUnknown, v)
}

func TestVerdictRejectsUnknownText(t *testing.T) {
	v := VerdictPass
	assert.Error(t, v.UnmarshalText([]byte("MAYBE")))
	assert.Equal(t, VerdictPass, v)

	var s struct {
		Verdict Verdict `json:"verdict"`
	}
	assert.Error(t, json.Unmarshal([]byte(`{"verdict":"bogus"}`), &s))
}

func TestVerdictFailed(t *testing.T) {
	assert.False(t, VerdictPass.Failed())
	assert.False(t, VerdictUnknown.Failed())
	assert.True(t, VerdictHighFail.Failed())
	assert.True(t, VerdictLowFail.Failed())
	assert.True(t, VerdictOutputFail.Failed())
}

func TestModeText(t *testing.T) {
	m, err := ParseMode(" ir ")
	require.NoError(t, err)
	assert.Equal(t, ModeIR, m)
	_, err = ParseMode("XX")
	assert.Error(t, err)
}
