package kv

import (
	"testing"

	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBins(t *testing.T) {
	bins, err := parseBins([]string{"n=42", "f=1.5", "s=hello", "eq=a=b", "empty="})
	require.NoError(t, err)
	require.Len(t, bins, 5)

	got := model.BinMap{}
	for _, b := range bins {
		got[b.Name] = b.Value
	}
	assert.Equal(t, int64(42), got["n"])
	assert.Equal(t, 1.5, got["f"])
	assert.Equal(t, "hello", got["s"])
	assert.Equal(t, "a=b", got["eq"])
	assert.Equal(t, "", got["empty"])

	_, err = parseBins([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseBins([]string{"=1"})
	assert.Error(t, err)
}

func TestFormatBinsIsSorted(t *testing.T) {
	assert.Equal(t, "a=1 b=x c=2.5", formatBins(model.BinMap{"c": 2.5, "a": int64(1), "b": "x"}))
	assert.Equal(t, "", formatBins(nil))
}
