package ingestid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	source, sourceID, param, ok := Split("clarity-abc-123-def-pm25")
	require.True(t, ok)
	assert.Equal(t, "clarity", source)
	assert.Equal(t, "abc-123-def", sourceID)
	assert.Equal(t, "pm25", param)
}

func TestSplitMinimumTokens(t *testing.T) {
	source, sourceID, param, ok := Split("a-b-c")
	require.True(t, ok)
	assert.Equal(t, "a", source)
	assert.Equal(t, "b", sourceID)
	assert.Equal(t, "c", param)
}

func TestSplitTooFewTokens(t *testing.T) {
	_, _, _, ok := Split("a-b")
	assert.False(t, ok)
}

func TestSplitNode(t *testing.T) {
	source, sourceID, ok := SplitNode("clarity-site-001")
	require.True(t, ok)
	assert.Equal(t, "clarity", source)
	assert.Equal(t, "site-001", sourceID)
}

func TestCanonicalizeUnit(t *testing.T) {
	for _, variant := range []string{"μg/m3", "µg/m3", "μg/m³", "µg/m³"} {
		assert.Equal(t, "µg/m³", CanonicalizeUnit(variant))
	}
	assert.Equal(t, "ppm", CanonicalizeUnit("ppm"))
}

func TestParseTimestampEpochMillis(t *testing.T) {
	ts, err := ParseTimestamp("1700000000000")
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), ts)
}

func TestParseTimestampEpochSeconds(t *testing.T) {
	ts, err := ParseTimestamp("1700000000")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), ts)
}

func TestParseTimestampISO8601(t *testing.T) {
	ts, err := ParseTimestamp("2023-11-14T22:13:20Z")
	require.NoError(t, err)
	assert.Equal(t, 2023, ts.Year())
	assert.Equal(t, time.November, ts.Month())
}

func TestParseTimestampRejectsFreeForm(t *testing.T) {
	_, err := ParseTimestamp("November 14th 2023")
	assert.Error(t, err)
}

func TestParseTimestampRejectsAmbiguousDigitCount(t *testing.T) {
	_, err := ParseTimestamp("12345")
	assert.Error(t, err)
}

func TestParseTimestampRejectsEmpty(t *testing.T) {
	_, err := ParseTimestamp("")
	assert.Error(t, err)
}
