package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatLites(t *testing.T) {
	assert.Equal(t, "1.5", FormatLites(150_000_000))
	assert.Equal(t, "0.00000001", FormatLites(1))
	assert.Equal(t, "5", FormatLites(500_000_000))
	assert.Equal(t, "-2.25", FormatLites(-225_000_000))
	assert.Equal(t, "0", FormatLites(0))
}

func TestParseCoins(t *testing.T) {
	lites, err := ParseCoins("1.5")
	require.NoError(t, err)
	assert.Equal(t, int64(150_000_000), lites)

	lites, err = ParseCoins("0.00000001")
	require.NoError(t, err)
	assert.Equal(t, int64(1), lites)

	lites, err = ParseCoins("5")
	require.NoError(t, err)
	assert.Equal(t, int64(500_000_000), lites)
}

func TestParseCoinsRejectsSubLitePrecision(t *testing.T) {
	_, err := ParseCoins("0.000000001")
	require.Error(t, err)
}

func TestParseCoinsRejectsGarbage(t *testing.T) {
	_, err := ParseCoins("one and a half")
	require.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	for _, lites := range []int64{0, 1, 99, 100_000_000, 123_456_789, 9_000_000_000} {
		parsed, err := ParseCoins(FormatLites(lites))
		require.NoError(t, err)
		assert.Equal(t, lites, parsed)
	}
}
