package types

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHexFromString(t *testing.T) {
	t.Run("accepts valid hex strings", func(t *testing.T) {
		for _, s := range []string{"0x0", "0x1a", "0XABC", "0xdeadbeef"} {
			h, err := HexFromString(s)
			require.NoError(t, err, s)
			assert.Equal(t, Hex(s), h)
		}
	})

	t.Run("rejects missing prefix and bad digits", func(t *testing.T) {
		for _, s := range []string{"", "1a", "0x", "0xzz", "0x12g4"} {
			_, err := HexFromString(s)
			assert.Error(t, err, s)
		}
	})

	t.Run("accepts quantities wider than 64 bits", func(t *testing.T) {
		_, err := HexFromString("0xde0b6b3a76400000000000000000")
		assert.NoError(t, err)
	})
}

func TestHexFromUint64(t *testing.T) {
	t.Run("encodes minimal hex", func(t *testing.T) {
		assert.Equal(t, Hex("0x0"), HexFromUint64(0))
		assert.Equal(t, Hex("0x1a"), HexFromUint64(26))
		assert.Equal(t, Hex("0x64"), HexFromUint64(100))
	})

	t.Run("round-trips through Uint64", func(t *testing.T) {
		assert.Equal(t, uint64(12345678), HexFromUint64(12345678).Uint64())
	})
}

func TestHex_UnmarshalJSON(t *testing.T) {
	t.Run("parses a quoted hex string", func(t *testing.T) {
		var h Hex
		require.NoError(t, json.Unmarshal([]byte(`"0x1b4"`), &h))
		assert.Equal(t, uint64(436), h.Uint64())
	})

	t.Run("treats null as empty", func(t *testing.T) {
		// Providers answer null for e.g. the block number of a pending tx.
		var h Hex
		require.NoError(t, json.Unmarshal([]byte(`null`), &h))
		assert.True(t, h.IsEmpty())
	})

	t.Run("rejects invalid values", func(t *testing.T) {
		var h Hex
		assert.Error(t, json.Unmarshal([]byte(`"zzz"`), &h))
		assert.Error(t, json.Unmarshal([]byte(`42`), &h))
	})
}

func TestHex_BigInt(t *testing.T) {
	t.Run("decodes small values", func(t *testing.T) {
		h := Hex("0x64")
		assert.Zero(t, h.BigInt().Cmp(big.NewInt(100)))
	})

	t.Run("decodes wei amounts beyond 64 bits", func(t *testing.T) {
		// 1,000,000 ETH in wei: 10^24.
		h := Hex("0xd3c21bcecceda1000000")
		expected, ok := new(big.Int).SetString("1000000000000000000000000", 10)
		require.True(t, ok)
		assert.Zero(t, h.BigInt().Cmp(expected))
	})

	t.Run("returns zero for empty values", func(t *testing.T) {
		assert.Zero(t, Hex("").BigInt().Sign())
	})
}

func TestHex_Uint64(t *testing.T) {
	t.Run("returns zero for empty or overflowing values", func(t *testing.T) {
		assert.Zero(t, Hex("").Uint64())
		assert.Zero(t, Hex("0xffffffffffffffffff").Uint64())
	})
}
