package pow

import (
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"strconv"
	"testing"

	"github.com/ChuLiYu/faucet-claim/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetAcrossRange(t *testing.T) {
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	for d := 0; d <= MaxDifficulty; d++ {
		got, err := Target(uint16(d))
		require.NoError(t, err)

		want := new(big.Int).Rsh(max, uint(d))
		assert.Equal(t, 0, want.Cmp(got), "difficulty %d", d)

		b, err := TargetBytes(uint16(d))
		require.NoError(t, err)
		assert.Equal(t, 0, new(big.Int).SetBytes(b[:]).Cmp(want), "bytes for difficulty %d", d)
	}
}

func TestTargetEdges(t *testing.T) {
	zero, err := Target(256)
	require.NoError(t, err)
	assert.Equal(t, 0, zero.Sign())

	full, err := Target(0)
	require.NoError(t, err)
	assert.Equal(t, 256, full.BitLen())

	_, err = Target(257)
	assert.ErrorIs(t, err, ErrDifficultyRange)

	_, err = TargetBytes(1000)
	assert.ErrorIs(t, err, ErrDifficultyRange)
}

func TestDigestMatchesConcatenation(t *testing.T) {
	want := sha256.Sum256([]byte("deadbeef12345"))
	assert.Equal(t, want, Digest("deadbeef", 12345))

	want = sha256.Sum256([]byte("abc0"))
	assert.Equal(t, want, Digest("abc", 0))
}

func TestHasherReuse(t *testing.T) {
	h := NewHasher("cafe")
	for _, n := range []uint64{0, 9, 10, 12345678901234567890, 7} {
		assert.Equal(t, sha256.Sum256([]byte("cafe"+strconv.FormatUint(n, 10))), h.Digest(n), "nonce %d", n)
	}
}

// Byte comparison must agree with big.Int comparison for every shift.
func TestSatisfiesMatchesBigIntComparison(t *testing.T) {
	for d := uint16(0); d <= 24; d++ {
		target, err := TargetBytes(d)
		require.NoError(t, err)
		bigTarget, _ := Target(d)

		for n := uint64(0); n < 64; n++ {
			digest := Digest("deadbeef", n)
			bigDigest := new(big.Int).SetBytes(digest[:])
			assert.Equal(t, bigDigest.Cmp(bigTarget) <= 0, Satisfies(digest, target),
				"difficulty %d nonce %d", d, n)
		}
	}
}

func TestVerify(t *testing.T) {
	target, _ := TargetBytes(8)

	var nonce uint64
	for ; ; nonce++ {
		if Satisfies(Digest("deadbeef", nonce), target) {
			break
		}
	}
	digest := Digest("deadbeef", nonce)

	result := types.WorkResult{Salt: "deadbeef", Nonce: nonce, Hash: hex.EncodeToString(digest[:])}
	assert.NoError(t, Verify(result, 8))

	bad := result
	bad.Hash = hex.EncodeToString(make([]byte, 32))
	assert.ErrorIs(t, Verify(bad, 8), ErrHashMismatch)

	assert.ErrorIs(t, Verify(result, 256), ErrAboveTarget)
	assert.ErrorIs(t, Verify(result, 300), ErrDifficultyRange)
}
