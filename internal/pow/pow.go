// ============================================================================
// Faucet PoW - Target & Digest Arithmetic
// ============================================================================
//
// Package: internal/pow
// File: pow.go
// Purpose: Numeric acceptance rule shared by the miner and the coordinator
//
// Acceptance Rule:
//   digest  = SHA-256(salt || decimal(nonce))
//   target  = (2^256 - 1) >> difficulty
//   accept  ⇔ bigEndianUint256(digest) <= target
//
//   The faucet server applies exactly this check before dispensing, so a
//   nonce accepted here is a nonce the server accepts.
//
// Hot Loop:
//   Both digest and target are fixed-width 32-byte big-endian values, so a
//   lexicographic byte comparison is the same as the numeric comparison and
//   needs no big.Int allocation per attempt.
//
// ============================================================================

package pow

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ChuLiYu/faucet-claim/pkg/types"
)

// MaxDifficulty is the largest meaningful shift of a 256-bit target.
const MaxDifficulty = 256

var (
	// ErrDifficultyRange is returned for a difficulty above MaxDifficulty.
	ErrDifficultyRange = errors.New("pow: difficulty out of range")
	// ErrHashMismatch means the reported hash is not SHA-256(salt || nonce).
	ErrHashMismatch = errors.New("pow: hash does not match salt and nonce")
	// ErrAboveTarget means the digest is larger than the target.
	ErrAboveTarget = errors.New("pow: digest above target")
)

var maxU256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Target returns (2^256 - 1) >> difficulty.
func Target(difficulty uint16) (*big.Int, error) {
	if difficulty > MaxDifficulty {
		return nil, fmt.Errorf("%w: %d", ErrDifficultyRange, difficulty)
	}
	return new(big.Int).Rsh(maxU256, uint(difficulty)), nil
}

// TargetBytes returns the target as a 32-byte big-endian array.
func TargetBytes(difficulty uint16) ([32]byte, error) {
	var out [32]byte
	t, err := Target(difficulty)
	if err != nil {
		return out, err
	}
	t.FillBytes(out[:])
	return out, nil
}

// Digest computes SHA-256 over the salt followed by the decimal nonce.
func Digest(salt string, nonce uint64) [32]byte {
	return NewHasher(salt).Digest(nonce)
}

// Hasher reuses one buffer for repeated digests over the same salt.
// Not safe for concurrent use.
type Hasher struct {
	buf     []byte
	saltLen int
}

// NewHasher prepares a Hasher for salt.
func NewHasher(salt string) *Hasher {
	buf := make([]byte, 0, len(salt)+20) // 20 = len("18446744073709551615")
	buf = append(buf, salt...)
	return &Hasher{buf: buf, saltLen: len(salt)}
}

// Digest returns SHA-256(salt || decimal(nonce)).
func (h *Hasher) Digest(nonce uint64) [32]byte {
	h.buf = strconv.AppendUint(h.buf[:h.saltLen], nonce, 10)
	return sha256.Sum256(h.buf)
}

// Satisfies reports digest <= target, both read as big-endian uint256.
func Satisfies(digest, target [32]byte) bool {
	return bytes.Compare(digest[:], target[:]) <= 0
}

// Verify recomputes a WorkResult and checks it against the difficulty target.
func Verify(result types.WorkResult, difficulty uint16) error {
	target, err := TargetBytes(difficulty)
	if err != nil {
		return err
	}

	digest := Digest(result.Salt, result.Nonce)
	if result.Hash != hex.EncodeToString(digest[:]) {
		return ErrHashMismatch
	}
	if !Satisfies(digest, target) {
		return ErrAboveTarget
	}
	return nil
}
