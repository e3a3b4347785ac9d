// ============================================================================
// Faucet Miner - Nonce Search Loop
// ============================================================================
//
// Package: internal/miner
// File: search.go
// Function: Brute-force nonce search executed by one run goroutine
//
// How it works:
//   counter := 0, 1, 2, ...
//   1. Check the run's cancelled flag (top of every iteration)
//   2. digest = SHA-256(salt || decimal(counter))
//   3. digest <= target → result found
//
// Cancellation:
//   The flag is read once per iteration, so cancellation latency is one
//   digest computation. A result found after the flag is set is discarded
//   and the run ends with Stopped instead.
//
// Termination:
//   The loop has no timeout. It only ends on a result, a cancellation or
//   after the last uint64 counter (Finish).
//
// ============================================================================

package miner

import (
	"encoding/hex"
	"math"

	"github.com/ChuLiYu/faucet-claim/internal/pow"
	"github.com/ChuLiYu/faucet-claim/pkg/types"
)

// search runs r to completion and returns its terminal message.
func (m *Miner) search(r *run) Message {
	target, err := pow.TargetBytes(r.difficulty)
	if err != nil {
		// Run() validates difficulty before a request reaches dispatch.
		log.Error("Invalid difficulty in run", "run", r.id, "difficulty", r.difficulty, "error", err)
		return Finish{Run: r.id}
	}

	h := pow.NewHasher(r.salt)
	counter := uint64(0)
	for {
		if r.cancelled.Load() {
			log.Debug("Run cancelled", "run", r.id, "attempts", counter)
			return Stopped{Run: r.id}
		}

		digest := h.Digest(counter)
		if pow.Satisfies(digest, target) {
			if r.cancelled.Load() {
				return Stopped{Run: r.id}
			}
			log.Debug("Nonce found", "run", r.id, "nonce", counter)
			return Hash{Run: r.id, Result: types.WorkResult{
				Salt:  r.salt,
				Nonce: counter,
				Hash:  hex.EncodeToString(digest[:]),
			}}
		}

		if counter == math.MaxUint64 {
			return Finish{Run: r.id}
		}
		counter++
	}
}
