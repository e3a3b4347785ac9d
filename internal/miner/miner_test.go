package miner

// ============================================================================
// Miner Test File
// Purpose: Verify the search result, cancellation acknowledgment and lifecycle
// ============================================================================

import (
	"math/big"
	"testing"
	"time"

	"github.com/ChuLiYu/faucet-claim/internal/pow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startMiner(t *testing.T) *Miner {
	t.Helper()
	m := New(4)
	require.NoError(t, m.Start())
	t.Cleanup(m.Close)
	return m
}

func recv(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "message channel closed")
		return msg
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for miner message")
		return nil
	}
}

func assertQuiet(t *testing.T, ch <-chan Message, d time.Duration) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message %#v", msg)
	case <-time.After(d):
	}
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

func TestNewMiner(t *testing.T) {
	m := New(0)
	assert.NotNil(t, m)
	assert.False(t, m.IsStarted())

	_, err := m.Run("deadbeef", 1)
	assert.ErrorIs(t, err, ErrMinerNotStarted)

	require.NoError(t, m.Start())
	assert.True(t, m.IsStarted())
	assert.Error(t, m.Start())

	m.Close()
	m.Close()

	_, err = m.Run("deadbeef", 1)
	assert.ErrorIs(t, err, ErrMinerClosed)
	assert.ErrorIs(t, m.Cancel(), ErrMinerClosed)

	_, ok := <-m.Messages()
	assert.False(t, ok, "outbox should be closed")
}

func TestRunRejectsDifficultyAboveRange(t *testing.T) {
	m := startMiner(t)

	_, err := m.Run("deadbeef", 257)
	assert.ErrorIs(t, err, pow.ErrDifficultyRange)
}

func TestRunRejectsEmptySalt(t *testing.T) {
	m := startMiner(t)

	_, err := m.Run("", 0)
	assert.ErrorIs(t, err, ErrEmptySalt)

	// The rejected run did not consume an ID.
	id, err := m.Run("deadbeef", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
	assert.Equal(t, id, recv(t, m.Messages()).RunID())
}

// ============================================================================
// Search Tests
// ============================================================================

func TestRunFindsNonceBelowTarget(t *testing.T) {
	m := startMiner(t)

	id, err := m.Run("deadbeef", 8)
	require.NoError(t, err)

	msg := recv(t, m.Messages())
	hash, ok := msg.(Hash)
	require.True(t, ok, "expected Hash, got %#v", msg)
	assert.Equal(t, id, hash.RunID())
	assert.Equal(t, "deadbeef", hash.Result.Salt)
	require.NoError(t, pow.Verify(hash.Result, 8))

	digest, ok := new(big.Int).SetString(hash.Result.Hash, 16)
	require.True(t, ok)
	target, _ := pow.Target(8)
	assert.LessOrEqual(t, digest.Cmp(target), 0)

	// The first satisfying counter is the one reported.
	tb, _ := pow.TargetBytes(8)
	for n := uint64(0); n < hash.Result.Nonce; n++ {
		assert.False(t, pow.Satisfies(pow.Digest("deadbeef", n), tb), "nonce %d also satisfies", n)
	}
}

func TestZeroDifficultyAcceptsFirstCounter(t *testing.T) {
	m := startMiner(t)

	_, err := m.Run("abc", 0)
	require.NoError(t, err)

	hash, ok := recv(t, m.Messages()).(Hash)
	require.True(t, ok)
	assert.Equal(t, uint64(0), hash.Result.Nonce)
}

// A run submitted right after the previous run's message must not be treated
// as overlapping.
func TestBackToBackRuns(t *testing.T) {
	m := startMiner(t)

	for i := 0; i < 20; i++ {
		id, err := m.Run("cafe", 2)
		require.NoError(t, err)

		msg := recv(t, m.Messages())
		assert.Equal(t, KindHash, msg.Kind(), "run %d", i)
		assert.Equal(t, id, msg.RunID())
	}
}

// ============================================================================
// Cancellation Tests
// ============================================================================

func TestCancelEmitsExactlyOneStopped(t *testing.T) {
	m := startMiner(t)

	// Difficulty 256 leaves a target of zero: the search never succeeds.
	id, err := m.Run("deadbeef", 256)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.Cancel())
	require.NoError(t, m.Cancel())

	msg := recv(t, m.Messages())
	assert.Equal(t, Stopped{Run: id}, msg)
	assertQuiet(t, m.Messages(), 50*time.Millisecond)
}

func TestCancelWhenIdleIsNoop(t *testing.T) {
	m := startMiner(t)

	require.NoError(t, m.Cancel())
	assertQuiet(t, m.Messages(), 50*time.Millisecond)

	// The miner is still usable.
	id, err := m.Run("abc", 0)
	require.NoError(t, err)
	assert.Equal(t, id, recv(t, m.Messages()).RunID())
}

func TestStartWhileActiveIsDropped(t *testing.T) {
	m := startMiner(t)

	first, err := m.Run("deadbeef", 256)
	require.NoError(t, err)
	second, err := m.Run("deadbeef", 0)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	require.NoError(t, m.Cancel())
	assert.Equal(t, Stopped{Run: first}, recv(t, m.Messages()))
	assertQuiet(t, m.Messages(), 50*time.Millisecond)

	third, err := m.Run("deadbeef", 0)
	require.NoError(t, err)
	msg := recv(t, m.Messages())
	assert.Equal(t, KindHash, msg.Kind())
	assert.Equal(t, third, msg.RunID())
}

func TestCloseStopsActiveRun(t *testing.T) {
	m := New(1)
	require.NoError(t, m.Start())

	_, err := m.Run("deadbeef", 256)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
}
