package auth

import (
	"encoding/base64"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateStore_SaveAndConsume(t *testing.T) {
	store := NewInMemoryStateStore()

	state, err := store.Save("verifier-1")
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(state)
	require.NoError(t, err)
	assert.Len(t, raw, stateBytes)

	entry, ok := store.Consume(state)
	require.True(t, ok)
	assert.Equal(t, "verifier-1", entry.CodeVerifier)
	assert.False(t, entry.HasMeta)
	assert.Empty(t, entry.Meta)

	_, ok = store.Consume(state)
	assert.False(t, ok, "state must be single use")
	assert.Equal(t, 0, store.Len())
}

func TestStateStore_SaveWithMeta(t *testing.T) {
	store := NewInMemoryStateStore()

	state, err := store.SaveWithMeta("verifier-2", "42")
	require.NoError(t, err)

	entry, ok := store.Consume(state)
	require.True(t, ok)
	assert.Equal(t, "verifier-2", entry.CodeVerifier)
	assert.True(t, entry.HasMeta)
	assert.Equal(t, "42", entry.Meta)
}

func TestStateStore_ConsumeUnknown(t *testing.T) {
	store := NewInMemoryStateStore()
	_, err := store.Save("v")
	require.NoError(t, err)

	for _, state := range []string{"", "nope", "AAAA"} {
		_, ok := store.Consume(state)
		assert.False(t, ok, "state %q", state)
	}
	assert.Equal(t, 1, store.Len())
}

func TestStateStore_Expiry(t *testing.T) {
	clock := newFakeClock()
	store := NewInMemoryStateStore(WithClock(clock.Now), WithTTL(10*time.Minute))

	fresh, err := store.Save("fresh")
	require.NoError(t, err)
	edge, err := store.Save("edge")
	require.NoError(t, err)
	stale, err := store.Save("stale")
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	entry, ok := store.Consume(fresh)
	require.True(t, ok)
	assert.Equal(t, "fresh", entry.CodeVerifier)

	// Exactly at the ttl is still valid.
	clock.Advance(5 * time.Minute)
	_, ok = store.Consume(edge)
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = store.Consume(stale)
	assert.False(t, ok)
}

func TestStateStore_EvictsOnSave(t *testing.T) {
	clock := newFakeClock()
	store := NewInMemoryStateStore(WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		_, err := store.Save("old")
		require.NoError(t, err)
	}
	assert.Equal(t, 5, store.Len())

	clock.Advance(DefaultStateTTL + time.Second)
	_, err := store.Save("new")
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())
}

func TestStateStore_DeterministicTokens(t *testing.T) {
	a := NewInMemoryStateStore(WithRandom(seeded(3)))
	b := NewInMemoryStateStore(WithRandom(seeded(3)))

	for i := 0; i < 3; i++ {
		sa, err := a.Save("v")
		require.NoError(t, err)
		sb, err := b.Save("v")
		require.NoError(t, err)
		assert.Equal(t, sa, sb)
	}
}

func TestStateStore_RandomFailure(t *testing.T) {
	store := NewInMemoryStateStore(WithRandom(failingReader{}))

	state, err := store.Save("v")
	assert.Error(t, err)
	assert.Empty(t, state)
	assert.Equal(t, 0, store.Len())
}

func TestStateStore_ConcurrentConsume(t *testing.T) {
	store := NewInMemoryStateStore()
	state, err := store.Save("contended")
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok := store.Consume(state); ok {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestStateStore_ConcurrentSave(t *testing.T) {
	store := NewInMemoryStateStore()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		states = make(map[string]bool)
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state, err := store.Save("v")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			states[state] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, states, 100)
	assert.Equal(t, 100, store.Len())
}
