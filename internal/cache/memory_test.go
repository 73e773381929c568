package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jimlambrt/ldap-fallback-proxy/internal/fingerprint"
)

func fpFor(b byte) fingerprint.Fingerprint {
	var fp fingerprint.Fingerprint
	fp[0] = b
	return fp
}

func TestMemoryPutGet(t *testing.T) {
	m := NewMemory(1 << 20)
	fp := fpFor(1)
	resp := &CachedResponse{Entries: [][]byte{[]byte("entry")}, Done: []byte("done")}

	_, ok := m.Get(context.Background(), fp)
	require.False(t, ok)

	m.Put(context.Background(), fp, resp)
	got, ok := m.Get(context.Background(), fp)
	require.True(t, ok)
	require.Equal(t, resp, got)
}

func TestMemoryPutReplacesPriorValue(t *testing.T) {
	m := NewMemory(1 << 20)
	fp := fpFor(2)
	m.Put(context.Background(), fp, &CachedResponse{Done: []byte("v1")})
	m.Put(context.Background(), fp, &CachedResponse{Done: []byte("v2")})

	got, ok := m.Get(context.Background(), fp)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), got.Done)
}

func TestMemoryEvictsLeastRecentlyUsed(t *testing.T) {
	// Force every key into the same shard by sharing fp[0], and size the
	// shard's budget to hold exactly two entries.
	entryCost := (&CachedResponse{Done: make([]byte, 10)}).ByteCost()
	m := NewMemory(2 * entryCost * shardCount)

	fp1, fp2, fp3 := fpFor(0), fpFor(0), fpFor(0)
	fp1[1], fp2[1], fp3[1] = 1, 2, 3

	mk := func() *CachedResponse { return &CachedResponse{Done: make([]byte, 10)} }
	m.Put(context.Background(), fp1, mk())
	m.Put(context.Background(), fp2, mk())
	m.Get(context.Background(), fp1) // promote fp1 to most-recently-used
	m.Put(context.Background(), fp3, mk())

	_, ok := m.Get(context.Background(), fp1)
	require.True(t, ok, "recently-used entry should survive eviction")
	_, ok = m.Get(context.Background(), fp2)
	require.False(t, ok, "least-recently-used entry should have been evicted")
}

func TestMemoryConcurrentAccessIsSafe(t *testing.T) {
	m := NewMemory(1 << 20)
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(i int) {
			fp := fpFor(byte(i))
			m.Put(context.Background(), fp, &CachedResponse{Done: []byte("x")})
			m.Get(context.Background(), fp)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
