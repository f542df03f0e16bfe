package chunklock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst/qserv-sub021/libraries/chunk"
)

func TestChunkLockerBasics(t *testing.T) {
	chunk1 := chunk.Chunk{Family: "test", Number: 123}
	chunk2 := chunk.Chunk{Family: "test", Number: 124}
	chunk3 := chunk.Chunk{Family: "prod", Number: 125}

	l := New()

	ok, err := l.Lock(chunk1, "qserv")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Lock(chunk2, "root")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Lock(chunk3, "qserv")
	require.NoError(t, err)
	assert.True(t, ok)

	owner, locked := l.IsLockedBy(chunk1)
	assert.True(t, locked)
	assert.Equal(t, "qserv", owner)

	released, err := l.ReleaseOwner("qserv")
	require.NoError(t, err)
	assert.ElementsMatch(t, []chunk.Chunk{chunk1, chunk3}, released)

	assert.NotContains(t, l.Locked(""), "qserv")
}

func TestChunkLockerIdempotence(t *testing.T) {
	l := New()
	c := chunk.Chunk{Family: "f", Number: 1}

	ok1, err := l.Lock(c, "owner")
	require.NoError(t, err)
	ok2, err := l.Lock(c, "owner")
	require.NoError(t, err)

	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.Len(t, l.Locked("owner")["owner"], 1)
}

func TestChunkLockerExclusivity(t *testing.T) {
	l := New()
	c := chunk.Chunk{Family: "f", Number: 1}

	ok1, err := l.Lock(c, "owner1")
	require.NoError(t, err)
	require.True(t, ok1)

	ok2, err := l.Lock(c, "owner2")
	require.NoError(t, err)
	assert.False(t, ok2)
}

func TestChunkLockerCleanup(t *testing.T) {
	l := New()
	c1 := chunk.Chunk{Family: "f", Number: 1}
	c2 := chunk.Chunk{Family: "f", Number: 2}

	_, err := l.Lock(c1, "owner")
	require.NoError(t, err)
	_, err = l.Lock(c2, "owner")
	require.NoError(t, err)

	released, err := l.ReleaseOwner("owner")
	require.NoError(t, err)
	assert.ElementsMatch(t, []chunk.Chunk{c1, c2}, released)

	locked := l.Locked("")
	_, ok := locked["owner"]
	assert.False(t, ok, "owner's empty list must not remain")
	assert.False(t, l.IsLocked(c1))
	assert.False(t, l.IsLocked(c2))
}

func TestChunkLockerEmptyOwnerRejected(t *testing.T) {
	l := New()
	c := chunk.Chunk{Family: "f", Number: 1}

	_, err := l.Lock(c, "")
	assert.Error(t, err)

	_, err = l.ReleaseOwner("")
	assert.Error(t, err)
}

func TestChunkLockerConcurrency(t *testing.T) {
	// N goroutines race to lock the same range of chunks under one of
	// two owners; the final union across owners must equal the attempted
	// range, and no chunk may end up claimed by both.
	l := New()
	const numChunks = 200
	const numGoroutines = 16

	owners := []string{"ownerA", "ownerB"}
	var wg sync.WaitGroup
	for g := 0; g < numGoroutines; g++ {
		owner := owners[g%2]
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			for i := 0; i < numChunks; i++ {
				_, _ = l.Lock(chunk.Chunk{Family: "f", Number: uint32(i)}, owner)
			}
		}(owner)
	}
	wg.Wait()

	locked := l.Locked("")
	seen := make(map[chunk.Chunk]bool)
	numOwners := 0
	for owner, chunks := range locked {
		if len(chunks) == 0 {
			continue
		}
		numOwners++
		for _, c := range chunks {
			assert.False(t, seen[c], "chunk %v double-claimed", c)
			seen[c] = true
		}
		_ = owner
	}
	assert.Equal(t, numChunks, len(seen))
	assert.True(t, numOwners == 1 || numOwners == 2)
}
