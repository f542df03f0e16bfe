// Package chunklock implements the cross-job chunk serialization primitive
// the placement jobs rely on to avoid racing with each other on the same
// chunk across the cluster.
package chunklock

import (
	"sync"

	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/qerrors"
)

// ChunkLocker maps chunks to exclusive owners (typically a job id). It is
// safe for concurrent use; no callback is ever invoked while its internal
// lock is held.
type ChunkLocker struct {
	mu      sync.Mutex
	ownerOf map[chunk.Chunk]string
}

// New returns an empty ChunkLocker.
func New() *ChunkLocker {
	return &ChunkLocker{
		ownerOf: make(map[chunk.Chunk]string),
	}
}

// IsLocked reports whether c is currently locked by any owner.
func (l *ChunkLocker) IsLocked(c chunk.Chunk) bool {
	_, ok := l.IsLockedBy(c)
	return ok
}

// IsLockedBy reports whether c is locked and, if so, returns the owner that
// holds it.
func (l *ChunkLocker) IsLockedBy(c chunk.Chunk) (owner string, locked bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, locked = l.ownerOf[c]
	return owner, locked
}

// Locked returns the chunks locked by owner, grouped by owner. An empty
// owner returns every locked chunk, grouped by its actual owner.
func (l *ChunkLocker) Locked(owner string) map[string][]chunk.Chunk {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string][]chunk.Chunk)
	for c, o := range l.ownerOf {
		if owner != "" && o != owner {
			continue
		}
		out[o] = append(out[o], c)
	}
	return out
}

// Lock claims c for owner. It returns true if c was unlocked or already
// owned by owner (idempotent), and false if some other owner holds it.
// Lock fails with qerrors.InvalidArgument if owner is empty.
func (l *ChunkLocker) Lock(c chunk.Chunk, owner string) (bool, error) {
	if owner == "" {
		return false, qerrors.InvalidArgument.New("owner must not be empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.ownerOf[c]; ok {
		return existing == owner, nil
	}
	l.ownerOf[c] = owner
	return true, nil
}

// Release releases c unconditionally and reports whether it had been
// locked.
func (l *ChunkLocker) Release(c chunk.Chunk) bool {
	_, ok := l.ReleaseAndOwner(c)
	return ok
}

// ReleaseAndOwner releases c and, if it had been locked, also returns the
// owner that held it.
func (l *ChunkLocker) ReleaseAndOwner(c chunk.Chunk) (owner string, released bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.releaseLocked(c)
}

// releaseLocked assumes mu is held.
func (l *ChunkLocker) releaseLocked(c chunk.Chunk) (string, bool) {
	owner, ok := l.ownerOf[c]
	if !ok {
		return "", false
	}
	delete(l.ownerOf, c)
	return owner, true
}

// ReleaseOwner releases every chunk held by owner and returns them. It
// fails with qerrors.InvalidArgument if owner is empty.
func (l *ChunkLocker) ReleaseOwner(owner string) ([]chunk.Chunk, error) {
	if owner == "" {
		return nil, qerrors.InvalidArgument.New("owner must not be empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var released []chunk.Chunk
	for c, o := range l.ownerOf {
		if o == owner {
			released = append(released, c)
			delete(l.ownerOf, c)
		}
	}
	return released, nil
}
