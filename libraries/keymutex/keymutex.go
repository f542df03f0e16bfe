// Package keymutex implements a named-mutex registry: Lock(name) returns only once the named mutex is held, the same name
// always maps to the same underlying mutex for as long as any caller holds
// it, and the registry entry is garbage-collected once nobody does. This is
// how the ingest engine serializes concurrent LOAD DATA INFILE calls
// targeting the same (database, table, chunk).
package keymutex

import (
	"context"
	"sync"

	"github.com/lsst/qserv-sub021/libraries/qerrors"
)

// Registry grants exclusive, name-scoped locks.
type Registry interface {
	// Lock blocks until name is held by the caller or ctx is done. The
	// intended idiom is lock-then-immediately-defer-unlock; do not cache
	// the handle across unrelated operations.
	Lock(ctx context.Context, name string) error
	// Unlock releases name. It must be called exactly once for every
	// successful Lock.
	Unlock(name string)
}

// state is a single named mutex: ch carries a one-shot token, present when
// the mutex is free. refs counts goroutines currently holding or waiting
// for the token; the owning mapKeymutex drops the entry when refs hits 0.
type state struct {
	ch   chan struct{}
	refs int
}

type mapKeymutex struct {
	mu     sync.Mutex
	states map[string]*state
}

// New returns a Registry backed by an in-memory map, keyed by name.
func New() Registry {
	return &mapKeymutex{states: make(map[string]*state)}
}

func (m *mapKeymutex) Lock(ctx context.Context, name string) error {
	if name == "" {
		return qerrors.InvalidArgument.New("keymutex name must not be empty")
	}

	m.mu.Lock()
	s, ok := m.states[name]
	if !ok {
		s = &state{ch: make(chan struct{}, 1)}
		s.ch <- struct{}{}
		m.states[name] = s
	}
	s.refs++
	m.mu.Unlock()

	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		s.refs--
		if s.refs == 0 {
			if cur, ok := m.states[name]; ok && cur == s {
				delete(m.states, name)
			}
		}
		m.mu.Unlock()
		return ctx.Err()
	}
}

func (m *mapKeymutex) Unlock(name string) {
	m.mu.Lock()
	s, ok := m.states[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.refs--
	if s.refs == 0 {
		delete(m.states, name)
	}
	m.mu.Unlock()

	s.ch <- struct{}{}
}
