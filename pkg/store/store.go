package store

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrNotInitialized is returned by readers when no snapshot has been
// published yet.
var ErrNotInitialized = errors.New("not yet initialized")

// Archive persists published snapshots outside the process.
type Archive interface {
	Persist(ctx context.Context, snap *Snapshot) error
	Restore(ctx context.Context) (*Snapshot, error)
}

// versions is the immutable pair swapped on every publish.
type versions struct {
	current  *Snapshot
	previous *Snapshot
}

// Store holds the current and previous snapshot. Publish is expected to be
// called by a single writer; Current and Previous are safe for any number of
// concurrent readers and never block.
type Store struct {
	v     atomic.Pointer[versions]
	cycle atomic.Uint64
}

// New creates an empty Store. Current returns nil until the first Publish.
func New() *Store {
	s := &Store{}
	s.v.Store(&versions{})
	return s
}

// Current returns the snapshot published last, or nil before the first
// publish. The returned snapshot must be treated as read-only.
func (s *Store) Current() *Snapshot {
	return s.v.Load().current
}

// Previous returns the snapshot that Current replaced, if any.
func (s *Store) Previous() *Snapshot {
	return s.v.Load().previous
}

// Publish makes snap the current snapshot. If snap's capture time does not
// advance past the previous one it is moved to just after it so timestamps
// strictly increase. The snapshot actually stored is returned.
func (s *Store) Publish(snap *Snapshot) *Snapshot {
	old := s.v.Load()

	floor := old.current
	if floor == nil {
		floor = old.previous
	}

	stored := *snap
	if floor != nil && !stored.CapturedAt.After(floor.CapturedAt) {
		stored.CapturedAt = floor.CapturedAt.Add(time.Nanosecond)
	}
	stored.Cycle = s.cycle.Add(1)

	s.v.Store(&versions{current: &stored, previous: old.current})
	return &stored
}

// Seed installs a restored snapshot as the previous version. It is never
// served as current, but later publishes keep their timestamps after it.
// Seed has no effect once a snapshot has been published.
func (s *Store) Seed(snap *Snapshot) {
	if snap == nil {
		return
	}
	old := s.v.Load()
	if old.current != nil {
		return
	}
	if snap.Cycle > s.cycle.Load() {
		s.cycle.Store(snap.Cycle)
	}
	s.v.Store(&versions{previous: snap})
}
