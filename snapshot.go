package main

import (
	"sync/atomic"
	"time"
)

// Snapshot is one fully built generation of samples. It is never modified
// after it has been published.
type Snapshot struct {
	Samples   []Sample
	Timestamp time.Time
	Duration  time.Duration
}

// snapshotStore hands the latest snapshot to scrapes.
type snapshotStore struct {
	current atomic.Pointer[Snapshot]
}

// Load returns the published snapshot, nil before the first successful refresh.
func (s *snapshotStore) Load() *Snapshot {
	return s.current.Load()
}

func (s *snapshotStore) publish(snap *Snapshot) {
	s.current.Store(snap)
}
