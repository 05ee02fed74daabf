/*
Copyright The CloudNativePG Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package memory provides in-process LogStore and SnapshotStore
// implementations: a test-double-grade realisation of the storage
// contracts, not a production backend.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	lc "github.com/cloudnative-pg/log-view-consistency/pkg/logconsistency"
)

type grainKey struct{ grainType, grainID string }

// cloneBits keeps the stored bitmap and the holder's from aliasing each
// other. The snapshot payload itself stays shared: V is opaque here, and
// the adaptor deep-copies it before handing it to application code.
func cloneBits(bits map[lc.ClusterID]bool) map[lc.ClusterID]bool {
	if bits == nil {
		return nil
	}
	out := make(map[lc.ClusterID]bool, len(bits))
	for k, v := range bits {
		out[k] = v
	}
	return out
}

// LogStore is a process-local, mutex-guarded LogStore[E]. Entries for each
// grain are kept in a plain slice; Append is conditional on expectedVersion
// matching the current length.
type LogStore[E any] struct {
	mu     sync.Mutex
	grains map[grainKey][]E
}

// NewLogStore returns an empty LogStore.
func NewLogStore[E any]() *LogStore[E] {
	return &LogStore[E]{grains: make(map[grainKey][]E)}
}

func (s *LogStore[E]) GetLastVersion(_ context.Context, grainType, grainID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.grains[grainKey{grainType, grainID}]), nil
}

func (s *LogStore[E]) Read(_ context.Context, grainType, grainID string, from, count int) ([]E, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.grains[grainKey{grainType, grainID}]
	lo := from - 1
	if lo < 0 {
		lo = 0
	}
	hi := lo + count
	if hi > len(entries) {
		hi = len(entries)
	}
	if lo >= hi {
		return nil, nil
	}
	return append([]E(nil), entries[lo:hi]...), nil
}

func (s *LogStore[E]) Append(
	_ context.Context, grainType, grainID string, events []E, expectedVersion int,
) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := grainKey{grainType, grainID}
	current := s.grains[key]
	if expectedVersion != len(current) {
		return 0, lc.ErrVersionMismatch
	}

	s.grains[key] = append(current, events...)
	return len(s.grains[key]), nil
}

// SnapshotStore is a process-local, mutex-guarded SnapshotStore[V] using
// google/uuid-generated opaque ETags for conditional writes.
type SnapshotStore[V any] struct {
	mu     sync.Mutex
	grains map[grainKey]lc.SnapshotState[V]
	etags  map[grainKey]string
}

// NewSnapshotStore returns an empty SnapshotStore.
func NewSnapshotStore[V any]() *SnapshotStore[V] {
	return &SnapshotStore[V]{
		grains: make(map[grainKey]lc.SnapshotState[V]),
		etags:  make(map[grainKey]string),
	}
}

func (s *SnapshotStore[V]) ReadState(
	_ context.Context, grainType, grainID string, holder *lc.SnapshotHolder[V],
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := grainKey{grainType, grainID}
	state := s.grains[key]
	state.WriteBits = cloneBits(state.WriteBits)
	holder.State = state
	holder.ETag = s.etags[key]
	return nil
}

func (s *SnapshotStore[V]) WriteState(
	_ context.Context, grainType, grainID string, holder *lc.SnapshotHolder[V],
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := grainKey{grainType, grainID}
	if current, exists := s.etags[key]; exists && current != holder.ETag {
		return lc.ErrETagMismatch
	}
	if _, exists := s.etags[key]; !exists && holder.ETag != "" {
		return lc.ErrETagMismatch
	}

	state := holder.State
	state.WriteBits = cloneBits(state.WriteBits)
	s.grains[key] = state
	newTag := uuid.NewString()
	s.etags[key] = newTag
	holder.ETag = newTag
	return nil
}
