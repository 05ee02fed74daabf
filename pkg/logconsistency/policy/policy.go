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

// Package policy collects SnapshotPolicy implementations: the decision of
// whether a just-appended batch is worth materialising as a new snapshot.
package policy

import "sync"

// None never takes a snapshot; the confirmed view is always rebuilt from
// the log in full on cold start.
type None[E, V any] struct{}

func (None[E, V]) ShouldTakeSnapshot(V, int, []E) bool { return false }

// Every takes a snapshot once at least N versions have accumulated since
// the last one it approved, regardless of how many batches that spanned.
// N must be positive. The zero value never takes a snapshot.
type Every[E, V any] struct {
	N int

	mu   sync.Mutex
	last int
}

func (p *Every[E, V]) ShouldTakeSnapshot(_ V, version int, _ []E) bool {
	if p.N <= 0 {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if version-p.last < p.N {
		return false
	}
	p.last = version
	return true
}
