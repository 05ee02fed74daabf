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

package adaptor

import (
	"context"
	"fmt"
	"sync"

	lc "github.com/cloudnative-pg/log-view-consistency/pkg/logconsistency"
)

// testView is the minimal mutable aggregate used across the adaptor test
// suite: a running sum plus the ordered record of entries folded into it,
// so tests can assert both the value and the fold order.
type testView struct {
	Sum     int
	Applied []int
}

func testDeepCopy(v *testView) *testView {
	cp := &testView{Sum: v.Sum}
	cp.Applied = append(cp.Applied, v.Applied...)
	return cp
}

func testApply(v *testView, e int) error {
	v.Sum += e
	v.Applied = append(v.Applied, e)
	return nil
}

// fakeLogStore is an in-memory LogStore[int] test double. readErr fails
// every Read until it is cleared; the other injected faults are one-shot:
// headErr fails the next head lookup; appendErr fails
// the next Append, either after still recording the caller's entries
// (an ambiguous transport failure that committed server-side) or after
// recording racingEntries from another writer instead (a lost version
// conflict).
type fakeLogStore struct {
	mu            sync.Mutex
	entries       []int
	headErr       error
	readErr       error
	appendErr     error
	racingEntries []int
}

func (f *fakeLogStore) GetLastVersion(_ context.Context, _, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErr != nil {
		err := f.headErr
		f.headErr = nil
		return 0, err
	}
	return len(f.entries), nil
}

func (f *fakeLogStore) Read(_ context.Context, _, _ string, from, count int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	lo := from - 1
	hi := lo + count
	if lo < 0 {
		lo = 0
	}
	if hi > len(f.entries) {
		hi = len(f.entries)
	}
	if lo >= hi {
		return nil, nil
	}
	return append([]int(nil), f.entries[lo:hi]...), nil
}

func (f *fakeLogStore) Append(_ context.Context, _, _ string, events []int, expectedVersion int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if expectedVersion != len(f.entries) {
		return 0, lc.ErrVersionMismatch
	}

	if f.appendErr != nil {
		err := f.appendErr
		f.appendErr = nil
		if f.racingEntries != nil {
			f.entries = append(f.entries, f.racingEntries...)
			f.racingEntries = nil
		} else {
			f.entries = append(f.entries, events...)
		}
		return 0, err
	}

	f.entries = append(f.entries, events...)
	return len(f.entries), nil
}

// InjectAmbiguousAppendError makes the next Append return err while still
// recording the caller's entries.
func (f *fakeLogStore) InjectAmbiguousAppendError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendErr = err
}

// InjectLostConflict makes the next Append return err and record racing
// entries from another writer in place of the caller's.
func (f *fakeLogStore) InjectLostConflict(err error, racing []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendErr = err
	f.racingEntries = racing
}

// fakeSnapshotStore is an in-memory SnapshotStore[*testView] test double
// with ETag-based conditional writes.
type fakeSnapshotStore struct {
	mu       sync.Mutex
	state    lc.SnapshotState[*testView]
	etag     int
	readErr  error
	writeErr error
}

func (f *fakeSnapshotStore) ReadState(_ context.Context, _, _ string, holder *lc.SnapshotHolder[*testView]) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return f.readErr
	}

	state := lc.SnapshotState[*testView]{
		SnapshotVersion: f.state.SnapshotVersion,
		WriteBits:       map[lc.ClusterID]bool{},
	}
	for k, v := range f.state.WriteBits {
		state.WriteBits[k] = v
	}
	if f.state.Snapshot != nil {
		state.Snapshot = testDeepCopy(f.state.Snapshot)
	}

	holder.State = state
	holder.ETag = fmt.Sprintf("%d", f.etag)
	return nil
}

func (f *fakeSnapshotStore) WriteState(_ context.Context, _, _ string, holder *lc.SnapshotHolder[*testView]) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	if holder.ETag != "" && holder.ETag != fmt.Sprintf("%d", f.etag) {
		return lc.ErrETagMismatch
	}

	state := lc.SnapshotState[*testView]{
		SnapshotVersion: holder.State.SnapshotVersion,
		WriteBits:       map[lc.ClusterID]bool{},
	}
	for k, v := range holder.State.WriteBits {
		state.WriteBits[k] = v
	}
	if holder.State.Snapshot != nil {
		state.Snapshot = testDeepCopy(holder.State.Snapshot)
	}
	f.state = state
	f.etag++

	holder.ETag = fmt.Sprintf("%d", f.etag)
	return nil
}
