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

// Package logconsistency defines the data model and external storage
// contracts shared by a log-backed view-consistency adaptor: a grain's
// confirmed view, the events that mutate it, and the log/snapshot/policy
// abstractions the adaptor drives. The adaptor implementation itself lives
// in the adaptor subpackage.
package logconsistency

import "context"

// ClusterID identifies a peer participating in a multi-writer deployment.
type ClusterID string

// HostCallback applies one log entry to a view, in place. It is the single
// fold step the owning grain supplies; the adaptor never interprets E or V
// itself. An error return (or a recovered panic, which the adaptor turns
// into an error) marks the entry as poisonous: it is logged and skipped,
// replay continues with the next entry.
type HostCallback[E, V any] func(view V, entry E) error

// DeepCopier returns an independent copy of a view, so that the adaptor's
// internal snapshot slot is never shared with application code.
type DeepCopier[V any] func(V) V

// SubmissionEntry is a log entry enqueued by the owning grain, awaiting the
// next batched append.
type SubmissionEntry[E any] struct {
	Entry E
}

// SnapshotState is the materialised view plus metadata held by the
// snapshot store.
type SnapshotState[V any] struct {
	Snapshot        V
	SnapshotVersion int
	WriteBits       map[ClusterID]bool
}

// SnapshotHolder carries a SnapshotState in and out of the snapshot store
// together with the opaque ETag the store uses for conditional writes. The
// store populates State and ETag on read, and updates ETag in place after a
// successful conditional write.
type SnapshotHolder[V any] struct {
	State SnapshotState[V]
	ETag  string
}

// CloneWriteBits returns a WriteBits map independent of the receiver's, so
// callers can flip a bit locally before attempting a write without
// mutating the last-seen snapshot record.
func (h SnapshotHolder[V]) CloneWriteBits() map[ClusterID]bool {
	out := make(map[ClusterID]bool, len(h.State.WriteBits))
	for k, v := range h.State.WriteBits {
		out[k] = v
	}
	return out
}

// UpdateNotification is an optimistic, non-authoritative broadcast of a
// successful remote write. Version is the post-apply version; Updates[i]
// corresponds to log position Version-len(Updates)+1+i. Field tags are the
// wire contract and must stay stable.
type UpdateNotification[E any] struct {
	Version int       `json:"version"`
	Origin  ClusterID `json:"origin"`
	Updates []E       `json:"updates"`
	ETag    string    `json:"etag"`
}

// FirstPosition returns Version-len(Updates): the log position just before
// the first entry carried by the notification, i.e. the version it applies
// on top of. It is the notification's key in the adaptor's
// pending-notification queue.
func (n UpdateNotification[E]) FirstPosition() int {
	return n.Version - len(n.Updates)
}

// LogStore is the external, append-only event stream keyed by grain
// identity. Positions are 1-based and contiguous; Append is
// conditional on expectedVersion and fails (ambiguously, see the
// adaptor's write recovery path) if the log has moved on.
type LogStore[E any] interface {
	// GetLastVersion returns the current head position, 0 if empty.
	GetLastVersion(ctx context.Context, grainType, grainID string) (int, error)
	// Read returns entries [from, from+count) in ascending order.
	Read(ctx context.Context, grainType, grainID string, from, count int) ([]E, error)
	// Append conditionally appends events after expectedVersion, returning
	// the new head on success. A non-nil error may be an explicit version
	// conflict or a transport failure; the adaptor treats both the same
	// way: its recovery path reads the contested positions back and
	// compares them with the submitted batch. The per-cluster write-toggle
	// is not consulted for this.
	Append(ctx context.Context, grainType, grainID string, events []E, expectedVersion int) (int, error)
}

// SnapshotStore is the external, key-addressed blob store holding the
// latest materialised view and its write-toggle bitmap.
type SnapshotStore[V any] interface {
	// ReadState populates holder.State and holder.ETag with the current
	// stored record, or the zero record if none has ever been written.
	ReadState(ctx context.Context, grainType, grainID string, holder *SnapshotHolder[V]) error
	// WriteState writes holder.State conditionally on holder.ETag
	// matching what is currently stored, and updates holder.ETag to the
	// new value on success. On ETag mismatch it returns ErrETagMismatch.
	WriteState(ctx context.Context, grainType, grainID string, holder *SnapshotHolder[V]) error
}

// SnapshotPolicy decides, given the view immediately after a batch of
// events was applied, whether the adaptor should persist a new snapshot.
// It is consulted only from the write path, never from catch-up
// replay driven by ReadAsync or ProcessNotifications.
type SnapshotPolicy[E, V any] interface {
	ShouldTakeSnapshot(state V, version int, events []E) bool
}
