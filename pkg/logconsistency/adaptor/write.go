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

	"github.com/thoas/go-funk"

	"github.com/cloudnative-pg/log-view-consistency/internal/logging"
	lc "github.com/cloudnative-pg/log-view-consistency/pkg/logconsistency"
)

// WriteAsync attempts to flush the currently-queued submission batch,
// returning the number of entries successfully appended. A return of 0
// means the whole batch is still queued for the next cycle — nothing is
// lost, and nothing about this is fatal.
func (a *LogViewAdaptor[E, V]) WriteAsync(ctx context.Context) (int, error) {
	a.beginOperation("WriteAsync")
	defer a.endOperation()

	contextLogger, ctx := logging.SetupLogger(ctx)
	a.cfg.Metrics.WriteAttempted()

	a.stateMu.Lock()

	updates := append([]E(nil), a.submissions...)
	expectedVersion := a.globalVersion

	// The toggle the snapshot will carry after a successful write: flipped
	// once relative to the last snapshot seen.
	localWriteBits := a.globalSnapshot.CloneWriteBits()
	localWriteBits[a.cfg.ClusterID] = !localWriteBits[a.cfg.ClusterID]

	newHead, appendErr := a.cfg.LogStore.Append(ctx, a.cfg.GrainType, a.cfg.GrainID, updates, expectedVersion)

	logsAppended := appendErr == nil
	if appendErr != nil {
		issue := lc.NewPrimaryIssue(lc.UpdateLogStorageFailed, appendErr)
		a.setPrimaryIssue(issue)
		a.cfg.Metrics.PrimaryIssue(lc.UpdateLogStorageFailed.String())
		contextLogger.Error(appendErr, "UpdateLogStorageFailed", "grainType", a.cfg.GrainType, "grainID", a.cfg.GrainID)
	} else {
		a.globalVersion = newHead
		a.applyEntries(contextLogger, updates, expectedVersion+1)
		a.confirmedVersion = a.globalVersion
		a.cfg.Metrics.EntriesAppended(len(updates))
		a.cfg.Metrics.ConfirmedVersion(a.confirmedVersion)
	}

	batchWritten := false

	switch {
	case logsAppended && a.cfg.Policy.ShouldTakeSnapshot(a.confirmedView, a.globalVersion, updates):
		// Definitive success; persist the full tentative view and the
		// flipped toggle together.
		holder := lc.SnapshotHolder[V]{
			State: lc.SnapshotState[V]{
				Snapshot:        a.cfg.DeepCopy(a.confirmedView),
				SnapshotVersion: a.globalVersion,
				WriteBits:       localWriteBits,
			},
			ETag: a.globalSnapshot.ETag,
		}
		if err := a.cfg.SnapshotStore.WriteState(ctx, a.cfg.GrainType, a.cfg.GrainID, &holder); err != nil {
			issue := lc.NewPrimaryIssue(lc.UpdateSnapshotStorageFailed, err)
			a.setPrimaryIssue(issue)
			a.cfg.Metrics.PrimaryIssue(lc.UpdateSnapshotStorageFailed.String())
			contextLogger.Error(err, "UpdateSnapshotStorageFailed", "grainType", a.cfg.GrainType, "grainID", a.cfg.GrainID)
		} else {
			a.globalSnapshot = holder
			a.cfg.Metrics.SnapshotWritten()
			batchWritten = true
		}

	case logsAppended:
		// The append is definitive and the policy declined a snapshot.
		batchWritten = true

	default:
		// The append is ambiguous: the log store may have committed it
		// despite returning an error. Nothing is persisted here; the
		// recovery loop below decides by reading the log back.
	}

	if !batchWritten {
		a.stateMu.Unlock()
		if err := a.readUntilCoherent(ctx, contextLogger); err != nil {
			return 0, err
		}

		// A definitive append whose only failure was the snapshot write is
		// already durable; only a failed append leaves the outcome open.
		// The per-cluster toggle persisted in the snapshot cannot settle it
		// on its own: the bit is flipped by this cluster's own
		// post-success snapshot write, which a failed append never
		// performed, and a racing writer advancing the head would make any
		// head-only check lie. Confirm the outcome the direct way: read
		// back the positions this batch would occupy and compare them to
		// what was submitted.
		landed := logsAppended
		if !landed && len(updates) > 0 {
			segment, err := a.retrieveSegmentUntilCoherent(ctx, expectedVersion+1, len(updates))
			if err != nil {
				return 0, err
			}
			landed = funk.IsEqual(segment, updates)
		}

		a.stateMu.Lock()
		batchWritten = landed
	}

	if batchWritten && len(updates) > 0 {
		a.submissions = a.submissions[len(updates):]
	}

	n := 0
	if batchWritten {
		n = len(updates)
	}
	a.stateMu.Unlock()

	return n, nil
}
