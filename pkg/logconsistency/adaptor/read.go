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

	"github.com/go-logr/logr"
	"k8s.io/client-go/util/retry"

	"github.com/cloudnative-pg/log-view-consistency/internal/logging"
	lc "github.com/cloudnative-pg/log-view-consistency/pkg/logconsistency"
)

// ReadAsync reconciles local state with the snapshot and log stores. It
// repeats the whole pass — snapshot read, then log
// read, then catch-up fold — until one attempt commits cleanly; a log
// read failure deliberately re-reads the snapshot too, since another
// writer may have moved it on in the meantime.
func (a *LogViewAdaptor[E, V]) ReadAsync(ctx context.Context) error {
	a.beginOperation("ReadAsync")
	defer a.endOperation()

	contextLogger, ctx := logging.SetupLogger(ctx)

	if err := a.readUntilCoherent(ctx, contextLogger); err != nil {
		return err
	}

	a.cfg.Metrics.ReadCompleted()
	return nil
}

// readUntilCoherent retries the read protocol's five steps until one pass
// commits cleanly or ctx is cancelled. It is shared by ReadAsync and the
// write path's uncertain-outcome recovery loop, which runs an identical
// pass.
func (a *LogViewAdaptor[E, V]) readUntilCoherent(ctx context.Context, log logr.Logger) error {
	return retry.OnError(a.cfg.effectiveBackoff(), func(error) bool {
		return ctx.Err() == nil
	}, func() error {
		return a.readPass(ctx, log)
	})
}

// readPass is one attempt at the read protocol's five steps. It returns a
// non-nil error only to signal "retry the whole pass"; storage failures
// are also recorded as a PrimaryIssue before being returned.
func (a *LogViewAdaptor[E, V]) readPass(ctx context.Context, log logr.Logger) error {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	holder := lc.SnapshotHolder[V]{}
	if err := a.cfg.SnapshotStore.ReadState(ctx, a.cfg.GrainType, a.cfg.GrainID, &holder); err != nil {
		issue := lc.NewPrimaryIssue(lc.ReadFromSnapshotStorageFailed, err)
		a.setPrimaryIssue(issue)
		a.cfg.Metrics.PrimaryIssue(lc.ReadFromSnapshotStorageFailed.String())
		log.Error(err, "ReadFromSnapshotStorageFailed", "grainType", a.cfg.GrainType, "grainID", a.cfg.GrainID)
		return issue
	}

	if holder.State.SnapshotVersion > a.confirmedVersion {
		a.confirmedVersion = holder.State.SnapshotVersion
		a.confirmedView = a.cfg.DeepCopy(holder.State.Snapshot)
	}
	a.globalSnapshot = holder

	head, err := a.cfg.LogStore.GetLastVersion(ctx, a.cfg.GrainType, a.cfg.GrainID)
	if err != nil {
		issue := lc.NewPrimaryIssue(lc.ReadFromLogStorageFailed, err)
		a.setPrimaryIssue(issue)
		a.cfg.Metrics.PrimaryIssue(lc.ReadFromLogStorageFailed.String())
		log.Error(err, "ReadFromLogStorageFailed", "grainType", a.cfg.GrainType, "grainID", a.cfg.GrainID)
		return issue
	}
	a.globalVersion = head

	if a.confirmedVersion < a.globalVersion {
		from := a.confirmedVersion + 1
		entries, err := a.cfg.LogStore.Read(ctx, a.cfg.GrainType, a.cfg.GrainID, from, a.globalVersion-a.confirmedVersion)
		if err != nil {
			issue := lc.NewPrimaryIssue(lc.ReadFromLogStorageFailed, err)
			a.setPrimaryIssue(issue)
			a.cfg.Metrics.PrimaryIssue(lc.ReadFromLogStorageFailed.String())
			log.Error(err, "ReadFromLogStorageFailed", "grainType", a.cfg.GrainType, "grainID", a.cfg.GrainID)
			return issue
		}
		a.applyEntries(log, entries, from)
		a.confirmedVersion = a.globalVersion
	}

	a.setPrimaryIssue(nil)
	a.cfg.Metrics.ConfirmedVersion(a.confirmedVersion)
	return nil
}

// retrieveSegmentUntilCoherent reads entries [from, from+count) with the
// same stubborn retry the read protocol uses, recording failures as
// ReadFromLogStorageFailed. The write path's recovery loop uses it to
// check whether an ambiguous append actually reached the log.
func (a *LogViewAdaptor[E, V]) retrieveSegmentUntilCoherent(ctx context.Context, from, count int) ([]E, error) {
	log := logging.FromContext(ctx)

	var segment []E
	err := retry.OnError(a.cfg.effectiveBackoff(), func(error) bool {
		return ctx.Err() == nil
	}, func() error {
		entries, err := a.cfg.LogStore.Read(ctx, a.cfg.GrainType, a.cfg.GrainID, from, count)
		if err != nil {
			issue := lc.NewPrimaryIssue(lc.ReadFromLogStorageFailed, err)
			a.setPrimaryIssue(issue)
			a.cfg.Metrics.PrimaryIssue(lc.ReadFromLogStorageFailed.String())
			log.Error(err, "ReadFromLogStorageFailed", "grainType", a.cfg.GrainType, "grainID", a.cfg.GrainID)
			return issue
		}
		segment = entries
		return nil
	})
	return segment, err
}

// RetrieveLogSegment reads a closed inclusive range [from, to] directly
// from the log store, bypassing the confirmed view.
func (a *LogViewAdaptor[E, V]) RetrieveLogSegment(ctx context.Context, from, to int) ([]E, error) {
	if to < from {
		return nil, nil
	}
	return a.cfg.LogStore.Read(ctx, a.cfg.GrainType, a.cfg.GrainID, from, to-from+1)
}
