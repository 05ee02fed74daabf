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

// maxMergedUpdates bounds how large a merged notification's update slice may
// grow.
const maxMergedUpdates = 200

// Merge combines two notifications from the same origin when x ends exactly
// where y begins, into one notification carrying their concatenated
// updates. Otherwise the base behaviour applies: the caller keeps whichever
// of the two carries the later version.
func (a *LogViewAdaptor[E, V]) Merge(x, y lc.UpdateNotification[E]) (lc.UpdateNotification[E], bool) {
	if x.Origin != y.Origin {
		return y, false
	}
	if x.Version+len(y.Updates) != y.Version {
		return y, false
	}
	if len(x.Updates)+len(y.Updates) >= maxMergedUpdates {
		return y, false
	}

	merged := lc.UpdateNotification[E]{
		Origin:  x.Origin,
		Version: y.Version,
		ETag:    y.ETag,
	}
	merged.Updates = append(merged.Updates, x.Updates...)
	merged.Updates = append(merged.Updates, y.Updates...)
	return merged, true
}

// OnNotificationReceived enqueues an optimistic out-of-band update
// broadcast. It only ever touches the notification queue, so it is safe to
// call at any time — including while ReadAsync or WriteAsync is suspended
// on I/O. While ProcessNotifications runs it waits for notifMu.
func (a *LogViewAdaptor[E, V]) OnNotificationReceived(n lc.UpdateNotification[E]) {
	a.notifMu.Lock()
	defer a.notifMu.Unlock()

	for key, existing := range a.notifications {
		if merged, ok := a.Merge(existing, n); ok {
			delete(a.notifications, key)
			a.notifications[merged.FirstPosition()] = merged
			a.cfg.Metrics.NotificationMerged()
			return
		}
	}

	key := n.FirstPosition()
	if existing, ok := a.notifications[key]; !ok || n.Version > existing.Version {
		a.notifications[key] = n
	}
}

// ProcessNotifications reconciles the pending notification queue against
// local state. It never touches storage, so it
// holds notifMu and stateMu together for its whole pass — state
// reconciliation against the queue happens exclusively here, never from
// OnNotificationReceived.
func (a *LogViewAdaptor[E, V]) ProcessNotifications(ctx context.Context) error {
	a.beginOperation("ProcessNotifications")
	defer a.endOperation()

	contextLogger, _ := logging.SetupLogger(ctx)

	a.notifMu.Lock()
	defer a.notifMu.Unlock()
	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	pending := funk.Keys(a.notifications).([]int)
	stale := funk.Filter(pending, func(key int) bool { return key < a.globalVersion }).([]int)
	for _, key := range stale {
		delete(a.notifications, key)
	}
	if len(stale) > 0 {
		contextLogger.V(1).Info("dropped notifications already covered by storage",
			"grainType", a.cfg.GrainType, "grainID", a.cfg.GrainID, "positions", stale)
	}

	for {
		n, ok := a.notifications[a.globalVersion]
		if !ok {
			break
		}
		delete(a.notifications, a.globalVersion)

		bits := a.globalSnapshot.CloneWriteBits()
		bits[n.Origin] = !bits[n.Origin]
		a.globalSnapshot.State.WriteBits = bits
		a.globalSnapshot.ETag = n.ETag

		a.applyEntries(contextLogger, n.Updates, a.globalVersion+1)
		a.globalVersion = n.Version
		a.confirmedVersion = n.Version
		a.cfg.Metrics.NotificationApplied()
	}

	return nil
}
