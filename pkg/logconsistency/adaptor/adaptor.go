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

// Package adaptor implements the LogViewAdaptor: the component that keeps
// a grain's confirmed view consistent with an append-only log store and a
// snapshot store, across restarts, concurrent clusters, and partial
// storage failure.
package adaptor

import (
	"fmt"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/cloudnative-pg/log-view-consistency/internal/metrics"
	lc "github.com/cloudnative-pg/log-view-consistency/pkg/logconsistency"
)

// DefaultBackoff governs the stubborn retry loop around storage reads:
// the adaptor retries failures until the context is cancelled rather than
// giving up after a fixed number of attempts.
var DefaultBackoff = wait.Backoff{
	Duration: 100 * time.Millisecond,
	Factor:   2,
	Jitter:   0.1,
	Steps:    1 << 30,
	Cap:      30 * time.Second,
}

// Config wires a LogViewAdaptor instance to its identity, its host
// callback, and its three external collaborators.
type Config[E, V any] struct {
	GrainType string
	GrainID   string
	ClusterID lc.ClusterID

	// Initial is the view's zero state, used by InitializeConfirmedView
	// and as the DeepCopy source before anything has ever been read.
	Initial V
	// DeepCopy returns an independent copy of a view. Required.
	DeepCopy lc.DeepCopier[V]
	// Apply folds one log entry into a view, in place. Required.
	Apply lc.HostCallback[E, V]

	LogStore      lc.LogStore[E]
	SnapshotStore lc.SnapshotStore[V]
	Policy        lc.SnapshotPolicy[E, V]

	// Backoff governs the read/write retry loop. DefaultBackoff is used
	// instead whenever Backoff.Steps is zero.
	Backoff wait.Backoff

	// Metrics is optional; a nil Recorder silently no-ops.
	Metrics *metrics.Recorder
}

func (c Config[E, V]) effectiveBackoff() wait.Backoff {
	if c.Backoff.Steps == 0 {
		return DefaultBackoff
	}
	return c.Backoff
}

// LogViewAdaptor owns the confirmed view, version counters, write-toggle
// bitmap, and the submission/notification queues for one grain instance.
// One instance is single-writer: ReadAsync, WriteAsync and
// ProcessNotifications never run concurrently with each other (asserted
// via opInProgress), but OnNotificationReceived may interleave with any of
// them, since it only ever touches the notification queue.
type LogViewAdaptor[E, V any] struct {
	cfg Config[E, V]

	// stateMu guards every field below except notifications, the
	// operation-in-progress assertion, and lastIssue, each of which has
	// its own mutex.
	stateMu          sync.RWMutex
	confirmedView    V
	confirmedVersion int
	globalVersion    int
	globalSnapshot   lc.SnapshotHolder[V]
	submissions      []E

	notifMu       sync.Mutex
	notifications map[int]lc.UpdateNotification[E]

	opMu       sync.Mutex
	opInFlight bool

	lastIssueMu sync.RWMutex
	lastIssue   *lc.PrimaryIssue
}

// New constructs an adaptor for one grain. InitializeConfirmedView (or a
// first ReadAsync) should be called before the view is trusted.
func New[E, V any](cfg Config[E, V]) *LogViewAdaptor[E, V] {
	if cfg.DeepCopy == nil {
		panic("logconsistency/adaptor: Config.DeepCopy is required")
	}
	if cfg.Apply == nil {
		panic("logconsistency/adaptor: Config.Apply is required")
	}
	if cfg.Policy == nil {
		panic("logconsistency/adaptor: Config.Policy is required")
	}

	return &LogViewAdaptor[E, V]{
		cfg:           cfg,
		confirmedView: cfg.DeepCopy(cfg.Initial),
		notifications: make(map[int]lc.UpdateNotification[E]),
	}
}

// InitializeConfirmedView resets the adaptor to a fresh grain: all
// versions to zero, a fresh snapshot record, confirmedView set to a copy
// of Initial.
func (a *LogViewAdaptor[E, V]) InitializeConfirmedView() {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	a.confirmedView = a.cfg.DeepCopy(a.cfg.Initial)
	a.confirmedVersion = 0
	a.globalVersion = 0
	a.globalSnapshot = lc.SnapshotHolder[V]{
		State: lc.SnapshotState[V]{
			Snapshot:        a.cfg.DeepCopy(a.cfg.Initial),
			SnapshotVersion: 0,
			WriteBits:       map[lc.ClusterID]bool{},
		},
	}
	a.submissions = nil
	a.setPrimaryIssue(nil)
}

// Submit queues e for the next write cycle. Safe to call at any time,
// including while a read or write is in flight.
func (a *LogViewAdaptor[E, V]) Submit(e E) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.submissions = append(a.submissions, e)
}

// LastConfirmedView returns a defensive copy of the latest confirmed view.
func (a *LogViewAdaptor[E, V]) LastConfirmedView() V {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.cfg.DeepCopy(a.confirmedView)
}

// GetConfirmedVersion returns the position of the last entry reflected in
// the confirmed view.
func (a *LogViewAdaptor[E, V]) GetConfirmedVersion() int {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.confirmedVersion
}

// GetGlobalVersion returns the adaptor's best estimate of the log head.
func (a *LogViewAdaptor[E, V]) GetGlobalVersion() int {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.globalVersion
}

// LastPrimaryIssue returns the most recently recorded storage failure, or
// nil if the adaptor's last pass was clean. A non-nil value means the
// confirmed view may be stale but nothing is fatal.
func (a *LogViewAdaptor[E, V]) LastPrimaryIssue() *lc.PrimaryIssue {
	a.lastIssueMu.RLock()
	defer a.lastIssueMu.RUnlock()
	return a.lastIssue
}

func (a *LogViewAdaptor[E, V]) setPrimaryIssue(issue *lc.PrimaryIssue) {
	a.lastIssueMu.Lock()
	defer a.lastIssueMu.Unlock()
	a.lastIssue = issue
}

// beginOperation asserts that no other Read/Write/ProcessNotifications
// call is in flight on this instance: it is a property of the adaptor,
// independent of whatever scheduler hosts it.
func (a *LogViewAdaptor[E, V]) beginOperation(name string) {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	if a.opInFlight {
		panic(fmt.Sprintf("logconsistency/adaptor: %s called while another operation is in flight", name))
	}
	a.opInFlight = true
}

func (a *LogViewAdaptor[E, V]) endOperation() {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	a.opInFlight = false
}
