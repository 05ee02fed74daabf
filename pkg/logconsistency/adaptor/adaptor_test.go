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
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	lc "github.com/cloudnative-pg/log-view-consistency/pkg/logconsistency"
	"github.com/cloudnative-pg/log-view-consistency/pkg/logconsistency/policy"
)

func newTestAdaptor(logStore *fakeLogStore, snapStore *fakeSnapshotStore, p lc.SnapshotPolicy[int, *testView]) *LogViewAdaptor[int, *testView] {
	return New(Config[int, *testView]{
		GrainType:     "counter",
		GrainID:       "g1",
		ClusterID:     "cluster-a",
		Initial:       &testView{},
		DeepCopy:      testDeepCopy,
		Apply:         testApply,
		LogStore:      logStore,
		SnapshotStore: snapStore,
		Policy:        p,
	})
}

var _ = Describe("LogViewAdaptor", func() {
	var (
		ctx       context.Context
		logStore  *fakeLogStore
		snapStore *fakeSnapshotStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		logStore = &fakeLogStore{}
		snapStore = &fakeSnapshotStore{}
	})

	Describe("empty grain replay", func() {
		It("leaves the confirmed view at its initial state", func() {
			a := newTestAdaptor(logStore, snapStore, policy.None[int, *testView]{})
			a.InitializeConfirmedView()

			Expect(a.ReadAsync(ctx)).To(Succeed())
			Expect(a.GetConfirmedVersion()).To(Equal(0))
			Expect(a.LastConfirmedView()).To(Equal(&testView{}))
		})
	})

	Describe("cold start with snapshot + tail", func() {
		It("folds the snapshot forward through the remaining log entries", func() {
			snapStore.state = lc.SnapshotState[*testView]{
				Snapshot:        &testView{Sum: 5, Applied: []int{1, 2, 3, -1, 5}},
				SnapshotVersion: 5,
				WriteBits:       map[lc.ClusterID]bool{},
			}
			snapStore.etag = 1
			logStore.entries = []int{1, 2, 3, -1, 5, 6, 7}

			a := newTestAdaptor(logStore, snapStore, policy.None[int, *testView]{})

			Expect(a.ReadAsync(ctx)).To(Succeed())
			Expect(a.GetConfirmedVersion()).To(Equal(7))
			Expect(a.LastConfirmedView().Sum).To(Equal(5 + 6 + 7))
			Expect(a.LastConfirmedView().Applied).To(Equal([]int{1, 2, 3, -1, 5, 6, 7}))
		})
	})

	Describe("simple append", func() {
		It("persists a snapshot once the policy fires", func() {
			logStore.entries = []int{1, 2, 3}

			a := newTestAdaptor(logStore, snapStore, &policy.Every[int, *testView]{N: 2})
			Expect(a.ReadAsync(ctx)).To(Succeed())
			Expect(a.GetConfirmedVersion()).To(Equal(3))

			a.Submit(4)
			a.Submit(5)

			n, err := a.WriteAsync(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(2))
			Expect(a.GetGlobalVersion()).To(Equal(5))

			snapStore.mu.Lock()
			defer snapStore.mu.Unlock()
			Expect(snapStore.state.SnapshotVersion).To(Equal(5))
		})
	})

	Describe("ambiguous append that actually succeeded", func() {
		It("reads the batch back from the log and reports success without duplicating it", func() {
			a := newTestAdaptor(logStore, snapStore, policy.None[int, *testView]{})
			Expect(a.ReadAsync(ctx)).To(Succeed())

			a.Submit(10)
			a.Submit(20)

			logStore.InjectAmbiguousAppendError(errors.New("transport: connection reset"))

			n, err := a.WriteAsync(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(2))
			Expect(a.GetConfirmedVersion()).To(Equal(2))
			Expect(a.LastConfirmedView().Sum).To(Equal(30))

			// The batch must not still be queued: a subsequent write with an
			// empty submission queue appends nothing new.
			n2, err := a.WriteAsync(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(n2).To(Equal(0))

			logStore.mu.Lock()
			defer logStore.mu.Unlock()
			Expect(logStore.entries).To(Equal([]int{10, 20}))
		})
	})

	Describe("append lost to a racing writer", func() {
		It("keeps the batch queued instead of mistaking the other writer's progress for its own", func() {
			a := newTestAdaptor(logStore, snapStore, policy.None[int, *testView]{})
			Expect(a.ReadAsync(ctx)).To(Succeed())

			a.Submit(10)
			a.Submit(20)

			// Another cluster wins the conflict and fills the contested
			// positions with its own entries; ours never reach the log.
			logStore.InjectLostConflict(errors.New("transport: connection reset"), []int{7, 8, 9})

			n, err := a.WriteAsync(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(0))
			Expect(a.GetConfirmedVersion()).To(Equal(3))
			Expect(a.LastConfirmedView().Applied).To(Equal([]int{7, 8, 9}))

			// The batch is still queued and lands on the next cycle.
			n2, err := a.WriteAsync(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(n2).To(Equal(2))

			logStore.mu.Lock()
			defer logStore.mu.Unlock()
			Expect(logStore.entries).To(Equal([]int{7, 8, 9, 10, 20}))
		})
	})

	Describe("out-of-order notifications", func() {
		It("applies e9 before e10 and advances confirmedVersion to 10", func() {
			a := newTestAdaptor(logStore, snapStore, policy.None[int, *testView]{})
			a.InitializeConfirmedView()
			// The adaptor has already caught up to position 8.
			a.globalVersion = 8
			a.confirmedVersion = 8

			a.OnNotificationReceived(lc.UpdateNotification[int]{
				Origin: "cluster-b", Version: 10, Updates: []int{10},
			})
			a.OnNotificationReceived(lc.UpdateNotification[int]{
				Origin: "cluster-b", Version: 9, Updates: []int{9},
			})

			Expect(a.ProcessNotifications(ctx)).To(Succeed())
			Expect(a.GetConfirmedVersion()).To(Equal(10))
			Expect(a.LastConfirmedView().Applied).To(Equal([]int{9, 10}))
		})
	})

	Describe("notification behind state", func() {
		It("discards a notification whose first position is already behind globalVersion", func() {
			a := newTestAdaptor(logStore, snapStore, policy.None[int, *testView]{})
			a.InitializeConfirmedView()
			logStore.entries = make([]int, 12)
			Expect(a.ReadAsync(ctx)).To(Succeed())
			Expect(a.GetGlobalVersion()).To(Equal(12))

			a.OnNotificationReceived(lc.UpdateNotification[int]{
				Origin: "cluster-b", Version: 7, Updates: []int{7},
			})

			Expect(a.ProcessNotifications(ctx)).To(Succeed())
			Expect(a.GetConfirmedVersion()).To(Equal(12))
		})
	})

	Describe("Merge", func() {
		It("merges two contiguous notifications from the same origin", func() {
			a := newTestAdaptor(logStore, snapStore, policy.None[int, *testView]{})

			first := lc.UpdateNotification[int]{Origin: "cluster-b", Version: 3, Updates: []int{1, 2, 3}}
			second := lc.UpdateNotification[int]{Origin: "cluster-b", Version: 5, Updates: []int{4, 5}, ETag: "x"}

			merged, ok := a.Merge(first, second)
			Expect(ok).To(BeTrue())
			Expect(merged.Version).To(Equal(5))
			Expect(merged.Updates).To(Equal([]int{1, 2, 3, 4, 5}))
			Expect(merged.ETag).To(Equal("x"))
		})

		It("falls back to the later version when notifications are not contiguous", func() {
			a := newTestAdaptor(logStore, snapStore, policy.None[int, *testView]{})

			first := lc.UpdateNotification[int]{Origin: "cluster-b", Version: 3, Updates: []int{1, 2, 3}}
			second := lc.UpdateNotification[int]{Origin: "cluster-b", Version: 9, Updates: []int{8, 9}}

			_, ok := a.Merge(first, second)
			Expect(ok).To(BeFalse())
		})

		It("never merges across different origins", func() {
			a := newTestAdaptor(logStore, snapStore, policy.None[int, *testView]{})

			first := lc.UpdateNotification[int]{Origin: "cluster-b", Version: 3, Updates: []int{1, 2, 3}}
			second := lc.UpdateNotification[int]{Origin: "cluster-c", Version: 5, Updates: []int{4, 5}}

			_, ok := a.Merge(first, second)
			Expect(ok).To(BeFalse())
		})
	})

	Describe("no duplicate application", func() {
		It("does not re-apply entries a notification already delivered once ReadAsync catches up", func() {
			a := newTestAdaptor(logStore, snapStore, policy.None[int, *testView]{})
			a.InitializeConfirmedView()

			a.OnNotificationReceived(lc.UpdateNotification[int]{
				Origin: "cluster-b", Version: 2, Updates: []int{1, 2},
			})
			Expect(a.ProcessNotifications(ctx)).To(Succeed())
			Expect(a.GetConfirmedVersion()).To(Equal(2))

			logStore.entries = []int{1, 2}
			Expect(a.ReadAsync(ctx)).To(Succeed())

			Expect(a.GetConfirmedVersion()).To(Equal(2))
			Expect(a.LastConfirmedView().Applied).To(Equal([]int{1, 2}))
		})
	})

	Describe("user-code errors", func() {
		It("skips a poisonous entry and keeps folding the rest", func() {
			logStore.entries = []int{1, 0, 3}
			poisonousApply := func(v *testView, e int) error {
				if e == 0 {
					return errors.New("boom")
				}
				return testApply(v, e)
			}

			a := New(Config[int, *testView]{
				GrainType: "counter", GrainID: "g1", ClusterID: "cluster-a",
				Initial: &testView{}, DeepCopy: testDeepCopy, Apply: poisonousApply,
				LogStore: logStore, SnapshotStore: snapStore, Policy: policy.None[int, *testView]{},
			})

			Expect(a.ReadAsync(ctx)).To(Succeed())
			Expect(a.GetConfirmedVersion()).To(Equal(3))
			Expect(a.LastConfirmedView().Applied).To(Equal([]int{1, 3}))
		})
	})

	Describe("read recovery after a storage failure", func() {
		It("retries the whole pass and resolves the primary issue once it succeeds", func() {
			logStore.entries = []int{1, 2}
			logStore.headErr = errors.New("transient")

			a := newTestAdaptor(logStore, snapStore, policy.None[int, *testView]{})
			a.cfg.Backoff.Steps = 5
			a.cfg.Backoff.Duration = 0

			Expect(a.ReadAsync(ctx)).To(Succeed())
			Expect(a.GetConfirmedVersion()).To(Equal(2))
			Expect(a.LastPrimaryIssue()).To(BeNil())
		})
	})

	Describe("snapshot write failure after a successful append", func() {
		It("keeps the append and does not duplicate the batch on the next cycle", func() {
			a := newTestAdaptor(logStore, snapStore, &policy.Every[int, *testView]{N: 1})
			Expect(a.ReadAsync(ctx)).To(Succeed())

			a.Submit(1)
			a.Submit(2)

			snapStore.mu.Lock()
			snapStore.writeErr = errors.New("transport: connection reset")
			snapStore.mu.Unlock()

			n, err := a.WriteAsync(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(2))
			Expect(a.GetConfirmedVersion()).To(Equal(2))

			snapStore.mu.Lock()
			snapStore.writeErr = nil
			snapStore.mu.Unlock()

			n2, err := a.WriteAsync(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(n2).To(Equal(0))

			logStore.mu.Lock()
			defer logStore.mu.Unlock()
			Expect(logStore.entries).To(Equal([]int{1, 2}))
		})
	})

	Describe("RetrieveLogSegment", func() {
		It("reads back exactly the batch a successful write appended", func() {
			logStore.entries = []int{1, 2, 3}

			a := newTestAdaptor(logStore, snapStore, policy.None[int, *testView]{})
			Expect(a.ReadAsync(ctx)).To(Succeed())

			a.Submit(4)
			a.Submit(5)
			n, err := a.WriteAsync(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(2))

			segment, err := a.RetrieveLogSegment(ctx, 4, 5)
			Expect(err).ToNot(HaveOccurred())
			Expect(segment).To(Equal([]int{4, 5}))
		})

		It("returns nothing for an inverted range", func() {
			a := newTestAdaptor(logStore, snapStore, policy.None[int, *testView]{})
			segment, err := a.RetrieveLogSegment(ctx, 5, 4)
			Expect(err).ToNot(HaveOccurred())
			Expect(segment).To(BeEmpty())
		})
	})

	Describe("merged notifications", func() {
		It("applies a contiguous same-origin pair as one notification", func() {
			a := newTestAdaptor(logStore, snapStore, policy.None[int, *testView]{})
			a.InitializeConfirmedView()

			a.OnNotificationReceived(lc.UpdateNotification[int]{
				Origin: "cluster-b", Version: 2, Updates: []int{1, 2},
			})
			a.OnNotificationReceived(lc.UpdateNotification[int]{
				Origin: "cluster-b", Version: 3, Updates: []int{3},
			})

			Expect(a.ProcessNotifications(ctx)).To(Succeed())
			Expect(a.GetConfirmedVersion()).To(Equal(3))
			Expect(a.LastConfirmedView().Applied).To(Equal([]int{1, 2, 3}))
		})
	})
})
