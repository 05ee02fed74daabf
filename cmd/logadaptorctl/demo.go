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

package main

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cheynewallace/tabby"
	"github.com/logrusorgru/aurora/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/cloudnative-pg/log-view-consistency/internal/logging"
	"github.com/cloudnative-pg/log-view-consistency/internal/metrics"
	"github.com/cloudnative-pg/log-view-consistency/pkg/logconsistency/adaptor"
	"github.com/cloudnative-pg/log-view-consistency/pkg/logconsistency/policy"
	"github.com/cloudnative-pg/log-view-consistency/pkg/logconsistency/storage/memory"
	"github.com/cloudnative-pg/log-view-consistency/pkg/logconsistency/storage/postgres"

	lc "github.com/cloudnative-pg/log-view-consistency/pkg/logconsistency"
)

// ledger is the demo view: a running balance per account, materialised by
// folding transfer entries in log order.
type ledger struct {
	Balances map[string]int
}

// transfer is the demo log entry: add Delta to Account's balance.
type transfer struct {
	Account string
	Delta   int
}

func cloneLedger(v *ledger) *ledger {
	cp := &ledger{Balances: make(map[string]int, len(v.Balances))}
	for k, val := range v.Balances {
		cp.Balances[k] = val
	}
	return cp
}

func applyTransfer(v *ledger, e transfer) error {
	v.Balances[e.Account] += e.Delta
	return nil
}

func newDemoCommand() *cobra.Command {
	var (
		grainType    string
		grainID      string
		clusterID    string
		snapshotEach int
		postgresDSN  string
		entryFlags   []string
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Seed a grain, submit entries, and drive one read/write/notify cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := parseTransfers(entryFlags)
			if err != nil {
				return err
			}
			return runDemo(cmd.Context(), demoOptions{
				grainType:    grainType,
				grainID:      grainID,
				clusterID:    clusterID,
				snapshotEach: snapshotEach,
				postgresDSN:  postgresDSN,
				entries:      entries,
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&grainType, "grain-type", "ledger", "grain type name")
	flags.StringVar(&grainID, "grain-id", "demo", "grain identity")
	flags.StringVar(&clusterID, "cluster-id", "cluster-a", "this cluster's id, for the write-toggle bitmap")
	flags.IntVar(&snapshotEach, "snapshot-every", 3, "snapshot after this many versions accumulate (0 disables)")
	flags.StringVar(&postgresDSN, "postgres-dsn", "", "use a Postgres-backed log/snapshot store instead of memory")
	flags.StringArrayVar(&entryFlags, "submit", nil, "account=delta entry to submit, may be repeated")

	return cmd
}

type demoOptions struct {
	grainType, grainID, clusterID string
	snapshotEach                  int
	postgresDSN                   string
	entries                       []transfer
}

func parseTransfers(raw []string) ([]transfer, error) {
	entries := make([]transfer, 0, len(raw))
	for _, r := range raw {
		account, deltaStr, ok := strings.Cut(r, "=")
		if !ok {
			return nil, fmt.Errorf("--submit %q: expected account=delta", r)
		}
		delta, err := strconv.Atoi(deltaStr)
		if err != nil {
			return nil, fmt.Errorf("--submit %q: %w", r, err)
		}
		entries = append(entries, transfer{Account: account, Delta: delta})
	}
	return entries, nil
}

func runDemo(ctx context.Context, opts demoOptions) error {
	contextLogger, ctx := logging.SetupLogger(ctx)

	var snapshotPolicy lc.SnapshotPolicy[transfer, *ledger]
	if opts.snapshotEach > 0 {
		snapshotPolicy = &policy.Every[transfer, *ledger]{N: opts.snapshotEach}
	} else {
		snapshotPolicy = policy.None[transfer, *ledger]{}
	}

	logStore, snapStore, closeFn, err := demoStores(opts.postgresDSN)
	if err != nil {
		return err
	}
	defer closeFn()

	reg := prometheus.NewRegistry()
	a := adaptor.New(adaptor.Config[transfer, *ledger]{
		GrainType:     opts.grainType,
		GrainID:       opts.grainID,
		ClusterID:     lc.ClusterID(opts.clusterID),
		Initial:       &ledger{Balances: map[string]int{}},
		DeepCopy:      cloneLedger,
		Apply:         applyTransfer,
		LogStore:      logStore,
		SnapshotStore: snapStore,
		Policy:        snapshotPolicy,
		Metrics:       metrics.NewRecorder(reg, opts.grainType, opts.grainID),
	})

	if err := a.ReadAsync(ctx); err != nil {
		return fmt.Errorf("initial read: %w", err)
	}

	for _, e := range opts.entries {
		a.Submit(e)
	}

	n, err := a.WriteAsync(ctx)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	contextLogger.Info("write completed", "appended", n)

	if err := a.ProcessNotifications(ctx); err != nil {
		return fmt.Errorf("process notifications: %w", err)
	}

	printStatus(a, opts.grainType, opts.grainID)
	return nil
}

func demoStores(postgresDSN string) (
	lc.LogStore[transfer], lc.SnapshotStore[*ledger], func(), error,
) {
	if postgresDSN == "" {
		return memory.NewLogStore[transfer](), memory.NewSnapshotStore[*ledger](), func() {}, nil
	}

	db, err := sql.Open("postgres", postgresDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if _, err := db.Exec(postgres.Schema); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("apply schema: %w", err)
	}
	return postgres.NewLogStore[transfer](db), postgres.NewSnapshotStore[*ledger](db), func() { db.Close() }, nil
}

func printStatus(a *adaptor.LogViewAdaptor[transfer, *ledger], grainType, grainID string) {
	fmt.Println(aurora.Green(fmt.Sprintf("Grain %s/%s", grainType, grainID)))

	summary := tabby.New()
	summary.AddLine("Confirmed version:", a.GetConfirmedVersion())
	summary.AddLine("Global version:", a.GetGlobalVersion())
	if issue := a.LastPrimaryIssue(); issue != nil {
		summary.AddLine("Primary issue:", aurora.Red(issue.Error()))
	} else {
		summary.AddLine("Primary issue:", aurora.Green("none"))
	}
	summary.Print()

	fmt.Println()
	balances := tabby.New()
	balances.AddHeader("Account", "Balance")
	view := a.LastConfirmedView()
	accounts := make([]string, 0, len(view.Balances))
	for account := range view.Balances {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	for _, account := range accounts {
		balances.AddLine(account, view.Balances[account])
	}
	balances.Print()
}
