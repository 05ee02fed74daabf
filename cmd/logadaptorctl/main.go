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

// logadaptorctl is a small demo harness for the log-backed view-consistency
// adaptor: it seeds a grain, submits entries, and drives
// ReadAsync/WriteAsync/ProcessNotifications against either the in-memory
// test doubles or a Postgres-backed pair, printing the resulting state. It
// is ad hoc operator tooling, not a production entry point.
package main

import (
	"fmt"
	"os"

	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cloudnative-pg/log-view-consistency/internal/logging"
)

func main() {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:          "logadaptorctl",
		Short:        "Drive a log-view adaptor instance against a storage backend",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			configureLogging(verbose)
		},
	}

	// Registered on a standalone *pflag.FlagSet and then added to the
	// command's persistent flags, the way a logging flag bundle layers onto
	// a cobra command.
	persistent := pflag.NewFlagSet("logadaptorctl", pflag.ExitOnError)
	persistent.BoolVar(&verbose, "verbose", false, "enable development-mode (console) logging")
	rootCmd.PersistentFlags().AddFlagSet(persistent)

	rootCmd.AddCommand(newDemoCommand())

	if err := rootCmd.Execute(); err != nil {
		logging.FromContext(rootCmd.Context()).Error(err, "logadaptorctl failed")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configureLogging(verbose bool) {
	if !verbose {
		return
	}
	zl, err := zap.NewDevelopment()
	if err != nil {
		return
	}
	logging.SetRoot(zapr.NewLogger(zl))
}
