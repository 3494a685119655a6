// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command enginectl is a thin admin CLI over engined's Admin Control
// Surface (spec.md §4.7): list/recycle workers, inspect the queue, and
// manage the blacklist. It holds no engine logic of its own — every
// subcommand is a single HTTP call.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "enginectl:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:           "enginectl",
		Short:         "Admin CLI for the workflow execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:8090", "engined admin API base URL")

	client := &apiClient{baseFunc: func() string { return addr }}

	cmd.AddCommand(
		newWorkersCommand(client),
		newQueueCommand(client),
		newBlacklistCommand(client),
		newStuckHistoryCommand(client),
	)
	return cmd
}
