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

package main

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type stuckHistoryView struct {
	WorkflowID string    `json:"WorkflowID"`
	Name       string    `json:"Name"`
	Count      int       `json:"Count"`
	LastAt     time.Time `json:"LastAt"`
}

func newStuckHistoryCommand(c *apiClient) *cobra.Command {
	var sinceMinutes int

	cmd := &cobra.Command{
		Use:   "stuck-history",
		Short: "Show stuck executions grouped by workflow over a time window",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Entries []stuckHistoryView `json:"entries"`
			}
			path := fmt.Sprintf("/v1/stuck-history?since_minutes=%d", sinceMinutes)
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "WORKFLOW ID\tCOUNT\tLAST STUCK AT")
			for _, e := range resp.Entries {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", e.WorkflowID, e.Count, e.LastAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&sinceMinutes, "since-minutes", 1440, "window width in minutes")
	return cmd
}
