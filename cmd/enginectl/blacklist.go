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
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type blacklistEntryView struct {
	WorkflowID    string     `json:"WorkflowID"`
	Reason        string     `json:"Reason"`
	BlacklistedAt time.Time  `json:"BlacklistedAt"`
	BlacklistedBy string     `json:"BlacklistedBy"`
	StuckCount    int        `json:"StuckCount"`
	RemovedAt     *time.Time `json:"RemovedAt"`
	RemovedBy     string     `json:"RemovedBy"`
}

func newBlacklistCommand(c *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blacklist",
		Short: "Inspect and manage blacklisted workflows",
	}
	cmd.AddCommand(newBlacklistListCommand(c), newBlacklistAddCommand(c), newBlacklistRemoveCommand(c))
	return cmd
}

func newBlacklistListCommand(c *apiClient) *cobra.Command {
	var activeOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List blacklist entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Entries []blacklistEntryView `json:"entries"`
			}
			path := "/v1/blacklist?active_only=" + url.QueryEscape(fmt.Sprint(activeOnly))
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "WORKFLOW ID\tREASON\tBLACKLISTED AT\tREMOVED")
			for _, e := range resp.Entries {
				removed := "no"
				if e.RemovedAt != nil {
					removed = "yes"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.WorkflowID, e.Reason, e.BlacklistedAt.Format(time.RFC3339), removed)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active-only", true, "only show active entries")
	return cmd
}

func newBlacklistAddCommand(c *apiClient) *cobra.Command {
	var note, by string

	cmd := &cobra.Command{
		Use:   "add <workflow-id>",
		Short: "Manually blacklist a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"workflow_id": args[0], "note": note, "by": by}
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/blacklist", req, nil); err != nil {
				return err
			}
			fmt.Println("blacklisted", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "reason for blacklisting")
	cmd.Flags().StringVar(&by, "by", "", "admin identity issuing the request")
	return cmd
}

func newBlacklistRemoveCommand(c *apiClient) *cobra.Command {
	var removedBy string

	cmd := &cobra.Command{
		Use:   "remove <workflow-id>",
		Short: "Remove a workflow from the blacklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/blacklist/" + url.PathEscape(args[0]) + "?removed_by=" + url.QueryEscape(removedBy)
			if err := c.do(cmd.Context(), http.MethodDelete, path, nil, nil); err != nil {
				return err
			}
			fmt.Println("removed", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&removedBy, "removed-by", "", "admin identity issuing the request")
	return cmd
}
