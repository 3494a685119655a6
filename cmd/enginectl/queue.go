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

	"github.com/spf13/cobra"
)

func newQueueCommand(c *apiClient) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show a bounded snapshot of pending executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Items []struct {
					ExecutionID    string `json:"ExecutionID"`
					WorkflowID     string `json:"WorkflowID"`
					OrganizationID string `json:"OrganizationID"`
					IsScript       bool   `json:"IsScript"`
				} `json:"items"`
			}
			path := fmt.Sprintf("/v1/queue?limit=%d", limit)
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "EXECUTION ID\tWORKFLOW ID\tORG\tSCRIPT")
			for _, it := range resp.Items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n", it.ExecutionID, it.WorkflowID, it.OrganizationID, it.IsScript)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max items to show")
	return cmd
}
