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
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type workerView struct {
	WorkerID        string          `json:"worker_id"`
	Online          bool            `json:"online"`
	LastHeartbeatAt time.Time       `json:"last_heartbeat_at"`
	Heartbeat       json.RawMessage `json:"heartbeat"`
}

func newWorkersCommand(c *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "Inspect and manage worker nodes",
	}
	cmd.AddCommand(newWorkersListCommand(c), newWorkersGetCommand(c), newWorkersRecycleCommand(c))
	return cmd
}

func newWorkersListCommand(c *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered worker nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Workers []workerView `json:"workers"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/workers", nil, &resp); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "WORKER ID\tONLINE\tLAST HEARTBEAT")
			for _, w := range resp.Workers {
				fmt.Fprintf(tw, "%s\t%v\t%s\n", w.WorkerID, w.Online, w.LastHeartbeatAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func newWorkersGetCommand(c *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "get <worker-id>",
		Short: "Show a single worker's full heartbeat snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp workerView
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/workers/"+args[0], nil, &resp); err != nil {
				return err
			}
			out, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func newWorkersRecycleCommand(c *apiClient) *cobra.Command {
	var pid int
	var reason string
	var requestedBy string

	cmd := &cobra.Command{
		Use:   "recycle <worker-id>",
		Short: "Recycle a Worker Process on a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"pid": pid, "reason": reason, "requested_by": requestedBy}
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/workers/"+args[0]+"/recycle", req, nil); err != nil {
				return err
			}
			fmt.Println("recycle requested")
			return nil
		},
	}
	cmd.Flags().IntVar(&pid, "pid", 0, "pid of the Worker Process to recycle")
	cmd.Flags().StringVar(&reason, "reason", "manual", "reason recorded for the recycle")
	cmd.Flags().StringVar(&requestedBy, "requested-by", "", "admin identity issuing the request")
	_ = cmd.MarkFlagRequired("pid")
	return cmd
}
