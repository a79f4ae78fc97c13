/*
Copyright 2025 The RangeForge Authors.

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
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
	"github.com/rangeforge/rangeforge/pkg/registry"
)

const waitPoll = 2 * time.Second

func newDeployCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy and tear down labs",
	}
	cmd.AddCommand(
		newDeployListCommand(root),
		newDeployCreateCommand(root),
		newDeployDestroyCommand(root),
	)
	return cmd
}

func newDeployListCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list <lab-id>",
		Short: "List deployments of a lab",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.dialStore()
			if err != nil {
				return err
			}
			defer c.Close()

			deploys, err := c.st.ListDeploysForLab(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 8, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tBACKEND\tSTATE\tSTARTED\tERROR")
			for _, d := range deploys {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					d.ID, d.Backend, d.State,
					d.StartedAt.UTC().Format(time.RFC3339), d.Error)
			}
			return w.Flush()
		},
	}
}

func newDeployCreateCommand(root *rootOptions) *cobra.Command {
	var (
		requestID string
		backend   string
		wait      bool
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create <lab-id>",
		Short: "Ask the serving process to deploy a lab",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			labID := args[0]

			c, err := root.dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			// Fail on a missing intent here, with a clear message,
			// instead of in the server's log.
			intent, err := c.st.GetLabIntent(ctx, labID)
			if err != nil {
				return err
			}
			req := api.ControlRequest{
				Action:    api.ControlDeploy,
				LabID:     labID,
				RequestID: requestID,
			}
			if req.RequestID == "" {
				req.RequestID = uuid.NewString()
			}
			ref := intent.Backend
			if backend != "" {
				ref, err = parseBackendRef(backend)
				if err != nil {
					return err
				}
				req.Backend = &ref
			}
			if timeout <= 0 {
				timeout = c.cfg.Deploy.Deadline + 2*time.Minute
			}

			waitCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			var wake <-chan api.Event
			if wait {
				// Subscribe before publishing so the terminal event
				// cannot slip past.
				wake, err = c.reg.Subscribe(waitCtx, registry.ChannelLab(labID))
				if err != nil {
					return err
				}
			}
			if err := c.reg.PublishControl(ctx, req); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deploy %s requested: lab %s on %s\n", req.RequestID, labID, ref)
			if !wait {
				return nil
			}

			var rec api.DeployRecord
			err = awaitDone(waitCtx, wake, waitPoll, func(ctx context.Context) (bool, error) {
				r, err := c.st.GetDeploy(ctx, req.RequestID)
				if err != nil {
					if faults.Is(err, faults.ResourceMissing) {
						return false, nil
					}
					return false, err
				}
				rec = r
				return r.State.Done(), nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deploy %s: %s\n", req.RequestID, rec.State)
			if rec.State != api.DeployCompleted {
				return fmt.Errorf("deploy %s finished %s: %s", req.RequestID, rec.State, rec.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&requestID, "request-id", "",
		"Deployment request ID; replays under the same ID are idempotent. Generated when empty.")
	cmd.Flags().StringVar(&backend, "backend", "",
		"Deploy on this backend (kind/instance) instead of the intent's.")
	cmd.Flags().BoolVar(&wait, "wait", true,
		"Wait for the deployment to reach a terminal state.")
	cmd.Flags().DurationVar(&timeout, "timeout", 0,
		"Wait budget. Defaults to the configured deploy deadline plus slack.")
	return cmd
}

func newDeployDestroyCommand(root *rootOptions) *cobra.Command {
	var (
		wait    bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "destroy <lab-id>",
		Short: "Ask the serving process to tear a lab down",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			labID := args[0]

			c, err := root.dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			if timeout <= 0 {
				timeout = c.cfg.Deploy.Deadline + 2*time.Minute
			}
			waitCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			var wake <-chan api.Event
			if wait {
				wake, err = c.reg.Subscribe(waitCtx, registry.ChannelLab(labID))
				if err != nil {
					return err
				}
			}
			if err := c.reg.PublishControl(ctx, api.ControlRequest{
				Action: api.ControlDestroy,
				LabID:  labID,
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "destroy requested for lab %s\n", labID)
			if !wait {
				return nil
			}
			if err := awaitDestroy(waitCtx, c, labID, wake); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "lab %s destroyed\n", labID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true,
		"Wait until the lab's resources and lease are gone.")
	cmd.Flags().DurationVar(&timeout, "timeout", 0,
		"Wait budget. Defaults to the configured deploy deadline plus slack.")
	return cmd
}

// awaitDestroy waits for the lab's lease to clear. The lease is
// released only after every resource is deleted, so its absence is the
// teardown's terminal signal; a reconcile_failed event for the destroy
// ends the wait early with the server's error.
func awaitDestroy(ctx context.Context, c *client, labID string, wake <-chan api.Event) error {
	leaseGone := func(ctx context.Context) (bool, error) {
		_, err := c.st.ActiveLeaseForLab(ctx, labID)
		if err == nil {
			return false, nil
		}
		if faults.Is(err, faults.ResourceMissing) {
			return true, nil
		}
		return false, err
	}

	ticker := time.NewTicker(waitPoll)
	defer ticker.Stop()
	for {
		done, err := leaseGone(ctx)
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return faults.New(faults.Timeout, "timed out waiting for the serving process; is `rangeforge serve` running?")
		case <-ticker.C:
		case ev, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			if ev.Type == api.EventReconcileFailed && ev.Fields["op"] == "destroy" {
				return fmt.Errorf("destroy of lab %s failed: %s", labID, ev.Fields["error"])
			}
		}
	}
}
