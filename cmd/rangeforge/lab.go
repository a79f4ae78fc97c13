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
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/drift"
	"github.com/rangeforge/rangeforge/pkg/faults"
)

func newLabCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lab",
		Short: "Manage lab intents",
	}
	cmd.AddCommand(
		newLabListCommand(root),
		newLabShowCommand(root),
		newLabStatusCommand(root),
		newLabCreateCommand(root),
		newLabDeleteCommand(root),
	)
	return cmd
}

func newLabListCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List lab intents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := root.dialStore()
			if err != nil {
				return err
			}
			defer c.Close()

			intents, err := c.st.ListLabIntents(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 8, 2, ' ', 0)
			fmt.Fprintln(w, "LAB\tBACKEND\tGATEWAY\tNODES\tCREATED")
			for _, in := range intents {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					in.LabID, in.Backend, in.Gateway.Name, len(in.Nodes),
					in.CreatedAt.UTC().Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func newLabShowCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <lab-id>",
		Short: "Print one lab intent as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.dialStore()
			if err != nil {
				return err
			}
			defer c.Close()

			intent, err := c.st.GetLabIntent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(intent)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func newLabStatusCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <lab-id>",
		Short: "Compare a lab against its intent and print the findings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			ctx := cmd.Context()
			labID := args[0]

			// A fresh comparison, not the detector's stored findings:
			// the answer is current even when serve is down.
			report, err := drift.New(c.log, c.st, c.reg, drift.Options{}).ReportFor(ctx, labID)
			if err != nil {
				return err
			}
			if report.Clean() {
				fmt.Fprintf(cmd.OutOrStdout(), "lab %s: healthy\n", labID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "lab %s: drifted (%d findings)\n", labID, len(report.Items))
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 8, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tSEVERITY\tNODE\tWANT\tGOT")
			for _, it := range report.Items {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", it.Kind, it.Severity, it.Node, it.Want, it.Got)
			}
			return w.Flush()
		},
	}
}

func newLabCreateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create <intent.yaml>",
		Short: "Validate an intent file and save it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var intent api.LabIntent
			if err := yaml.Unmarshal(raw, &intent); err != nil {
				return faults.Wrap(err, faults.ConfigInvalid, "decoding %s", args[0])
			}
			if err := intent.Validate(); err != nil {
				return faults.Wrap(err, faults.ConfigInvalid, "intent %s", args[0])
			}

			c, err := root.dialStore()
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.st.SaveLabIntent(cmd.Context(), &intent); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "lab %s saved (%d nodes behind %s)\n",
				intent.LabID, len(intent.Nodes), intent.Gateway.Name)
			return nil
		},
	}
}

func newLabDeleteCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <lab-id>",
		Short: "Delete a lab intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.dialStore()
			if err != nil {
				return err
			}
			defer c.Close()
			ctx := cmd.Context()
			labID := args[0]

			// A leased lab still has resources behind its intent;
			// deleting it would orphan them for the drift detector.
			if _, err := c.st.ActiveLeaseForLab(ctx, labID); err == nil {
				return faults.New(faults.TransitionBusy,
					"lab %s still holds a network lease; run `rangeforge deploy destroy %s` first", labID, labID)
			} else if !faults.Is(err, faults.ResourceMissing) {
				return err
			}

			if err := c.st.DeleteLabIntent(ctx, labID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "lab %s deleted\n", labID)
			return nil
		},
	}
}
