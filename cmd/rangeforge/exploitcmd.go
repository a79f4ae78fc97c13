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
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newExploitCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exploit",
		Short: "Inspect the exploit library",
	}
	cmd.AddCommand(
		newExploitListCommand(root),
		newExploitShowCommand(root),
		newExploitDeleteCommand(root),
	)
	return cmd
}

func newExploitListCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List library exploits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := root.dialStore()
			if err != nil {
				return err
			}
			defer c.Close()

			exploits, err := c.st.ListExploits(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 8, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tOS\tSEVERITY\tCVE\tPROBES")
			for _, e := range exploits {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\n",
					e.Name, e.Type, e.OSFamily, e.Severity, e.CVE, len(e.Probes))
			}
			return w.Flush()
		},
	}
}

func newExploitShowCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print one exploit as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.dialStore()
			if err != nil {
				return err
			}
			defer c.Close()

			e, err := c.st.GetExploit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(e)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func newExploitDeleteCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove an exploit from the library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.dialStore()
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.st.DeleteExploit(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exploit %s deleted\n", args[0])
			return nil
		},
	}
}
