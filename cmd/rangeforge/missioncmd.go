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
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
	"github.com/rangeforge/rangeforge/pkg/registry"
)

func newMissionCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mission",
		Short: "Run exploit missions against lab targets",
	}
	cmd.AddCommand(
		newMissionListCommand(root),
		newMissionShowCommand(root),
		newMissionCreateCommand(root),
		newMissionStartCommand(root),
		newMissionCancelCommand(root),
	)
	return cmd
}

func newMissionListCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List missions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := root.dialStore()
			if err != nil {
				return err
			}
			defer c.Close()

			missions, err := c.st.ListMissions(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 8, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tBACKEND\tSTATE\tPROGRESS\tTARGET\tEXPLOITS")
			for _, m := range missions {
				target := m.TargetIdentity
				if target == "" && m.TargetSpec != nil {
					target = m.TargetSpec.Name + " (ephemeral)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\t%d\n",
					m.ID, m.Backend, m.State, m.Progress, target, len(m.Exploits))
			}
			return w.Flush()
		},
	}
}

func newMissionShowCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <mission-id>",
		Short: "Print a mission with its step log and verification results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.dialStore()
			if err != nil {
				return err
			}
			defer c.Close()
			ctx := cmd.Context()

			m, err := c.st.GetMission(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mission %s: %s (%d%%)", m.ID, m.State, m.Progress)
			if m.TargetIP != "" {
				fmt.Fprintf(out, " target %s", m.TargetIP)
			}
			fmt.Fprintln(out)
			if m.Error != "" {
				fmt.Fprintf(out, "error: %s\n", m.Error)
			}

			steps, err := c.st.ListStepResults(ctx, m.ID)
			if err != nil {
				return err
			}
			if len(steps) > 0 {
				fmt.Fprintln(out, "\nsteps:")
				w := tabwriter.NewWriter(out, 2, 8, 2, ' ', 0)
				fmt.Fprintln(w, "  IDX\tEXPLOIT\tOUTCOME\tEXIT\tFAULT")
				for _, s := range steps {
					fmt.Fprintf(w, "  %d\t%s\t%s\t%d\t%s\n",
						s.Index, s.Exploit, s.Outcome, s.ExitCode, s.FaultKind)
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}

			validations, err := c.st.ListValidationResults(ctx, m.ID)
			if err != nil {
				return err
			}
			if len(validations) > 0 {
				fmt.Fprintln(out, "\nverification:")
				w := tabwriter.NewWriter(out, 2, 8, 2, ' ', 0)
				fmt.Fprintln(w, "  EXPLOIT\tPROBE\tOUTCOME\tLATENCY\tEVIDENCE")
				for _, v := range validations {
					fmt.Fprintf(w, "  %s\t%s\t%s\t%dms\t%s\n",
						v.Exploit, v.TestName, v.Outcome, v.LatencyMS, v.Evidence)
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newMissionCreateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create <mission.yaml>",
		Short: "Save a mission definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var m api.Mission
			if err := yaml.Unmarshal(raw, &m); err != nil {
				return faults.Wrap(err, faults.ConfigInvalid, "decoding %s", args[0])
			}
			if m.ID == "" {
				m.ID = uuid.NewString()
			}

			c, err := root.dialStore()
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.st.CreateMission(cmd.Context(), &m); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mission %s created (%d exploits)\n", m.ID, len(m.Exploits))
			return nil
		},
	}
}

func newMissionStartCommand(root *rootOptions) *cobra.Command {
	var (
		wait    bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "start <mission-id>",
		Short: "Ask the serving process to run a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			missionID := args[0]

			c, err := root.dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			m, err := c.st.GetMission(ctx, missionID)
			if err != nil {
				return err
			}
			if m.State.Done() {
				fmt.Fprintf(cmd.OutOrStdout(), "mission %s already finished: %s\n", missionID, m.State)
				if m.State != api.MissionCompleted {
					return fmt.Errorf("mission %s finished %s: %s", missionID, m.State, m.Error)
				}
				return nil
			}
			if timeout <= 0 {
				step := c.cfg.Mission.StepTimeout
				timeout = time.Duration(len(m.Exploits)+1)*step + c.cfg.Deploy.Deadline
			}

			waitCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			var wake <-chan api.Event
			if wait {
				wake, err = c.reg.Subscribe(waitCtx, registry.ChannelType(api.EventMissionProgress))
				if err != nil {
					return err
				}
			}
			if err := c.reg.PublishControl(ctx, api.ControlRequest{
				Action:    api.ControlStartMission,
				MissionID: missionID,
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mission %s start requested\n", missionID)
			if !wait {
				return nil
			}

			var final *api.Mission
			err = awaitDone(waitCtx, wake, waitPoll, func(ctx context.Context) (bool, error) {
				cur, err := c.st.GetMission(ctx, missionID)
				if err != nil {
					return false, err
				}
				final = cur
				return cur.State.Done(), nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mission %s: %s (%d%%)\n", missionID, final.State, final.Progress)
			if final.State != api.MissionCompleted {
				return fmt.Errorf("mission %s finished %s: %s", missionID, final.State, final.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true,
		"Wait for the mission to reach a terminal state.")
	cmd.Flags().DurationVar(&timeout, "timeout", 0,
		"Wait budget. Defaults to a budget derived from the step count.")
	return cmd
}

func newMissionCancelCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <mission-id>",
		Short: "Request cooperative cancellation of a running mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.dialStore()
			if err != nil {
				return err
			}
			defer c.Close()

			landed, err := c.st.RequestMissionCancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !landed {
				return fmt.Errorf("mission %s is already finished; nothing to cancel", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancel requested; mission %s stops at the next step boundary\n", args[0])
			return nil
		},
	}
}
