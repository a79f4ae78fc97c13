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
	_ "embed"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
	"github.com/rangeforge/rangeforge/pkg/store"
)

//go:embed seeds.yaml
var seedsYAML []byte

const initTimeout = 2 * time.Minute

func newInitCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Run schema migrations and seed the exploit library",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), initTimeout)
			defer cancel()

			// Dialing checks both backends, so a dead registry fails
			// here rather than on the first serve.
			c, err := root.dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.st.Migrate(ctx); err != nil {
				return err
			}
			n, err := seedExploits(ctx, c.st)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "store migrated, %d exploits in the library\n", n)
			return nil
		},
	}
}

func seedExploits(ctx context.Context, st *store.Store) (int, error) {
	var doc struct {
		Exploits []api.Exploit `yaml:"exploits"`
	}
	if err := yaml.Unmarshal(seedsYAML, &doc); err != nil {
		return 0, faults.Wrap(err, faults.Internal, "decoding embedded exploit seeds")
	}
	for i := range doc.Exploits {
		if err := doc.Exploits[i].Validate(); err != nil {
			return 0, faults.Wrap(err, faults.ConfigInvalid, "embedded exploit seeds")
		}
		if err := st.UpsertExploit(ctx, &doc.Exploits[i]); err != nil {
			return 0, err
		}
	}
	return len(doc.Exploits), nil
}
