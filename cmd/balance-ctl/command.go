// Copyright 2019 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// send issues one admin line and prints the response; ERROR responses
// fail the command.
func send(line string) {
	resp, err := request(line)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(resp)
	if strings.HasPrefix(resp, "ERROR") {
		os.Exit(1)
	}
}

func withNamespace(cmd string, args []string) string {
	if len(args) > 0 {
		return fmt.Sprintf("%s:namespace=%s", cmd, args[0])
	}
	return cmd
}

func newCommands() []*cobra.Command {
	roster := &cobra.Command{
		Use:   "roster [namespace]",
		Short: "show the active, pending, and observed rosters",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			send(withNamespace("roster", args))
		},
	}

	rosterSet := &cobra.Command{
		Use:   "roster-set namespace nodes",
		Short: "stage a pending roster, nodes as id[:rack][,id[:rack]...]",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			send(fmt.Sprintf("roster-set:namespace=%s;nodes=%s", args[0], args[1]))
		},
	}

	racks := &cobra.Command{
		Use:   "racks [namespace]",
		Short: "show rack membership per namespace",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			send(withNamespace("racks", args))
		},
	}

	recluster := &cobra.Command{
		Use:   "recluster",
		Short: "force a rebalance under the current membership",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			send("recluster")
		},
	}

	var sticky bool
	quiesce := &cobra.Command{
		Use:   "quiesce",
		Short: "drain this node ahead of shutdown",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if sticky {
				send("quiesce:sticky=true")
				return
			}
			send("quiesce")
		},
	}
	quiesce.Flags().BoolVar(&sticky, "sticky", false, "persist the quiesce across restarts")

	quiesceUndo := &cobra.Command{
		Use:   "quiesce-undo",
		Short: "cancel a pending quiesce",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			send("quiesce-undo")
		},
	}

	revive := &cobra.Command{
		Use:   "revive [namespace]",
		Short: "return dead partitions to service",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			send(withNamespace("revive", args))
		},
	}

	var size string
	var namespace string
	var ignoreMigrations bool
	clusterStable := &cobra.Command{
		Use:   "cluster-stable",
		Short: "verify the cluster is formed and settled, printing its key",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			params := make([]string, 0, 3)
			if size != "" {
				params = append(params, "size="+size)
			}
			if namespace != "" {
				params = append(params, "namespace="+namespace)
			}
			if ignoreMigrations {
				params = append(params, "ignore-migrations=true")
			}
			line := "cluster-stable"
			if len(params) > 0 {
				line += ":" + strings.Join(params, ";")
			}
			send(line)
		},
	}
	clusterStable.Flags().StringVar(&size, "size", "", "expected cluster size")
	clusterStable.Flags().StringVar(&namespace, "namespace", "", "restrict the check to one namespace")
	clusterStable.Flags().BoolVar(&ignoreMigrations, "ignore-migrations", false, "ignore in-flight migrations")

	succession := &cobra.Command{
		Use:   "get-sl",
		Short: "show the succession list",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			send("get-sl")
		},
	}

	namespaces := &cobra.Command{
		Use:   "namespaces",
		Short: "list configured namespaces",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			send("namespaces")
		},
	}

	raw := &cobra.Command{
		Use:   "raw line",
		Short: "send a raw admin protocol line",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			send(args[0])
		},
	}

	return []*cobra.Command{
		roster, rosterSet, racks, recluster, quiesce, quiesceUndo,
		revive, clusterStable, succession, namespaces, raw,
	}
}
