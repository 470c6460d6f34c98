package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentgraph/graph"
)

func validateCmd() *cobra.Command {
	var snapshotPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load a snapshot and print its agents and tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := graph.LoadFile(snapshotPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "snapshot %s is valid\n", s.Version())

			def := s.DefaultAgent()
			fmt.Fprintln(out, "agents:")
			for _, a := range s.Agents() {
				marker := ""
				if def != nil && a.Key == def.Key {
					marker = " (default)"
				}
				fmt.Fprintf(out, "  %s%s tools=[%s] routes=[%s] respond=%t\n",
					a.Key, marker, strings.Join(a.EquippedTools, ","), strings.Join(a.AllowedRoutes, ","), a.AllowRespond)
			}

			fmt.Fprintln(out, "tools:")
			for _, t := range s.Tools() {
				names := make([]string, 0, len(t.Params))
				for _, p := range t.Params {
					names = append(names, fmt.Sprintf("%s:%s", p.Name, p.Source))
				}
				fmt.Fprintf(out, "  %s provider=%s params=[%s]\n", t.Key, t.ProviderType, strings.Join(names, ","))
			}

			if len(s.ResponseSchema()) > 0 {
				fmt.Fprintln(out, "response schema: yes")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&snapshotPath, "snapshot", "", "snapshot document (YAML or JSON)")
	_ = cmd.MarkFlagRequired("snapshot")

	return cmd
}
