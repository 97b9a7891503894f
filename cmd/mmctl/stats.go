package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var statsFilter string

func init() {
	cmd := newStatsCmd()
	cmd.Flags().StringVar(&statsFilter, "prefix", "", "Only show counters whose name starts with this prefix")
	rootCmd.AddCommand(cmd)
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Create a VM and dump every registered counter",
		Long: `The stats command creates the VM described by the configuration and prints every
counter in its statistics registry: the reservation ledger, the broker and the
heap, globally and per tag.

Example:
  mmctl stats
  mmctl stats --prefix /MM/R3Heap/PGM_POOL
  mmctl stats --config vm.toml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats()
		},
	}
}

func runStats() error {
	s, err := openSession()
	if err != nil {
		return err
	}

	registry := s.machine.Stats()

	if jsonOut {
		raw, err := registry.WriteJSON(statsFilter)
		if err != nil {
			_ = s.close()
			return err
		}
		os.Stdout.Write(raw)
		os.Stdout.Write([]byte("\n"))
		return s.close()
	}

	for _, sample := range registry.Snapshot() {
		if !strings.HasPrefix(sample.Name, statsFilter) {
			continue
		}
		printer.Printf("%-40s %16d %-6s %s\n", sample.Name, sample.Value, sample.Unit, sample.Description)
	}

	return s.close()
}
