package main

import (
	"os"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"

	"github.com/cyberus-technology/virtualbox-kvm-sub211/heap"
	"github.com/cyberus-technology/virtualbox-kvm-sub211/mm"
)

var runDetailed bool

func init() {
	cmd := newRunCmd()
	cmd.Flags().BoolVar(&runDetailed, "detailed", false, "List every live heap block")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Create a VM, report its reservation and heap usage, then destroy it",
		Long: `The run command creates the VM described by the configuration, which makes the
initial reservation with the broker, and prints what was reserved.

Example:
  mmctl run
  mmctl run --config vm.toml --capacity 300000
  mmctl run --config vm.toml --json --detailed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun()
		},
	}
}

func runRun() error {
	s, err := openSession()
	if err != nil {
		return err
	}

	ledger := s.machine.MM()
	arena := s.machine.Heap()

	if jsonOut {
		writeRunJSON(ledger, arena, s.broker.TotalReserved(), s.broker.Capacity())
	} else {
		printRun(ledger, arena, s.broker.TotalReserved(), s.broker.Capacity())
	}

	return s.close()
}

func printRun(ledger *mm.MM, arena *heap.Arena, reserved, capacity uint64) {
	reservation := ledger.Reservation()

	printer.Printf("RAM:            %d bytes (%d below 4GiB, %d above)\n",
		ledger.PhysRAMSize(), ledger.PhysRAMSizeBelow4GB(), ledger.PhysRAMSizeAbove4GB())
	printer.Printf("Base pages:     %d (+%d handy)\n", ledger.BasePages(), ledger.HandyPages())
	printer.Printf("Shadow pages:   %d\n", ledger.ShadowPages())
	printer.Printf("Fixed pages:    %d\n", ledger.FixedPages())
	printer.Printf("Reserved:       %d / %d / %d pages\n", reservation.BasePages, reservation.ShadowPages, reservation.FixedPages)
	printer.Printf("Broker:         %d of %d pages reserved\n\n", reserved, capacity)

	global := arena.GlobalStatistics()
	printer.Printf("Heap blocks:    %d\n", arena.BlockCount())
	printer.Printf("Heap bytes:     %d (%d with headers)\n", global.CurrentBytes, global.CurrentBlockBytes)
	for _, tag := range arena.Tags() {
		counters, _ := arena.Statistics(tag)
		printer.Printf("  %-10s %d bytes in %d allocations\n", tag, counters.CurrentBytes, counters.Allocations)
	}

	if runDetailed {
		printer.Printf("\n%s\n", arena.BuildStatsString(true))
	}
}

func writeRunJSON(ledger *mm.MM, arena *heap.Arena, reserved, capacity uint64) {
	reservation := ledger.Reservation()

	writer := jwriter.NewWriter()
	obj := writer.Object()

	ledgerObj := obj.Name("Ledger").Object()
	ledgerObj.Name("RAMSize").Float64(float64(ledger.PhysRAMSize()))
	ledgerObj.Name("BasePages").Float64(float64(ledger.BasePages()))
	ledgerObj.Name("HandyPages").Float64(float64(ledger.HandyPages()))
	ledgerObj.Name("ShadowPages").Float64(float64(ledger.ShadowPages()))
	ledgerObj.Name("FixedPages").Float64(float64(ledger.FixedPages()))
	ledgerObj.Name("PagingInitialized").Bool(ledger.PagingInitialized())
	ledgerObj.End()

	reservationObj := obj.Name("Reservation").Object()
	reservationObj.Name("BasePages").Float64(float64(reservation.BasePages))
	reservationObj.Name("ShadowPages").Float64(float64(reservation.ShadowPages))
	reservationObj.Name("FixedPages").Float64(float64(reservation.FixedPages))
	reservationObj.End()

	brokerObj := obj.Name("Broker").Object()
	brokerObj.Name("ReservedPages").Float64(float64(reserved))
	brokerObj.Name("CapacityPages").Float64(float64(capacity))
	brokerObj.End()

	obj.Name("Heap").Raw([]byte(arena.BuildStatsString(runDetailed)))
	obj.End()

	os.Stdout.Write(writer.Bytes())
	os.Stdout.Write([]byte("\n"))
}
