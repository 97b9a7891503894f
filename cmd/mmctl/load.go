package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/cyberus-technology/virtualbox-kvm-sub211/mm"
	"github.com/cyberus-technology/virtualbox-kvm-sub211/ssm"
)

var loadIn string

func init() {
	cmd := newLoadCmd()
	cmd.Flags().StringVarP(&loadIn, "in", "i", "", "Saved-state file to load")
	_ = cmd.MarkFlagRequired("in")
	rootCmd.AddCommand(cmd)
}

func newLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Create a VM and load saved state into it",
		Long: `The load command creates the VM described by the configuration and loads a saved
state into it. Loading fails if the state was saved with a different memory
configuration or by an incompatible version.

Example:
  mmctl load --config vm.toml --in vm.sav`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad()
		},
	}
}

func runLoad() (err error) {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, s.close())
	}()

	in, err := os.Open(loadIn)
	if err != nil {
		return errors.Wrap(err, "opening saved-state file")
	}
	defer in.Close()

	if err := s.machine.Load(in); err != nil {
		switch {
		case errors.Is(err, mm.ErrMemorySizeMismatch):
			return errors.WithHint(err, "the VM's RAM size must match the size it was saved with")
		case errors.Is(err, ssm.ErrUnsupportedUnitVersion):
			return errors.WithHint(err, "the saved state was written by an incompatible version")
		default:
			return err
		}
	}

	fmt.Printf("Loaded %s into VM %s\n", loadIn, s.machine.Name())
	return nil
}
