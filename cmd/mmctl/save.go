package main

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var saveOut string

func init() {
	cmd := newSaveCmd()
	cmd.Flags().StringVarP(&saveOut, "out", "o", "", "File to write the saved state to")
	_ = cmd.MarkFlagRequired("out")
	rootCmd.AddCommand(cmd)
}

func newSaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Create a VM and write its saved state",
		Long: `The save command creates the VM described by the configuration and writes its
saved state to a file, which the load command can verify against a configuration.

Example:
  mmctl save --config vm.toml --out vm.sav`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSave()
		},
	}
}

func runSave() (err error) {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, s.close())
	}()

	out, err := os.Create(saveOut)
	if err != nil {
		return errors.Wrap(err, "creating saved-state file")
	}

	if err := s.machine.Save(out); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return errors.Wrap(err, "closing saved-state file")
	}

	printVerbose("Saved %d units of VM %s to %s\n", s.machine.SSM().UnitCount(), s.machine.Name(), saveOut)
	return nil
}
