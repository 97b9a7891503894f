package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/cyberus-technology/virtualbox-kvm-sub211/config"
	"github.com/cyberus-technology/virtualbox-kvm-sub211/gmm"
	"github.com/cyberus-technology/virtualbox-kvm-sub211/vm"
)

var (
	// Global flags
	verbose    bool
	jsonOut    bool
	configPath string
	capacity   uint64
)

var printer = message.NewPrinter(language.English)

var rootCmd = &cobra.Command{
	Use:   "mmctl",
	Short: "Create VM memory reservations and inspect their accounting",
	Long: `mmctl builds the memory side of a VM from a configuration file: it creates the
VM heap, reserves guest memory with an in-process broker and reports the resulting
reservation and heap statistics. It can also write and verify saved state.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "VM configuration file (TOML)")
	rootCmd.PersistentFlags().Uint64Var(&capacity, "capacity", 0, "Override the broker capacity in pages")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (config.File, error) {
	var file config.File
	if configPath == "" {
		file = config.Default()
	} else {
		var err error
		if file, err = config.Load(configPath); err != nil {
			return config.File{}, err
		}
	}

	if capacity != 0 {
		file.Broker.CapacityPages = capacity
	}
	return file, nil
}

// session is a VM together with the broker it reserved its memory with
type session struct {
	broker  *gmm.Broker
	client  *gmm.Client
	machine *vm.VM
}

func openSession() (*session, error) {
	file, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger := newLogger()
	broker := gmm.New(logger, gmm.Options{CapacityPages: file.Broker.CapacityPages})
	client, err := broker.Register(file.VM.Name)
	if err != nil {
		return nil, err
	}

	machine, err := vm.Create(logger, file.VM, client)
	if err != nil {
		client.Deregister()
		return nil, errors.Wrap(err, "creating VM")
	}

	if err := broker.RegisterStatistics(machine.Stats(), "/GMM"); err != nil {
		client.Deregister()
		return nil, errors.CombineErrors(err, machine.Destroy())
	}

	return &session{broker: broker, client: client, machine: machine}, nil
}

func (s *session) close() error {
	err := s.machine.Destroy()
	s.client.Deregister()
	return err
}

// printVerbose prints a message if verbose mode is enabled
func printVerbose(format string, args ...interface{}) {
	if verbose {
		printer.Fprintf(os.Stdout, format, args...)
	}
}
