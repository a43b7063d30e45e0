// Package cli implements the msgstore administration commands.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hupe1980/msgstore"
)

// RootOptions holds the global flags of every command.
type RootOptions struct {
	ConfigPath string
	EngineUUID string
	Directory  string
	Backend    string
	Takeover   bool
	Format     string
	Verbose    bool
	NoColor    bool
}

// ValidFormats are the accepted values of --format.
var ValidFormats = []string{"text", "json"}

// NewRootCommand returns the msgstore command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "msgstore",
		Short: "Inspect and maintain message store files",
		Long: `msgstore opens the store files of a messaging engine offline.

The store is started exactly as the engine would start it: ownership is
verified and a fresh incarnation is recorded. Run it only while the
engine is down.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitUsage, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if opts.NoColor {
				color.NoColor = true
			}
			return nil
		},
	}

	f := cmd.PersistentFlags()
	f.StringVarP(&opts.ConfigPath, "config", "c", "", "YAML configuration file")
	f.StringVar(&opts.EngineUUID, "engine-uuid", "", "UUID of the engine owning the store")
	f.StringVarP(&opts.Directory, "dir", "d", "", "log directory (overrides log.directory)")
	f.StringVar(&opts.Backend, "backend", "", "store backend: file, sqlite or memory")
	f.BoolVar(&opts.Takeover, "takeover", false, "accept store files written by another engine")
	f.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	f.BoolVarP(&opts.Verbose, "verbose", "v", false, "log store activity to stderr")
	f.BoolVar(&opts.NoColor, "no-color", false, "disable colored output")

	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewIndoubtCommand(opts))
	cmd.AddCommand(NewBackupCommand(opts))

	return cmd
}

// loadConfig reads --config, if given, and applies the flag overrides.
func loadConfig(opts *RootOptions) (msgstore.Config, error) {
	cfg := msgstore.DefaultConfig()
	if opts.ConfigPath != "" {
		var err error
		if cfg, err = msgstore.LoadConfig(opts.ConfigPath); err != nil {
			return msgstore.Config{}, WrapExitError(ExitUsage, "load config", err)
		}
	}
	if opts.EngineUUID != "" {
		cfg.EngineUUID = opts.EngineUUID
	}
	if opts.Directory != "" {
		cfg.LogDirectory = opts.Directory
	}
	if opts.Backend != "" {
		cfg.Backend = msgstore.Backend(opts.Backend)
	}
	if opts.Takeover {
		cfg.DisableOwnershipCheck = true
	}
	return cfg, nil
}

// startManager starts a manager on the configured store. The caller stops
// it.
func startManager(ctx context.Context, cmd *cobra.Command, opts *RootOptions) (*msgstore.Manager, msgstore.Config, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, cfg, err
	}

	logger := msgstore.NoopLogger()
	if opts.Verbose {
		logger = msgstore.NewLogger(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	m, err := msgstore.New(cfg, msgstore.WithLogger(logger))
	if err != nil {
		return nil, cfg, WrapExitError(ExitUsage, "invalid configuration", err)
	}
	if err := m.Start(ctx); err != nil {
		if msgstore.IsGlobal(err) {
			return nil, cfg, WrapExitError(ExitOwnership, "store belongs to another engine", err)
		}
		return nil, cfg, WrapExitError(ExitFailure, "start store", err)
	}
	return m, cfg, nil
}
