// Package cli implements the smartbackup command-line interface.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/meigma/smartbackup"
	"github.com/meigma/smartbackup/internal/config"
)

// flags holds the global flags shared by every command.
type flags struct {
	configPath      string
	verbose         bool
	quiet           bool
	source          string
	target          string
	containerSizeMB int
	filenamePattern string
	noCompress      bool
	validate        bool
	workers         int
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:   "smartbackup",
		Short: "Deduplicating, versioned file backup",
		Long: `smartbackup copies a directory tree into a set of bounded container
files plus a catalogue. Every change to a file is kept as a new version,
identical content is stored once, and containers are compacted in place.

Settings come from an optional YAML file (--config); flags override it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	pf.BoolVarP(&f.verbose, "verbose", "v", false, "Enable debug logging")
	pf.BoolVarP(&f.quiet, "quiet", "q", false, "Only log warnings and errors")
	pf.StringVarP(&f.source, "source", "s", "", "Directory tree to back up")
	pf.StringVarP(&f.target, "target", "t", "", "Archive directory")
	pf.IntVar(&f.containerSizeMB, "container-size", 0, "Container size cap in MiB")
	pf.StringVar(&f.filenamePattern, "pattern", "", "Prefix for catalogue and container file names")
	pf.BoolVar(&f.noCompress, "no-compress", false, "Store new payloads uncompressed")
	pf.BoolVar(&f.validate, "validate", false, "Re-hash every extracted file")
	pf.IntVar(&f.workers, "workers", 0, "Parallel hashing workers")

	root.AddCommand(
		newBackupCommand(f),
		newDeletedCommand(f),
		newMaintainCommand(f),
		newExtractCommand(f),
		newListCommand(f),
	)
	return root
}

// load reads the configuration file, if any, and applies flag overrides.
func (f *flags) load(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.LoadFile(f.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	changed := cmd.Flags().Changed
	if changed("source") {
		cfg.Source = f.source
	}
	if changed("target") {
		cfg.Target = f.target
	}
	if changed("container-size") {
		cfg.ContainerSizeMB = f.containerSizeMB
	}
	if changed("pattern") {
		cfg.FilenamePattern = f.filenamePattern
	}
	if f.noCompress {
		cfg.Compression = "none"
	}
	if changed("validate") {
		cfg.ValidateOnExtract = f.validate
	}
	if changed("workers") {
		cfg.Workers = f.workers
	}

	if cfg.Target == "" {
		return nil, fmt.Errorf("no target directory: set --target or target in the config file")
	}
	return cfg, cfg.Validate()
}

func (f *flags) logger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch {
	case f.verbose:
		level = slog.LevelDebug
	case f.quiet:
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// open builds a runner from the merged configuration.
func (f *flags) open(cmd *cobra.Command, cfg *config.Config) (*smartbackup.Runner, error) {
	archiveOpts, err := cfg.ArchiveOptions()
	if err != nil {
		return nil, err
	}
	logger := f.logger(cmd.ErrOrStderr())
	return smartbackup.NewRunner(cfg.Target,
		smartbackup.WithArchiveOptions(archiveOpts...),
		smartbackup.WithIgnoredExtensions(cfg.IgnoredExtensions...),
		smartbackup.WithLogger(logger),
	)
}

// withRunner opens a runner, calls fn and closes the runner, keeping the
// first error.
func (f *flags) withRunner(cmd *cobra.Command, fn func(*config.Config, *smartbackup.Runner) error) (err error) {
	cfg, err := f.load(cmd)
	if err != nil {
		return err
	}
	r, err := f.open(cmd, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := r.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(cfg, r)
}
