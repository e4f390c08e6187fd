package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/meigma/smartbackup"
	"github.com/meigma/smartbackup/internal/config"
)

// errFailures is returned when a pass completed but some files failed.
var errFailures = errors.New("some files failed")

func newBackupCommand(f *flags) *cobra.Command {
	var markDeleted, maintain bool
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Record new and changed files as new versions",
		Long: `Scan the source tree and record a new version of every file that is new
or whose size or modification time changed. Files that fail are retried
once at the end of the pass.

With --mark-deleted, files missing from the source are then tombstoned.
With --maintain, hashing, deduplication and defragmentation follow.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return f.withRunner(cmd, func(cfg *config.Config, r *smartbackup.Runner) error {
				if cfg.Source == "" {
					return errors.New("no source directory: set --source or source in the config file")
				}
				out := cmd.OutOrStdout()
				report, err := r.Backup(cmd.Context(), cfg.Source)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "scanned %d, inserted %d (%s), unchanged %d, failed %d in %s\n",
					report.Scanned, report.Inserted, humanize.IBytes(report.Bytes),
					report.Unchanged, len(report.Failures), report.Duration.Round(time.Millisecond))
				failures := report.Failures

				if markDeleted {
					deleted, err := r.IdentifyDeleted(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "marked %d deleted\n", deleted.Marked)
					failures = append(failures, deleted.Failures...)
				}
				if maintain {
					mr, err := r.Maintain(cmd.Context())
					if err != nil {
						return err
					}
					printMaintenance(out, mr)
					failures = append(failures, mr.Failures()...)
				}
				return reportFailures(out, failures)
			})
		},
	}
	cmd.Flags().BoolVar(&markDeleted, "mark-deleted", false, "Tombstone files missing from the source")
	cmd.Flags().BoolVar(&maintain, "maintain", false, "Run maintenance after the backup")
	return cmd
}

func newDeletedCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "deleted",
		Short: "Tombstone files missing from the source",
		Long: `Mark the newest version of every file that no longer exists as deleted.
Older versions, and the content of the tombstoned version, stay in the
archive and can still be extracted by version.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return f.withRunner(cmd, func(_ *config.Config, r *smartbackup.Runner) error {
				report, err := r.IdentifyDeleted(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "marked %d deleted\n", report.Marked)
				return reportFailures(cmd.OutOrStdout(), report.Failures)
			})
		},
	}
}

func newMaintainCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Hash, deduplicate and compact the archive",
		Long: `Compute missing content hashes, replace duplicate payloads with links
to a single verified copy, then rewrite every container without the bytes
that are no longer referenced.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return f.withRunner(cmd, func(_ *config.Config, r *smartbackup.Runner) error {
				report, err := r.Maintain(cmd.Context())
				if err != nil {
					return err
				}
				printMaintenance(cmd.OutOrStdout(), report)
				return reportFailures(cmd.OutOrStdout(), report.Failures())
			})
		},
	}
}

func newExtractCommand(f *flags) *cobra.Command {
	var (
		key     string
		version int
	)
	cmd := &cobra.Command{
		Use:   "extract <destination>",
		Short: "Reconstruct files from the archive",
		Long: `Without --key, write the newest live version of every file under the
destination, keeping the source layout. Deleted files are left out.

With --key, write one version of one file; --version 0 selects the newest.
A destination file that is not older than the archived version is kept.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest := args[0]
			return f.withRunner(cmd, func(_ *config.Config, r *smartbackup.Runner) error {
				out := cmd.OutOrStdout()
				if key != "" {
					written, err := r.ExtractOne(cmd.Context(), key, version, dest)
					if err != nil {
						return err
					}
					if written {
						fmt.Fprintf(out, "extracted %s\n", key)
					} else {
						fmt.Fprintf(out, "skipped %s: destination is up to date\n", key)
					}
					return nil
				}
				report, err := r.ExtractAll(cmd.Context(), dest)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "written %d (%s), skipped %d, deleted %d\n",
					report.Written, humanize.IBytes(uint64(max(report.Bytes, 0))), report.Skipped, report.Deleted)
				return reportFailures(out, report.Failures)
			})
		},
	}
	cmd.Flags().StringVarP(&key, "key", "k", "", "Source path of a single file to extract")
	cmd.Flags().IntVar(&version, "version", 0, "Version to extract with --key (0 = newest)")
	return cmd
}

func newListCommand(f *flags) *cobra.Command {
	var containers bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived files and their versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return f.withRunner(cmd, func(_ *config.Config, r *smartbackup.Runner) error {
				a := r.Archive()
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				if containers {
					fmt.Fprintln(tw, "INDEX\tPATH\tENTRIES\tUSED")
					for _, c := range a.Containers() {
						fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", c.Index, c.Path, c.Entries, humanize.IBytes(uint64(max(c.Tail, 0))))
					}
					return tw.Flush()
				}
				fmt.Fprintln(tw, "KEY\tVERSION\tSIZE\tMODIFIED\tSTATE")
				for _, key := range a.Keys() {
					for _, e := range a.Versions(key) {
						fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
							key, e.Version,
							humanize.IBytes(uint64(max(e.Source.Size, 0))),
							e.Source.ModTime.Format(time.RFC3339),
							state(e))
					}
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&containers, "containers", false, "List container files instead")
	return cmd
}

func state(e *smartbackup.Entry) string {
	s := e.Kind()
	if e.Deleted {
		s += ",deleted"
	}
	return s
}

func printMaintenance(w io.Writer, r smartbackup.MaintenanceReport) {
	fmt.Fprintf(w, "hashed %d, verified %d, linked %d in %d groups, compacted %d containers, reclaimed %s\n",
		r.Hash.Hashed, r.Hash.Verified, r.Dedup.Linked, r.Dedup.Groups,
		r.Defrag.Containers, humanize.IBytes(uint64(max(r.Defrag.Reclaimed, 0))))
	if removed := r.Hash.Removed + r.Dedup.Removed; removed > 0 {
		fmt.Fprintf(w, "removed %d entries that failed verification\n", removed)
	}
}

func reportFailures(w io.Writer, failures smartbackup.Failures) error {
	if len(failures) == 0 {
		return nil
	}
	for _, fl := range failures {
		fmt.Fprintf(w, "FAILED %s\n", fl.Error())
	}
	return fmt.Errorf("%d failures: %w", len(failures), errFailures)
}
