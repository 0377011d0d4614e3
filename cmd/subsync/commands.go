package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/schaermu/subsync/internal/sync"
)

func newAddCmd() *cobra.Command {
	var req sync.AddRequest

	cmd := &cobra.Command{
		Use:   "add <url> [path]",
		Short: "Vendor a new subproject",
		Long: `Fetch a repository at the given revision and materialize its files under path.

When path is omitted it is derived from the last component of the URL.
The target directory must not exist or must be empty.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			req.URL = args[0]
			if len(args) == 2 {
				paths, err := a.relPaths(args[1:])
				if err != nil {
					return err
				}
				req.Path = paths[0]
			}

			report := a.engine.Add(a.ctx, req)
			renderReport(cmd.OutOrStdout(), report)
			return exitWith(report.ExitCode())
		},
	}

	cmd.Flags().StringVarP(&req.Revision, "revision", "r", "", "branch, tag, commit or semver constraint (default: remote HEAD)")
	cmd.Flags().StringVar(&req.Subpath, "subpath", "", "only vendor this directory of the repository")
	cmd.Flags().StringSliceVar(&req.Exclude, "exclude", nil, "glob patterns of files to leave out (repeatable)")
	return cmd
}

func newUpdateCmd() *cobra.Command {
	var ov sync.Overrides

	cmd := &cobra.Command{
		Use:   "update [path...]",
		Short: "Apply upstream changes to subprojects",
		Long: `Resolve the recorded revision selector of each subproject again and apply
upstream changes. Local edits are preserved; files changed on both sides are
left untouched and reported as conflicts.

Without arguments every tracked subproject is updated. --url and --revision
change the recorded source and require exactly one path.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			paths, err := a.relPaths(args)
			if err != nil {
				return err
			}

			report := a.engine.Update(a.ctx, paths, ov)
			renderReport(cmd.OutOrStdout(), report)
			return exitWith(report.ExitCode())
		},
	}

	cmd.Flags().StringVarP(&ov.Revision, "revision", "r", "", "switch to another revision selector")
	cmd.Flags().StringVar(&ov.URL, "url", "", "switch to another repository URL")
	return cmd
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [path...]",
		Short: "Show local and upstream changes of subprojects",
		Long: `Classify every file of each subproject against its baseline without
modifying anything. With --offline the comparison uses cached content only.

Exits with 2 when an update would conflict.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			paths, err := a.relPaths(args)
			if err != nil {
				return err
			}

			report := a.engine.Status(a.ctx, paths)
			renderStatus(cmd.OutOrStdout(), report)
			return exitWith(report.ExitCode())
		},
	}

	cmd.Flags().BoolVar(&offline, "offline", false, "do not contact remotes")
	return cmd
}

func newDiffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff [path...]",
		Short: "Show patches of local and upstream changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			paths, err := a.relPaths(args)
			if err != nil {
				return err
			}

			results, code := a.engine.Diff(a.ctx, paths)
			renderDiff(cmd.OutOrStdout(), results)
			return exitWith(code)
		},
	}

	cmd.Flags().BoolVar(&offline, "offline", false, "do not contact remotes")
	return cmd
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <path>",
		Aliases: []string{"rm"},
		Short:   "Delete a subproject and its ledger entry",
		Long: `Delete the tracked files of a subproject and drop it from the ledger.
Untracked files are kept, together with the directories holding them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			paths, err := a.relPaths(args)
			if err != nil {
				return err
			}

			report := a.engine.Remove(a.ctx, paths[0])
			renderReport(cmd.OutOrStdout(), report)
			return exitWith(report.ExitCode())
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tracked subprojects",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			renderList(cmd.OutOrStdout(), a.engine.List())
			return nil
		},
	}
}

func newResolveCmd() *cobra.Command {
	var takeUpstream, keepLocal bool

	cmd := &cobra.Command{
		Use:   "resolve <path> <file>",
		Short: "Settle a conflicted file of a subproject",
		Long: `Settle one conflict left by an update. file is relative to the subproject.

--take-upstream overwrites the local file with the pending upstream version.
--keep-local keeps the local file and records the upstream version as its
baseline. Once no conflicts remain the pending revision is recorded.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			choice := sync.KeepLocal
			switch {
			case takeUpstream:
				choice = sync.TakeUpstream
			case !keepLocal:
				return fmt.Errorf("one of --take-upstream or --keep-local is required")
			}

			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			paths, err := a.relPaths(args[:1])
			if err != nil {
				return err
			}

			report := a.engine.Resolve(a.ctx, paths[0], args[1], choice)
			renderReport(cmd.OutOrStdout(), report)
			return exitWith(report.ExitCode())
		},
	}

	cmd.Flags().BoolVar(&takeUpstream, "take-upstream", false, "use the upstream version")
	cmd.Flags().BoolVar(&keepLocal, "keep-local", false, "keep the local version")
	cmd.MarkFlagsMutuallyExclusive("take-upstream", "keep-local")
	return cmd
}

func newChecksumCmd() *cobra.Command {
	var calc, check, write bool

	cmd := &cobra.Command{
		Use:   "checksum <path>",
		Short: "Compute or verify the digest of a subproject",
		Long: `Compute the digest of the tracked files of a subproject as found on disk.

--check exits with 1 when it differs from the recorded digest.
--write records it in the ledger.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := sync.ChecksumCalc
			switch {
			case check:
				mode = sync.ChecksumCheck
			case write:
				mode = sync.ChecksumWrite
			}

			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			paths, err := a.relPaths(args)
			if err != nil {
				return err
			}

			sum, err := a.engine.Checksum(paths[0], mode)
			if err != nil {
				return err
			}
			renderChecksum(cmd.OutOrStdout(), sum, mode)
			if mode == sync.ChecksumCheck && !sum.Match() {
				return exitWith(sync.ExitFailure)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&calc, "calc", false, "print the digest (default)")
	cmd.Flags().BoolVar(&check, "check", false, "compare against the recorded digest")
	cmd.Flags().BoolVar(&write, "write", false, "record the digest in the ledger")
	cmd.MarkFlagsMutuallyExclusive("calc", "check", "write")
	return cmd
}
