// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/checkpoint/services/checkpoint/compare"
	"github.com/AleutianAI/checkpoint/services/checkpoint/diff"
	"github.com/AleutianAI/checkpoint/services/checkpoint/restore"
	"github.com/AleutianAI/checkpoint/services/checkpoint/snapshot"
)

func (a *app) restoreCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "restore <id> [dest]",
		Short: "Write a snapshot's files into a directory (default: current directory)",
		Long: `Write a snapshot's files into a directory.

Restore is additive: files in the destination that the snapshot does not
contain are left alone. Existing files the snapshot does contain are
overwritten, so a non-empty destination asks for confirmation unless
--yes is given.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest := "."
			if len(args) == 2 {
				dest = args[1]
			}
			id, err := a.resolveID(cmd, args[0])
			if err != nil {
				return err
			}

			if !yes {
				ok, err := a.confirmOverwrite(dest)
				if err != nil {
					return err
				}
				if !ok {
					return errAborted
				}
			}

			res, err := a.svc.Restore(cmd.Context(), id, dest)
			if res == nil {
				return err
			}
			if a.jsonOut {
				if jerr := writeJSON(a.out, restoreJSON(res.SnapshotID, res.Destination, res.Written, res.Failed)); jerr != nil {
					return jerr
				}
				return err
			}

			fmt.Fprintf(a.out, "%s %d files from %s into %s\n",
				a.styles.ok("Restored"), len(res.Written), shortID(res.SnapshotID), res.Destination)
			for _, f := range res.Failed {
				fmt.Fprintf(a.out, "  %s %s: %v\n", a.styles.errorf("failed"), f.Path, f.Err)
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask before writing into a non-empty directory")
	return cmd
}

func restoreJSON(id, dest string, written []string, failed []restore.PathError) map[string]any {
	errs := make([]map[string]string, len(failed))
	for i, f := range failed {
		errs[i] = map[string]string{"path": f.Path, "error": f.Err.Error()}
	}
	if written == nil {
		written = []string{}
	}
	return map[string]any{
		"snapshot_id": id,
		"destination": dest,
		"written":     written,
		"failed":      errs,
	}
}

// confirmOverwrite asks before restoring into a non-empty directory.
// Without a terminal there is nobody to ask, so it refuses.
func (a *app) confirmOverwrite(dest string) (bool, error) {
	entries, err := os.ReadDir(dest)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && len(entries) == 0) {
		return true, nil
	}
	if err != nil {
		return false, snapshot.NewIOError("read", dest, err)
	}

	if !isTerminal(os.Stdin) || !isTerminal(a.out) {
		return false, snapshot.InvalidArgument("%s is not empty; pass --yes to overwrite", absDir(dest))
	}

	var ok bool
	err = huh.NewConfirm().
		Title(fmt.Sprintf("%s has %d entries. Overwrite matching files?", absDir(dest), len(entries))).
		Affirmative("Restore").
		Negative("Cancel").
		Value(&ok).
		Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	return ok, err
}

func (a *app) compareCmd() *cobra.Command {
	var stat bool
	cmd := &cobra.Command{
		Use:     "compare <from> <to>",
		Aliases: []string{"diff"},
		Short:   "Show the differences between two snapshots",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := a.resolveID(cmd, args[0])
			if err != nil {
				return err
			}
			to, err := a.resolveID(cmd, args[1])
			if err != nil {
				return err
			}
			cmp, err := a.svc.Compare(cmd.Context(), from, to)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return writeJSON(a.out, map[string]any{
					"from":        cmp.From,
					"to":          cmp.To,
					"stats":       cmp.Stats(),
					"differences": cmp.Differences,
				})
			}
			if len(cmp.Differences) == 0 {
				fmt.Fprintln(a.out, a.styles.dim("No differences."))
				return nil
			}
			if stat {
				return a.printStat(cmp)
			}
			for _, d := range cmp.Differences {
				fmt.Fprint(a.out, a.styles.diff(d.Patch))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&stat, "stat", false, "print a per-path summary instead of patches")
	return cmd
}

func (a *app) printStat(cmp *compare.Comparison) error {
	rows := make([][]string, 0, len(cmp.Differences))
	for _, d := range cmp.Differences {
		added, deleted := "-", "-"
		if st, err := diff.Stat(d.Patch); err == nil {
			added = strconv.Itoa(int(st.Added + st.Changed))
			deleted = strconv.Itoa(int(st.Deleted + st.Changed))
		}
		rows = append(rows, []string{d.Path, string(d.Classification), added, deleted})
	}
	fmt.Fprintln(a.out, a.styles.table([]string{"PATH", "CHANGE", "+", "-"}, rows))

	s := cmp.Stats()
	fmt.Fprintf(a.out, "%d added, %d removed, %d modified\n", s.Added, s.Removed, s.Modified)
	return nil
}
