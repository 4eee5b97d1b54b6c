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
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/checkpoint/services/checkpoint/snapshot"
	"github.com/AleutianAI/checkpoint/services/checkpoint/store"
)

func (a *app) createCmd() *cobra.Command {
	var (
		message       string
		meta          map[string]string
		skipUnchanged bool
	)
	cmd := &cobra.Command{
		Use:   "create [dir]",
		Short: "Capture a snapshot of a workspace (default: current directory)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			opts := store.CreateOptions{Message: message, SkipUnchanged: skipUnchanged}
			if len(meta) > 0 {
				opts.Metadata = make(map[string]any, len(meta))
				for k, v := range meta {
					opts.Metadata[k] = v
				}
			}

			res, err := a.svc.Create(cmd.Context(), root, opts)
			if res == nil {
				return err
			}
			if perr := a.printCreated(res); perr != nil {
				return perr
			}
			if err != nil {
				fmt.Fprintln(a.errOut, a.styles.warn("Snapshot saved but not indexed; run `checkpoint reindex`."))
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "snapshot message")
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "metadata key=value pairs stored with the snapshot")
	cmd.Flags().BoolVar(&skipUnchanged, "skip-unchanged", false, "reuse the latest snapshot when nothing changed")
	return cmd
}

func (a *app) printCreated(res *store.CreateResult) error {
	snap := res.Snapshot
	if a.jsonOut {
		return writeJSON(a.out, map[string]any{
			"id":          snap.ID,
			"created_at":  snap.CreatedAt,
			"fingerprint": snap.Fingerprint,
			"files":       len(snap.Entries),
			"unchanged":   res.Unchanged,
			"faults":      snap.Faults,
		})
	}

	if res.Unchanged {
		fmt.Fprintf(a.out, "%s %s\n", a.styles.dim("Unchanged, latest snapshot is"), snap.ID)
		return nil
	}
	sum := snap.Summary()
	fmt.Fprintf(a.out, "%s %s\n", a.styles.ok("Created snapshot"), snap.ID)
	fmt.Fprintf(a.out, "  %d files, %s\n", sum.FileCount, formatBytes(sum.TotalBytes))
	a.printFaults(snap.Faults)
	return nil
}

func (a *app) printFaults(faults []snapshot.Fault) {
	if len(faults) == 0 {
		return
	}
	fmt.Fprintln(a.out, a.styles.warn(fmt.Sprintf("  %d paths skipped:", len(faults))))
	for _, f := range faults {
		fmt.Fprintf(a.out, "    %s (%s): %s\n", f.Path, f.Op, f.Error)
	}
}

func (a *app) listCmd() *cobra.Command {
	var (
		workspace string
		limit     int
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List snapshots, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := a.svc.List(cmd.Context(), store.ListOptions{Workspace: workspace, Limit: limit})
			if err != nil {
				return err
			}
			if a.jsonOut {
				if list == nil {
					list = []snapshot.Summary{}
				}
				return writeJSON(a.out, list)
			}
			if len(list) == 0 {
				fmt.Fprintln(a.out, a.styles.dim("No snapshots."))
				return nil
			}

			rows := make([][]string, len(list))
			for i, s := range list {
				rows[i] = []string{
					shortID(s.ID),
					formatTime(s.CreatedAt),
					strconv.Itoa(s.FileCount),
					formatBytes(s.TotalBytes),
					s.Message,
				}
			}
			fmt.Fprintln(a.out, a.styles.table([]string{"ID", "CREATED", "FILES", "SIZE", "MESSAGE"}, rows))
			return nil
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "only snapshots of this workspace directory")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of snapshots (0 for all)")
	return cmd
}

func (a *app) showCmd() *cobra.Command {
	var reverse bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a snapshot's details and files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.resolveID(cmd, args[0])
			if err != nil {
				return err
			}
			snap, err := a.svc.Show(cmd.Context(), id)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return writeJSON(a.out, snap)
			}

			fmt.Fprintln(a.out, a.styles.heading("Snapshot "+snap.ID))
			fmt.Fprintf(a.out, "  Created:     %s\n", formatTime(snap.CreatedAt))
			fmt.Fprintf(a.out, "  Workspace:   %s\n", snap.Workspace)
			if snap.ParentID != "" {
				fmt.Fprintf(a.out, "  Parent:      %s\n", snap.ParentID)
			}
			fmt.Fprintf(a.out, "  Fingerprint: %s\n", snap.Fingerprint)
			if snap.Message != "" {
				fmt.Fprintf(a.out, "  Message:     %s\n", snap.Message)
			}
			if len(snap.Annotations) > 0 {
				data, err := json.Marshal(snap.Annotations)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "  Annotations: %s\n", data)
			}
			fmt.Fprintln(a.out)

			rows := make([][]string, len(snap.Entries))
			for i, e := range snap.Entries {
				rows[i] = []string{e.Path, e.Mode.String(), formatBytes(e.Size)}
			}
			fmt.Fprintln(a.out, a.styles.table([]string{"PATH", "MODE", "SIZE"}, rows))
			a.printFaults(snap.Faults)

			if reverse {
				fmt.Fprintln(a.out)
				fmt.Fprintln(a.out, a.styles.heading("Reverse log"))
				fmt.Fprintln(a.out, snap.ReversePatch)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&reverse, "reverse", false, "print the reverse log against the parent snapshot")
	return cmd
}

func (a *app) annotateCmd() *cobra.Command {
	var patchJSON string
	cmd := &cobra.Command{
		Use:   "annotate <id> [key=value...]",
		Short: "Merge annotations into a snapshot",
		Long: `Merge annotations into a snapshot as a JSON merge patch.

Values are parsed as JSON when possible, so n=3 stores a number and
tags=["a","b"] a list. key=null removes a key.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parseAnnotations(args[1:], patchJSON)
			if err != nil {
				return err
			}
			id, err := a.resolveID(cmd, args[0])
			if err != nil {
				return err
			}
			merged, err := a.svc.Update(cmd.Context(), id, patch)
			if err != nil {
				return err
			}
			if merged == nil {
				merged = map[string]any{}
			}
			return writeJSON(a.out, merged)
		},
	}
	cmd.Flags().StringVar(&patchJSON, "patch", "", "JSON merge patch object, applied before key=value pairs")
	return cmd
}

// parseAnnotations builds a merge patch from a JSON object and key=value
// pairs.
func parseAnnotations(pairs []string, patchJSON string) (map[string]any, error) {
	patch := map[string]any{}
	if patchJSON != "" {
		if err := json.Unmarshal([]byte(patchJSON), &patch); err != nil {
			return nil, snapshot.InvalidArgument("--patch must be a JSON object: %v", err)
		}
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, snapshot.InvalidArgument("annotation %q is not key=value", p)
		}
		var val any
		if err := json.Unmarshal([]byte(v), &val); err != nil {
			val = v
		}
		patch[k] = val
	}
	if len(patch) == 0 {
		return nil, snapshot.InvalidArgument("no annotations given")
	}
	return patch, nil
}

func (a *app) verifyCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "verify [id...]",
		Short: "Re-hash stored content and check snapshot fingerprints",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := args
			if all {
				list, err := a.svc.List(cmd.Context(), store.ListOptions{})
				if err != nil {
					return err
				}
				ids = ids[:0]
				for _, s := range list {
					ids = append(ids, s.ID)
				}
			}
			if len(ids) == 0 {
				return snapshot.InvalidArgument("give snapshot ids or --all")
			}

			failed := 0
			for _, arg := range ids {
				id, err := a.resolveID(cmd, arg)
				if err == nil {
					err = a.svc.Verify(cmd.Context(), id)
				}
				if err != nil {
					failed++
					fmt.Fprintf(a.out, "%s %s: %v\n", a.styles.errorf("FAIL"), arg, err)
					continue
				}
				fmt.Fprintf(a.out, "%s   %s\n", a.styles.ok("OK"), id)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d snapshots failed verification", failed, len(ids))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "verify every indexed snapshot")
	return cmd
}

func (a *app) reindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the snapshot index from stored records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := a.svc.Reindex(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut {
				return writeJSON(a.out, res)
			}
			fmt.Fprintf(a.out, "%s %d snapshots\n", a.styles.ok("Indexed"), res.Indexed)
			a.printFaults(res.Faults)
			return nil
		},
	}
}

// resolveID accepts a full identifier or a unique prefix of one.
func (a *app) resolveID(cmd *cobra.Command, arg string) (string, error) {
	if len(arg) == 36 {
		return arg, nil
	}
	arg = strings.ToLower(arg)
	if arg == "" {
		return "", snapshot.InvalidArgument("empty snapshot id")
	}
	list, err := a.svc.List(cmd.Context(), store.ListOptions{})
	if err != nil {
		return "", err
	}
	var match string
	for _, s := range list {
		if !strings.HasPrefix(s.ID, arg) {
			continue
		}
		if match != "" {
			return "", snapshot.InvalidArgument("snapshot id prefix %q is ambiguous", arg)
		}
		match = s.ID
	}
	if match == "" {
		return "", snapshot.NotFound(arg)
	}
	return match, nil
}

// absDir resolves a directory argument for display.
func absDir(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir
	}
	return abs
}

var errAborted = errors.New("aborted")
