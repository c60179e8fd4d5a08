package main

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"voxelstream.ai/internal/persistence/snapshot"
)

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Work with snapshot files",
	}
	var list int
	inspect := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Print a snapshot's header and voxel summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectSnapshot(cmd.OutOrStdout(), args[0], list)
		},
	}
	inspect.Flags().IntVar(&list, "list", 0, "also print the first N voxels")
	cmd.AddCommand(inspect)
	return cmd
}

func inspectSnapshot(w io.Writer, path string, list int) error {
	snap, err := snapshot.Read(path)
	if err != nil {
		return err
	}
	h := snap.Header
	fmt.Fprintf(w, "version:    %d\n", h.Version)
	fmt.Fprintf(w, "written_at: %s (%s)\n", h.WrittenAt.Format("2006-01-02 15:04:05Z07:00"), humanize.Time(h.WrittenAt))
	fmt.Fprintf(w, "voxels:     %s\n", humanize.Comma(int64(len(snap.Voxels))))
	if h.Voxels != len(snap.Voxels) {
		fmt.Fprintf(w, "warning:    header says %d voxels\n", h.Voxels)
	}

	depth := map[int]int{}
	maxDepth := 0
	for _, v := range snap.Voxels {
		if len(v.Code) == 0 {
			continue
		}
		d := int(v.Code[0])
		depth[d]++
		maxDepth = max(maxDepth, d)
	}
	for d := 0; d <= maxDepth; d++ {
		if n := depth[d]; n > 0 {
			fmt.Fprintf(w, "  depth %2d: %s\n", d, humanize.Comma(int64(n)))
		}
	}
	for i := 0; i < list && i < len(snap.Voxels); i++ {
		v := snap.Voxels[i]
		fmt.Fprintf(w, "%s #%02x%02x%02x\n", hex.EncodeToString(v.Code), v.Color[0], v.Color[1], v.Color[2])
	}
	return nil
}
