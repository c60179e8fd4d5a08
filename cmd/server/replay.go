package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"voxelstream.ai/internal/octree"
	"voxelstream.ai/internal/persistence"
	plog "voxelstream.ai/internal/persistence/log"
)

func newReplayCmd() *cobra.Command {
	var dataDir, out string
	cmd := &cobra.Command{
		Use:   "replay <snapshot>",
		Short: "Apply audit-logged edits made after a snapshot and optionally write the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return replay(cmd.OutOrStdout(), args[0], dataDir, out, time.Now())
		},
	}
	cmd.Flags().StringVar(&dataDir, "data", "./data", "data directory holding audit/")
	cmd.Flags().StringVar(&out, "out", "", "write the replayed tree to this snapshot file")
	return cmd
}

func replay(w io.Writer, snapPath, dataDir, out string, now time.Time) error {
	tree := octree.New()
	hdr, err := persistence.ReadInto(snapPath, tree)
	if err != nil {
		return err
	}
	entries, err := plog.ReadEdits(dataDir, nil)
	if err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}
	res := persistence.Replay(tree, entries, hdr.WrittenAt)
	fmt.Fprintf(w, "snapshot:  %s (%s voxels, written %s)\n", snapPath, humanize.Comma(int64(hdr.Voxels)), hdr.WrittenAt.Format(time.RFC3339))
	fmt.Fprintf(w, "audit:     %d entries, %d applied, %d ignored, %d invalid\n", len(entries), res.Applied, res.Ignored, res.Invalid)
	fmt.Fprintf(w, "result:    %s voxels\n", humanize.Comma(int64(tree.VoxelCount())))
	if out == "" {
		return nil
	}
	if _, err := persistence.WriteTree(out, tree, now); err != nil {
		return err
	}
	fmt.Fprintf(w, "wrote:     %s\n", out)
	return nil
}
