package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"voxelstream.ai/internal/ingest"
	"voxelstream.ai/internal/persistence/indexdb"
	plog "voxelstream.ai/internal/persistence/log"
)

const defaultAdminURL = "http://127.0.0.1:8080"

func newAdminCmd() *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Talk to a running server's admin endpoints",
	}
	cmd.PersistentFlags().StringVar(&baseURL, "url", defaultAdminURL, "server base url")

	state := &cobra.Command{
		Use:   "state",
		Short: "Print tree, client and persistence state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return adminCall(cmd.OutOrStdout(), http.MethodGet, baseURL, "/admin/v1/state", 5*time.Second)
		},
	}
	var limit int
	snapshots := &cobra.Command{
		Use:   "snapshots",
		Short: "List recent snapshot writes from the index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return adminCall(cmd.OutOrStdout(), http.MethodGet, baseURL, fmt.Sprintf("/admin/v1/snapshots?limit=%d", limit), 5*time.Second)
		},
	}
	snapshots.Flags().IntVar(&limit, "limit", 20, "rows to list")
	snap := &cobra.Command{
		Use:   "snapshot",
		Short: "Ask the server to write a snapshot now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return adminCall(cmd.OutOrStdout(), http.MethodPost, baseURL, "/admin/v1/snapshot", 10*time.Second)
		},
	}
	sender := &cobra.Command{
		Use:   "sender <id>",
		Short: "Print one client's ingest stats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminCall(cmd.OutOrStdout(), http.MethodGet, baseURL, "/admin/v1/senders/"+args[0], 5*time.Second)
		},
	}
	cmd.AddCommand(state, snapshots, snap, sender)
	return cmd
}

func adminCall(w io.Writer, method, baseURL, path string, timeout time.Duration) error {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + path
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		return err
	}
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(w, strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}

type auditFilter struct {
	sender string
	op     string
	since  time.Time
	limit  int
}

func (f auditFilter) keep(e ingest.AuditEntry) bool {
	if f.sender != "" && e.Sender != f.sender {
		return false
	}
	if f.op != "" && e.Op != f.op {
		return false
	}
	if !f.since.IsZero() && e.Time.Before(f.since) {
		return false
	}
	return true
}

func newAuditCmd() *cobra.Command {
	var (
		dataDir string
		since   string
		f       auditFilter
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print applied edits from the audit log as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("--since: %w", err)
				}
				f.since = t
			}
			return printAudit(cmd.OutOrStdout(), dataDir, f)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data", "./data", "server data directory")
	cmd.Flags().StringVar(&f.sender, "sender", "", "only edits from this client")
	cmd.Flags().StringVar(&f.op, "op", "", "only this op (set_voxel, set_voxel_destructive, erase_voxel, erase-all)")
	cmd.Flags().StringVar(&since, "since", "", "only edits at or after this RFC3339 time")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "print only the last N matches")
	return cmd
}

func printAudit(w io.Writer, dataDir string, f auditFilter) error {
	entries, err := plog.ReadEdits(dataDir, f.keep)
	if err != nil {
		return err
	}
	if f.limit > 0 && len(entries) > f.limit {
		entries = entries[len(entries)-f.limit:]
	}
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func indexPath(dataDir string) string {
	return filepath.Join(dataDir, "index", "voxelstream.sqlite")
}

// newIndexCmd queries the sqlite index offline, without a running server.
func newIndexCmd() *cobra.Command {
	var (
		dataDir string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Query the snapshot and edit index",
	}
	cmd.PersistentFlags().StringVar(&dataDir, "data", "./data", "server data directory")
	cmd.PersistentFlags().IntVar(&limit, "limit", 20, "result limit")

	snapshots := &cobra.Command{
		Use:   "snapshots",
		Short: "List recent snapshot writes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withIndex(dataDir, func(idx *indexdb.SQLiteIndex) (any, error) {
				return idx.RecentSnapshots(cmd.Context(), limit)
			}, cmd.OutOrStdout())
		},
	}
	edits := &cobra.Command{
		Use:   "edits <sender>",
		Short: "List a client's most recent edits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIndex(dataDir, func(idx *indexdb.SQLiteIndex) (any, error) {
				return idx.EditsBySender(cmd.Context(), args[0], limit)
			}, cmd.OutOrStdout())
		},
	}
	cmd.AddCommand(snapshots, edits)
	return cmd
}

func withIndex(dataDir string, q func(*indexdb.SQLiteIndex) (any, error), w io.Writer) error {
	path := indexPath(dataDir)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("index: %w", err)
	}
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		return err
	}
	res, qerr := q(idx)
	if err := idx.Close(); err != nil && qerr == nil {
		qerr = err
	}
	if qerr != nil {
		return qerr
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
