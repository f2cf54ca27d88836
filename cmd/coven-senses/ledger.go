// ABOUTME: Ledger subcommand: prints an agent's recorded envelopes and learned address from the store.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/2389/coven-senses/internal/store"
)

func runLedger(ctx context.Context, args []string) error {
	var configPath, agentID string
	var limit int
	var raw bool
	fs := newFlagSet("ledger", &configPath)
	fs.StringVarP(&agentID, "agent", "a", "", "agent id whose ledger to show (required)")
	fs.IntVarP(&limit, "limit", "n", 20, "most recent entries to show, 0 for all")
	fs.BoolVar(&raw, "raw", false, "print the wire frame of each entry")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if agentID == "" {
		return fmt.Errorf("--agent is required")
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Database.Path == "" {
		return fmt.Errorf("database.path is not configured")
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	return showLedger(ctx, os.Stdout, s, agentID, limit, raw)
}

func showLedger(ctx context.Context, w io.Writer, s *store.SQLiteStore, agentID string, limit int, raw bool) error {
	rec, err := s.GetPeer(ctx, agentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		fmt.Fprintf(w, "%s: no learned address\n", agentID)
	case err != nil:
		return err
	default:
		fmt.Fprintf(w, "%s: learned address %s\n", agentID, rec.Addr())
	}

	entries, err := s.ListEnvelopes(ctx, agentID, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, color.HiBlackString("no ledger entries"))
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tDIR\tPEER\tTYPE\tMESSAGE ID")
	for _, e := range entries {
		dir := color.CyanString("→ " + e.Direction)
		if e.Direction == "in" {
			dir = color.GreenString("← " + e.Direction)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.CreatedAt.Local().Format("2006-01-02 15:04:05"), dir, e.PeerID, e.MessageType, e.MessageID)
		if raw {
			fmt.Fprintf(tw, "\t\t%s\n", e.Body)
		}
	}
	return tw.Flush()
}
