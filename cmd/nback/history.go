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
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/AleutianAI/DualNBack/services/nback/engine"
	"github.com/AleutianAI/DualNBack/services/nback/scoring"
	"github.com/AleutianAI/DualNBack/services/nback/storage"
	"github.com/spf13/cobra"
)

const historyTimeLayout = "2006-01-02 15:04"

func runHistory(cmd *cobra.Command, args []string) error {
	db, store, err := openStore(cfg, false, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	out := cmd.OutOrStdout()
	if historySession != "" {
		results, err := store.ListSession(cmd.Context(), historySession)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Fprintf(out, "No blocks stored for session %s.\n", historySession)
			return nil
		}
		printBlocks(out, limitRows(results, historyLimit))
		printSummary(out, scoring.Summarize(results))
		return nil
	}

	sessions, err := store.Sessions(cmd.Context())
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions stored yet. Run `nback play` to start one.")
		return nil
	}
	if historyLimit > 0 && len(sessions) > historyLimit {
		sessions = sessions[:historyLimit]
	}
	printSessions(out, sessions)
	return nil
}

// limitRows keeps the newest limit rows of an oldest-first slice.
func limitRows[T any](rows []T, limit int) []T {
	if limit > 0 && len(rows) > limit {
		return rows[len(rows)-limit:]
	}
	return rows
}

func printSessions(w io.Writer, sessions []storage.SessionInfo) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTARTED\tBLOCKS\tSTART N\tLAST N\tPEAK N")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\n",
			s.ID, s.StartedAt.Local().Format(historyTimeLayout), s.Blocks, s.StartN, s.LastN, s.PeakN)
	}
	tw.Flush()
}

func printBlocks(w io.Writer, results []engine.BlockResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BLOCK\tN\tPOSITION\tSOUND\tACCURACY\tNEXT\tDURATION")
	for _, r := range results {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%.0f%%\t%d (%s)\t%s\n",
			r.Block, r.N,
			channelCounts(r.Tally, engine.ChannelPosition),
			channelCounts(r.Tally, engine.ChannelSound),
			r.Accuracy*100, r.NextN, r.Decision, r.Duration().Round(time.Second))
	}
	tw.Flush()
}

// channelCounts renders hits/misses/false alarms.
func channelCounts(t engine.Tally, ch engine.Channel) string {
	return fmt.Sprintf("%d/%d/%d", t.Hits(ch), t.Misses(ch), t.FalseAlarms(ch))
}

func printSummary(w io.Writer, s scoring.Summary) {
	fmt.Fprintf(w, "\n%d blocks, %d trials, N %d..%d (mean %.1f), %s\n",
		s.Blocks, s.Trials, s.MinN, s.MaxN, s.MeanN, s.Duration.Round(time.Second))
	fmt.Fprintf(w, "Accuracy %.0f%%   position d' %.2f   sound d' %.2f\n",
		s.Accuracy*100, s.Position.DPrime, s.Sound.DPrime)
}
