package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var pendingJSON bool

func init() {
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(discardCmd)

	pendingCmd.Flags().BoolVar(&pendingJSON, "json", false, "output as JSON")
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List queued writes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s, err := openSession(ctx, sessionOptions{})
		if err != nil {
			return err
		}
		defer s.Close()

		pending := s.engine.Outbox().Pending()
		if pendingJSON {
			return printJSON(pending)
		}
		if len(pending) == 0 {
			fmt.Println("No pending writes.")
			return nil
		}
		fmt.Printf("%-36s %-7s %-24s %8s  %s\n", "PENDING ID", "INTENT", "NAME", "ATTEMPTS", "LAST ERROR")
		for _, pw := range pending {
			lastErr := pw.LastError
			if pw.Rejected {
				lastErr = "REJECTED: " + lastErr
			}
			fmt.Printf("%-36s %-7s %-24s %8d  %s\n", pw.ID, pw.Intent, truncate(pw.Item.Name, 24), pw.Attempts, lastErr)
		}
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Send queued writes now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		s, err := openSession(ctx, sessionOptions{})
		if err != nil {
			return err
		}
		defer s.Close()

		report := s.engine.Outbox().ReplayPending(ctx)
		fmt.Printf("Attempted %d: %d synced, %d failed, %d rejected. %d still pending.\n",
			report.Attempted, report.Synced, report.Failed, report.Rejected, report.Remaining)
		if report.Rejected > 0 {
			fmt.Println("Rejected writes stay queued until removed with 'itemsync discard <pending-id>'.")
		}
		return nil
	},
}

var discardCmd = &cobra.Command{
	Use:   "discard <pending-id>",
	Short: "Drop a queued write without sending it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s, err := openSession(ctx, sessionOptions{})
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.engine.Outbox().Discard(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Discarded %s.\n", args[0])
		return nil
	},
}
