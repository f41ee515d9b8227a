package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	itemsync "github.com/itemsync/itemsync-go"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, login and local sync state",
	Long:  "Display the effective configuration, check whether the stored token has expired, and summarize the local cache and write queue.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s, err := openSession(ctx, sessionOptions{})
		if err != nil {
			return err
		}
		defer s.Close()
		cfg := s.cfg

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", s.client.BaseURL())
		fmt.Printf("  Storage:   %s\n", valueOrDefault(cfg.Default.Storage, "sqlite"))
		if cfg.Default.StoragePath != "" {
			fmt.Printf("  Path:      %s\n", cfg.Default.StoragePath)
		}
		fmt.Printf("  Log level: %s\n", valueOrDefault(cfg.Log.Level, "info"))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  Username:  %s\n", valueOrDefault(cfg.Auth.Username, "(not logged in)"))
		tokenStatus := "none"
		if token := s.client.Token(); token != "" {
			expires, err := itemsync.TokenExpiry(token)
			switch {
			case err != nil:
				tokenStatus = "present (no readable expiry)"
			case time.Now().Before(expires):
				tokenStatus = fmt.Sprintf("valid (expires %s)", expires.Local().Format(time.RFC3339))
			default:
				tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", expires.Local().Format(time.RFC3339))
			}
		}
		fmt.Printf("  Token:     %s\n", tokenStatus)

		rec := s.engine.Reconciler()
		p := rec.Pagination()
		pending := s.engine.Outbox().Pending()
		rejected := 0
		for _, pw := range pending {
			if pw.Rejected {
				rejected++
			}
		}

		fmt.Println()
		fmt.Println("Local state:")
		fmt.Printf("  Cached items:   %d\n", len(rec.Items()))
		fmt.Printf("  Cursor:         page %d of %d (size %d)\n", p.CurrentPage, p.TotalPages, p.PageSize)
		fmt.Printf("  Pending writes: %d", len(pending))
		if rejected > 0 {
			fmt.Printf(" (%d rejected)", rejected)
		}
		fmt.Println()

		online := itemsync.NewProber(s.client.BaseURL(), itemsync.WithProberLogger(s.logger)).Probe(ctx)
		fmt.Println()
		if online {
			fmt.Println("Backend: reachable")
		} else {
			fmt.Println("Backend: unreachable")
		}
		return nil
	},
}
