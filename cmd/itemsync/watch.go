package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	itemsync "github.com/itemsync/itemsync-go"
)

var watchMetricsAddr string

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow live changes and sync queued writes",
	Long: "Keep the local cache in sync: merge pushed changes, probe the backend, and send\n" +
		"queued writes whenever it becomes reachable. Stops on Ctrl-C.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		metrics := itemsync.NewMetrics()
		s, err := openSession(ctx, sessionOptions{push: true, prober: true, metrics: metrics})
		if err != nil {
			return err
		}
		defer s.Close()

		s.engine.On(itemsync.HookOnline, func(string, any) { fmt.Println("backend reachable") })
		s.engine.On(itemsync.HookOffline, func(string, any) { fmt.Println("backend unreachable; writes will be queued") })
		s.engine.On(itemsync.HookWriteSynced, func(_ string, payload any) {
			fmt.Printf("synced %s\n", shortID(payload.(itemsync.PendingWrite).ID))
		})
		s.engine.On(itemsync.HookWriteRejected, func(_ string, payload any) {
			pw := payload.(itemsync.PendingWrite)
			fmt.Printf("rejected %s (%s)\n", shortID(pw.ID), pw.Item.Name)
		})

		if err := s.engine.Reconciler().Refresh(ctx); err != nil {
			s.logger.Warn("initial load failed, continuing from cache", "error", err)
		}
		if err := s.engine.Start(ctx); err != nil {
			return err
		}
		fmt.Printf("Watching %s (%d cached, %d pending). Ctrl-C to stop.\n",
			s.client.BaseURL(), len(s.engine.Reconciler().Items()), s.engine.Outbox().Len())

		g, gctx := errgroup.WithContext(ctx)
		if watchMetricsAddr != "" {
			srv := &http.Server{Addr: watchMetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
			g.Go(func() error {
				s.logger.Info("serving metrics", "addr", watchMetricsAddr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("metrics server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		}
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})

		err = g.Wait()
		fmt.Println("Stopped.")
		return err
	},
}
