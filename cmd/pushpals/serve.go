package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pushpals/pushpals/internal/config"
	"github.com/pushpals/pushpals/internal/event"
	"github.com/pushpals/pushpals/internal/hub"
	"github.com/pushpals/pushpals/internal/queue"
	"github.com/pushpals/pushpals/internal/server"
	"github.com/pushpals/pushpals/internal/state"
	"github.com/pushpals/pushpals/internal/worker"
)

var (
	serveListen  string
	serveDataDir string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub server",
	Long: `Run the hub server: sessions and event streaming over SSE and
websocket, the request/job/completion queues, worker heartbeats, and the
background stale-claim recovery sweep.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "HTTP listen address")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "state directory (default XDG data dir)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Server.Listen = serveListen
	}
	if serveDataDir != "" {
		cfg.Server.DataDir = serveDataDir
	}
	dataDir := cfg.Server.DataDir
	if dataDir == "" {
		dataDir = state.DefaultDataDir()
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	db, err := state.Open(state.ServerDBPath(dataDir))
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}

	store := event.NewStore(db)
	h := hub.New(store)
	registry := worker.NewRegistry(db, cfg.Server.WorkerTTL)

	requests := queue.New(db, queue.Requests)
	jobs := queue.New(db, queue.Jobs)
	completions := queue.New(db, queue.Completions)

	srv := server.New(server.Config{
		Hub:         h,
		Requests:    requests,
		Jobs:        jobs,
		Completions: completions,
		Registry:    registry,
		AuthToken:   cfg.Server.AuthToken,
		Logger:      logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go recoverLoop(ctx, logger, cfg.Server.RecoverInterval, registry.TTL(), jobs, requests, completions)

	httpSrv := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("[serve] listening on %s (db %s)", cfg.Server.Listen, db.Path())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Printf("[serve] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	store.Broker().Close()
	return nil
}

// recoverLoop sweeps the queues for stale claims until the context ends.
func recoverLoop(ctx context.Context, logger *log.Logger, interval, ttl time.Duration, engines ...*queue.Engine) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, e := range engines {
				recovered, err := e.RecoverStale(ttl, queue.RecoverLimit)
				if err != nil {
					logger.Printf("[serve] recover %s: %v", e.Name(), err)
					continue
				}
				if len(recovered) > 0 {
					logger.Printf("[serve] recovered %d stale %s claims", len(recovered), e.Name())
				}
			}
		}
	}
}
