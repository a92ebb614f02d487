// Command axiomme opens a workspace and runs its reconcile, outbox
// dispatch, and filesystem watch loops. CLI flag parsing is out of
// scope; the workspace root and tuning knobs come entirely from
// environment variables and the workspace's own .axiomme/config.toml,
// per internal/config.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/axiomorient/axiomme/internal/engine"
	"github.com/axiomorient/axiomme/internal/reconcile"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "axiomme: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	root := os.Getenv("AXIOMME_WORKSPACE")
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
		root = wd
	}

	ws, err := engine.Open(root)
	if err != nil {
		return fmt.Errorf("open workspace %s: %w", root, err)
	}
	defer ws.Close()

	if ws.Index.Len() == 0 {
		fmt.Fprintf(os.Stderr, "axiomme: empty index, running initial scan of %s\n", root)
		if err := ws.IndexAllScopes(); err != nil {
			return fmt.Errorf("initial index: %w", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if report, err := ws.RunReconcile(reconcile.Options{Reindex: true}); err != nil {
		fmt.Fprintf(os.Stderr, "axiomme: reconcile: %v\n", err)
	} else if report.DriftCount > 0 {
		fmt.Fprintf(os.Stderr, "axiomme: reconcile healed %d drifted entries\n", report.DriftCount)
	}

	go runOutboxLoop(ctx, ws)

	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	fmt.Fprintf(os.Stderr, "axiomme: watching %s\n", root)
	if err := ws.Watch(stop); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	return nil
}

// runOutboxLoop drains due outbox events on a fixed tick until ctx is
// canceled, giving the dispatcher's retry/backoff machinery regular
// chances to run without an external scheduler.
func runOutboxLoop(ctx context.Context, ws *engine.Workspace) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.RunOutboxOnce(ctx, 32); err != nil {
				fmt.Fprintf(os.Stderr, "axiomme: outbox dispatch: %v\n", err)
			}
		}
	}
}
