package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/strataworks/strata/internal/config"
	"github.com/strataworks/strata/internal/engine"
	"github.com/strataworks/strata/internal/server"
	"github.com/strataworks/strata/internal/snapshot"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (yaml)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	eng, err := engine.New(cfg)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	defer eng.Close()

	// Restore the last snapshot if one exists. A corrupt snapshot is not
	// fatal — the engine starts from bare terrain and says so.
	switch err := eng.Restore(); {
	case err == nil:
		st := eng.Stats()
		fmt.Fprintf(os.Stderr, "  restored %d records (%d fossils)\n", st.Records, st.Fossils)
	case errors.Is(err, fs.ErrNotExist):
		fmt.Fprintln(os.Stderr, "  no snapshot found, starting from bare terrain")
	case errors.Is(err, snapshot.ErrCorruptSnapshot):
		fmt.Fprintf(os.Stderr, "warning: snapshot unusable (%v), starting from bare terrain\n", err)
	default:
		return fmt.Errorf("restore snapshot: %w", err)
	}

	eng.RebuildIndex()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := eng.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "engine loops stopped: %v\n", err)
		}
	}()

	srv := server.New(eng, VersionString())
	addr := cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		fmt.Fprintf(os.Stderr, "strata serving on %s\n", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}()

	<-done
	fmt.Fprintln(os.Stderr, "\nshutting down...")
	cancel()

	// Final snapshot so nothing learned this session is lost.
	if _, err := eng.SnapshotNow(); err != nil && !errors.Is(err, snapshot.ErrThrottled) {
		fmt.Fprintf(os.Stderr, "final snapshot failed: %v\n", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	return httpServer.Shutdown(shutdownCtx)
}
