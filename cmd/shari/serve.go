package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lucaji/Shari/internal/app"
	"github.com/lucaji/Shari/internal/logging"
	"github.com/lucaji/Shari/internal/metrics"
)

var flagQR bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Watch the library and run the file server",
	Long: `Runs until interrupted: reconciles the catalog with the documents folder,
watches for changes and serves the folder in the configured mode.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&flagQR, "qr", false, "print a QR code of the server address")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return metricsServer.Close()
		})
	}

	startErr := a.Start(ctx)
	if startErr == nil {
		printAddress(cmd.OutOrStdout(), a, flagQR)
		<-gctx.Done()
		log.Info("shutting down...")
	} else {
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", zap.Error(err))
	}
	waitErr := g.Wait()
	if startErr != nil {
		return startErr
	}
	return waitErr
}

func printAddress(w io.Writer, a *app.App, qr bool) {
	addr, ok := a.Server().Address()
	if !ok {
		fmt.Fprintln(w, "File server is off; watching", a.Paths().DocumentsRoot())
		return
	}
	fmt.Fprintf(w, "Serving %s (%s) at %s\n", a.Paths().DocumentsRoot(), a.Server().Mode(), addr.Label)
	if !qr {
		return
	}
	text, err := addr.QRText()
	if err != nil {
		fmt.Fprintln(w, "qr:", err)
		return
	}
	fmt.Fprint(w, text)
}
