// enrichd runs the bulk SEO-keyword enrichment backend: the catalog store,
// the enrichment engine, and the HTTP control surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/CamiloMaria/catalog-enrichment/catalog"
	"github.com/CamiloMaria/catalog-enrichment/config"
	"github.com/CamiloMaria/catalog-enrichment/enrich"
	"github.com/CamiloMaria/catalog-enrichment/errors"
	"github.com/CamiloMaria/catalog-enrichment/keywords"
	"github.com/CamiloMaria/catalog-enrichment/logger"
	"github.com/CamiloMaria/catalog-enrichment/server"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "enrichd",
	Short: "Bulk SEO-keyword enrichment backend",
	Long: `enrichd walks the product catalog for items missing SEO keywords,
generates keywords through OpenRouter with adaptive rate control, and
persists them back in bulk.

The engine is controlled over HTTP:
  POST /api/enrichment/start    begin a run (one at a time)
  POST /api/enrichment/pause    stop dispatching new pages
  POST /api/enrichment/resume   release a pause
  GET  /api/enrichment/status   progress snapshot
  GET  /ws/enrichment           websocket progress stream`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the enrichment backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ./enrichd.toml)")
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := logger.Initialize(cfg.Log.JSON); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	defer logger.Cleanup()
	log := logger.Logger

	store, err := catalog.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Infow("Catalog database opened", "path", cfg.Database.Path)

	client := keywords.NewClient(keywords.Config{
		APIKey:            cfg.OpenRouter.APIKey,
		Model:             cfg.OpenRouter.Model,
		BaseURL:           cfg.OpenRouter.BaseURL,
		RequestsPerMinute: cfg.OpenRouter.RequestsPerMinute,
		Logger:            log,
	})
	if !client.IsConfigured() {
		log.Warnw("OpenRouter API key not configured; enrichment runs will fail until it is set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	controller := enrich.NewController(ctx, store, client, store, enrich.Config{
		BatchSize:             cfg.Engine.BatchSize,
		Concurrency:           cfg.Engine.Concurrency,
		PrioritizedCategories: cfg.Engine.PrioritizedCategories,
		InterPageDelay:        cfg.Engine.InterPageDelay,
		PausePollInterval:     cfg.Engine.PausePollInterval,
		MaxPause:              cfg.Engine.MaxPause,
	}, log)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.New(controller, log).Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infow("Enrichment backend listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return errors.Wrap(err, "HTTP server failed")
	case <-ctx.Done():
	}

	log.Infow("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("HTTP shutdown did not complete cleanly", "error", err)
	}

	// The root context is already cancelled; wait for the in-flight run to
	// wind down before closing the database.
	controller.Wait()

	return nil
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
