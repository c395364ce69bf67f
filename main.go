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

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"ragdesk/internal/api"
	"ragdesk/internal/capability"
	"ragdesk/internal/chat"
	"ragdesk/internal/config"
	"ragdesk/internal/generation"
	"ragdesk/internal/ingest"
	"ragdesk/internal/redis"
	"ragdesk/internal/retrieval"
	"ragdesk/internal/service/library"
	"ragdesk/internal/service/sessions"
	"ragdesk/internal/storage"
	"ragdesk/internal/worker"
)

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:           "ragdesk",
		Short:         "Document library and retrieval-augmented chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config.json (default $RAGDESK_CONFIG or ./config.json)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfgPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			dbType := config.DatabaseDriver()
			db, err := storage.Open(dbType, cfg)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()
			if err := storage.Migrate(db, dbType); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
			log.Printf("migrated %s schema", dbType)
			return nil
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		log.Fatalf("ragdesk: %v", err)
	}
}

func serve(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dbType := config.DatabaseDriver()
	log.Printf("dbType: %s", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	// redis is optional: without it there are no status events and no
	// last-known capability cache
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			log.Printf("redis unavailable, continuing without it: %v", err)
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	if err := os.MkdirAll(cfg.BasicConfig.FileBaseDir, 0o755); err != nil {
		return fmt.Errorf("create file base: %w", err)
	}

	rc := retrieval.New(cfg.Retrieval)
	gen, err := generation.New(ctx, cfg.Generation, cfg.Providers)
	if err != nil {
		return fmt.Errorf("init generation: %w", err)
	}

	events := worker.NewEvents(rdb)
	lib := library.NewStore(db)
	lib.OnChange(events.Publish)
	tasks := worker.NewManager()

	handler := api.NewHandler(api.Deps{
		Library:      lib,
		Sessions:     sessions.NewStore(db, cfg.BasicConfig.MaxSessions),
		Orchestrator: ingest.New(lib, rc, tasks),
		Retrieval:    rc,
		Capabilities: capability.New(rc, rdb),
		Relay:        chat.NewRelay(rc, gen, cfg.Generation, cfg.Retrieval.TopK),
		Namer:        chat.NewNamer(gen, cfg.Generation),
		Events:       events,
		FileBase:     cfg.BasicConfig.FileBaseDir,
		MaxUploadMB:  cfg.BasicConfig.MaxUploadMB,
	})

	if !cfg.BasicConfig.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	handler.RegisterRoutes(router)

	srv := &http.Server{Addr: cfg.BasicConfig.ServerAddress, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	// running ingestions are cancelled at the deadline and recorded as failed
	if err := tasks.Shutdown(shutdownCtx); err != nil {
		log.Printf("task shutdown: %v", err)
	}
	return nil
}
