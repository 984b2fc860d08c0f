package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"formcollect/api/internal/app"
	"formcollect/api/internal/archive"
	"formcollect/api/internal/config"
	"formcollect/api/internal/dispatch"
	"formcollect/api/internal/email"
	"formcollect/api/internal/formtoken"
	"formcollect/api/internal/ids"
	"formcollect/api/internal/logging"
	"formcollect/api/internal/search"
	"formcollect/api/internal/store"
	"formcollect/api/internal/submission"
	"formcollect/api/internal/webhook"
)

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "forms-api",
		Short:         "Form submission collection API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file (defaults to $FORMS_CONFIG)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and dispatch workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), opts)
		},
	})
	return cmd
}

func loadConfig(opts *rootOptions) (config.Config, logging.Logger, error) {
	cfg, err := config.LoadFile(opts.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logging.New(os.Stderr, cfg.LogFormat, cfg.LogLevel), nil
}

func runMigrate(ctx context.Context, opts *rootOptions) error {
	cfg, log, err := loadConfig(opts)
	if err != nil {
		return err
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	log.Info(ctx, "migrations applied")
	return nil
}

func runServe(parent context.Context, opts *rootOptions) error {
	cfg, log, err := loadConfig(opts)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if cfg.MigrateOnStart {
		if err := store.ApplyMigrations(ctx, db); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
	}

	codec, err := ids.NewCodec(cfg.HashidsSalt, cfg.HashidsMinLength)
	if err != nil {
		return err
	}
	dataStore := store.NewPostgresStore(db)

	var queue dispatch.Queue
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Info(ctx, "using redis dispatch queue", "key", cfg.QueueKey)
		redisQueue, err := dispatch.NewRedisQueue(cfg.RedisURL, cfg.QueueKey)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisQueue.Close()
		queue = redisQueue
	} else {
		log.Info(ctx, "using in-process dispatch queue", "size", cfg.QueueSize)
		queue = dispatch.NewMemoryQueue(cfg.QueueSize)
	}

	sinks, closeSinks, err := buildSinks(ctx, cfg, codec, log)
	if err != nil {
		return err
	}
	defer closeSinks()

	resolver := formtoken.NewResolver(dataStore, log)
	submissions := submission.NewService(dataStore, resolver, dispatch.NewScheduler(queue), codec, []byte(cfg.TokenSecret), log)
	service := app.New(dataStore, resolver, submissions, codec, []byte(cfg.JWTSecret), log)

	pool := dispatch.NewPool(queue, dispatch.NewDispatcher(dataStore, log, sinks...), cfg.Workers, log)
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		pool.Run(ctx)
	}()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.TrustProxy, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "forms API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			workers.Wait()
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "shutdown error", "error", err)
	}
	stop()
	workers.Wait()
	log.Info(shutdownCtx, "forms API stopped")
	return nil
}

// buildSinks assembles the dispatch targets. Webhooks and e-mail are always
// present; archive and search only when configured.
func buildSinks(ctx context.Context, cfg config.Config, codec *ids.Codec, log logging.Logger) ([]dispatch.Sink, func(), error) {
	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailer.IsConfigured() {
		log.Warn(ctx, "SMTP not configured, notification e-mails are skipped")
	}

	sinks := []dispatch.Sink{
		webhook.NewSender(nil, cfg.WebhookTimeout, codec, log),
		email.NewNotifier(mailer, codec, log),
	}
	closers := []func(){}

	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		archiveStore, err := archive.New(archive.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		}, codec, log)
		if err != nil {
			return nil, nil, fmt.Errorf("archive init failed: %w", err)
		}
		if err := archiveStore.EnsureBucket(ctx); err != nil {
			return nil, nil, fmt.Errorf("archive bucket: %w", err)
		}
		sinks = append(sinks, archiveStore)
	}

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, codec, log)
		closers = append(closers, meiliClient.Close)
		sinks = append(sinks, meiliClient)
	}

	return sinks, func() {
		for _, closeFn := range closers {
			closeFn()
		}
	}, nil
}
