package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ledgerline/crmcache/internal/auth"
	"github.com/ledgerline/crmcache/internal/config"
	"github.com/ledgerline/crmcache/internal/database"
	"github.com/ledgerline/crmcache/internal/engine"
	"github.com/ledgerline/crmcache/internal/entrystore"
	"github.com/ledgerline/crmcache/internal/feed"
	"github.com/ledgerline/crmcache/internal/followup"
	"github.com/ledgerline/crmcache/internal/identity"
	"github.com/ledgerline/crmcache/internal/logging"
	"github.com/ledgerline/crmcache/internal/outbox"
	"github.com/ledgerline/crmcache/internal/remote"
	"github.com/ledgerline/crmcache/internal/remotecache"
	"github.com/ledgerline/crmcache/internal/server"
	"github.com/ledgerline/crmcache/internal/snapshot"
	"github.com/ledgerline/crmcache/internal/templates"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "crmcache-api",
		Short: "CRM client cache and sync service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("store-path", defaults.GetString("store.path"), "SQLite entry store path")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "CRM data service base URL")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the shared template tier (empty keeps the in-process tier)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("session-signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "store.path", "store-path")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "session-signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.StorePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	identities, err := identity.NewService(identity.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	directory, err := remote.NewDirectory(remote.DirectoryConfig{
		BaseURL:      appConfig.RemoteBaseURL,
		ServiceToken: appConfig.RemoteServiceToken,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	store := entrystore.New(entrystore.Config{
		Database:   db,
		DefaultTTL: appConfig.StoreTTL,
		MaxEntries: appConfig.StoreMaxEntries,
		Logger:     logger,
	})

	snapshots, err := snapshot.New(snapshot.Config{Directory: directory, Logger: logger})
	if err != nil {
		return err
	}

	var (
		rows       templates.RowStore
		versions   engine.VersionRegistry
		changeFeed feed.Feed
	)
	if appConfig.RedisAddress != "" {
		client := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		rows = remotecache.NewRedisRows(client, appConfig.TemplatesTTL)
		versions = remotecache.NewRedisVersions(client)
		changeFeed = feed.NewRedisFeed(client, logger)
	} else {
		rows = remotecache.NewMemoryRows()
		versions = remotecache.NewMemoryVersions()
		changeFeed = feed.NewDispatcher()
	}

	templateService, err := templates.NewService(templates.ServiceConfig{
		Rows:     rows,
		Versions: versions,
		Fetcher:  directory,
		Feed:     changeFeed,
		TTL:      appConfig.TemplatesTTL,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	followups, err := followup.NewService(followup.ServiceConfig{
		Store:    store,
		PageSize: appConfig.FollowupPageSize,
		MaxAge:   appConfig.FollowupMaxAge,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	queue, err := outbox.NewQueue(outbox.QueueConfig{
		Writer:     directory,
		IDProvider: outbox.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	cacheEngine, err := engine.New(engine.Config{
		Store:      store,
		Snapshot:   snapshots,
		Templates:  templateService,
		Followups:  followups,
		Outbox:     queue,
		Feed:       changeFeed,
		Versions:   versions,
		Activities: directory,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer cacheEngine.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:   sessions,
		Identities: identities,
		Engine:     cacheEngine,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cacheEngine.StartMaintenance(signalCtx, 0)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
