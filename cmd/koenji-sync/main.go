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

	"github.com/MarcoPoloResearchLab/koenji/internal/alerts"
	"github.com/MarcoPoloResearchLab/koenji/internal/auth"
	"github.com/MarcoPoloResearchLab/koenji/internal/config"
	"github.com/MarcoPoloResearchLab/koenji/internal/database"
	"github.com/MarcoPoloResearchLab/koenji/internal/logging"
	"github.com/MarcoPoloResearchLab/koenji/internal/notifications"
	"github.com/MarcoPoloResearchLab/koenji/internal/reconcile"
	"github.com/MarcoPoloResearchLab/koenji/internal/reservations"
	"github.com/MarcoPoloResearchLab/koenji/internal/server"
	"github.com/MarcoPoloResearchLab/koenji/internal/sessions"
	"github.com/MarcoPoloResearchLab/koenji/internal/throttle"
	"github.com/MarcoPoloResearchLab/koenji/internal/transport"
	"github.com/MarcoPoloResearchLab/koenji/internal/workqueue"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:   "koenji-sync",
		Short: "Reservation and session sync service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite cache path")
	cmd.PersistentFlags().String("environment", defaults.GetString("environment"), "Collection set (debug, release)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for snapshots; empty disables")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Device token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Device token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "environment", "environment")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

func newTokenCommand() *cobra.Command {
	var deviceID, userName string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a device token",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.Issuer,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueDeviceToken(cmd.Context(), auth.Device{ID: deviceID, UserName: userName})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceID, "device-id", "", "Device identifier (session id)")
	cmd.Flags().StringVar(&userName, "user-name", "", "Display name carried in the token")
	_ = cmd.MarkFlagRequired("device-id")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	applier := workqueue.NewExecutor(workqueue.Config{
		Name:           "apply",
		Shards:         appConfig.Queue.Shards,
		QueueSize:      appConfig.Queue.Size,
		EnqueueTimeout: appConfig.Queue.EnqueueTimeout,
		MaxAttempts:    1,
	}, logger)
	defer applier.Close() //nolint:errcheck
	writer := workqueue.NewExecutor(workqueue.Config{
		Name:           "cache-write",
		Shards:         appConfig.Queue.Shards,
		QueueSize:      appConfig.Queue.Size,
		EnqueueTimeout: appConfig.Queue.EnqueueTimeout,
		MaxAttempts:    1,
		ErrorHandler:   reconcile.PersistenceErrorHandler(logger),
	}, logger)
	defer writer.Close() //nolint:errcheck

	reservationReconciler, sessionReconciler, err := newReconcilers(appConfig, db, applier, writer, logger)
	if err != nil {
		return err
	}
	defer reservationReconciler.Close() //nolint:errcheck
	defer sessionReconciler.Close()     //nolint:errcheck

	restoreCaches(signalCtx, logger, reservationReconciler, sessionReconciler)

	registry, err := reconcile.NewRegistry(reservationReconciler, sessionReconciler)
	if err != nil {
		return err
	}

	presence, err := sessions.NewPresence(sessions.PresenceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	realtime := server.NewRealtimeDispatcher()
	deliverers := []notifications.Deliverer{realtime}

	var redisClient *redis.Client
	if appConfig.Redis.Address != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     appConfig.Redis.Address,
			Password: appConfig.Redis.Password,
			DB:       appConfig.Redis.DB,
		})
		defer redisClient.Close()
		pingCtx, cancelPing := context.WithTimeout(signalCtx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unavailable at startup", zap.String("address", appConfig.Redis.Address), zap.Error(err))
		}
		cancelPing()

		publisher, err := notifications.NewRedisPublisher(redisClient, appConfig.Notifications.Channel)
		if err != nil {
			return err
		}
		deliverers = append(deliverers, publisher)
	}

	center := notifications.NewCenter(notifications.CenterConfig{
		Deliverers:   deliverers,
		TriggerDelay: appConfig.Notifications.TriggerDelay,
		Logger:       logger,
	})
	defer center.Close() //nolint:errcheck

	gate := throttle.NewGate(throttle.Config{
		MaxEntries:    appConfig.Throttle.MaxEntries,
		Retention:     appConfig.Throttle.Retention,
		SweepInterval: appConfig.Throttle.SweepInterval,
		Logger:        logger,
	})

	monitor, err := alerts.NewMonitor(alerts.Config{
		Source:   reservationReconciler,
		Gate:     gate,
		Notifier: center,
		Interval: appConfig.Alerts.Interval,
		Location: appConfig.Alerts.Location,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	validator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:        validator,
		Reservations:  reservationReconciler,
		Sessions:      sessionReconciler,
		Registry:      registry,
		Presence:      presence,
		Notifications: center,
		Realtime:      realtime,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Strings("collections", registry.Names()),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	group.Go(func() error { return gate.Run(groupCtx) })
	group.Go(func() error { return monitor.Run(groupCtx) })
	if redisClient != nil {
		source, err := transport.NewRedisSource(transport.RedisSourceConfig{
			Client:   redisClient,
			Prefix:   appConfig.Redis.SnapshotPrefix,
			Registry: registry,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		group.Go(func() error { return source.Run(groupCtx) })
	}

	err = group.Wait()
	logger.Info("server stopped")
	return err
}

func newReconcilers(
	appConfig config.AppConfig,
	db *gorm.DB,
	applier, writer *workqueue.Executor,
	logger *zap.Logger,
) (*reconcile.Reconciler[reservations.Reservation], *reconcile.Reconciler[sessions.Session], error) {
	reservationCache, err := reservations.NewCache(db)
	if err != nil {
		return nil, nil, err
	}
	sessionCache, err := sessions.NewCache(db)
	if err != nil {
		return nil, nil, err
	}

	reservationReconciler, err := reconcile.New(reconcile.Config[reservations.Reservation]{
		Collection: appConfig.ReservationsCollection(),
		Decode:        reservations.Decoder(logger),
		Key:           reservations.Key,
		Store:         reservationCache,
		Applier:       applier,
		Writer:        writer,
		WriteAttempts: appConfig.Queue.MaxAttempts,
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, err
	}
	sessionReconciler, err := reconcile.New(reconcile.Config[sessions.Session]{
		Collection: appConfig.SessionsCollection(),
		Decode:        sessions.Decoder(logger),
		Key:           sessions.Key,
		CacheKey:      func(session sessions.Session) string { return session.ID },
		Store:         sessionCache,
		Applier:       applier,
		Writer:        writer,
		WriteAttempts: appConfig.Queue.MaxAttempts,
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return reservationReconciler, sessionReconciler, nil
}

func restoreCaches(
	ctx context.Context,
	logger *zap.Logger,
	reservationReconciler *reconcile.Reconciler[reservations.Reservation],
	sessionReconciler *reconcile.Reconciler[sessions.Session],
) {
	if restored, err := reservationReconciler.Restore(ctx); err != nil {
		logger.Warn("reservation cache restore failed", zap.Error(err))
	} else {
		logger.Info("reservation cache restored", zap.Int("count", restored))
	}
	if restored, err := sessionReconciler.Restore(ctx); err != nil {
		logger.Warn("session cache restore failed", zap.Error(err))
	} else {
		logger.Info("session cache restored", zap.Int("count", restored))
	}
}
