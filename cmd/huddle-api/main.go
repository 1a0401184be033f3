package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/reseautageclub/huddle/backend/internal/auth"
	"github.com/reseautageclub/huddle/backend/internal/calls"
	"github.com/reseautageclub/huddle/backend/internal/config"
	"github.com/reseautageclub/huddle/backend/internal/database"
	"github.com/reseautageclub/huddle/backend/internal/logging"
	"github.com/reseautageclub/huddle/backend/internal/rooms"
	"github.com/reseautageclub/huddle/backend/internal/server"
	"github.com/reseautageclub/huddle/backend/internal/signalcipher"
	"github.com/reseautageclub/huddle/backend/internal/users"
)

const expireSweepInterval = 5 * time.Second

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "huddle-api",
		Short: "Huddle call signaling backend service",
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("storage-dir", defaults.GetString("storage.dir"), "Recording storage directory")
	cmd.PersistentFlags().Int("ring-timeout-seconds", defaults.GetInt("call.ring_timeout_seconds"), "Seconds before an unanswered call is missed")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("environment", defaults.GetString("environment"), "Deployment environment (development, production)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().String("signaling-key", "", "Signaling encryption key (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "storage.dir", "storage-dir")
	bindFlag(cmd, "call.ring_timeout_seconds", "ring-timeout-seconds")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "environment", "environment")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "signaling.encryption_key", "signaling-key")
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

	if appConfig.SignalingKeyDefaulted {
		logger.Warn("signaling encryption key not configured, using development fallback key")
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	cipher, err := signalcipher.New(appConfig.SignalingKey)
	if err != nil {
		return err
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "huddle-auth",
		Audience:      "huddle-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	identityService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()

	callService, err := calls.NewService(calls.ServiceConfig{
		Database:    db,
		Cipher:      cipher,
		IDProvider:  calls.NewUUIDProvider(),
		Profiles:    identityService,
		Events:      dispatcher,
		RingTimeout: appConfig.RingTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	store, err := rooms.NewFileStore(appConfig.StorageDir, "/media")
	if err != nil {
		return err
	}
	roomService, err := rooms.NewService(rooms.ServiceConfig{
		Database:   db,
		Store:      store,
		IDProvider: calls.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Identities:   identityService,
		CallService:  callService,
		RoomService:  roomService,
		Store:        store,
		Realtime:     dispatcher,
		Logger:       logger,
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

	go runExpireSweeper(signalCtx, callService, logger)

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

// runExpireSweeper periodically marks overdue pending calls missed. The
// sweep backs the client-side ring timer with server-side enforcement so a
// late accept loses the race deterministically.
func runExpireSweeper(ctx context.Context, callService *calls.Service, logger *zap.Logger) {
	ticker := time.NewTicker(expireSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := callService.ExpireOverdue(ctx)
			if err != nil {
				logger.Warn("missed-call sweep failed", zap.Error(err))
				continue
			}
			if expired > 0 {
				logger.Info("missed-call sweep", zap.Int("expired", expired))
			}
		}
	}
}
