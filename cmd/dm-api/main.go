package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pbrebner/dm-api/internal/auth"
	"github.com/pbrebner/dm-api/internal/channels"
	"github.com/pbrebner/dm-api/internal/config"
	"github.com/pbrebner/dm-api/internal/database"
	"github.com/pbrebner/dm-api/internal/ids"
	"github.com/pbrebner/dm-api/internal/logging"
	"github.com/pbrebner/dm-api/internal/realtime"
	"github.com/pbrebner/dm-api/internal/server"
	"github.com/pbrebner/dm-api/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dm-api",
		Short: "Direct messaging backend with realtime presence",
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
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a .env file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Access token TTL in minutes")
	cmd.PersistentFlags().Int("refresh-ttl-hours", defaults.GetInt("token.refresh_ttl_hours"), "Refresh token TTL in hours")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Access token signing secret (overrides env)")
	cmd.PersistentFlags().String("refresh-secret", "", "Refresh token signing secret (overrides env)")
	cmd.PersistentFlags().Bool("cookie-secure", defaults.GetBool("auth.cookie_secure"), "Mark the refresh cookie Secure and SameSite=None")
	cmd.PersistentFlags().StringSlice("cors-allowed-origins", defaults.GetStringSlice("cors.allowed_origins"), "Origins allowed for CORS and websocket upgrades")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "token.refresh_ttl_hours", "refresh-ttl-hours")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.refresh_secret", "refresh-secret")
	bindFlag(cmd, "auth.cookie_secure", "cookie-secure")
	bindFlag(cmd, "cors.allowed_origins", "cors-allowed-origins")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return err
		}
	} else {
		// a missing default .env is fine
		_ = godotenv.Load()
	}

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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	userService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		IDProvider: ids.NewUUIDProvider(),
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	channelService, err := channels.NewService(channels.ServiceConfig{
		Database:   db,
		IDProvider: ids.NewUUIDProvider(),
		Friends:    userService,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	accessTokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.AudienceAccess,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}
	refreshTokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.RefreshSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.AudienceRefresh,
		TokenTTL:      appConfig.RefreshTTL,
	})
	if err != nil {
		return err
	}
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		Refresh:    refreshTokens,
		CookieName: appConfig.CookieName,
		Secure:     appConfig.CookieSecure,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := realtime.NewHub(realtime.HubConfig{
		Directory:  userService,
		Authorizer: channelService,
		Logger:     logger,
		Metrics:    realtime.NewMetrics(prometheus.DefaultRegisterer),
	})

	// Shutdown does not touch hijacked websockets; cancelling their parent context closes them.
	connCtx, closeConnections := context.WithCancel(context.Background())
	defer closeConnections()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Users:          userService,
		Channels:       channelService,
		Hub:            hub,
		AccessTokens:   accessTokens,
		RefreshTokens:  refreshTokens,
		Sessions:       sessions,
		Logger:         logger,
		Gatherer:       prometheus.DefaultGatherer,
		AllowedOrigins: appConfig.CORSAllowedOrigins,
		Realtime:       appConfig.Realtime,
		BaseContext:    connCtx,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return connCtx
		},
	}

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
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		closeConnections()
		handler.WaitSessions()
		hub.Wait()
		return err
	case err := <-errCh:
		closeConnections()
		handler.WaitSessions()
		hub.Wait()
		return err
	}
}
