package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironra/config"
	"github.com/jmcleod/ironra/internal/util"
)

var (
	port    int
	dataDir string
	tlsCert string
	tlsKey  string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the registration authority server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadServerConfig(cmd)
		if err != nil {
			return err
		}
		logger := cfg.Logging.NewLogger(os.Stderr)
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		tlsConfig, err := serverTLSConfig(cfg.Server, logger)
		if err != nil {
			return err
		}

		server := &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           a.handler,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		}

		done := make(chan error, 1)
		go func() {
			var err error
			if tlsConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go reloadDirectoryOnHUP(ctx, hup, a, cfg.Identity.DirectoryFile, logger)

		printBanner()
		logger.Info("starting server",
			"addr", cfg.Server.ListenAddr,
			"tls", tlsConfig != nil,
			"storage", cfg.Storage.Backend,
			"ca_mode", cfg.CA.Mode,
		)

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// reloadDirectoryOnHUP re-reads the identity directory file on SIGHUP.
// A file that fails to parse leaves the current users in place.
func reloadDirectoryOnHUP(ctx context.Context, hup <-chan os.Signal, a *app, path string, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := a.dir.Reload(path); err != nil {
				logger.Error("identity directory reload failed", "path", path, "error", err)
				continue
			}
			logger.Info("identity directory reloaded", "path", path, "users", a.dir.Len())
		}
	}
}

// loadServerConfig reads the config file, applies IRONRA_* environment
// overrides and then any flags the user set explicitly.
func loadServerConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadWithEnv(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.ListenAddr = net.JoinHostPort("", strconv.Itoa(port))
	}
	if flags.Changed("data-dir") && cfg.Storage.Backend == config.BackendBbolt {
		cfg.Storage.Path = filepath.Join(dataDir, "ironra.db")
	}
	if flags.Changed("tls-cert") {
		cfg.Server.TLSCert = tlsCert
	}
	if flags.Changed("tls-key") {
		cfg.Server.TLSKey = tlsKey
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// serverTLSConfig returns nil when the server should speak plain HTTP.
func serverTLSConfig(sc config.ServerConfig, logger *slog.Logger) (*tls.Config, error) {
	var cert tls.Certificate
	switch {
	case sc.TLSCert != "" && sc.TLSKey != "":
		var err error
		cert, err = tls.LoadX509KeyPair(sc.TLSCert, sc.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	case sc.Insecure:
		logger.Warn("serving plain HTTP; terminate TLS in front of this process")
		return nil, nil
	default:
		var err error
		cert, err = util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		logger.Warn("using self-signed runtime generated certificate for TLS")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8443, "Port to listen on")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for the bbolt database")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}
