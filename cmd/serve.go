package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aipipe/gateway/internal/adapter"
	"github.com/aipipe/gateway/internal/adapter/openrouterdir"
	"github.com/aipipe/gateway/internal/adminapi"
	"github.com/aipipe/gateway/internal/config"
	"github.com/aipipe/gateway/internal/gateway"
	"github.com/aipipe/gateway/internal/ledger"
	"github.com/aipipe/gateway/internal/logutil"
	"github.com/aipipe/gateway/internal/pricing"
	"github.com/aipipe/gateway/internal/proxy"
	"github.com/aipipe/gateway/internal/stats"
	"github.com/aipipe/gateway/internal/token"
)

var (
	serveConfigPath         string
	serveListenAddrOverride string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8787)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadOrCreate(serveConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cmd.Flags().Changed("listen-addr") {
		cfg.ListenAddr = serveListenAddrOverride
	}
	if err := logutil.Configure(cfg.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}

	store := config.NewStore(serveConfigPath, cfg)

	tokens, err := token.New(cfg.AIPipeSecret, cfg.OIDCJWKSURL)
	if err != nil {
		return fmt.Errorf("init token service: %w", err)
	}

	ledgerPath := config.DefaultLedgerPath()
	if err := os.MkdirAll(filepath.Dir(ledgerPath), 0o700); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	led, err := ledger.Open(ledgerPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer led.Close()

	prices, err := pricing.Load()
	if err != nil {
		return fmt.Errorf("load pricing table: %w", err)
	}

	dirCachePath := config.DefaultOpenRouterCachePath()
	if err := os.MkdirAll(filepath.Dir(dirCachePath), 0o700); err != nil {
		return fmt.Errorf("create openrouter cache dir: %w", err)
	}
	directory := openrouterdir.New(dirCachePath)

	env := &adapter.Env{
		OpenRouterKey: cfg.OpenRouterKey,
		OpenAIKey:     cfg.OpenAIKey,
		GeminiKey:     cfg.GeminiKey,
		Pricing:       prices,
		Directory:     directory,
		HTTPClient:    &http.Client{Timeout: 0},
	}

	checker := proxy.NewChecker(directory, map[string]string{
		"openai":     "https://api.openai.com",
		"openrouter": "https://openrouter.ai",
		"gemini":     "https://generativelanguage.googleapis.com",
	})

	st := stats.New()
	admin := adminapi.New(store, tokens, led, st, checker)
	passthrough := proxy.New()

	srv := gateway.New(store, tokens, led, env, st, admin, passthrough)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := checker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logutil.Logger().Warn("health checker stopped", "err", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logutil.Logger().Info("gateway listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("serve: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Drain(shutdownCtx)
	return httpServer.Shutdown(shutdownCtx)
}
