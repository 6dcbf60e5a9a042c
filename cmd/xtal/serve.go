package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/xtalsearch/xtal-web/internal/feedback"
	"github.com/xtalsearch/xtal-web/internal/proxy"
	"github.com/xtalsearch/xtal-web/internal/report"
	"github.com/xtalsearch/xtal-web/internal/server"
	"github.com/xtalsearch/xtal-web/internal/server/ratelimit"
	"github.com/xtalsearch/xtal-web/internal/settings"
)

var (
	servePort      int
	servePublicURL string
	serveNoPDF     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the HTTP server: the public grader API and share pages, the storefront
proxy under /api/xtal and the admin API under /api/admin.

The admin API is enabled when DATABASE_URL and JWT_SECRET are set.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides PORT)")
	serveCmd.Flags().StringVar(&servePublicURL, "public-url", "", "Base URL for share links (overrides PUBLIC_BASE_URL)")
	serveCmd.Flags().BoolVar(&serveNoPDF, "no-pdf", false, "Disable PDF export (no Chrome on the host)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if servePort != 0 {
		cfg.Port = servePort
	}
	if servePublicURL != "" {
		cfg.PublicBaseURL = servePublicURL
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Forward W3C trace context to the storefront backend.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	graderDeps, err := openGrader(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := graderDeps.Close(); err != nil {
			logger.Warn("failed to close grader dependencies", zap.Error(err))
		}
	}()

	settingsStore := settings.New(graderDeps.store, logger)
	feedbackStore := feedback.New(graderDeps.store, logger)

	tokens := proxy.NewTokenProvider(proxy.TokenConfig{
		TokenURL:     cfg.Backend.TokenURL,
		ClientID:     cfg.Backend.ClientID,
		ClientSecret: cfg.Backend.ClientSecret,
		Scopes:       cfg.Backend.Scopes,
	})
	if cfg.Backend.URL == "" {
		logger.Warn("XTAL_BACKEND_URL not set, storefront proxy will return 502")
	}

	deps := server.Deps{
		Pipeline: graderDeps.pipeline,
		Proxy:    proxy.New(cfg.Backend.URL, tokens, settingsStore, feedbackStore, logger),
		Settings: settingsStore,
		Feedback: feedbackStore,
		Limiter:  ratelimit.NewLimiter(ratelimit.LoadConfig()),
		Logger:   logger,
	}
	if !serveNoPDF {
		deps.PDF = report.NewChromePDF(logger)
	}

	jwtConfig, jwtErr := cfg.Auth.JWT()
	switch {
	case cfg.DatabaseURL == "":
		logger.Warn("DATABASE_URL not set, admin API disabled")
	case jwtErr != nil:
		logger.Warn("admin API disabled", zap.Error(jwtErr))
	default:
		database, users, err := openUsers(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open admin accounts: %w", err)
		}
		defer database.Close()
		deps.Users = users
		deps.JWT = server.NewJWTService(jwtConfig)
	}

	srv := server.New(server.Config{Port: cfg.Port, PublicBaseURL: cfg.PublicBaseURL}, deps)
	logger.Info("starting xtal-web",
		zap.Int("port", cfg.Port),
		zap.String("kv_backend", cfg.KVBackend),
		zap.Bool("admin", deps.JWT != nil),
		zap.Bool("pdf", deps.PDF != nil))
	return srv.Run(ctx)
}
