package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xtalsearch/xtal-web/internal/config"
	"github.com/xtalsearch/xtal-web/internal/db"
	"github.com/xtalsearch/xtal-web/internal/fetch"
	"github.com/xtalsearch/xtal-web/internal/grader"
	"github.com/xtalsearch/xtal-web/internal/kv"
	"github.com/xtalsearch/xtal-web/internal/llm"
	"github.com/xtalsearch/xtal-web/internal/server"
)

// graderDeps are the collaborators shared by serve and grade.
type graderDeps struct {
	store    kv.Store
	llm      *llm.GeminiClient
	pipeline *grader.Pipeline
}

func (d *graderDeps) Close() error {
	var errs []error
	if d.llm != nil {
		errs = append(errs, d.llm.Close())
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	return errors.Join(errs...)
}

func openGrader(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*graderDeps, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}

	store, err := kv.Open(ctx, cfg.KVBackend, cfg.KVDataSource())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.KVBackend, err)
	}
	deps := &graderDeps{store: store}

	llmConfig := llm.DefaultConfig()
	llmConfig.Timeout = cfg.Grader.LLMTimeout()
	deps.llm, err = llm.NewClient(ctx, llmConfig, cfg.GeminiAPIKey)
	if err != nil {
		_ = deps.Close()
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}

	deps.pipeline = grader.NewPipeline(
		grader.NewRunStore(store, logger),
		deps.llm,
		fetch.NewClient(cfg.Grader.AllowPrivateHosts),
		grader.Options{
			UseBrowser:        cfg.Grader.UseBrowser,
			StrictDetection:   cfg.Grader.StrictDetection,
			DetectionTimeout:  cfg.Grader.DetectionTimeout(),
			QueryTimeout:      cfg.Grader.QueryTimeout(),
			QueryInterval:     cfg.Grader.QueryInterval(),
			AllowPrivateHosts: cfg.Grader.AllowPrivateHosts,
		},
		logger,
	)
	return deps, nil
}

// openUsers connects the admin account database and builds the account service.
func openUsers(ctx context.Context, cfg *config.Config) (*db.DB, *server.UserService, error) {
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required for admin accounts")
	}
	passwords, err := cfg.Auth.Passwords()
	if err != nil {
		return nil, nil, err
	}

	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := database.EnsureSchema(ctx); err != nil {
		database.Close()
		return nil, nil, err
	}
	return database, server.NewUserService(database, passwords), nil
}
