package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/xaenox/wa-categorizer/internal/classifier"
	"github.com/xaenox/wa-categorizer/internal/metrics"
	"github.com/xaenox/wa-categorizer/internal/relay"
	"github.com/xaenox/wa-categorizer/internal/server"
	"github.com/xaenox/wa-categorizer/pkg/config"
	"github.com/xaenox/wa-categorizer/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "path to the YAML config file (optional)")
	pflag.Parse()

	bootLogger, _ := zap.NewProduction()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		bootLogger.Fatal("Failed to load config", zap.Error(err), zap.String("path", *configPath))
	}
	if err := cfg.Validate(); err != nil {
		bootLogger.Fatal("Invalid config", zap.Error(err))
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		bootLogger.Fatal("Failed to build logger", zap.Error(err))
	}
	defer log.Sync()

	completer := classifier.NewGPTCompleter(classifier.GPTConfig{
		APIKey:         cfg.OpenAI.APIKey,
		BaseURL:        cfg.OpenAI.BaseURL,
		Model:          cfg.OpenAI.Model,
		MaxTokens:      cfg.OpenAI.MaxTokens,
		Temperature:    cfg.OpenAI.Temperature,
		JSONMode:       cfg.OpenAI.JSONMode,
		RequestTimeout: cfg.OpenAI.RequestTimeout,
	}, log)
	log.Info("Using completer", zap.Stringer("completer", completer))

	m := metrics.New()

	rl := relay.New(completer, relay.Options{
		MaxItems:        cfg.Relay.MaxItems,
		ValidateResult:  cfg.Relay.ValidateResult,
		StripCodeFences: cfg.Relay.StripCodeFences,
	}, log, m)

	srv := server.New(server.Config{
		Port:            cfg.Server.Port,
		ReadLimitBytes:  cfg.Server.ReadLimitBytes,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, rl, m, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Fatal("Server error", zap.Error(err))
	}
}
