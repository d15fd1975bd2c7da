package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/KevinKickass/OpenInputExpander/internal/auth"
	"github.com/KevinKickass/OpenInputExpander/internal/config"
	"github.com/KevinKickass/OpenInputExpander/internal/system"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.StringP("config", "c", "configs/config.yaml", "path to the YAML config file, empty for defaults only")
	genToken := flag.Bool("gen-machine-token", false, "print a new machine token and its hash, then exit")
	hashPassword := flag.String("hash-password", "", "print the argon2id hash of the given operator password, then exit")
	flag.Parse()

	if *genToken {
		token, hash, err := auth.GenerateMachineToken()
		if err != nil {
			log.Fatalf("Failed to generate machine token: %v", err)
		}
		fmt.Printf("token: %s\nhash:  %s\n", token, hash)
		return
	}

	if *hashPassword != "" {
		hash, err := auth.NewPasswordHasher().HashPassword(*hashPassword)
		if err != nil {
			log.Fatalf("Failed to hash password: %v", err)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Config loaded successfully", zap.String("path", *configPath))

	if !cfg.Auth.IsProductionReady() {
		logger.Warn("Using development JWT secret",
			zap.String("env", cfg.Auth.JWTSecretEnv))
	}

	lifecycle, err := system.NewLifecycleManager(cfg, system.Options{}, logger)
	if err != nil {
		logger.Fatal("Failed to create system", zap.Error(err))
	}

	if err := lifecycle.Start(context.Background()); err != nil {
		logger.Error("Failed to start system", zap.Error(err))
		shutdown(lifecycle, cfg, logger)
		os.Exit(1)
	}

	logger.Info("OpenInputExpander started", zap.String("state", lifecycle.State().String()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutdown signal received")

	if err := shutdown(lifecycle, cfg, logger); err != nil {
		os.Exit(1)
	}

	logger.Info("OpenInputExpander stopped successfully")
}

func shutdown(lifecycle *system.LifecycleManager, cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := lifecycle.Shutdown(ctx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		return err
	}
	return nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	if cfg.Development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
