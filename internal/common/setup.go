package common

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"virtual-settlement-go/internal/database"
	"virtual-settlement-go/internal/engine"
	"virtual-settlement-go/internal/formance"
	"virtual-settlement-go/internal/gateway"
	"virtual-settlement-go/internal/models"
	"virtual-settlement-go/internal/postgres"
	"virtual-settlement-go/internal/prime"
	"virtual-settlement-go/internal/store"

	"github.com/coinbase-samples/prime-sdk-go/credentials"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// init loads environment variables from .env file if it exists
func init() {
	// Environment variables can also be set via shell export, docker, etc.
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
	} else {
		log.Println("✓ Loaded environment variables from .env file")
	}
}

type Services struct {
	Store   store.SnapshotStore
	Gateway gateway.Gateway
	Engine  *engine.Engine

	// Sandbox is set when GATEWAY_BACKEND=sandbox.
	Sandbox *gateway.Sandbox
}

func InitializeLogger() (*zap.Logger, func()) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

// InitializeServices opens the snapshot store, builds the gateway backend and creates an
// engine. The engine is not running yet.
func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	identities, err := LoadAccountIdentities(cfg.Listener.AccountsFile)
	if err != nil {
		return nil, err
	}
	cfg.Engine.SettlementIdentities = identities

	snapshots, err := InitializeStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	services := &Services{Store: snapshots}
	var backend gateway.Gateway
	switch cfg.Gateway.Backend {
	case "formance":
		backend, err = formance.NewService(ctx, cfg.Gateway, cfg.Engine.AssetSymbol)
	case "prime":
		zap.L().Info("Loading Prime API credentials")
		var creds *credentials.Credentials
		if creds, err = loadPrimeCredentials(); err == nil {
			backend, err = prime.NewService(creds, cfg.Gateway, cfg.Engine.AssetSymbol)
		}
	default:
		services.Sandbox = gateway.NewSandbox()
		backend = services.Sandbox
	}
	if err != nil {
		snapshots.Close()
		return nil, err
	}

	services.Gateway = gateway.WithRetry(backend, cfg.Gateway.Retry)
	services.Engine = engine.New(cfg.Engine, services.Gateway)

	zap.L().Info("Services initialized",
		zap.String("store", cfg.Database.Backend),
		zap.String("gateway", cfg.Gateway.Backend),
		zap.Int("configured_identities", len(identities)))
	return services, nil
}

// InitializeStore opens the configured snapshot store.
func InitializeStore(ctx context.Context, cfg models.DatabaseConfig) (store.SnapshotStore, error) {
	if cfg.Backend == "postgres" {
		pg, err := postgres.NewStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}

	db, err := database.NewService(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func (cs *Services) Close() {
	if cs.Store != nil {
		cs.Store.Close()
	}
}

func loadPrimeCredentials() (*credentials.Credentials, error) {
	accessKey := os.Getenv("PRIME_ACCESS_KEY")
	passphrase := os.Getenv("PRIME_PASSPHRASE")
	signingKey := os.Getenv("PRIME_SIGNING_KEY")

	if accessKey == "" || passphrase == "" || signingKey == "" {
		return nil, fmt.Errorf("missing required Prime API credentials: PRIME_ACCESS_KEY, PRIME_PASSPHRASE, PRIME_SIGNING_KEY")
	}

	return &credentials.Credentials{
		AccessKey:  accessKey,
		Passphrase: passphrase,
		SigningKey: signingKey,
	}, nil
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
