/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"virtual-settlement-go/internal/api"
	"virtual-settlement-go/internal/common"
	"virtual-settlement-go/internal/config"
	"virtual-settlement-go/internal/listener"

	"go.uber.org/zap"
)

func main() {
	shutdownTimeout := flag.Duration("shutdown-timeout", 30*time.Second, "Maximum time to drain requests and write the final snapshot")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zap.L().Info("Starting settlement engine",
		zap.String("store", cfg.Database.Backend),
		zap.String("gateway", cfg.Gateway.Backend),
		zap.String("asset", cfg.Engine.AssetSymbol))

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	// The engine gets its own context so it outlives the listener's final snapshot.
	engineCtx, stopEngine := context.WithCancel(context.Background())
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := services.Engine.Run(engineCtx); err != nil {
			zap.L().Error("Engine stopped with error", zap.Error(err))
		}
	}()

	l := listener.NewSettlementListener(listener.SettlementListenerConfig{
		Engine:            services.Engine,
		Store:             services.Store,
		PageLimit:         cfg.Engine.PageLimit,
		SchedulerInterval: cfg.Listener.SchedulerInterval,
		ReconcileInterval: cfg.Listener.ReconcileInterval,
		SnapshotInterval:  cfg.Listener.SnapshotInterval,
	})
	if err := l.Start(ctx); err != nil {
		stopEngine()
		<-engineDone
		zap.L().Fatal("Failed to start listener", zap.Error(err))
	}

	ledger := api.NewLedgerService(services.Engine, services.Store, services.Sandbox)
	server := &http.Server{
		Addr:              cfg.Http.Addr,
		Handler:           api.NewRouter(api.NewHandler(ledger)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		zap.L().Info("HTTP API listening", zap.String("addr", cfg.Http.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("HTTP server failed", zap.Error(err))
			cancel()
		}
	}()

	zap.L().Info("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		zap.L().Info("Shutdown signal received, stopping...")
	case <-ctx.Done():
		zap.L().Warn("Shutting down after server failure")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting requests first, then the loops, then persist, then the engine.
	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	if err := l.Stop(shutdownCtx); err != nil {
		zap.L().Error("Listener stopped without final snapshot", zap.Error(err))
	}

	stopEngine()
	select {
	case <-engineDone:
		services.Engine.Wait()
		zap.L().Info("Settlement engine stopped gracefully")
	case <-shutdownCtx.Done():
		zap.L().Warn("Forced shutdown after timeout")
	}
}
