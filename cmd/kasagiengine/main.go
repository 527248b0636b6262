// Copyright 2025 Kasagi Labs.
//
// SPDX-License-Identifier: AGPL-3.0-only
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kasagilabs/kasagiengine/internal"
	"github.com/kasagilabs/kasagiengine/internal/coordinator"
	"github.com/kasagilabs/kasagiengine/internal/httputil"
	"github.com/kasagilabs/kasagiengine/internal/room"
	"github.com/kasagilabs/kasagiengine/internal/sync"
	"github.com/kasagilabs/kasagiengine/internal/ws"
	"github.com/kasagilabs/kasagiengine/setup/config"
	"github.com/kasagilabs/kasagiengine/setup/process"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		logrus.WithError(err).Error("Invalid configuration")
		os.Exit(1)
	}

	internal.SetupStdLogging(&cfg.Logging)
	flushSentry, err := internal.SetupSentry(&cfg.Logging, cfg.Global.Environment)
	if err != nil {
		logrus.WithError(err).Error("Failed to initialise Sentry")
		os.Exit(1)
	}
	defer flushSentry()

	logrus.WithFields(logrus.Fields{
		"version":     internal.VersionString(),
		"instance_id": cfg.Global.InstanceID,
	}).Info("Starting KasagiEngine")

	processCtx := process.NewProcessContext()

	coord, err := coordinator.NewRedis(processCtx.Context(), &cfg.Coordinator)
	if err != nil {
		logrus.WithError(err).Error("Failed to connect to coordinator")
		os.Exit(1)
	}

	registry := room.NewRegistry(room.Options{
		InstanceID:       cfg.Global.InstanceID,
		SnapshotInterval: cfg.Sync.SnapshotInterval,
		MaxEntities:      cfg.Sync.MaxEntitiesPerRoom,
		Coordinator:      coord,
	})

	consumer := sync.NewDeltaConsumer(processCtx, cfg, coord, registry)
	if err := consumer.Start(); err != nil {
		logrus.WithError(err).Error("Failed to start remote delta consumer")
		os.Exit(1)
	}

	wsServer := ws.NewServer(processCtx, registry)
	router := httputil.NewRouter(cfg.Global.InstanceID, registry, wsServer.HandleWebSocket)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Global.WSPort),
		Handler: router,
	}
	go func() {
		logrus.WithField("addr", httpServer.Addr).Info("Listening for websocket connections")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("Websocket listener failed")
			processCtx.ShutdownEngine()
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		logrus.WithField("signal", sig.String()).Info("Shutdown signal received")
	case <-processCtx.WaitForShutdown():
	}

	// Shutdown order: stop accepting sockets, flush every room's
	// snapshot, stop the subscription, then close the coordinator.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Websocket listener shutdown was not clean")
	}

	registry.SaveAllSnapshots(shutdownCtx)

	consumer.Stop()
	processCtx.ShutdownEngine()
	processCtx.WaitForComponentsToFinish()

	if err := coord.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close coordinator connection")
	}

	logrus.Info("Shutdown complete")
	os.Exit(0)
}
