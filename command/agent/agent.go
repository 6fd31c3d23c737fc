// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package agent hosts the long-running carematch process: the engine,
// its storage backend, the bulk-match worker, and the HTTP API.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hibiken/asynq"

	"github.com/carematch/carematch/carematch"
	"github.com/carematch/carematch/carematch/state"
	"github.com/carematch/carematch/carematch/state/pgstore"
)

// Agent owns the engine and its infrastructure for one process.
type Agent struct {
	logger hclog.Logger
	config *Config

	engine *carematch.Server
	store  carematch.Store

	// inmemSink retains recent telemetry for /v1/metrics.
	inmemSink *metrics.InmemSink

	// storeCloser is non-nil for backends holding connections.
	storeCloser func() error

	taskClient *asynq.Client
	taskServer *asynq.Server

	// inProcess tracks bulk jobs run without a queue so Shutdown can
	// drain them.
	inProcess sync.WaitGroup

	shutdown     bool
	shutdownLock sync.Mutex
}

// NewAgent builds the storage backend, wires the engine, and starts
// background work. The HTTP server is attached separately by the command.
func NewAgent(config *Config, logger hclog.Logger) (*Agent, error) {
	a := &Agent{
		logger: logger.Named("agent"),
		config: config,
	}

	if err := a.setupTelemetry(); err != nil {
		return nil, err
	}
	if err := a.setupStore(); err != nil {
		return nil, err
	}

	a.engine = carematch.NewServer(a.engineConfig(), a.store)
	a.engine.Start()

	if err := a.setupWorker(); err != nil {
		a.engine.Shutdown()
		return nil, err
	}

	a.logger.Info("agent started",
		"storage", config.Storage.Backend, "version", config.Version.VersionNumber())
	return a, nil
}

// setupTelemetry installs the global go-metrics sink backing the
// engine's counters and timers.
func (a *Agent) setupTelemetry() error {
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	cfg := metrics.DefaultConfig("carematch")
	cfg.EnableHostname = false
	if _, err := metrics.NewGlobal(cfg, inm); err != nil {
		return fmt.Errorf("failed to initialize telemetry: %v", err)
	}
	a.inmemSink = inm
	return nil
}

func (a *Agent) setupStore() error {
	switch a.config.Storage.Backend {
	case "postgres":
		store, err := pgstore.Open(a.logger, a.config.Storage.DSN)
		if err != nil {
			return fmt.Errorf("failed to open postgres store: %v", err)
		}
		a.store = store
		a.storeCloser = store.Close
	default:
		store, err := state.NewStateStore(a.logger)
		if err != nil {
			return fmt.Errorf("failed to open memory store: %v", err)
		}
		a.store = store
	}
	return nil
}

func (a *Agent) engineConfig() *carematch.Config {
	cfg := &carematch.Config{Logger: a.logger}
	if m := a.config.Matching; m != nil {
		cfg.ExpirySweepInterval = m.sweepInterval
		cfg.EvaluatorFanOut = m.EvaluatorFanOut
		cfg.ConfigCacheSize = m.ConfigCacheSize
		cfg.ConfigCacheTTL = m.configCacheTTL
	}
	if ml := a.config.ML; ml != nil {
		cfg.MLEnabled = ml.Enabled
		cfg.MLWeight = ml.Weight
		cfg.MinMLConfidence = ml.MinConfidence
		cfg.FallbackToRuleBased = ml.FallbackToRuleBased
		cfg.InferenceTimeout = ml.inferenceTimeout
	}
	return cfg
}

// setupWorker starts the asynq consumer when Redis is configured. With
// no Redis address bulk jobs run in-process instead.
func (a *Agent) setupWorker() error {
	w := a.config.Worker
	if w == nil || w.RedisAddr == "" {
		a.logger.Debug("no redis configured, bulk jobs will run in-process")
		return nil
	}

	redis := asynq.RedisClientOpt{
		Addr:     w.RedisAddr,
		Password: w.RedisPassword,
		DB:       w.RedisDB,
	}
	a.taskClient = asynq.NewClient(redis)

	mux := asynq.NewServeMux()
	mux.HandleFunc(carematch.TaskTypeBulkMatch, a.engine.Bulk.HandleBulkMatchTask)

	a.taskServer = asynq.NewServer(redis, asynq.Config{
		Concurrency: w.Concurrency,
	})
	if err := a.taskServer.Start(mux); err != nil {
		return fmt.Errorf("failed to start task worker: %v", err)
	}
	return nil
}

// Engine exposes the wired engine to the HTTP layer.
func (a *Agent) Engine() *carematch.Server {
	return a.engine
}

// InmemSink exposes the telemetry sink to the HTTP layer.
func (a *Agent) InmemSink() *metrics.InmemSink {
	return a.inmemSink
}

// EnqueueBulk schedules a bulk job: through the queue when Redis is
// configured, otherwise on a background goroutine.
func (a *Agent) EnqueueBulk(requestID string) error {
	if a.taskClient != nil {
		task, err := carematch.NewBulkMatchTask(requestID)
		if err != nil {
			return err
		}
		info, err := a.taskClient.Enqueue(task)
		if err != nil {
			return fmt.Errorf("failed to enqueue bulk job: %v", err)
		}
		a.logger.Debug("bulk job enqueued", "request_id", requestID, "task_id", info.ID)
		return nil
	}

	a.inProcess.Add(1)
	go func() {
		defer a.inProcess.Done()
		if err := a.engine.Bulk.Run(context.Background(), requestID); err != nil {
			a.logger.Error("bulk job failed", "request_id", requestID, "error", err)
		}
	}()
	return nil
}

// Shutdown drains background work and closes the storage backend.
func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true

	a.logger.Info("requesting shutdown")
	if a.taskServer != nil {
		a.taskServer.Shutdown()
	}
	if a.taskClient != nil {
		a.taskClient.Close()
	}
	a.inProcess.Wait()
	a.engine.Shutdown()
	if a.storeCloser != nil {
		if err := a.storeCloser(); err != nil {
			a.logger.Error("failed to close store", "error", err)
		}
	}
	a.logger.Info("shutdown complete")
	return nil
}
