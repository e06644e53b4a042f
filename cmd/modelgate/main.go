// Package main is the entry point for the ModelGate serving core: it
// loads configuration, assembles the semantic cache, retrieval store,
// guardrail filter, continuous batcher and cached engine around a
// single bound inference primitive, and starts the HTTP serving
// boundary. Grounded on the teacher's cmd/modelgate/main.go startup
// sequence (flag parsing, structured logging, signal-driven graceful
// shutdown), rewired for this core's single-engine architecture.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"modelgate/internal/batcher"
	"modelgate/internal/cache/semantic"
	"modelgate/internal/config"
	"modelgate/internal/crypto"
	"modelgate/internal/engine"
	"modelgate/internal/guardrail"
	"modelgate/internal/httpapi"
	"modelgate/internal/inference"
	"modelgate/internal/inference/bedrock"
	"modelgate/internal/inference/ollama"
	"modelgate/internal/retrieval"
	"modelgate/internal/storage/postgres"
	"modelgate/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting modelgate",
		"http_port", cfg.Server.HTTPPort,
		"inference_engine", cfg.Inference.Engine,
	)

	metrics := telemetry.NewMetrics(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boundEngine, err := buildInferenceEngine(ctx, cfg, metrics)
	if err != nil {
		slog.Error("failed to initialize inference engine", "error", err)
		os.Exit(1)
	}
	if !boundEngine.Loaded() {
		slog.Warn("inference engine not loaded, serving in demo mode", "engine", cfg.Inference.Engine)
	}

	cache := semantic.New(cfg.Cache, metrics)
	retrievalStore := retrieval.New(cfg.Retrieval, metrics)
	guardrailFilter := guardrail.New(cfg.Guardrail, metrics)

	snapshotStore, auditStore, encSvc := initSnapshotStorage(cfg)
	if snapshotStore != nil {
		if err := cache.Restore(ctx, snapshotStore, encSvc); err != nil {
			slog.Warn("cache snapshot restore failed, starting cold", "error", err)
		} else {
			slog.Info("cache snapshot restored", "entries", cache.Stats().Entries)
		}
		if err := retrievalStore.Restore(ctx, snapshotStore, encSvc); err != nil {
			slog.Warn("retrieval snapshot restore failed, starting empty", "error", err)
		} else {
			slog.Info("retrieval snapshot restored", "chunks", retrievalStore.Count())
		}
		retrievalStore.SetPersistHook(func() {
			saveCtx, saveCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer saveCancel()
			if err := retrievalStore.Save(saveCtx, snapshotStore, encSvc); err != nil {
				slog.Warn("retrieval snapshot save failed", "error", err)
			}
		})
	}

	requestBatcher := batcher.New(cfg.Batcher, boundEngine, metrics)
	requestBatcher.Start(ctx)

	gen := engine.New(*cfg, cache, retrievalStore, guardrailFilter, requestBatcher, boundEngine)

	if snapshotStore != nil {
		gen.SetSnapshotHook(func() {
			saveCtx, saveCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer saveCancel()
			if err := cache.Save(saveCtx, snapshotStore, encSvc); err != nil {
				slog.Warn("cache snapshot save failed", "error", err)
			}
		})
	}
	if auditStore != nil {
		gen.SetBlockHook(func(stage, reason string) {
			auditCtx, auditCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer auditCancel()
			err := auditStore.Append(auditCtx, postgres.Entry{
				Stage:     stage,
				Blocked:   true,
				Reason:    reason,
				CreatedAt: time.Now(),
			})
			if err != nil {
				slog.Warn("guardrail audit append failed", "error", err)
			}
		})
	}

	server := httpapi.New(cfg, gen, retrievalStore, metrics, boundEngine)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		requestBatcher.Stop()
		cancel()
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort)
	slog.Info("modelgate ready", "addr", addr)
	if err := server.Start(ctx, addr); err != nil {
		slog.Error("http server error", "error", err)
		os.Exit(1)
	}

	slog.Info("modelgate stopped")
}

// buildInferenceEngine selects and wraps the single bound inference
// primitive (spec C1): a concrete Bedrock or Ollama client, wrapped
// with retry/circuit-breaker resilience and an LRU over Embed calls.
func buildInferenceEngine(ctx context.Context, cfg *config.Config, metrics *telemetry.Metrics) (*inference.CachingEngine, error) {
	var base inference.Engine

	switch cfg.Inference.Engine {
	case "bedrock":
		client, err := bedrock.New(ctx, cfg.Inference.Bedrock)
		if err != nil {
			return nil, fmt.Errorf("initializing bedrock engine: %w", err)
		}
		base = client
	case "ollama", "":
		base = ollama.New(cfg.Inference.Ollama)
	default:
		return nil, fmt.Errorf("unknown inference.engine %q", cfg.Inference.Engine)
	}

	resilient := inference.NewResilientEngine(base, cfg.Inference, metrics)
	return inference.NewCachingEngine(resilient, 1024), nil
}

// initSnapshotStorage opens the optional Postgres-backed snapshot and
// audit stores. A disabled or unreachable snapshot config degrades to
// an in-memory-only cache rather than aborting startup (spec §4.8:
// snapshot I/O errors are logged and non-fatal).
func initSnapshotStorage(cfg *config.Config) (*postgres.CacheSnapshotStore, *postgres.AuditStore, *crypto.EncryptionService) {
	if !cfg.Snapshot.Enabled || cfg.Snapshot.DSN == "" {
		return nil, nil, nil
	}

	db, err := postgres.NewDB(cfg.Snapshot.DSN)
	if err != nil {
		slog.Warn("snapshot database unreachable, cache will not persist", "error", err)
		return nil, nil, nil
	}

	snapshotStore, err := postgres.NewCacheSnapshotStore(db)
	if err != nil {
		slog.Warn("snapshot table initialization failed, cache will not persist", "error", err)
		return nil, nil, nil
	}

	auditStore, err := postgres.NewAuditStore(db)
	if err != nil {
		slog.Warn("audit table initialization failed, guardrail blocks will not be logged", "error", err)
		auditStore = nil
	}

	var encSvc *crypto.EncryptionService
	if cfg.Snapshot.EncryptionKey != "" {
		encSvc, err = crypto.NewEncryptionServiceFromString(cfg.Snapshot.EncryptionKey)
		if err != nil {
			slog.Warn("snapshot encryption key invalid, storing snapshot unencrypted", "error", err)
			encSvc = nil
		}
	}

	return snapshotStore, auditStore, encSvc
}
