package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/philippgille/chromem-go"
	"golang.org/x/sync/errgroup"

	"github.com/parley-hq/parley/internal/answer"
	"github.com/parley-hq/parley/internal/bus"
	"github.com/parley-hq/parley/internal/channels"
	"github.com/parley-hq/parley/internal/channels/telegram"
	"github.com/parley-hq/parley/internal/config"
	"github.com/parley-hq/parley/internal/confidence"
	"github.com/parley-hq/parley/internal/gateway"
	"github.com/parley-hq/parley/internal/handoff"
	"github.com/parley-hq/parley/internal/pipeline"
	"github.com/parley-hq/parley/internal/retrieval"
	"github.com/parley-hq/parley/internal/store"
	"github.com/parley-hq/parley/internal/store/pg"
	"github.com/parley-hq/parley/internal/store/sqlite"
	"github.com/parley-hq/parley/internal/telemetry"
	"github.com/parley-hq/parley/internal/tenant"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry init failed, continuing without traces", "error", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownTelemetry(shutdownCtx)
		}()
	}

	// Storage backend: Postgres in managed mode, SQLite standalone.
	var stores *store.Stores
	if cfg.IsManagedMode() {
		stores, err = pg.NewPGStores(store.StoreConfig{PostgresDSN: cfg.Database.PostgresDSN})
		if err != nil {
			slog.Error("failed to open postgres stores", "error", err)
			os.Exit(1)
		}
		slog.Info("storage.postgres")
	} else {
		stores, err = sqlite.NewSQLiteStores(store.StoreConfig{SQLitePath: config.ExpandHome(cfg.Database.SQLitePath)})
		if err != nil {
			slog.Error("failed to open sqlite stores", "error", err)
			os.Exit(1)
		}
		slog.Info("storage.sqlite", "path", cfg.Database.SQLitePath)
	}

	seedTenants(ctx, stores, cfg)

	events := bus.NewMessageBus()
	machine := handoff.NewMachine(stores.Conversations, events)
	engine := confidence.New(cfg.Confidence.Threshold)

	var embed chromem.EmbeddingFunc
	if cfg.Answer.APIKey != "" {
		embed = chromem.NewEmbeddingFuncOpenAI(cfg.Answer.APIKey, chromem.EmbeddingModelOpenAI3Small)
	}
	retriever, err := retrieval.NewChromemRetriever(config.ExpandHome(cfg.Retrieval.Path), embed)
	if err != nil {
		slog.Error("failed to open knowledge base", "error", err)
		os.Exit(1)
	}

	generator := answer.NewOpenAIGenerator(cfg.Answer.APIKey, cfg.Answer.APIBase, cfg.Answer.Model)

	dispatcher := channels.NewDispatcher()
	processor := pipeline.New(stores, engine, machine, retriever, generator, dispatcher, events, pipeline.Options{
		DebounceWindow: cfg.Debounce.Window(),
		Threshold:      cfg.Confidence.Threshold,
		RetrievalK:     cfg.Retrieval.TopK,
	})
	defer processor.Buffer().Close()

	dispatcher.Register(channels.NewWebhookChannel(stores.Tenants, cfg.Channels.Webhook.Secret))
	if cfg.Channels.Telegram.Enabled {
		tg, tgErr := telegram.New(cfg.Channels.Telegram, processor)
		if tgErr != nil {
			slog.Error("failed to create telegram channel", "error", tgErr)
			os.Exit(1)
		}
		dispatcher.Register(tg)
	}

	if err := dispatcher.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
		os.Exit(1)
	}
	defer dispatcher.StopAll(context.Background())
	slog.Info("channels.started", "channels", dispatcher.Names())

	sweeper, err := handoff.NewSweeper(machine, stores.Conversations, cfg.Sweep.SLA(), cfg.Sweep.Schedule)
	if err != nil {
		slog.Error("invalid sweep schedule", "schedule", cfg.Sweep.Schedule, "error", err)
		os.Exit(1)
	}

	server := gateway.NewServer(cfg, processor, stores, machine, events)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		err := config.Watch(gctx, cfgPath, cfg, func(c *config.Config) {
			deb, conf, sw, ret := c.Snapshot()
			processor.UpdateTunables(deb.Window(), conf.Threshold, ret.TopK)
			sweeper.UpdateTunables(sw.SLA(), sw.Schedule)
		})
		if err == context.Canceled {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
	slog.Info("gateway stopped")
}

// seedTenants provisions the tenants declared in config. Existing records
// are overwritten so config stays the source of truth in standalone mode.
func seedTenants(ctx context.Context, stores *store.Stores, cfg *config.Config) {
	for _, seed := range cfg.Tenants {
		if seed.ID == "" {
			continue
		}
		t := &tenant.Tenant{
			ID:                  seed.ID,
			Name:                seed.Name,
			Channel:             seed.Channel,
			CallbackURL:         seed.CallbackURL,
			DebounceWindow:      time.Duration(seed.DebounceWindowMS) * time.Millisecond,
			ConfidenceThreshold: seed.ConfidenceThreshold,
		}
		if err := stores.Tenants.Upsert(ctx, t); err != nil {
			slog.Warn("tenant seed failed", "tenant", seed.ID, "error", err)
			continue
		}
		slog.Info("tenant seeded", "tenant", seed.ID, "channel", seed.Channel)
	}
}
