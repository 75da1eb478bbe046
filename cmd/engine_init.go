package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/krawlr/intel-engine/internal/db"
	"github.com/krawlr/intel-engine/internal/notify"
	"github.com/krawlr/intel-engine/internal/pipeline"
	"github.com/krawlr/intel-engine/internal/queue"
	"github.com/krawlr/intel-engine/internal/router"
	"github.com/krawlr/intel-engine/internal/source"
	"github.com/krawlr/intel-engine/internal/store"
	"github.com/krawlr/intel-engine/pkg/edgar"
	"github.com/krawlr/intel-engine/pkg/websearch"
	"github.com/krawlr/intel-engine/pkg/yahoo"
)

// engineEnv holds the initialized store, queue and pipeline shared by the
// serve/worker/run commands.
type engineEnv struct {
	Store       store.Store
	Queue       queue.Queue
	Coordinator *pipeline.Coordinator
	Notifier    notify.Notifier
}

// Close releases resources held by the environment.
func (e *engineEnv) Close() {
	if e.Queue != nil {
		_ = e.Queue.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEngine sets up storage, API clients, the source registry and the
// pipeline coordinator. Callers should defer env.Close().
func initEngine(ctx context.Context) (*engineEnv, error) {
	st, q, err := initStorage(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	if err := q.Migrate(ctx); err != nil {
		_ = q.Close()
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate queue")
	}

	edgarClient := edgar.NewClient(
		edgar.WithBaseURL(cfg.EDGAR.BaseURL),
		edgar.WithUserAgent(cfg.EDGAR.UserAgent),
		edgar.WithRateLimit(cfg.EDGAR.RatePerSec),
	)
	yahooClient := yahoo.NewClient(yahoo.WithBaseURL(cfg.Quotes.BaseURL))
	searchClient := websearch.NewClient(cfg.Search.Key, websearch.WithBaseURL(cfg.Search.BaseURL))

	registry := source.NewRegistry()
	for _, src := range []source.Capability{
		source.NewIdentitySource(searchClient),
		source.NewWebsiteSource(&http.Client{Timeout: 20 * time.Second}),
		source.NewPeopleSource(searchClient),
		source.NewNewsSource(searchClient),
		source.NewCompetitorsSource(searchClient),
		source.NewFilingsSource(edgarClient),
		source.NewFundingSource(searchClient),
	} {
		if err := registry.Register(src); err != nil {
			_ = q.Close()
			_ = st.Close()
			return nil, eris.Wrap(err, "register source")
		}
	}

	if cfg.Anthropic.Key != "" && !cfg.Anthropic.Disabled {
		registry.SetEnricher(source.NewAIEnricher(cfg.Anthropic.Key, cfg.Anthropic.Model))
		zap.L().Info("ai enrichment enabled", zap.String("model", cfg.Anthropic.Model))
	} else {
		zap.L().Info("ai enrichment disabled")
	}

	allowlist, err := router.NewAllowlist(cfg.Router.AllowlistPath)
	if err != nil {
		_ = q.Close()
		_ = st.Close()
		return nil, eris.Wrap(err, "load allowlist")
	}
	rt := router.New(allowlist, &tickerAdapter{client: edgarClient}, &profileAdapter{client: yahooClient})

	coordinator := pipeline.New(registry, rt, st, pipeline.Config{
		StageTimeout: cfg.Pipeline.StageTimeout(),
		TotalCeiling: cfg.Pipeline.TotalCeiling(),
		CancelGrace:  cfg.Pipeline.CancelGrace(),
	})

	var notifier notify.Notifier
	if cfg.Webhook.Secret != "" {
		notifier = notify.NewWebhook(cfg.Webhook.Secret,
			notify.WithMaxAttempts(cfg.Webhook.MaxAttempts),
			notify.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Webhook.TimeoutSecs) * time.Second}),
		)
	} else {
		zap.L().Warn("webhook secret not set, callbacks disabled")
	}

	return &engineEnv{
		Store:       st,
		Queue:       q,
		Coordinator: coordinator,
		Notifier:    notifier,
	}, nil
}

// initStorage opens the store and queue on the configured driver. Both
// share one Postgres pool; on SQLite they share one database file.
func initStorage(ctx context.Context) (store.Store, queue.Queue, error) {
	qcfg := queue.Config{
		VisibilityTimeout: cfg.Queue.VisibilityTimeout(),
		MaxAttempts:       cfg.Queue.MaxAttempts,
		BackoffBase:       time.Duration(cfg.Queue.BackoffBaseSecs) * time.Second,
		BackoffCap:        time.Duration(cfg.Queue.BackoffCapSecs) * time.Second,
	}

	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, nil, eris.New("store.database_url is required for the postgres driver")
		}
		pool, err := db.Connect(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, eris.Wrap(err, "connect postgres")
		}
		zap.L().Info("using postgres storage")
		return store.NewPostgres(pool), queue.NewPostgres(pool, qcfg), nil

	case "", "sqlite":
		st, err := store.NewSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, eris.Wrap(err, "open sqlite store")
		}
		q, err := queue.NewSQLite(cfg.Store.SQLitePath, qcfg)
		if err != nil {
			_ = st.Close()
			return nil, nil, eris.Wrap(err, "open sqlite queue")
		}
		zap.L().Info("using sqlite storage", zap.String("path", cfg.Store.SQLitePath))
		return st, q, nil
	}
	return nil, nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
}

// tickerAdapter narrows the EDGAR client to the router's resolver shape.
type tickerAdapter struct {
	client edgar.Client
}

func (a *tickerAdapter) Resolve(ctx context.Context, name string) (string, error) {
	match, err := a.client.ResolveTicker(ctx, name)
	if err != nil {
		return "", err
	}
	if match == nil {
		return "", nil
	}
	return match.Ticker, nil
}

// profileAdapter narrows the quote client to the router's profiler shape.
type profileAdapter struct {
	client yahoo.Client
}

func (a *profileAdapter) Website(ctx context.Context, ticker string) (string, error) {
	return a.client.CompanyWebsite(ctx, ticker)
}
