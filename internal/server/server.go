package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	appconfig "github.com/cliplens/cliplens/config"
	"github.com/cliplens/cliplens/internal/agent/backend"
	"github.com/cliplens/cliplens/internal/agent/core"
	"github.com/cliplens/cliplens/internal/agent/session/inmemory"
	"github.com/cliplens/cliplens/internal/agent/telemetry"
	"github.com/cliplens/cliplens/internal/agent/tools"
	"github.com/cliplens/cliplens/internal/agent/tools/builtin"
	"github.com/cliplens/cliplens/internal/cache"
	"github.com/cliplens/cliplens/internal/search"
	"github.com/cliplens/cliplens/internal/store"
)

// Run wires all dependencies and serves HTTP until the process exits.
func Run(cfg *appconfig.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()
	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	st, err := store.New(ctx, dsn)
	if err != nil {
		return err
	}
	if err := st.Migrate(); err != nil {
		return err
	}

	// tool-result cache: Redis when configured, process-local otherwise
	var toolCache cache.Cache
	if cfg.Storage.Redis.Enabled {
		client, err := cache.Conn(ctx, cfg.Storage.Redis.Host, cfg.Storage.Redis.Port,
			cfg.Storage.Redis.Password, cfg.Storage.Redis.DB, cfg.Storage.Redis.Timeout)
		if err != nil {
			return fmt.Errorf("connecting redis: %w", err)
		}
		toolCache = cache.NewRedis(client, "")
	} else {
		toolCache = cache.NewMemory()
	}

	// title index rebuilt from the store on startup
	idx, err := search.NewMemOnly()
	if err != nil {
		return err
	}
	if err := rebuildIndex(ctx, st, idx); err != nil {
		return err
	}

	registry := tools.NewRegistry()
	if err := builtin.Register(registry, st, idx, builtin.Config{
		CacheTTL:    cfg.Agent.ToolCacheTTL,
		ToolTimeout: cfg.Agent.ToolTimeout,
		Retry: tools.RetryPolicy{
			MaxRetries: cfg.Agent.ToolMaxRetries,
			Backoff:    cfg.Agent.ToolRetryBackoff,
		},
	}); err != nil {
		return err
	}

	sessions := inmemory.NewStore(cfg.Agent.SessionTTL)
	adapters, err := backend.NewAdapters(cfg.LLM, sessions)
	if err != nil {
		return err
	}

	var collector *telemetry.Collector
	if cfg.Telemetry.Enabled {
		collector = telemetry.NewCollector(prometheus.DefaultRegisterer, nil)
	}

	invoker := tools.NewInvoker(toolCache, nil)
	orch := core.NewOrchestrator(adapters, cfg.LLM.Routing, cfg.Agent, registry, invoker, sessions, collector, nil)

	secret := cfg.Server.JWTSecret
	if secret == "" {
		secret = os.Getenv("CLIPLENS_JWT_SECRET")
	}
	if secret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}

	api := e.Group("/api")
	auth := &AuthHandler{Store: st, Secret: []byte(secret)}
	auth.Register(api.Group("/auth"))

	vh := &VideosHandler{Store: st, Orch: orch}
	vh.Register(api.Group("/videos"), auth.Secret)

	if cfg.Scheduler.Enabled {
		sched := &Scheduler{Store: st, Orch: orch, Cfg: cfg.Scheduler}
		sched.Start()
	}

	return e.Start(cfg.Server.Address)
}

func rebuildIndex(ctx context.Context, st *store.Store, idx *search.Index) error {
	videos, err := st.ListVideos(ctx)
	if err != nil {
		return fmt.Errorf("rebuilding title index: %w", err)
	}
	avgByChannel := map[string]float64{}
	counts := map[string]int{}
	for _, v := range videos {
		avgByChannel[v.ChannelID] += float64(v.Views)
		counts[v.ChannelID]++
	}
	docs := make([]search.Doc, 0, len(videos))
	for _, v := range videos {
		avg := avgByChannel[v.ChannelID] / float64(counts[v.ChannelID])
		docs = append(docs, search.Doc{
			VideoID:         v.ID,
			ChannelID:       v.ChannelID,
			Title:           v.Title,
			Views:           v.Views,
			ChannelAvgViews: int64(avg),
		})
	}
	return idx.IndexBatch(docs)
}
