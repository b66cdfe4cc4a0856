package http

import (
	"context"
	"net/http"
	"time"

	"github.com/datarun/lmis/internal/config"
	"github.com/datarun/lmis/internal/http/middleware"
	"github.com/datarun/lmis/internal/metrics"
	"github.com/datarun/lmis/internal/repository"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const apiPrefix = "/api/adapter"

// Deps are the collaborators handlers need. Reports is the log store used for listings:
// ClickHouse when configured, otherwise the primary database.
type Deps struct {
	Inbox     InboxService
	Contracts ContractService
	Reports   repository.LogsReader
	Redis     *redis.Client
	Log       *zap.Logger
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(cfg config.Config, d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(log.INFO)
	e.Validator = newRequestValidator()
	e.Use(
		echoMid.Recover(),
		echoMid.RequestIDWithConfig(echoMid.RequestIDConfig{Generator: uuid.NewString}),
		echoMid.Logger(),
	)

	metrics.MustRegister(prometheus.DefaultRegisterer)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health is independent of the store and the destination
	e.GET("/health", healthHandler(cfg.App))
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		DefaultRPS:     cfg.RateLimit.RPS,
		KeyPrefix:      "lmis:rl:ip:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	api := e.Group(apiPrefix, rlMW)
	for _, r := range Routes(d) {
		api.Add(r.Method, r.Path, r.Handler)
	}

	return &Server{e: e, log: d.Log}
}

// Route is one entry of the adapter API, mounted under /api/adapter.
type Route struct {
	Method  string
	Path    string
	Handler echo.HandlerFunc
}

// Routes is the full adapter API. New routers are added here.
func Routes(d Deps) []Route {
	return []Route{
		{http.MethodPost, "/inbox", ingestHandler(d.Inbox, d.Log)},
		{http.MethodGet, "/inbox/stats", inboxStatsHandler(d.Inbox, d.Log)},
		{http.MethodGet, "/inbox/:id", getInboxHandler(d.Inbox, d.Log)},
		{http.MethodPost, "/inbox/:id/requeue", requeueHandler(d.Inbox, d.Log)},
		{http.MethodGet, "/inbox/:id/logs", inboxLogsHandler(d.Inbox, d.Log)},
		{http.MethodGet, "/logs", listLogsHandler(d.Reports, d.Log)},
		{http.MethodGet, "/contracts", listContractsHandler(d.Contracts, d.Log)},
		{http.MethodPost, "/contracts", createContractHandler(d.Contracts, d.Log)},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.e.ServeHTTP(w, r) }

func (s *Server) Start(addr string) error {
	s.log.Info("http: listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
