package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/harlowdev/questkeeper/internal/bridge"
	"github.com/harlowdev/questkeeper/internal/supervisor"
)

// RouterConfig holds the dependencies needed to build the HTTP router,
// populated in cmd/questkeeper/main.go once every component is
// constructed.
type RouterConfig struct {
	Supervisor *supervisor.Supervisor
	Auth       *supervisor.OperatorAuth
	Hub        *bridge.Hub
	Logger     *zap.Logger
}

// NewRouter builds the fully configured Chi router. Operator routes live
// under /api/v1; the page-executor bridge upgrades at /bridge/ws;
// /metrics serves the Prometheus registry for scraping.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	auth := &authHandler{auth: cfg.Auth, logger: cfg.Logger}
	cmds := &commandHandler{sup: cfg.Supervisor, logger: cfg.Logger}
	bridgeEP := &bridgeHandler{upgrade: cfg.Hub.ServeHTTP}

	r.Get("/bridge/ws", bridgeEP.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Post("/auth/login", auth.Login)
		})

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.Auth))
			r.Post("/commands", cmds.Dispatch)
		})
	})

	return r
}
