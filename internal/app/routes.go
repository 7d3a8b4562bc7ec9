package app

import (
	"net/http"
	"sort"
	"strings"

	"github.com/gorilla/mux"

	"quota-gate/internal/common/logging"
	"quota-gate/internal/config"
	"quota-gate/internal/handlers"
	"quota-gate/internal/middleware"
	"quota-gate/internal/proxy"
)

// Routes builds the full HTTP handler: the Control API, /metrics and one gated
// reverse proxy per configured route, behind the common middleware.
func (app *App) Routes() (http.Handler, error) {
	h := handlers.New(app.Registry, app.Store, app.Logger)
	router := mux.NewRouter()

	control := func(path string, fn http.HandlerFunc) *mux.Route {
		return router.Handle(path, app.Metrics.Middleware(path)(fn))
	}

	// Control API (no admission chain)
	control("/health", h.Health).Methods(http.MethodGet)
	control("/check", h.Check).Methods(http.MethodPost)
	control("/reset", h.Reset).Methods(http.MethodPost)
	control("/status/{type}/{key}", h.Status).Methods(http.MethodGet)
	control("/analytics", h.Analytics).Methods(http.MethodGet)
	router.Handle("/metrics", app.Metrics.Handler()).Methods(http.MethodGet)

	if err := app.setupGatedRoutes(router); err != nil {
		return nil, err
	}

	var handler http.Handler = router
	handler = middleware.TrustedIdentity(app.Config.IdentityHeader, app.Config.TrustProxy)(handler)
	handler = middleware.Recovery(app.Logger)(handler)
	handler = middleware.Logging(app.Logger)(handler)
	handler = middleware.RequestID(handler)
	return handler, nil
}

func (app *App) setupGatedRoutes(router *mux.Router) error {
	routes := make([]config.Route, len(app.Limits.Routes))
	copy(routes, app.Limits.Routes)
	// most specific prefix wins
	sort.SliceStable(routes, func(i, j int) bool {
		return len(routes[i].Prefix) > len(routes[j].Prefix)
	})

	transport := proxy.NewHTTPTransport()
	for _, route := range routes {
		pipeline, err := app.BuildPipeline(route.Chain)
		if err != nil {
			return err
		}

		upstream, err := proxy.New(proxy.Target{
			Prefix:      route.Prefix,
			Upstream:    route.Upstream,
			StripPrefix: route.StripPrefix,
			Timeout:     route.Timeout(),
		}, transport, app.Logger)
		if err != nil {
			return err
		}

		gated := middleware.Admission(pipeline, app.Logger)(upstream)
		router.MatcherFunc(pathPrefix(route.Prefix)).Handler(app.Metrics.Middleware(route.Prefix)(gated))

		app.Logger.Info("Gated route registered",
			logging.String("prefix", route.Prefix),
			logging.String("upstream", route.Upstream),
			logging.String("chain", strings.Join(pipeline.Categories(), ",")),
		)
	}
	return nil
}

// pathPrefix matches prefix itself and anything below it, but not /api/authx for /api/auth.
func pathPrefix(prefix string) mux.MatcherFunc {
	prefix = strings.TrimSuffix(prefix, "/")
	return func(r *http.Request, _ *mux.RouteMatch) bool {
		path := r.URL.Path
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	}
}
