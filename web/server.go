package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/xcono/flexql/config"
	"github.com/xcono/flexql/permission"
	"github.com/xcono/flexql/query"
	"github.com/xcono/flexql/ratelimit"
	"github.com/xcono/flexql/schema"
	"github.com/xcono/flexql/store"
	"github.com/xcono/flexql/web/handlers"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/redis"
)

// Deps are the collaborators of the HTTP handler.
type Deps struct {
	Registry    *schema.Registry
	Store       store.Store
	Permissions permission.Config
	// Window counts rate limited requests. Nil disables rate limiting.
	Window ratelimit.Window
	// Identities resolves callers. Defaults to the token table of the settings.
	Identities handlers.IdentityResolver
	// RoleResolver overrides role resolution and may add a row predicate.
	// Nil keeps the built-in superuser, staff, group order.
	RoleResolver permission.RoleResolver
}

// NewHandler wires the engine, rate limiter and transport.
// The handler captures c; later config.Set or config.Reload calls do not reach it.
func NewHandler(c *config.Settings, d Deps) http.Handler {
	perms := permission.NewEngine(d.RoleResolver, c.MaxRelationDepth)
	engine := query.NewEngine(d.Registry, d.Store, perms, query.Options{
		DefaultLimit:     c.DefaultLimit,
		MaxLimit:         c.MaxLimit,
		MaxFilterNesting: c.MaxFilterNesting,
		Debug:            c.Debug,
	})

	var limiter *ratelimit.Limiter
	if d.Window != nil {
		limiter = ratelimit.NewLimiter(perms, d.Window, c.RateLimit)
	}

	identities := d.Identities
	if identities == nil {
		identities = handlers.NewTokenResolver(c.Tokens, c.RateLimitUseForwardedIP)
	}

	apiPath := c.APIPath
	if apiPath == "" {
		apiPath = "/api/"
	}
	if !strings.HasSuffix(apiPath, "/") {
		apiPath += "/"
	}

	router := handlers.NewRouter(engine, limiter, d.Permissions, identities, handlers.Options{
		APIPath:               apiPath,
		AlwaysHTTP200:         c.AlwaysHTTP200,
		Debug:                 c.Debug,
		RequireAuthentication: c.RequireAuthentication,
	})

	mux := http.NewServeMux()
	mux.Handle(apiPath, router)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		handleRoot(w, apiPath, d.Registry)
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "Accept"},
		ExposedHeaders: []string{"Retry-After", handlers.RequestIDHeader},
	})
	return corsHandler.Handler(mux)
}

// StartServer opens the database, loads schema and permissions and serves
// until the listener fails. c is read once at startup.
func StartServer(c *config.Settings) error {
	ctx := context.Background()

	driver, _, err := schema.SplitDSN(c.DSN)
	if err != nil {
		return err
	}
	db, err := schema.OpenDB(c.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	reg, err := schema.NewRegistry(c.Entities)
	if err != nil {
		return err
	}
	catalog, err := schema.NewCatalog(db, driver)
	if err != nil {
		return err
	}
	if err := reg.Discover(ctx, catalog); err != nil {
		return err
	}

	perms, err := permission.LoadConfigFile(c.PermissionsFile)
	if err != nil {
		return err
	}

	var window ratelimit.Window = ratelimit.NewMemoryWindow()
	if c.Redis.Host != "" {
		rds, err := redis.NewRedis(c.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		window = ratelimit.NewRedisWindow(rds)
	}

	st := store.NewSQLStore(db, driver, reg)
	st.MaxValues = c.MaxFilterValues

	server := &http.Server{
		Addr: c.Listen,
		Handler: NewHandler(c, Deps{
			Registry:    reg,
			Store:       st,
			Permissions: perms,
			Window:      window,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logx.Infow("starting server",
		logx.Field("listen", c.Listen),
		logx.Field("api", c.APIPath),
		logx.Field("driver", driver),
		logx.Field("entities", reg.Names()))
	return server.ListenAndServe()
}

// handleRoot describes the API.
func handleRoot(w http.ResponseWriter, apiPath string, reg *schema.Registry) {
	apiInfo := map[string]any{
		"name":     "flexql",
		"entities": reg.Names(),
		"endpoints": map[string]string{
			"POST " + apiPath:                     "JSON body with _model and _action",
			"GET " + apiPath + "{entity}":         "list",
			"GET " + apiPath + "{entity}/{id}":    "get",
			"POST " + apiPath + "{entity}":        "add",
			"PUT " + apiPath + "{entity}/{id}":    "edit",
			"DELETE " + apiPath + "{entity}/{id}": "delete",
		},
		"parameters": []string{"fields", "filters", "filters.{key}", "order_by", "limit", "offset"},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(apiInfo)
}
