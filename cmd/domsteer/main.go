package main

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/domsteer/api"
	"github.com/hazyhaar/domsteer/auth"
	"github.com/hazyhaar/domsteer/connectivity"
	"github.com/hazyhaar/domsteer/container"
	"github.com/hazyhaar/domsteer/dbopen"
	"github.com/hazyhaar/domsteer/driver"
	"github.com/hazyhaar/domsteer/engine"
	"github.com/hazyhaar/domsteer/mcpquic"
	"github.com/hazyhaar/domsteer/observability"
	"github.com/hazyhaar/domsteer/rategate"
	"github.com/hazyhaar/domsteer/session"
	"github.com/hazyhaar/domsteer/shield"
)

func main() {
	port := env("PORT", "8086")
	secretInput := os.Getenv("AUTH_SECRET")
	if secretInput == "" {
		slog.Error("AUTH_SECRET is required")
		os.Exit(1)
	}
	// Derive 32-byte JWT secret via SHA-256 (satisfies auth.MinSecretLen).
	secretHash := sha256.Sum256([]byte(secretInput))
	jwtSecret := secretHash[:]

	dataDir := env("DATA_DIR", "data")
	appPath := env("APP_DB", "db/domsteer.db")
	obsPath := env("OBS_DB", "db/observability.db")
	catalogDir := env("CATALOG_DIR", "catalog")
	rulesFile := env("RULES_FILE", "")
	keysFile := env("API_KEYS_FILE", "")
	browserRemote := env("BROWSER_REMOTE", "")
	mcpTransport := env("MCP_TRANSPORT", "")
	logLevel := env("LOG_LEVEL", "info")

	// Logging.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Application DB: profiles, rate rules, action routes, queued plans,
	// maintenance flag.
	appDB, err := dbopen.Open(appPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("app db", "error", err)
		os.Exit(1)
	}
	defer appDB.Close()
	for _, sch := range []struct {
		name string
		fn   func() error
	}{
		{"rategate", func() error { return rategate.Init(appDB) }},
		{"connectivity", func() error { return connectivity.Init(appDB) }},
		{"shield", func() error { return shield.Init(appDB) }},
	} {
		if err := sch.fn(); err != nil {
			slog.Error("schema init", "schema", sch.name, "error", err)
			os.Exit(1)
		}
	}

	// Observability DB — separate file so audit/metric churn never
	// contends with the app DB.
	obsDB, err := dbopen.Open(obsPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("observability db", "error", err)
		os.Exit(1)
	}
	defer obsDB.Close()
	if err := observability.Init(obsDB); err != nil {
		slog.Error("observability init", "error", err)
		os.Exit(1)
	}
	auditLog := observability.NewAuditLogger(obsDB, 256)
	defer auditLog.Close()
	metrics := observability.NewMetricsManager(obsDB, 256, 10*time.Second)
	defer metrics.Close()
	events := observability.NewEventLogger(obsDB)
	heartbeat := observability.NewHeartbeatWriter(obsDB, "domsteer", 30*time.Second)
	heartbeat.Start(ctx)
	defer heartbeat.Stop()

	// Container catalog.
	catalog := container.NewCatalog()
	if err := catalog.LoadDir(catalogDir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Warn("catalog dir missing, starting with empty catalog", "dir", catalogDir)
		} else {
			slog.Error("catalog load", "dir", catalogDir, "error", err)
			os.Exit(1)
		}
	}
	slog.Info("catalog loaded", "containers", catalog.Len())

	// Browser driver + session manager.
	drv := driver.New(driver.Config{
		Remote:      browserRemote,
		XvfbDisplay: env("XVFB_DISPLAY", ""),
		Logger:      logger,
	})
	defer drv.Close()
	profiles, err := session.NewProfileStore(dataDir, appDB)
	if err != nil {
		slog.Error("profile store", "error", err)
		os.Exit(1)
	}
	sessions := session.NewManager(session.DriverLauncher{Driver: drv}, profiles, session.Config{
		Logger: logger,
	})
	go sessions.Run(ctx)

	// Workflow rules, loaded from file when configured; rules:add can
	// extend them at runtime.
	rules := engine.NewRules()
	if rulesFile != "" {
		n, err := rules.SubscribeFile(rulesFile)
		if err != nil {
			slog.Error("rules load", "file", rulesFile, "error", err)
			os.Exit(1)
		}
		slog.Info("rules loaded", "file", rulesFile, "count", n)
	}

	// Rate gate with hot reload from the rate_rules table.
	gate := rategate.New(rategate.WithDB(appDB), rategate.WithLogger(logger))
	if err := gate.Reload(ctx); err != nil {
		slog.Warn("rategate initial load", "error", err)
	}
	if err := gate.Watch(ctx, 2*time.Second); err != nil {
		slog.Warn("rategate watch", "error", err)
	}
	go gate.Run(ctx, time.Minute, 5*time.Minute)

	// Plan runner + queue worker.
	registry := engine.DefaultRegistry(engine.NewHarvester())
	runner := engine.NewRunner(sessions, gate, registry, rules, engine.Config{Logger: logger})
	queue, err := engine.NewQueueRunner(appDB, runner, engine.QueueConfig{Logger: logger})
	if err != nil {
		slog.Error("queue runner", "error", err)
		os.Exit(1)
	}
	go queue.Run(ctx)

	// Action router with hot-reloadable remote routes.
	router := connectivity.New(connectivity.WithLogger(logger))
	router.RegisterTransport("http", connectivity.HTTPFactory())
	router.RegisterTransport("mcp", connectivity.MCPFactory())
	go router.Watch(ctx, appDB, 2*time.Second)
	routeAdmin := connectivity.NewAdmin(appDB)

	// Control-surface service.
	svc, err := api.New(api.Config{
		Catalog:  catalog,
		Sessions: sessions,
		Runner:   runner,
		Gate:     gate,
		Logger:   logger,
	},
		api.WithRouter(router),
		api.WithQueue(queue),
		api.WithAudit(auditLog),
		api.WithMetrics(metrics),
		api.WithEvents(events),
		api.WithHealth(obsDB, "domsteer", 2*time.Minute),
	)
	if err != nil {
		slog.Error("api service", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	// Optional MCP QUIC.
	if mcpTransport == "quic" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "domsteer",
			Version: "1.0.0",
		}, nil)
		svc.RegisterMCP(mcpSrv)

		quicAddr := env("MCP_QUIC_ADDR", ":9444")
		certFile := env("TLS_CERT", "")
		keyFile := env("TLS_KEY", "")

		var tlsCfg *tls.Config
		if certFile != "" && keyFile != "" {
			tlsCfg, err = mcpquic.ServerTLSConfig(certFile, keyFile)
		} else {
			tlsCfg, err = mcpquic.SelfSignedTLSConfig()
		}
		if err != nil {
			slog.Error("MCP QUIC TLS", "error", err)
		} else {
			ql, qErr := mcpquic.NewListener(quicAddr, tlsCfg, mcpSrv, logger)
			if qErr != nil {
				slog.Error("MCP QUIC listener", "error", qErr)
			} else {
				go func() {
					slog.Info("MCP QUIC starting", "addr", quicAddr)
					if sErr := ql.Serve(ctx); sErr != nil && ctx.Err() == nil {
						slog.Error("MCP QUIC", "error", sErr)
					}
				}()
			}
		}
	}

	// API keys for worker nodes; JWT covers interactive operators.
	keys := auth.NewKeyStore()
	if keysFile != "" {
		if err := keys.LoadKeyFile(keysFile); err != nil {
			slog.Error("api keys", "file", keysFile, "error", err)
			os.Exit(1)
		}
		slog.Info("api keys loaded", "count", keys.Len())
	}

	// Router.
	r := chi.NewRouter()
	stack, maintenance := shield.DefaultStack(appDB, gate)
	maintenance.StartReloader(ctx.Done())
	for _, mw := range stack {
		r.Use(mw)
	}
	r.Use(auth.Middleware(jwtSecret, keys)) // Soft parse; RequireAuth enforces per group.

	svc.RegisterHTTP(r, auth.RequireAuth)

	// Admin: action route overrides (hot-reloaded by the router watcher).
	r.Route("/api/admin/routes", func(r chi.Router) {
		r.Use(auth.RequireRole(auth.RoleAdmin))

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			routes, err := routeAdmin.ListRoutes(r.Context())
			if err != nil {
				writeError(w, 500, err)
				return
			}
			if routes == nil {
				routes = []connectivity.RouteRow{}
			}
			writeJSON(w, 200, routes)
		})

		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Action   string          `json:"action"`
				Strategy string          `json:"strategy"`
				Endpoint string          `json:"endpoint"`
				Config   json.RawMessage `json:"config"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			if req.Action == "" || req.Strategy == "" {
				writeError(w, 400, errors.New("action and strategy required"))
				return
			}
			if err := routeAdmin.UpsertRoute(r.Context(), req.Action, req.Strategy, req.Endpoint, req.Config); err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 201, map[string]string{"action": req.Action, "strategy": req.Strategy})
		})

		r.Delete("/{action}", func(w http.ResponseWriter, r *http.Request) {
			if err := routeAdmin.DeleteRoute(r.Context(), chi.URLParam(r, "action")); err != nil {
				writeError(w, 404, err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "deleted"})
		})
	})

	// Admin: rate rules (picked up by the gate watcher).
	r.Route("/api/admin/rate-rules", func(r chi.Router) {
		r.Use(auth.RequireRole(auth.RoleAdmin))

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			list := gate.Rules()
			if list == nil {
				list = []rategate.Rule{}
			}
			writeJSON(w, 200, list)
		})

		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Pattern       string `json:"pattern"`
				MaxCount      int    `json:"maxCount"`
				WindowSeconds int    `json:"windowSeconds"`
				Enabled       *bool  `json:"enabled"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			rule := rategate.Rule{
				Pattern:  req.Pattern,
				MaxCount: req.MaxCount,
				Window:   time.Duration(req.WindowSeconds) * time.Second,
				Enabled:  req.Enabled == nil || *req.Enabled,
			}
			if err := rategate.UpsertRule(r.Context(), appDB, rule); err != nil {
				writeError(w, 400, err)
				return
			}
			writeJSON(w, 201, rule)
		})

		// Patterns carry globs and slashes, so they travel as a query
		// parameter rather than a path segment.
		r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
			pattern := r.URL.Query().Get("pattern")
			if pattern == "" {
				writeError(w, 400, errors.New("pattern query parameter required"))
				return
			}
			if err := rategate.DeleteRule(r.Context(), appDB, pattern); err != nil {
				writeError(w, 404, err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "deleted"})
		})
	})

	// Admin: maintenance flag (served by the shield reloader within 5s).
	r.Route("/api/admin/maintenance", func(r chi.Router) {
		r.Use(auth.RequireRole(auth.RoleAdmin))

		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, 200, map[string]any{
				"active":  maintenance.Active(),
				"message": maintenance.Message(),
			})
		})

		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Active  bool   `json:"active"`
				Message string `json:"message"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			active := 0
			if req.Active {
				active = 1
			}
			if _, err := appDB.ExecContext(r.Context(),
				`UPDATE maintenance SET active = ?, message = ? WHERE id = 1`,
				active, req.Message); err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, map[string]any{"active": req.Active})
		})
	})

	// Admin: observability queries.
	r.Route("/api/admin/audit", func(r chi.Router) {
		r.Use(auth.RequireRole(auth.RoleAdmin, auth.RoleOperator))
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			filter := &observability.AuditFilter{Limit: queryInt(r, "limit", 100)}
			if a := r.URL.Query().Get("action"); a != "" {
				filter.OperationType = &a
			}
			if st := r.URL.Query().Get("status"); st != "" {
				filter.Status = &st
			}
			entries, err := auditLog.Query(r.Context(), filter)
			if err != nil {
				writeError(w, 500, err)
				return
			}
			if entries == nil {
				entries = []*observability.AuditEntry{}
			}
			writeJSON(w, 200, entries)
		})
	})

	r.Route("/api/admin/metrics", func(r chi.Router) {
		r.Use(auth.RequireRole(auth.RoleAdmin, auth.RoleOperator))
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			name := r.URL.Query().Get("name")
			if name == "" {
				writeError(w, 400, errors.New("name query parameter required"))
				return
			}
			ms, err := metrics.Query(name, nil, nil, queryInt(r, "limit", 100))
			if err != nil {
				writeError(w, 500, err)
				return
			}
			if ms == nil {
				ms = []*observability.Metric{}
			}
			writeJSON(w, 200, ms)
		})
	})

	// HTTP server.
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	if err := sessions.Close(shutdownCtx); err != nil {
		slog.Error("session shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// --- Helpers ---

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
