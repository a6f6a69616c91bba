// Package api is the control surface of the domsteer daemon. Every
// capability — matching containers against a page, running plans,
// steering sessions, editing rules — is an action name plus a JSON
// payload, dispatched through the connectivity router so an operator
// can re-route or disable any single action at runtime.
//
// The same action table is served three ways: POST /api/call over
// HTTP, MCP tools over stdio or QUIC, and in-process via Call. All
// three share one handler table, one audit trail and one error
// taxonomy.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/hazyhaar/domsteer/connectivity"
	"github.com/hazyhaar/domsteer/container"
	"github.com/hazyhaar/domsteer/engine"
	"github.com/hazyhaar/domsteer/kit"
	"github.com/hazyhaar/domsteer/observability"
	"github.com/hazyhaar/domsteer/rategate"
	"github.com/hazyhaar/domsteer/session"
	"github.com/hazyhaar/domsteer/snapshot"
)

// Action names registered on the router. The catalog is deliberately
// flat: a browser-worker node serving a subset of these over HTTP or
// MCP implements the same names, so routes move between nodes without
// renaming anything.
const (
	ActionContainersMatch    = "containers:match"
	ActionContainersInspect  = "containers:inspect-container"
	ActionContainerOperation = "container:operation"

	ActionDOMBranch   = "dom:branch"
	ActionDOMLoadHTML = "dom:load-html"

	ActionSessionStart  = "session:start"
	ActionSessionStatus = "session:status"
	ActionSessionClose  = "session:close"

	ActionRulesList    = "rules:list"
	ActionRulesAdd     = "rules:add"
	ActionRulesRemove  = "rules:remove"
	ActionRulesHistory = "rules:history"

	ActionRatePermit = "rate:permit"

	ActionPlanBuild = "plan:build"
	ActionPlanRun   = "plan:run"
	ActionPlanQueue = "plan:queue"
)

// Config carries the domain surface the service fronts. Catalog,
// Sessions, Runner and Gate are required; optional pieces attach
// through options.
type Config struct {
	Catalog  *container.Catalog
	Sessions *session.Manager
	Runner   *engine.Runner
	Gate     *rategate.Gate

	// Limits bounds captures made for match and branch calls when the
	// caller does not send its own. Zero values take the snapshot
	// package defaults.
	Limits snapshot.Limits

	Logger *slog.Logger
}

// Service owns the action handler table and the in-memory snapshot
// registry shared by the HTTP and MCP surfaces.
type Service struct {
	cfg       Config
	logger    *slog.Logger
	router    *connectivity.Router
	ownRouter bool

	queue   *engine.QueueRunner
	audit   *observability.AuditLogger
	metrics *observability.MetricsManager
	events  *observability.EventLogger

	healthDB     *sql.DB
	healthWorker string
	healthStale  time.Duration

	mu    sync.Mutex
	snaps map[string]*heldSnapshot
	order []string
}

// Option configures optional service dependencies.
type Option func(*Service)

// WithRouter uses a caller-owned router instead of a private one, so
// the daemon can hot-reload remote routes from SQLite.
func WithRouter(r *connectivity.Router) Option {
	return func(s *Service) { s.router = r }
}

// WithQueue enables plan:queue on the given queue runner.
func WithQueue(q *engine.QueueRunner) Option {
	return func(s *Service) { s.queue = q }
}

// WithAudit records one audit entry per dispatched action.
func WithAudit(a *observability.AuditLogger) Option {
	return func(s *Service) { s.audit = a }
}

// WithMetrics records per-action and per-plan metrics.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(s *Service) { s.metrics = mm }
}

// WithEvents records business events for session and queue activity.
func WithEvents(el *observability.EventLogger) Option {
	return func(s *Service) { s.events = el }
}

// WithHealth enriches GET /health with the latest worker heartbeat
// from the observability database. A heartbeat older than staleAfter
// flips the reported status to degraded.
func WithHealth(db *sql.DB, workerName string, staleAfter time.Duration) Option {
	return func(s *Service) {
		s.healthDB = db
		s.healthWorker = workerName
		s.healthStale = staleAfter
	}
}

// New wires the service and registers every action on the router.
func New(cfg Config, opts ...Option) (*Service, error) {
	if cfg.Catalog == nil || cfg.Sessions == nil || cfg.Runner == nil || cfg.Gate == nil {
		return nil, fmt.Errorf("api: catalog, sessions, runner and gate are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Service{
		cfg:    cfg,
		logger: cfg.Logger,
		snaps:  make(map[string]*heldSnapshot),
	}
	for _, o := range opts {
		o(s)
	}
	if s.router == nil {
		s.router = connectivity.New(connectivity.WithLogger(s.logger))
		s.ownRouter = true
	}
	s.register()
	return s, nil
}

// Router exposes the action router for transport registration and
// hot-reload wiring.
func (s *Service) Router() *connectivity.Router { return s.router }

func (s *Service) register() {
	handlers := map[string]connectivity.Handler{
		ActionContainersMatch:    s.containersMatch,
		ActionContainersInspect:  s.containersInspect,
		ActionContainerOperation: s.containerOperation,
		ActionDOMBranch:          s.domBranch,
		ActionDOMLoadHTML:        s.domLoadHTML,
		ActionSessionStart:       s.sessionStart,
		ActionSessionStatus:      s.sessionStatus,
		ActionSessionClose:       s.sessionClose,
		ActionRulesList:          s.rulesList,
		ActionRulesAdd:           s.rulesAdd,
		ActionRulesRemove:        s.rulesRemove,
		ActionRulesHistory:       s.rulesHistory,
		ActionRatePermit:         s.ratePermit,
		ActionPlanBuild:          s.planBuild,
		ActionPlanRun:            s.planRun,
		ActionPlanQueue:          s.planQueue,
	}
	for action, h := range handlers {
		mws := []connectivity.HandlerMiddleware{connectivity.Recovery(s.logger)}
		if s.metrics != nil {
			mws = append(mws, connectivity.WithObservability(s.metrics, action, "local"))
		}
		s.router.RegisterLocal(action, connectivity.Chain(mws...)(h))
	}
}

// Call dispatches one action through the router. This is the single
// entry point shared by HTTP handlers, MCP tools and in-process
// callers, so routing overrides and the audit trail apply uniformly.
func (s *Service) Call(ctx context.Context, action string, payload []byte) ([]byte, error) {
	start := time.Now()
	resp, err := s.router.Call(ctx, action, payload)
	if s.audit != nil {
		var params, result any
		if len(payload) > 0 {
			params = json.RawMessage(payload)
		}
		if len(resp) > 0 {
			result = json.RawMessage(resp)
		}
		entry := s.audit.NewAuditEntry("api", action, params, result, err, time.Since(start))
		entry.UserID = kit.GetUserID(ctx)
		entry.SessionID = kit.GetSessionID(ctx)
		entry.RequestID = kit.GetRequestID(ctx)
		s.audit.LogAsync(entry)
	}
	return resp, err
}

// Close releases remote route handlers when the service owns its
// router. A router injected via WithRouter stays open for its owner.
func (s *Service) Close() error {
	if s.ownRouter {
		return s.router.Close()
	}
	return nil
}

// maxHeldSnapshots bounds the in-memory snapshot registry. Eviction is
// FIFO: the oldest capture goes first.
const maxHeldSnapshots = 32

// heldSnapshot pairs a snapshot with the session it was captured from.
// sessionID is empty for snapshots parsed from static HTML; those can
// be re-matched but never hydrated.
type heldSnapshot struct {
	snap      *snapshot.Snapshot
	sessionID string
}

func (s *Service) holdSnapshot(snap *snapshot.Snapshot, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snaps[snap.ID]; !ok {
		s.order = append(s.order, snap.ID)
	}
	s.snaps[snap.ID] = &heldSnapshot{snap: snap, sessionID: sessionID}
	for len(s.order) > maxHeldSnapshots {
		delete(s.snaps, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *Service) lookupSnapshot(id string) (*heldSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.snaps[id]
	return h, ok
}

// dropSessionSnapshots forgets captures from a session being closed.
// Static-HTML snapshots survive.
func (s *Service) dropSessionSnapshots(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.order[:0]
	for _, id := range s.order {
		if h := s.snaps[id]; h != nil && h.sessionID == sessionID {
			delete(s.snaps, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}
