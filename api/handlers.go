package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/hazyhaar/domsteer/container"
	"github.com/hazyhaar/domsteer/engine"
	"github.com/hazyhaar/domsteer/idgen"
	"github.com/hazyhaar/domsteer/kit"
	"github.com/hazyhaar/domsteer/match"
	"github.com/hazyhaar/domsteer/observability"
	"github.com/hazyhaar/domsteer/session"
	"github.com/hazyhaar/domsteer/snapshot"
)

var (
	newOpPlanID = idgen.Prefixed("op_", idgen.Timestamped(idgen.NanoID(6)))
	newPlanID   = idgen.Prefixed("plan_", idgen.Timestamped(idgen.NanoID(6)))
)

// decodeInto unmarshals an action payload. An empty payload leaves v at
// its zero value, so actions with all-optional parameters accept a bare
// call.
func decodeInto(action string, payload []byte, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", errBadRequest, action, err)
	}
	return nil
}

// resolveDefinition finds a catalog definition by name, descending on
// dots: "feed_list" is a root, "feed_list.feed_post" a nested child.
func (s *Service) resolveDefinition(name string) (*container.Definition, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: container name required", errBadRequest)
	}
	parts := strings.Split(name, ".")
	def, ok := s.cfg.Catalog.Lookup(parts[0], parts[1:]...)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errContainerNotFound, name)
	}
	return def, nil
}

func (s *Service) captureLimits(override *snapshot.Limits) snapshot.Limits {
	if override != nil {
		return *override
	}
	return s.cfg.Limits
}

func (s *Service) logEvent(ctx context.Context, eventType, entityType, entityID, action string, success bool) {
	if s.events == nil {
		return
	}
	s.events.LogEvent(ctx, observability.BusinessEvent{
		EventType:   eventType,
		ServiceName: "api",
		EntityType:  entityType,
		EntityID:    entityID,
		UserID:      kit.GetUserID(ctx),
		Action:      action,
		Success:     success,
	})
}

func (s *Service) recordPlanMetrics(planID string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.Record(&observability.Metric{
		Name:      observability.MetricPlanDurationMs,
		Timestamp: time.Now(),
		Value:     float64(time.Since(start).Milliseconds()),
		Labels:    map[string]string{"plan": planID},
		Unit:      "milliseconds",
	})
	var rle *engine.RateLimitedError
	if errors.As(err, &rle) {
		s.metrics.RecordSimple(observability.MetricGateDeniedCount, 1, "count")
	}
}

// --- Containers ---

type matchRequest struct {
	SessionID  string           `json:"sessionId,omitempty"`
	SnapshotID string           `json:"snapshotId,omitempty"`
	Container  string           `json:"container"`
	Hydrate    *bool            `json:"hydrate,omitempty"`
	Limits     *snapshot.Limits `json:"limits,omitempty"`
}

type matchResponse struct {
	SnapshotID string      `json:"snapshotId"`
	URL        string      `json:"url,omitempty"`
	Matched    bool        `json:"matched"`
	Refs       int         `json:"refs"`
	Pending    []string    `json:"pending,omitempty"`
	Tree       *match.Tree `json:"tree"`
}

func marshalMatch(snap *snapshot.Snapshot, tree *match.Tree) ([]byte, error) {
	return json.Marshal(matchResponse{
		SnapshotID: snap.ID,
		URL:        snap.URL,
		Matched:    tree.Matched(),
		Refs:       tree.NumRefs(),
		Pending:    tree.PendingPaths(),
		Tree:       tree,
	})
}

// containersMatch captures a fresh snapshot from a live session (or
// reuses a held one) and evaluates a container definition against it.
// The snapshot is retained so follow-up dom:branch and re-match calls
// can address the same paths.
func (s *Service) containersMatch(ctx context.Context, payload []byte) ([]byte, error) {
	var req matchRequest
	if err := decodeInto(ActionContainersMatch, payload, &req); err != nil {
		return nil, err
	}
	def, err := s.resolveDefinition(req.Container)
	if err != nil {
		return nil, err
	}
	hydrate := req.Hydrate == nil || *req.Hydrate
	limits := s.captureLimits(req.Limits)

	if req.SnapshotID != "" {
		return s.matchHeld(ctx, &req, def, hydrate, limits)
	}
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: %s needs a sessionId or snapshotId", errBadRequest, ActionContainersMatch)
	}

	var (
		snap *snapshot.Snapshot
		tree *match.Tree
	)
	err = s.cfg.Sessions.WithSession(ctx, req.SessionID, func(sess *session.Session) error {
		pg := sess.Page()
		var cerr error
		snap, cerr = snapshot.Capture(ctx, pg, limits)
		if cerr != nil {
			return cerr
		}
		if !hydrate {
			tree, cerr = match.Match(def, snap)
			if cerr != nil {
				return fmt.Errorf("%w: %v", errBadRequest, cerr)
			}
			return nil
		}
		sv := &match.Service{Limits: limits, Logger: s.logger}
		tree, cerr = sv.MatchHydrated(ctx, pg, def, snap)
		return cerr
	})
	if err != nil {
		return nil, err
	}
	s.holdSnapshot(snap, req.SessionID)
	return marshalMatch(snap, tree)
}

// matchHeld re-matches a previously captured snapshot, hydrating
// through its originating session when that session is still live. A
// session that is gone or closed degrades to a pure offline match
// instead of failing: the captured data did not go anywhere.
func (s *Service) matchHeld(ctx context.Context, req *matchRequest, def *container.Definition, hydrate bool, limits snapshot.Limits) ([]byte, error) {
	held, ok := s.lookupSnapshot(req.SnapshotID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errSnapshotNotFound, req.SnapshotID)
	}
	matchOffline := func() ([]byte, error) {
		tree, err := match.Match(def, held.snap)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		return marshalMatch(held.snap, tree)
	}
	if !hydrate || held.sessionID == "" {
		return matchOffline()
	}

	var tree *match.Tree
	err := s.cfg.Sessions.WithSession(ctx, held.sessionID, func(sess *session.Session) error {
		sv := &match.Service{Limits: limits, Logger: s.logger}
		var merr error
		tree, merr = sv.MatchHydrated(ctx, sess.Page(), def, held.snap)
		return merr
	})
	if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, session.ErrNotUsable) {
		return matchOffline()
	}
	if err != nil {
		return nil, err
	}
	return marshalMatch(held.snap, tree)
}

type inspectRequest struct {
	Container string `json:"container,omitempty"`
}

type inspectResponse struct {
	Containers []string              `json:"containers,omitempty"`
	Definition *container.Definition `json:"definition,omitempty"`
}

// containersInspect lists registered root containers, or returns one
// definition subtree with its selectors and capabilities.
func (s *Service) containersInspect(_ context.Context, payload []byte) ([]byte, error) {
	var req inspectRequest
	if err := decodeInto(ActionContainersInspect, payload, &req); err != nil {
		return nil, err
	}
	if req.Container == "" {
		return json.Marshal(inspectResponse{Containers: s.cfg.Catalog.Names()})
	}
	def, err := s.resolveDefinition(req.Container)
	if err != nil {
		return nil, err
	}
	return json.Marshal(inspectResponse{Definition: def})
}

type operationRequest struct {
	SessionID string         `json:"sessionId"`
	Container string         `json:"container"`
	Operation string         `json:"operation"`
	Path      string         `json:"path"`
	URL       string         `json:"url,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// containerOperation runs one operation against an element a container
// bound to. The container definition must grant the operation as a
// capability; execution goes through the plan runner as a one-step
// plan so retry, gating and rule emission apply exactly as in full
// plans.
func (s *Service) containerOperation(ctx context.Context, payload []byte) ([]byte, error) {
	var req operationRequest
	if err := decodeInto(ActionContainerOperation, payload, &req); err != nil {
		return nil, err
	}
	if req.SessionID == "" || req.Operation == "" || req.Path == "" {
		return nil, fmt.Errorf("%w: %s needs sessionId, operation and path", errBadRequest, ActionContainerOperation)
	}
	def, err := s.resolveDefinition(req.Container)
	if err != nil {
		return nil, err
	}
	if !def.HasCapability(req.Operation) {
		return nil, fmt.Errorf("%w: container %s does not grant %q", errCapabilityDenied, req.Container, req.Operation)
	}

	plan := engine.Plan{
		ID:    newOpPlanID(),
		Steps: []engine.Step{{Kind: engine.StepKind(req.Operation), Params: req.Params}},
		State: map[string]any{},
	}
	tgt := engine.Target{SessionID: req.SessionID, Path: req.Path, URL: req.URL}

	start := time.Now()
	res, err := s.cfg.Runner.Run(ctx, plan, tgt)
	s.recordPlanMetrics(plan.ID, start, err)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

// --- DOM ---

type branchRequest struct {
	SnapshotID string           `json:"snapshotId"`
	Path       string           `json:"path"`
	Limits     *snapshot.Limits `json:"limits,omitempty"`
}

type branchResponse struct {
	SnapshotID string         `json:"snapshotId"`
	Path       string         `json:"path"`
	Gone       bool           `json:"gone,omitempty"`
	Node       *snapshot.Node `json:"node,omitempty"`
}

// domBranch hydrates one branch of a held snapshot from its live page,
// merges it in, and returns the materialized subtree. Ancestors beyond
// the original capture depth are forced level by level first, so any
// reachable path works regardless of capture limits. A branch that
// vanished from the page is a soft outcome, not an error.
func (s *Service) domBranch(ctx context.Context, payload []byte) ([]byte, error) {
	var req branchRequest
	if err := decodeInto(ActionDOMBranch, payload, &req); err != nil {
		return nil, err
	}
	if req.SnapshotID == "" || req.Path == "" {
		return nil, fmt.Errorf("%w: %s needs snapshotId and path", errBadRequest, ActionDOMBranch)
	}
	held, ok := s.lookupSnapshot(req.SnapshotID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errSnapshotNotFound, req.SnapshotID)
	}
	if held.sessionID == "" {
		return nil, fmt.Errorf("%w: snapshot %s came from static HTML, nothing to hydrate from", errBadRequest, req.SnapshotID)
	}
	limits := s.captureLimits(req.Limits)

	var node *snapshot.Node
	err := s.cfg.Sessions.WithSession(ctx, held.sessionID, func(sess *session.Session) error {
		pg := sess.Page()
		if err := held.snap.ForcePath(ctx, pg, req.Path, limits); err != nil {
			return err
		}
		branch, err := snapshot.HydrateBranch(ctx, pg, req.Path, limits)
		if err != nil {
			return err
		}
		if err := held.snap.Merge(req.Path, branch); err != nil {
			return err
		}
		node = held.snap.NodeAt(req.Path)
		return nil
	})
	if errors.Is(err, snapshot.ErrBranchGone) {
		return json.Marshal(branchResponse{SnapshotID: held.snap.ID, Path: req.Path, Gone: true})
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(branchResponse{SnapshotID: held.snap.ID, Path: req.Path, Node: node})
}

type loadHTMLRequest struct {
	HTML   string           `json:"html"`
	URL    string           `json:"url,omitempty"`
	Limits *snapshot.Limits `json:"limits,omitempty"`
}

type loadHTMLResponse struct {
	SnapshotID string `json:"snapshotId"`
	URL        string `json:"url,omitempty"`
	Nodes      int    `json:"nodes"`
}

// domLoadHTML parses static HTML into a held snapshot, so containers
// can be matched against saved pages without any browser. The result
// supports containers:match but not dom:branch.
func (s *Service) domLoadHTML(_ context.Context, payload []byte) ([]byte, error) {
	var req loadHTMLRequest
	if err := decodeInto(ActionDOMLoadHTML, payload, &req); err != nil {
		return nil, err
	}
	if req.HTML == "" {
		return nil, fmt.Errorf("%w: %s needs html", errBadRequest, ActionDOMLoadHTML)
	}
	snap, err := snapshot.FromHTML(strings.NewReader(req.HTML), s.captureLimits(req.Limits))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if req.URL != "" {
		snap.URL = req.URL
	}
	s.holdSnapshot(snap, "")
	return json.Marshal(loadHTMLResponse{SnapshotID: snap.ID, URL: snap.URL, Nodes: snap.NumNodes()})
}

// --- Sessions ---

type sessionStartRequest struct {
	ProfileID string `json:"profileId"`
	URL       string `json:"url,omitempty"`
	Headless  *bool  `json:"headless,omitempty"`
}

// sessionStart opens a browser session on a profile, or returns the
// live one when the profile already has a session. Headless defaults
// to true.
func (s *Service) sessionStart(ctx context.Context, payload []byte) ([]byte, error) {
	var req sessionStartRequest
	if err := decodeInto(ActionSessionStart, payload, &req); err != nil {
		return nil, err
	}
	if req.ProfileID == "" {
		return nil, fmt.Errorf("%w: %s needs profileId", errBadRequest, ActionSessionStart)
	}
	headless := req.Headless == nil || *req.Headless
	sess, err := s.cfg.Sessions.Start(ctx, req.ProfileID, session.StartOptions{URL: req.URL, Headless: headless})
	if err != nil {
		s.logEvent(ctx, "session_start_failed", "profile", req.ProfileID, ActionSessionStart, false)
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordSimple(observability.MetricSessionStarts, 1, "count")
	}
	s.logEvent(ctx, "session_started", "session", sess.ID, ActionSessionStart, true)
	return json.Marshal(sess.Snapshot())
}

type sessionStatusRequest struct {
	SessionID string `json:"sessionId,omitempty"`
}

type sessionListResponse struct {
	Sessions []session.Status `json:"sessions"`
}

// sessionStatus returns one session's status, or every session when no
// id is given.
func (s *Service) sessionStatus(_ context.Context, payload []byte) ([]byte, error) {
	var req sessionStatusRequest
	if err := decodeInto(ActionSessionStatus, payload, &req); err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		return json.Marshal(sessionListResponse{Sessions: s.cfg.Sessions.List()})
	}
	st, err := s.cfg.Sessions.Status(req.SessionID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(st)
}

type sessionCloseRequest struct {
	SessionID string `json:"sessionId"`
}

type sessionCloseResponse struct {
	Closed string `json:"closed"`
}

func (s *Service) sessionClose(ctx context.Context, payload []byte) ([]byte, error) {
	var req sessionCloseRequest
	if err := decodeInto(ActionSessionClose, payload, &req); err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: %s needs sessionId", errBadRequest, ActionSessionClose)
	}
	if err := s.cfg.Sessions.CloseSession(ctx, req.SessionID); err != nil {
		return nil, err
	}
	s.dropSessionSnapshots(req.SessionID)
	s.logEvent(ctx, "session_closed", "session", req.SessionID, ActionSessionClose, true)
	return json.Marshal(sessionCloseResponse{Closed: req.SessionID})
}

// --- Rules ---

type rulesListResponse struct {
	Rules []engine.Rule `json:"rules"`
}

func (s *Service) rulesList(_ context.Context, _ []byte) ([]byte, error) {
	return json.Marshal(rulesListResponse{Rules: s.cfg.Runner.Rules().List()})
}

// rulesAddRequest shadows Enabled with a pointer so a rule added
// without the field defaults to enabled; the zero value would silently
// register it switched off.
type rulesAddRequest struct {
	engine.Rule
	Enabled *bool `json:"enabled,omitempty"`
}

type rulesAddResponse struct {
	Subscribed string `json:"subscribed"`
}

func (s *Service) rulesAdd(_ context.Context, payload []byte) ([]byte, error) {
	var req rulesAddRequest
	if err := decodeInto(ActionRulesAdd, payload, &req); err != nil {
		return nil, err
	}
	rule := req.Rule
	rule.Enabled = req.Enabled == nil || *req.Enabled
	if err := s.cfg.Runner.Rules().Subscribe(rule); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return json.Marshal(rulesAddResponse{Subscribed: rule.Name})
}

type rulesRemoveRequest struct {
	Name string `json:"name"`
}

type rulesRemoveResponse struct {
	Removed bool `json:"removed"`
}

// rulesRemove unsubscribes by name. Removing a rule that is not there
// reports removed=false instead of erroring, so removal is idempotent.
func (s *Service) rulesRemove(_ context.Context, payload []byte) ([]byte, error) {
	var req rulesRemoveRequest
	if err := decodeInto(ActionRulesRemove, payload, &req); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, fmt.Errorf("%w: %s needs name", errBadRequest, ActionRulesRemove)
	}
	removed := s.cfg.Runner.Rules().Unsubscribe(req.Name)
	return json.Marshal(rulesRemoveResponse{Removed: removed})
}

type rulesHistoryRequest struct {
	Event string `json:"event,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type rulesHistoryResponse struct {
	Entries []engine.Entry `json:"entries"`
	Total   int            `json:"total"`
}

const defaultHistoryLimit = 100

func (s *Service) rulesHistory(_ context.Context, payload []byte) ([]byte, error) {
	var req rulesHistoryRequest
	if err := decodeInto(ActionRulesHistory, payload, &req); err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	h := s.cfg.Runner.Rules().History()
	var entries []engine.Entry
	if req.Event != "" {
		entries = h.ByEvent(req.Event)
		if len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
	} else {
		entries = h.Recent(limit)
	}
	return json.Marshal(rulesHistoryResponse{Entries: entries, Total: h.Len()})
}

// --- Rate gate ---

type ratePermitRequest struct {
	Key string `json:"key"`
}

// ratePermit consumes one grant for key when a rule allows it. Denial
// is a successful response carrying the wait hint, not an error: the
// caller decides whether to wait or abandon.
func (s *Service) ratePermit(_ context.Context, payload []byte) ([]byte, error) {
	var req ratePermitRequest
	if err := decodeInto(ActionRatePermit, payload, &req); err != nil {
		return nil, err
	}
	if req.Key == "" {
		return nil, fmt.Errorf("%w: %s needs key", errBadRequest, ActionRatePermit)
	}
	d := s.cfg.Gate.Permit(req.Key)
	if !d.Allowed && s.metrics != nil {
		s.metrics.RecordSimple(observability.MetricGateDeniedCount, 1, "count")
	}
	return json.Marshal(d)
}

// --- Plans ---

func (s *Service) planBuild(_ context.Context, payload []byte) ([]byte, error) {
	var caps engine.Capabilities
	if err := decodeInto(ActionPlanBuild, payload, &caps); err != nil {
		return nil, err
	}
	return json.Marshal(engine.BuildPlan(caps))
}

type planRunRequest struct {
	Plan         *engine.Plan              `json:"plan,omitempty"`
	Capabilities *engine.Capabilities      `json:"capabilities,omitempty"`
	Params       map[string]map[string]any `json:"params,omitempty"`
	Target       engine.Target             `json:"target"`
}

// resolvePlan accepts either an explicit plan or capability flags, and
// fills per-kind step params supplied alongside ("comment_like" keys a
// merged step).
func resolvePlan(req *planRunRequest, action string) (engine.Plan, error) {
	var plan engine.Plan
	switch {
	case req.Plan != nil:
		plan = *req.Plan
		if len(plan.Steps) == 0 {
			return engine.Plan{}, fmt.Errorf("%w: %s: plan has no steps", errBadRequest, action)
		}
		if plan.ID == "" {
			plan.ID = newPlanID()
		}
	case req.Capabilities != nil:
		plan = engine.BuildPlan(*req.Capabilities)
	default:
		return engine.Plan{}, fmt.Errorf("%w: %s needs a plan or capabilities", errBadRequest, action)
	}
	for i := range plan.Steps {
		if p, ok := req.Params[string(plan.Steps[i].Kind)]; ok {
			plan.Steps[i].Params = p
		}
	}
	return plan, nil
}

func (s *Service) planRun(ctx context.Context, payload []byte) ([]byte, error) {
	var req planRunRequest
	if err := decodeInto(ActionPlanRun, payload, &req); err != nil {
		return nil, err
	}
	plan, err := resolvePlan(&req, ActionPlanRun)
	if err != nil {
		return nil, err
	}
	if req.Target.SessionID == "" {
		return nil, fmt.Errorf("%w: %s needs target.sessionId", errBadRequest, ActionPlanRun)
	}
	start := time.Now()
	res, err := s.cfg.Runner.Run(ctx, plan, req.Target)
	s.recordPlanMetrics(plan.ID, start, err)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

type planQueueResponse struct {
	JobID   string `json:"jobId"`
	PlanID  string `json:"planId"`
	Pending int    `json:"pending,omitempty"`
}

// planQueue persists a plan job for background execution. The target
// session must still be live when the job is claimed; the queue drops
// jobs whose session disappeared for good.
func (s *Service) planQueue(ctx context.Context, payload []byte) ([]byte, error) {
	if s.queue == nil {
		return nil, fmt.Errorf("%w: plan queue", errUnavailable)
	}
	var req planRunRequest
	if err := decodeInto(ActionPlanQueue, payload, &req); err != nil {
		return nil, err
	}
	plan, err := resolvePlan(&req, ActionPlanQueue)
	if err != nil {
		return nil, err
	}
	if req.Target.SessionID == "" {
		return nil, fmt.Errorf("%w: %s needs target.sessionId", errBadRequest, ActionPlanQueue)
	}
	jobID, err := s.queue.Enqueue(ctx, plan, req.Target)
	if err != nil {
		return nil, err
	}
	s.logEvent(ctx, "plan_queued", "plan", plan.ID, ActionPlanQueue, true)
	resp := planQueueResponse{JobID: jobID, PlanID: plan.ID}
	if n, perr := s.queue.Pending(ctx); perr == nil {
		resp.Pending = n
	}
	return json.Marshal(resp)
}
