package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/domsteer/kit"
)

// RegisterMCP registers every action as an MCP tool on the server.
// Tools carry full input schemas so model callers can fill arguments
// without reading docs; execution goes through Call, so routing
// overrides and auditing apply to MCP exactly as to HTTP.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerContainersMatch(srv)
	s.registerContainersInspect(srv)
	s.registerContainerOperation(srv)
	s.registerDOMBranch(srv)
	s.registerDOMLoadHTML(srv)
	s.registerSessionStart(srv)
	s.registerSessionStatus(srv)
	s.registerSessionClose(srv)
	s.registerRulesList(srv)
	s.registerRulesAdd(srv)
	s.registerRulesRemove(srv)
	s.registerRulesHistory(srv)
	s.registerRatePermit(srv)
	s.registerPlanBuild(srv)
	s.registerPlanRun(srv)
	s.registerPlanQueue(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// registerTool wires one tool to its action. Arguments pass through as
// raw JSON — the handlers own decoding, so MCP and HTTP callers hit
// identical validation. Errors carry the envelope code as a prefix
// since tool errors are text-only.
func (s *Service) registerTool(srv *mcp.Server, action string, tool *mcp.Tool) {
	endpoint := func(ctx context.Context, r any) (any, error) {
		data, err := s.Call(ctx, action, r.(json.RawMessage))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", errorBody(err).Code, err)
		}
		return json.RawMessage(data), nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{
			Request: json.RawMessage(r.Params.Arguments),
			EnrichCtx: func(ctx context.Context) context.Context {
				return kit.WithTransport(ctx, "mcp")
			},
		}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// Schema fragments shared by several tools.

func limitsSchema() map[string]any {
	return map[string]any{
		"type":        "object",
		"description": "Capture bounds; omitted fields take the server defaults",
		"properties": map[string]any{
			"max_depth":    map[string]any{"type": "integer", "description": "Levels captured below the root"},
			"max_children": map[string]any{"type": "integer", "description": "Children kept per node before truncation"},
		},
	}
}

func targetSchema() map[string]any {
	return map[string]any{
		"type":        "object",
		"description": "Where the plan runs",
		"properties": map[string]any{
			"sessionId":   map[string]any{"type": "string", "description": "Live session ID"},
			"profileId":   map[string]any{"type": "string", "description": "Profile backing the session"},
			"path":        map[string]any{"type": "string", "description": "Snapshot path of the element to act on"},
			"url":         map[string]any{"type": "string", "description": "Navigate here before the first step"},
			"loginAnchor": map[string]any{"type": "string", "description": "Selector whose presence means logged in"},
			"loginWaitMs": map[string]any{"type": "integer", "description": "How long to wait for a manual login"},
		},
		"required": []string{"sessionId"},
	}
}

func capabilitiesSchema() map[string]any {
	return map[string]any{
		"type":        "object",
		"description": "Capability flags a plan is built from",
		"properties": map[string]any{
			"harvestDetails":  map[string]any{"type": "boolean", "description": "Collect the item's detail fields"},
			"harvestComments": map[string]any{"type": "boolean", "description": "Collect the item's comments"},
			"comment":         map[string]any{"type": "boolean", "description": "Post a comment"},
			"like":            map[string]any{"type": "boolean", "description": "Leave a like"},
		},
	}
}

func planSchema() map[string]any {
	return map[string]any{
		"type":        "object",
		"description": "Explicit plan; alternative to capabilities",
		"properties": map[string]any{
			"id": map[string]any{"type": "string", "description": "Plan ID, generated when empty"},
			"steps": map[string]any{
				"type":        "array",
				"description": "Ordered steps",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"kind":   map[string]any{"type": "string", "description": "harvest_details, harvest_comments, comment, like, comment_like or continue"},
						"params": map[string]any{"type": "object", "description": "Operation parameters"},
					},
					"required": []string{"kind"},
				},
			},
			"state": map[string]any{"type": "object", "description": "Initial plan state"},
		},
	}
}

// --- Containers ---

func (s *Service) registerContainersMatch(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "containers_match",
		Description: "Match a container definition against a live session page or a held snapshot",
		InputSchema: inputSchema(map[string]any{
			"sessionId":  map[string]any{"type": "string", "description": "Session to capture a fresh snapshot from"},
			"snapshotId": map[string]any{"type": "string", "description": "Held snapshot to re-match instead of capturing"},
			"container":  map[string]any{"type": "string", "description": "Container name; dotted path descends into nested definitions"},
			"hydrate":    map[string]any{"type": "boolean", "description": "Hydrate truncated branches during matching (default true)"},
			"limits":     limitsSchema(),
		}, []string{"container"}),
	}
	s.registerTool(srv, ActionContainersMatch, tool)
}

func (s *Service) registerContainersInspect(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "containers_inspect_container",
		Description: "List known containers, or show one definition with its selectors and capabilities",
		InputSchema: inputSchema(map[string]any{
			"container": map[string]any{"type": "string", "description": "Container name; omit to list all roots"},
		}, nil),
	}
	s.registerTool(srv, ActionContainersInspect, tool)
}

func (s *Service) registerContainerOperation(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "container_operation",
		Description: "Run one operation on an element a container matched, subject to the container's capabilities",
		InputSchema: inputSchema(map[string]any{
			"sessionId": map[string]any{"type": "string", "description": "Live session ID"},
			"container": map[string]any{"type": "string", "description": "Container granting the operation"},
			"operation": map[string]any{"type": "string", "description": "Operation kind, e.g. comment or like"},
			"path":      map[string]any{"type": "string", "description": "Snapshot path of the element"},
			"url":       map[string]any{"type": "string", "description": "Navigate here first"},
			"params":    map[string]any{"type": "object", "description": "Operation parameters, e.g. comment text"},
		}, []string{"sessionId", "container", "operation", "path"}),
	}
	s.registerTool(srv, ActionContainerOperation, tool)
}

// --- DOM ---

func (s *Service) registerDOMBranch(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "dom_branch",
		Description: "Hydrate one branch of a held snapshot from its live page and return the subtree",
		InputSchema: inputSchema(map[string]any{
			"snapshotId": map[string]any{"type": "string", "description": "Held snapshot ID"},
			"path":       map[string]any{"type": "string", "description": "Branch path, e.g. 0.2.1"},
			"limits":     limitsSchema(),
		}, []string{"snapshotId", "path"}),
	}
	s.registerTool(srv, ActionDOMBranch, tool)
}

func (s *Service) registerDOMLoadHTML(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "dom_load_html",
		Description: "Parse static HTML into a held snapshot for matching without a browser",
		InputSchema: inputSchema(map[string]any{
			"html":   map[string]any{"type": "string", "description": "HTML document or fragment"},
			"url":    map[string]any{"type": "string", "description": "URL recorded on the snapshot"},
			"limits": limitsSchema(),
		}, []string{"html"}),
	}
	s.registerTool(srv, ActionDOMLoadHTML, tool)
}

// --- Sessions ---

func (s *Service) registerSessionStart(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "session_start",
		Description: "Start a browser session on a profile, or return the live one for that profile",
		InputSchema: inputSchema(map[string]any{
			"profileId": map[string]any{"type": "string", "description": "Profile to start on"},
			"url":       map[string]any{"type": "string", "description": "Initial URL"},
			"headless":  map[string]any{"type": "boolean", "description": "Run without a visible window (default true)"},
		}, []string{"profileId"}),
	}
	s.registerTool(srv, ActionSessionStart, tool)
}

func (s *Service) registerSessionStatus(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "session_status",
		Description: "Show one session's status, or list every session",
		InputSchema: inputSchema(map[string]any{
			"sessionId": map[string]any{"type": "string", "description": "Session ID; omit to list all"},
		}, nil),
	}
	s.registerTool(srv, ActionSessionStatus, tool)
}

func (s *Service) registerSessionClose(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "session_close",
		Description: "Close a browser session and release its profile",
		InputSchema: inputSchema(map[string]any{
			"sessionId": map[string]any{"type": "string", "description": "Session to close"},
		}, []string{"sessionId"}),
	}
	s.registerTool(srv, ActionSessionClose, tool)
}

// --- Rules ---

func (s *Service) registerRulesList(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "rules_list",
		Description: "List subscribed event rules in delivery order",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	s.registerTool(srv, ActionRulesList, tool)
}

func (s *Service) registerRulesAdd(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "rules_add",
		Description: "Subscribe an event rule with an optional predicate and action",
		InputSchema: inputSchema(map[string]any{
			"name":            map[string]any{"type": "string", "description": "Rule name, unique per subscription"},
			"trigger":         map[string]any{"type": "string", "description": "Event name or glob, e.g. step:*"},
			"enabled":         map[string]any{"type": "boolean", "description": "Deliver events to this rule (default true)"},
			"predicate":       map[string]any{"type": "string", "description": "Registered predicate: always, field_equals, min_count"},
			"predicateParams": map[string]any{"type": "object", "description": "Predicate parameters"},
			"action":          map[string]any{"type": "string", "description": "Registered action: log, annotate"},
			"actionParams":    map[string]any{"type": "object", "description": "Action parameters"},
		}, []string{"name", "trigger"}),
	}
	s.registerTool(srv, ActionRulesAdd, tool)
}

func (s *Service) registerRulesRemove(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "rules_remove",
		Description: "Unsubscribe an event rule by name",
		InputSchema: inputSchema(map[string]any{
			"name": map[string]any{"type": "string", "description": "Rule name"},
		}, []string{"name"}),
	}
	s.registerTool(srv, ActionRulesRemove, tool)
}

func (s *Service) registerRulesHistory(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "rules_history",
		Description: "Show recent rule evaluations, optionally filtered by event name",
		InputSchema: inputSchema(map[string]any{
			"event": map[string]any{"type": "string", "description": "Exact event name to filter on"},
			"limit": map[string]any{"type": "integer", "description": "Most recent entries to return (default 100)"},
		}, nil),
	}
	s.registerTool(srv, ActionRulesHistory, tool)
}

// --- Rate gate ---

func (s *Service) registerRatePermit(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "rate_permit",
		Description: "Consume one rate-gate grant for a key and report the decision with wait hints",
		InputSchema: inputSchema(map[string]any{
			"key": map[string]any{"type": "string", "description": "Gate key, e.g. comment:forum.example.org"},
		}, []string{"key"}),
	}
	s.registerTool(srv, ActionRatePermit, tool)
}

// --- Plans ---

func (s *Service) registerPlanBuild(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "plan_build",
		Description: "Build an ordered step plan from capability flags",
		InputSchema: inputSchema(map[string]any{
			"harvestDetails":  map[string]any{"type": "boolean", "description": "Collect the item's detail fields"},
			"harvestComments": map[string]any{"type": "boolean", "description": "Collect the item's comments"},
			"comment":         map[string]any{"type": "boolean", "description": "Post a comment"},
			"like":            map[string]any{"type": "boolean", "description": "Leave a like"},
		}, nil),
	}
	s.registerTool(srv, ActionPlanBuild, tool)
}

func (s *Service) registerPlanRun(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "plan_run",
		Description: "Run a plan against a live session and return per-step results",
		InputSchema: inputSchema(map[string]any{
			"plan":         planSchema(),
			"capabilities": capabilitiesSchema(),
			"params":       map[string]any{"type": "object", "description": "Per-kind step params, keyed by step kind"},
			"target":       targetSchema(),
		}, []string{"target"}),
	}
	s.registerTool(srv, ActionPlanRun, tool)
}

func (s *Service) registerPlanQueue(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "plan_queue",
		Description: "Queue a plan for background execution and return the job ID",
		InputSchema: inputSchema(map[string]any{
			"plan":         planSchema(),
			"capabilities": capabilitiesSchema(),
			"params":       map[string]any{"type": "object", "description": "Per-kind step params, keyed by step kind"},
			"target":       targetSchema(),
		}, []string{"target"}),
	}
	s.registerTool(srv, ActionPlanQueue, tool)
}
