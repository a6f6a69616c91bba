package connectivity

import "iter"

// ActionInfo describes a routed action as seen by the router at a point in
// time. The struct is a snapshot; the router may have reloaded since this
// was created.
type ActionInfo struct {
	Name     string `json:"name"`
	Strategy string `json:"strategy"`
	Endpoint string `json:"endpoint"`
	HasLocal bool   `json:"has_local"`
}

// ListActions returns an iterator over all actions known to the router.
// This includes actions with remote routes (from SQLite) and actions with
// local-only handlers (registered via RegisterLocal).
func (r *Router) ListActions() iter.Seq[ActionInfo] {
	return func(yield func(ActionInfo) bool) {
		r.mu.RLock()
		defer r.mu.RUnlock()

		seen := make(map[string]bool, len(r.routeSnap)+len(r.localHandlers))

		for name, rt := range r.routeSnap {
			seen[name] = true
			_, hasLocal := r.localHandlers[name]
			if !yield(ActionInfo{
				Name:     name,
				Strategy: rt.Strategy,
				Endpoint: rt.Endpoint,
				HasLocal: hasLocal,
			}) {
				return
			}
		}

		for name := range r.localHandlers {
			if seen[name] {
				continue
			}
			if !yield(ActionInfo{
				Name:     name,
				Strategy: "local",
				HasLocal: true,
			}) {
				return
			}
		}
	}
}

// Inspect returns detailed information about a single action.
// Returns ok=false if the action is not registered in any form.
func (r *Router) Inspect(action string) (info ActionInfo, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, hasRoute := r.routeSnap[action]
	_, hasLocal := r.localHandlers[action]

	if !hasRoute && !hasLocal {
		return ActionInfo{}, false
	}

	info = ActionInfo{
		Name:     action,
		HasLocal: hasLocal,
	}

	if hasRoute {
		info.Strategy = rt.Strategy
		info.Endpoint = rt.Endpoint
	} else {
		info.Strategy = "local"
	}

	return info, true
}
