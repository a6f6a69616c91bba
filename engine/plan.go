package engine

import (
	"github.com/hazyhaar/domsteer/idgen"
)

// StepKind identifies one operation in a plan.
type StepKind string

const (
	StepHarvestDetails  StepKind = "harvest_details"
	StepHarvestComments StepKind = "harvest_comments"
	StepComment         StepKind = "comment"
	StepLike            StepKind = "like"
	StepCommentLike     StepKind = "comment_like"
	StepContinue        StepKind = "continue"
)

// gatedKinds lists the step kinds that consult the rate gate before
// dispatch. Harvests are read-only and pass freely.
var gatedKinds = map[StepKind]bool{
	StepComment:     true,
	StepLike:        true,
	StepCommentLike: true,
}

// Capabilities are the boolean flags a plan is built from.
type Capabilities struct {
	HarvestDetails  bool `json:"harvestDetails"`
	HarvestComments bool `json:"harvestComments"`
	Comment         bool `json:"comment"`
	Like            bool `json:"like"`
}

// Step is one entry in a plan. Params are handed to the operation
// implementation unchanged; BuildPlan leaves them nil and callers fill
// in paths and texts before running.
type Step struct {
	Kind   StepKind       `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
}

// Plan is an ordered step list plus the state accumulated while
// running it. Step results merge into State as the plan advances.
type Plan struct {
	ID    string         `json:"id"`
	Steps []Step         `json:"steps"`
	State map[string]any `json:"state,omitempty"`
}

var newPlanID = idgen.Prefixed("plan_", idgen.Timestamped(idgen.NanoID(6)))

// BuildPlan turns capability flags into a deterministic step list:
// harvest_details, harvest_comments, then the interaction step, then a
// closing continue step that advances past the current item. Comment
// and like requested together collapse into a single comment_like
// step, never two separate ones.
func BuildPlan(caps Capabilities) Plan {
	var steps []Step
	if caps.HarvestDetails {
		steps = append(steps, Step{Kind: StepHarvestDetails})
	}
	if caps.HarvestComments {
		steps = append(steps, Step{Kind: StepHarvestComments})
	}
	switch {
	case caps.Comment && caps.Like:
		steps = append(steps, Step{Kind: StepCommentLike})
	case caps.Comment:
		steps = append(steps, Step{Kind: StepComment})
	case caps.Like:
		steps = append(steps, Step{Kind: StepLike})
	}
	steps = append(steps, Step{Kind: StepContinue})
	return Plan{ID: newPlanID(), Steps: steps, State: map[string]any{}}
}
