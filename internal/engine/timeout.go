package engine

import (
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

// Base budgets for one turn. Each turn recomputes its pair from these unless
// the caller pins one side explicitly.
const (
	baseModelTimeout = 600 * time.Second
	baseToolTimeout  = 300 * time.Second

	// Caps applied by the description heuristics.
	largeGenModelCap = 1800 * time.Second
	complexModelCap  = 1500 * time.Second
	complexToolCap   = 900 * time.Second
)

// modeMultipliers scales budgets by execution mode. Unknown modes use 1.0.
var modeMultipliers = map[string]float64{
	"orchestrator": 1.5,
	"ask":          0.8,
}

// largeGenKeywords mark tasks expected to produce long single responses.
// Only the model budget is raised for these; tool work stays standard.
var largeGenKeywords = []string{
	"generate", "scaffold", "boilerplate", "write the entire", "full implementation",
}

// complexKeywords mark multi-step work that stretches both budgets.
var complexKeywords = []string{
	"multi-step", "complex", "refactor", "migrate", "step by step",
}

// TurnTimeouts is the pair of independent budgets for one turn.
type TurnTimeouts struct {
	// Model bounds the model call.
	Model time.Duration
	// Tool bounds tool execution after the turn completes.
	Tool time.Duration
}

// TimeoutOverrides pins one or both budgets. When exactly one side is pinned,
// the other is derived at a fixed ratio (tool = model/2, model = tool*2)
// instead of being recomputed from the heuristics.
type TimeoutOverrides struct {
	Model time.Duration
	Tool  time.Duration
}

// ComputeTurnTimeouts derives the budget pair for the node's next turn from
// its mode and description, honoring any caller-pinned values.
func ComputeTurnTimeouts(node *models.TaskNode, overrides TimeoutOverrides) TurnTimeouts {
	if overrides.Model > 0 && overrides.Tool > 0 {
		return TurnTimeouts{Model: overrides.Model, Tool: overrides.Tool}
	}
	if overrides.Model > 0 {
		return TurnTimeouts{Model: overrides.Model, Tool: overrides.Model / 2}
	}
	if overrides.Tool > 0 {
		return TurnTimeouts{Model: overrides.Tool * 2, Tool: overrides.Tool}
	}

	model := baseModelTimeout
	tool := baseToolTimeout

	if mult, ok := modeMultipliers[node.Mode]; ok {
		model = time.Duration(float64(model) * mult)
		tool = time.Duration(float64(tool) * mult)
	}

	desc := strings.ToLower(node.Description)
	switch {
	case matchesAny(desc, largeGenKeywords):
		model = min(model*2, largeGenModelCap)
	case matchesAny(desc, complexKeywords):
		model = min(model*2, complexModelCap)
		tool = min(tool*2, complexToolCap)
	}

	return TurnTimeouts{Model: model, Tool: tool}
}

func matchesAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
