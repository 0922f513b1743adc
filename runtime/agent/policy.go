package agent

import "github.com/swarmlab/overseer/runtime/task"

type (
	// Models names the configured model identifier for each capability
	// tier.
	Models struct {
		Haiku  string
		Sonnet string
		Opus   string
	}

	// Pricing is the per-million-token USD cost for one tier.
	Pricing struct {
		InputUSD  float64
		OutputUSD float64
	}
)

// Per-tier pricing, USD per million tokens.
var pricing = map[string]Pricing{
	"haiku":  {InputUSD: 0.25, OutputUSD: 1.25},
	"sonnet": {InputUSD: 3, OutputUSD: 15},
	"opus":   {InputUSD: 15, OutputUSD: 75},
}

// Select picks the model for an invocation. Explicit complexity hints win:
// trivial work goes to the small model, complex work to the large one.
// Otherwise analysis-style work (file analysis, planning) uses the small
// model and everything else the mid tier.
func (m Models) Select(agentCtx map[string]any) string {
	switch stringValue(agentCtx, "complexity") {
	case "trivial":
		return m.Haiku
	case "complex":
		return m.Opus
	}
	switch stringValue(agentCtx, "task_type") {
	case "file_analysis", "planning":
		return m.Haiku
	}
	return m.Sonnet
}

// Tier returns the capability tier name for a configured model identifier,
// or "" when the identifier is not one of the three configured models.
func (m Models) Tier(model string) string {
	switch model {
	case m.Haiku:
		return "haiku"
	case m.Sonnet:
		return "sonnet"
	case m.Opus:
		return "opus"
	}
	return ""
}

// Cost estimates the USD cost of the given usage. Unknown model identifiers
// are priced at the mid tier so accounting never silently drops usage.
func (m Models) Cost(usage map[string]task.TokenCount) float64 {
	total := 0.0
	for model, tc := range usage {
		tier := m.Tier(model)
		if tier == "" {
			tier = "sonnet"
		}
		p := pricing[tier]
		total += float64(tc.Input)/1e6*p.InputUSD + float64(tc.Output)/1e6*p.OutputUSD
	}
	return total
}

func stringValue(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
