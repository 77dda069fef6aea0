// Package pricing estimates the USD cost of a completed request from its
// token usage. It is a collaborator of the core: the core only calls
// CostUSD on a finalized gateway.Usage, never originates prices itself.
package pricing

import (
	"strings"

	gateway "github.com/castellan-io/relaygate/internal"
)

// Pricing computes the USD cost of a request given its model and token usage.
type Pricing interface {
	CostUSD(model string, usage gateway.Usage) float64
}

// Rate is a pair of per-million-token prices for a model.
type Rate struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// StaticTable is a Pricing implementation backed by a fixed per-model rate
// table keyed by bare model name. Everything up to and including the first
// "/" of the model string is dropped before an exact lookup (so
// "anthropic/claude-sonnet-4-6" looks up "claude-sonnet-4-6"), falling back
// to DefaultRate when no entry matches. Ownership of the table is the caller's: the table
// passed to NewStaticTable is copied, so later caller-side mutation never
// affects a Pricing already constructed.
type StaticTable struct {
	rates    map[string]Rate
	fallback Rate
}

// DefaultRate is charged for any model absent from the table: a conservative
// blended estimate so unknown models are never metered as free.
var DefaultRate = Rate{InputPerMTok: 1.00, OutputPerMTok: 3.00}

// defaultRates holds approximate, intentionally conservative list prices for
// the models most commonly dispatched through the gateway. Real-time pricing
// is the billing service's concern (see gateway §4.5); this table exists so
// the core can produce a non-zero, directionally-correct cost without a
// network round trip on every request.
var defaultRates = map[string]Rate{
	"gpt-4o":                  {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"gpt-4o-mini":             {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4.1":                 {InputPerMTok: 2.00, OutputPerMTok: 8.00},
	"gpt-4.1-mini":            {InputPerMTok: 0.40, OutputPerMTok: 1.60},
	"o1":                      {InputPerMTok: 15.00, OutputPerMTok: 60.00},
	"o3-mini":                 {InputPerMTok: 1.10, OutputPerMTok: 4.40},
	"claude-opus-4-6":         {InputPerMTok: 15.00, OutputPerMTok: 75.00},
	"claude-sonnet-4-6":       {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-haiku-4-5":        {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	"gemini-2.5-pro":          {InputPerMTok: 1.25, OutputPerMTok: 10.00},
	"gemini-2.5-flash":        {InputPerMTok: 0.30, OutputPerMTok: 2.50},
	"command-r-plus":          {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"command-r":               {InputPerMTok: 0.15, OutputPerMTok: 0.60},
}

// NewStaticTable returns a StaticTable seeded with a copy of rates merged
// over the built-in defaults; entries in rates override a matching default.
// A nil map uses the defaults unchanged.
func NewStaticTable(rates map[string]Rate) *StaticTable {
	merged := make(map[string]Rate, len(defaultRates)+len(rates))
	for k, v := range defaultRates {
		merged[k] = v
	}
	for k, v := range rates {
		merged[k] = v
	}
	return &StaticTable{rates: merged, fallback: DefaultRate}
}

// CostUSD returns the estimated USD cost of usage for model. model may be
// provider-qualified ("anthropic/claude-sonnet-4-6") or bare
// ("claude-sonnet-4-6"); the provider prefix (anything up to and including
// the first "/") is stripped before table lookup so the same rate entry
// serves a model whether it was dispatched via a route alias or a direct
// "provider/model" string.
func (t *StaticTable) CostUSD(model string, usage gateway.Usage) float64 {
	native := model
	if i := strings.IndexByte(model, '/'); i >= 0 {
		native = model[i+1:]
	}
	rate, ok := t.rates[native]
	if !ok {
		rate = t.fallback
	}
	in := float64(usage.PromptTokens) / 1_000_000 * rate.InputPerMTok
	out := float64(usage.CompletionTokens) / 1_000_000 * rate.OutputPerMTok
	return in + out
}
