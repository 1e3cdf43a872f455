package observer

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ternhq/tern"
)

// MicroUSD is a fixed-point USD amount with six decimal places. Cost
// arithmetic stays in integers so repeated accumulation cannot drift the
// way binary floats do; formatting happens only at the edge.
type MicroUSD int64

// String formats the amount as a decimal USD string, e.g. "1.234567".
func (m MicroUSD) String() string {
	sign := ""
	if m < 0 {
		sign = "-"
		m = -m
	}
	return fmt.Sprintf("%s%d.%06d", sign, m/1_000_000, m%1_000_000)
}

// USD returns the amount as a float64 for metric export.
func (m MicroUSD) USD() float64 { return float64(m) / 1e6 }

// MarshalJSON emits the decimal string form.
func (m MicroUSD) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// ModelPricing holds per-million-token pricing for a model, in USD.
// Zero rates mean free. CacheRead and CacheWrite stay zero for providers
// that do not price cached tokens separately.
type ModelPricing struct {
	InputPerMillion      float64 `json:"input_per_million" toml:"input_per_million"`
	OutputPerMillion     float64 `json:"output_per_million" toml:"output_per_million"`
	CacheReadPerMillion  float64 `json:"cache_read_per_million" toml:"cache_read_per_million"`
	CacheWritePerMillion float64 `json:"cache_write_per_million" toml:"cache_write_per_million"`
}

// Pricing is data, not code: the default table ships as embedded JSON so
// rate changes never touch Go source. Users override or extend entries
// via [observer.pricing] in tern.toml.
//
//go:embed pricing.json
var pricingJSON []byte

// DefaultPricing contains the embedded per-model rates.
var DefaultPricing map[string]ModelPricing

// DefaultAliases maps alternate model identifiers onto pricing keys.
var DefaultAliases map[string]string

func init() {
	var table struct {
		Models  map[string]ModelPricing `json:"models"`
		Aliases map[string]string       `json:"aliases"`
	}
	if err := json.Unmarshal(pricingJSON, &table); err != nil {
		panic("observer: embedded pricing.json is malformed: " + err.Error())
	}
	DefaultPricing = table.Models
	DefaultAliases = table.Aliases
}

// CostBreakdown is the per-bucket cost of one or more responses.
type CostBreakdown struct {
	Input         MicroUSD `json:"input"`
	Output        MicroUSD `json:"output"`
	Reasoning     MicroUSD `json:"reasoning"`
	CacheRead     MicroUSD `json:"cache_read"`
	CacheCreation MicroUSD `json:"cache_creation"`
	Total         MicroUSD `json:"total"`
}

// Add accumulates other into b bucket by bucket.
func (b *CostBreakdown) Add(other CostBreakdown) {
	b.Input += other.Input
	b.Output += other.Output
	b.Reasoning += other.Reasoning
	b.CacheRead += other.CacheRead
	b.CacheCreation += other.CacheCreation
	b.Total += other.Total
}

// CostCalculator computes cost from token counts. Model resolution is
// exact match, then alias map, then prefix match longest-first.
type CostCalculator struct {
	pricing  map[string]microPricing
	aliases  map[string]string
	prefixes []string // pricing keys, longest first
}

// microPricing is ModelPricing scaled to integer micro-USD per 1M tokens.
type microPricing struct {
	input, output, cacheRead, cacheWrite int64
}

func (p ModelPricing) micro() microPricing {
	return microPricing{
		input:      toMicro(p.InputPerMillion),
		output:     toMicro(p.OutputPerMillion),
		cacheRead:  toMicro(p.CacheReadPerMillion),
		cacheWrite: toMicro(p.CacheWritePerMillion),
	}
}

func toMicro(usd float64) int64 { return int64(math.Round(usd * 1e6)) }

// NewCostCalculator creates a calculator with default pricing and aliases,
// optionally merged with overrides.
func NewCostCalculator(overrides map[string]ModelPricing) *CostCalculator {
	merged := make(map[string]microPricing, len(DefaultPricing)+len(overrides))
	for k, v := range DefaultPricing {
		merged[k] = v.micro()
	}
	for k, v := range overrides {
		merged[k] = v.micro()
	}
	prefixes := make([]string, 0, len(merged))
	for k := range merged {
		prefixes = append(prefixes, k)
	}
	sort.Slice(prefixes, func(i, j int) bool {
		if len(prefixes[i]) != len(prefixes[j]) {
			return len(prefixes[i]) > len(prefixes[j])
		}
		return prefixes[i] < prefixes[j]
	})
	aliases := make(map[string]string, len(DefaultAliases))
	for k, v := range DefaultAliases {
		aliases[k] = v
	}
	return &CostCalculator{pricing: merged, aliases: aliases, prefixes: prefixes}
}

// resolve finds the pricing entry for model, or false for unknown models.
func (c *CostCalculator) resolve(model string) (microPricing, bool) {
	if p, ok := c.pricing[model]; ok {
		return p, true
	}
	if canonical, ok := c.aliases[model]; ok {
		if p, ok := c.pricing[canonical]; ok {
			return p, true
		}
	}
	for _, key := range c.prefixes {
		if strings.HasPrefix(model, key) {
			return c.pricing[key], true
		}
	}
	return microPricing{}, false
}

// Known reports whether the model resolves to a pricing entry.
func (c *CostCalculator) Known(model string) bool {
	_, ok := c.resolve(model)
	return ok
}

// Breakdown returns the per-bucket cost for the given usage.
// Unknown models cost zero. Reasoning tokens bill at the output rate.
// When input already includes cached tokens the cached share is billed at
// the cache rates and removed from input, never subtracted twice.
func (c *CostCalculator) Breakdown(model string, u tern.Usage) CostBreakdown {
	p, ok := c.resolve(model)
	if !ok {
		return CostBreakdown{}
	}
	input := u.InputTokens
	if u.InputIncludesCache {
		input -= u.CacheReadTokens + u.CacheCreationTokens
		if input < 0 {
			input = 0
		}
	}
	// tokens * microUSD-per-1M / 1M = microUSD
	bd := CostBreakdown{
		Input:         MicroUSD(input * p.input / 1_000_000),
		Output:        MicroUSD(u.OutputTokens * p.output / 1_000_000),
		Reasoning:     MicroUSD(u.ReasoningTokens * p.output / 1_000_000),
		CacheRead:     MicroUSD(u.CacheReadTokens * p.cacheRead / 1_000_000),
		CacheCreation: MicroUSD(u.CacheCreationTokens * p.cacheWrite / 1_000_000),
	}
	bd.Total = bd.Input + bd.Output + bd.Reasoning + bd.CacheRead + bd.CacheCreation
	return bd
}

// Calculate returns the total cost in USD for the given model and token
// counts. Returns 0.0 for unknown models.
func (c *CostCalculator) Calculate(model string, inputTokens, outputTokens int64) float64 {
	return c.Breakdown(model, tern.Usage{InputTokens: inputTokens, OutputTokens: outputTokens}).Total.USD()
}
