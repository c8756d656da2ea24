package vlm

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var million = decimal.NewFromInt(1_000_000)

// Price is USD per one million tokens.
type Price struct {
	Input  decimal.Decimal
	Output decimal.Decimal
}

// Cost prices a call from its token counts.
func (p Price) Cost(inputTokens, outputTokens int) decimal.Decimal {
	in := p.Input.Mul(decimal.NewFromInt(int64(inputTokens)))
	out := p.Output.Mul(decimal.NewFromInt(int64(outputTokens)))
	return in.Add(out).Div(million)
}

var defaultPrices = map[string]Price{
	"qwen/qwen2.5-vl-72b-instruct": {decimal.RequireFromString("0.40"), decimal.RequireFromString("0.40")},
	"qwen/qwen2-vl-72b-instruct":   {decimal.RequireFromString("0.40"), decimal.RequireFromString("0.40")},
	"qwen/qwen2-vl-7b-instruct":    {decimal.RequireFromString("0.10"), decimal.RequireFromString("0.10")},
	"openai/gpt-4o-mini":           {decimal.RequireFromString("0.15"), decimal.RequireFromString("0.60")},
	"openai/gpt-4o":                {decimal.RequireFromString("2.50"), decimal.RequireFromString("10.00")},
}

var unknownPrice = Price{Input: decimal.NewFromInt(1), Output: decimal.NewFromInt(1)}

// PriceTable maps model ids to prices and implements budget.Estimator.
type PriceTable struct {
	mu     sync.RWMutex
	prices map[string]Price

	// Worst case assumes this many input tokens (prompt plus one page image) and a
	// completion of maxOutputTokens.
	estInputTokens  int
	maxOutputTokens int
}

func NewPriceTable(maxOutputTokens int) *PriceTable {
	if maxOutputTokens <= 0 {
		maxOutputTokens = 2000
	}
	t := &PriceTable{
		prices:          make(map[string]Price, len(defaultPrices)),
		estInputTokens:  3000,
		maxOutputTokens: maxOutputTokens,
	}
	for k, v := range defaultPrices {
		t.prices[k] = v
	}
	return t
}

type priceFile struct {
	Models map[string]struct {
		Input  string `yaml:"input_per_million"`
		Output string `yaml:"output_per_million"`
	} `yaml:"models"`
	EstimatedInputTokens int `yaml:"estimated_input_tokens"`
}

// LoadFile overlays prices from a YAML file:
//
//	estimated_input_tokens: 3000
//	models:
//	  openai/gpt-4o-mini: {input_per_million: "0.15", output_per_million: "0.60"}
func (t *PriceTable) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read price file: %w", err)
	}
	return t.Load(b)
}

func (t *PriceTable) Load(b []byte) error {
	var pf priceFile
	if err := yaml.Unmarshal(b, &pf); err != nil {
		return fmt.Errorf("parse price file: %w", err)
	}
	parsed := make(map[string]Price, len(pf.Models))
	for model, p := range pf.Models {
		in, err := decimal.NewFromString(p.Input)
		if err != nil || in.IsNegative() {
			return fmt.Errorf("model %s: bad input price %q", model, p.Input)
		}
		out, err := decimal.NewFromString(p.Output)
		if err != nil || out.IsNegative() {
			return fmt.Errorf("model %s: bad output price %q", model, p.Output)
		}
		parsed[model] = Price{Input: in, Output: out}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range parsed {
		t.prices[k] = v
	}
	if pf.EstimatedInputTokens > 0 {
		t.estInputTokens = pf.EstimatedInputTokens
	}
	return nil
}

// Price returns the model's price; unknown models get the conservative default.
func (t *PriceTable) Price(model string) (Price, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.prices[model]
	if !ok {
		return unknownPrice, false
	}
	return p, true
}

func (t *PriceTable) Cost(model string, inputTokens, outputTokens int) decimal.Decimal {
	p, _ := t.Price(model)
	return p.Cost(inputTokens, outputTokens)
}

// WorstCase is the most a single call to model can cost.
func (t *PriceTable) WorstCase(model string) decimal.Decimal {
	p, _ := t.Price(model)
	t.mu.RLock()
	in, out := t.estInputTokens, t.maxOutputTokens
	t.mu.RUnlock()
	return p.Cost(in, out)
}

// ModelPrice is one row of Models.
type ModelPrice struct {
	Model            string `json:"model"`
	InputPerMillion  string `json:"input_per_million_usd"`
	OutputPerMillion string `json:"output_per_million_usd"`
	WorstCaseUSD     string `json:"worst_case_usd"`
}

// Models lists every priced model, sorted by id.
func (t *PriceTable) Models() []ModelPrice {
	t.mu.RLock()
	ids := make([]string, 0, len(t.prices))
	for k := range t.prices {
		ids = append(ids, k)
	}
	t.mu.RUnlock()
	sort.Strings(ids)

	out := make([]ModelPrice, 0, len(ids))
	for _, id := range ids {
		p, _ := t.Price(id)
		out = append(out, ModelPrice{
			Model:            id,
			InputPerMillion:  p.Input.String(),
			OutputPerMillion: p.Output.String(),
			WorstCaseUSD:     t.WorstCase(id).String(),
		})
	}
	return out
}
