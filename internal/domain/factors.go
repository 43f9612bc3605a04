package domain

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultFactors is the fixed factor set seeded into the analytics database.
var DefaultFactors = []FactorDefinition{
	{ID: 1, Name: "market", DisplayName: "Market Beta", ProxySymbol: "SPY", SortOrder: 1},
	{ID: 2, Name: "value", DisplayName: "Value", ProxySymbol: "VTV", SortOrder: 2},
	{ID: 3, Name: "growth", DisplayName: "Growth", ProxySymbol: "VUG", SortOrder: 3},
	{ID: 4, Name: "momentum", DisplayName: "Momentum", ProxySymbol: "MTUM", SortOrder: 4},
	{ID: 5, Name: "quality", DisplayName: "Quality", ProxySymbol: "QUAL", SortOrder: 5},
	{ID: 6, Name: "size", DisplayName: "Size", ProxySymbol: "IWM", SortOrder: 6},
	{ID: 7, Name: "low_volatility", DisplayName: "Low Volatility", ProxySymbol: "USMV", SortOrder: 7},
}

// FactorRegistry resolves factor names, display names, aliases and ids to a
// definition. It is built once and never mutated, so it can be shared freely.
type FactorRegistry struct {
	byKey  map[string]FactorDefinition
	byID   map[int]FactorDefinition
	sorted []FactorDefinition
}

// NewFactorRegistry builds a registry from definitions. Duplicate ids or names are rejected.
func NewFactorRegistry(defs []FactorDefinition) (*FactorRegistry, error) {
	r := &FactorRegistry{
		byKey: make(map[string]FactorDefinition),
		byID:  make(map[int]FactorDefinition),
	}
	for _, def := range defs {
		if def.Name == "" || def.ProxySymbol == "" {
			return nil, fmt.Errorf("factor %d: name and proxy symbol are required", def.ID)
		}
		if _, exists := r.byID[def.ID]; exists {
			return nil, fmt.Errorf("duplicate factor id %d", def.ID)
		}
		key := normalizeFactorKey(def.Name)
		if _, exists := r.byKey[key]; exists {
			return nil, fmt.Errorf("duplicate factor name %q", def.Name)
		}
		r.byID[def.ID] = def
		r.byKey[key] = def
		r.sorted = append(r.sorted, def)
	}
	// Display names and aliases never shadow a canonical name.
	for _, def := range defs {
		for _, alias := range append([]string{def.DisplayName}, factorAliases[def.Name]...) {
			key := normalizeFactorKey(alias)
			if key == "" {
				continue
			}
			if _, exists := r.byKey[key]; !exists {
				r.byKey[key] = def
			}
		}
	}
	sort.SliceStable(r.sorted, func(i, j int) bool {
		if r.sorted[i].SortOrder != r.sorted[j].SortOrder {
			return r.sorted[i].SortOrder < r.sorted[j].SortOrder
		}
		return r.sorted[i].ID < r.sorted[j].ID
	})
	return r, nil
}

// MustDefaultRegistry returns a registry over DefaultFactors.
func MustDefaultRegistry() *FactorRegistry {
	r, err := NewFactorRegistry(DefaultFactors)
	if err != nil {
		panic(err)
	}
	return r
}

var factorAliases = map[string][]string{
	"market":         {"beta", "mkt", "market_beta"},
	"value":          {"hml", "value_factor"},
	"growth":         {"growth_factor"},
	"momentum":       {"mom", "umd"},
	"quality":        {"qmj", "profitability"},
	"size":           {"smb", "small_cap"},
	"low_volatility": {"low_vol", "min_vol", "minimum_volatility", "bab"},
}

func normalizeFactorKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	return s
}

// Resolve maps a name, display name or alias to its definition.
func (r *FactorRegistry) Resolve(name string) (FactorDefinition, bool) {
	def, ok := r.byKey[normalizeFactorKey(name)]
	return def, ok
}

// ByID returns the definition with the given id.
func (r *FactorRegistry) ByID(id int) (FactorDefinition, bool) {
	def, ok := r.byID[id]
	return def, ok
}

// All returns the definitions in sort order. The slice is a copy.
func (r *FactorRegistry) All() []FactorDefinition {
	out := make([]FactorDefinition, len(r.sorted))
	copy(out, r.sorted)
	return out
}

// Len returns the number of factors.
func (r *FactorRegistry) Len() int {
	return len(r.sorted)
}

// ProxySymbols returns the proxy symbol of every factor in sort order.
func (r *FactorRegistry) ProxySymbols() []string {
	symbols := make([]string, len(r.sorted))
	for i, def := range r.sorted {
		symbols[i] = def.ProxySymbol
	}
	return symbols
}
