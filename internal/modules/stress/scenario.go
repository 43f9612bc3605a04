// Package stress propagates hypothetical factor shocks through stored factor
// exposures to estimate scenario P&L.
package stress

import (
	"fmt"
	"sort"

	"github.com/aristath/riskengine/internal/config"
	"github.com/aristath/riskengine/internal/domain"
)

// Shock is one factor's hypothetical return in a scenario
type Shock struct {
	FactorName string  `json:"factor_name"`
	FactorID   int     `json:"factor_id"`
	Value      float64 `json:"value"`
}

// Scenario is a named shock vector with factor names resolved
type Scenario struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Severity    string  `json:"severity"`
	Shocks      []Shock `json:"shocks"`
	Active      bool    `json:"active"`
}

// ShockFor returns the scenario's shock for a factor, 0 when absent
func (s Scenario) ShockFor(factorID int) float64 {
	for _, shock := range s.Shocks {
		if shock.FactorID == factorID {
			return shock.Value
		}
	}
	return 0
}

// Settings bound every scenario evaluation
type Settings struct {
	MaxAbsCorrelation float64 `json:"max_abs_correlation"`
	LossCapFraction   float64 `json:"loss_cap_fraction"`
}

// ScenarioSet is the validated scenario configuration. It is loaded once and
// shared read-only.
type ScenarioSet struct {
	Settings  Settings
	scenarios []Scenario
}

// NewScenarioSet validates file and resolves every shock's factor through the
// registry. Unknown or duplicated factors are configuration errors.
func NewScenarioSet(file *config.ScenarioFile, registry *domain.FactorRegistry) (*ScenarioSet, error) {
	if err := file.Validate(); err != nil {
		return nil, err
	}

	set := &ScenarioSet{
		Settings: Settings{
			MaxAbsCorrelation: *file.Settings.MaxAbsCorrelation,
			LossCapFraction:   *file.Settings.LossCapFraction,
		},
	}
	for _, entry := range file.Scenarios {
		scenario := Scenario{
			ID:          entry.ID,
			Name:        entry.Name,
			Description: entry.Description,
			Category:    entry.Category,
			Severity:    entry.Severity,
			Active:      entry.IsActive(),
		}
		seen := make(map[int]string, len(entry.Shocks))
		for name, value := range entry.Shocks {
			def, ok := registry.Resolve(name)
			if !ok {
				return nil, fmt.Errorf("%w: %q: %w", config.ErrInvalidScenario, entry.ID,
					domain.NewCalculationError(domain.ReasonUnknownFactor, "unknown factor %q", name))
			}
			if other, dup := seen[def.ID]; dup {
				return nil, fmt.Errorf("%w: %q shocks factor %s twice (%q and %q)", config.ErrInvalidScenario, entry.ID, def.Name, other, name)
			}
			seen[def.ID] = name
			scenario.Shocks = append(scenario.Shocks, Shock{FactorID: def.ID, FactorName: def.Name, Value: value})
		}
		sort.Slice(scenario.Shocks, func(i, j int) bool { return scenario.Shocks[i].FactorID < scenario.Shocks[j].FactorID })
		set.scenarios = append(set.scenarios, scenario)
	}
	return set, nil
}

// LoadScenarioSet reads the scenario file at path and resolves it
func LoadScenarioSet(path string, registry *domain.FactorRegistry) (*ScenarioSet, error) {
	file, err := config.LoadScenarioFile(path)
	if err != nil {
		return nil, err
	}
	set, err := NewScenarioSet(file, registry)
	if err != nil {
		return nil, fmt.Errorf("stress scenarios %s: %w", path, err)
	}
	return set, nil
}

// All returns every scenario in file order
func (s *ScenarioSet) All() []Scenario {
	out := make([]Scenario, len(s.scenarios))
	copy(out, s.scenarios)
	return out
}

// Active returns the scenarios that run in batch jobs
func (s *ScenarioSet) Active() []Scenario {
	var out []Scenario
	for _, sc := range s.scenarios {
		if sc.Active {
			out = append(out, sc)
		}
	}
	return out
}

// Get returns a scenario by id
func (s *ScenarioSet) Get(id string) (Scenario, bool) {
	for _, sc := range s.scenarios {
		if sc.ID == id {
			return sc, true
		}
	}
	return Scenario{}, false
}
