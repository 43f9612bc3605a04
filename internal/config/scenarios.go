package config

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario configuration errors
var (
	ErrMissingCorrelationBound = errors.New("stress configuration: max_abs_correlation is required")
	ErrInvalidCorrelationBound = errors.New("stress configuration: max_abs_correlation must be in (0, 1]")
	ErrMissingLossCap          = errors.New("stress configuration: loss_cap_fraction is required")
	ErrInvalidLossCap          = errors.New("stress configuration: loss_cap_fraction must be in (0, 1]")
	ErrNoScenarios             = errors.New("stress configuration: no scenarios defined")
	ErrInvalidScenario         = errors.New("stress configuration: invalid scenario")
)

// Severity levels accepted in the scenario file
var validSeverities = map[string]bool{
	"mild":     true,
	"moderate": true,
	"severe":   true,
	"extreme":  true,
}

// ScenarioFile is the stress scenario YAML document
type ScenarioFile struct {
	Settings  StressSettings `yaml:"settings"`
	Scenarios []ScenarioSpec `yaml:"scenarios"`
}

// StressSettings holds the bounds every scenario is evaluated with.
// Pointers distinguish "absent" from zero so a missing bound fails fast.
type StressSettings struct {
	MaxAbsCorrelation *float64 `yaml:"max_abs_correlation"`
	LossCapFraction   *float64 `yaml:"loss_cap_fraction"`
}

// ScenarioSpec is one named shock vector
type ScenarioSpec struct {
	ID          string             `yaml:"id"`
	Name        string             `yaml:"name"`
	Description string             `yaml:"description"`
	Category    string             `yaml:"category"`
	Severity    string             `yaml:"severity"`
	Active      *bool              `yaml:"active"` // Defaults to true
	Shocks      map[string]float64 `yaml:"shocks"` // Factor name -> shock fraction
}

// IsActive reports whether the scenario runs in batch jobs
func (s ScenarioSpec) IsActive() bool {
	return s.Active == nil || *s.Active
}

// LoadScenarioFile reads and validates the scenario file at path
func LoadScenarioFile(path string) (*ScenarioFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stress scenarios %s: %w", path, err)
	}
	file, err := ParseScenarioFile(data)
	if err != nil {
		return nil, fmt.Errorf("stress scenarios %s: %w", path, err)
	}
	return file, nil
}

// ParseScenarioFile decodes and validates a scenario document
func ParseScenarioFile(data []byte) (*ScenarioFile, error) {
	var file ScenarioFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse stress scenarios: %w", err)
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

// Validate checks bounds and scenario fields. Factor names are resolved later
// against the factor registry.
func (f *ScenarioFile) Validate() error {
	if f.Settings.MaxAbsCorrelation == nil {
		return ErrMissingCorrelationBound
	}
	if v := *f.Settings.MaxAbsCorrelation; math.IsNaN(v) || v <= 0 || v > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidCorrelationBound, v)
	}
	if f.Settings.LossCapFraction == nil {
		return ErrMissingLossCap
	}
	if v := *f.Settings.LossCapFraction; math.IsNaN(v) || v <= 0 || v > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidLossCap, v)
	}
	if len(f.Scenarios) == 0 {
		return ErrNoScenarios
	}

	seen := make(map[string]bool, len(f.Scenarios))
	for i, s := range f.Scenarios {
		if s.ID == "" || s.Name == "" {
			return fmt.Errorf("%w: scenario %d needs id and name", ErrInvalidScenario, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidScenario, s.ID)
		}
		seen[s.ID] = true
		if !validSeverities[s.Severity] {
			return fmt.Errorf("%w: %q has severity %q", ErrInvalidScenario, s.ID, s.Severity)
		}
		if len(s.Shocks) == 0 {
			return fmt.Errorf("%w: %q has no shocks", ErrInvalidScenario, s.ID)
		}
		for factor, shock := range s.Shocks {
			if math.IsNaN(shock) || math.IsInf(shock, 0) || shock <= -1 {
				return fmt.Errorf("%w: %q shock %s=%v", ErrInvalidScenario, s.ID, factor, shock)
			}
		}
	}
	return nil
}
