package registry

import (
	"context"
	"fmt"
	"os"

	"hemis-telemetry/internal/models"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Seed contents of a RULES_FILE.
type Seed struct {
	Devices []SeedDevice `yaml:"devices"`
	Rules   []SeedRule   `yaml:"rules"`
}

// SeedDevice device registration entry
type SeedDevice struct {
	ID       string `yaml:"id"`
	Patient  string `yaml:"patient"`
	Firmware string `yaml:"firmware"`
	Inactive bool   `yaml:"inactive"`
}

// SeedRule rule plus its assignments
type SeedRule struct {
	ID            string           `yaml:"id"`
	Name          string           `yaml:"name"`
	Metric        string           `yaml:"metric"`
	Kind          string           `yaml:"kind"`
	Operator      string           `yaml:"operator"`
	Threshold     float64          `yaml:"threshold"`
	WindowMinutes int              `yaml:"window_minutes"`
	Severity      string           `yaml:"severity"`
	Enabled       *bool            `yaml:"enabled"`
	Assign        []SeedAssignment `yaml:"assign"`
}

// SeedAssignment an empty entry is a wildcard
type SeedAssignment struct {
	Device  string `yaml:"device"`
	Patient string `yaml:"patient"`
}

// LoadSeed reads a YAML seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes seed YAML.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	return &seed, nil
}

// Rule converts the entry to a models.Rule. Rules are enabled unless stated otherwise.
func (s SeedRule) Rule() models.Rule {
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	return models.Rule{
		ID:            s.ID,
		Name:          s.Name,
		MetricID:      s.Metric,
		Kind:          models.RuleKind(s.Kind),
		Operator:      models.Operator(s.Operator),
		Threshold:     decimal.NewFromFloat(s.Threshold),
		WindowMinutes: s.WindowMinutes,
		Severity:      models.Severity(s.Severity),
		Enabled:       enabled,
	}
}

// Assignments converts the entry's assignments. Ids are derived from the
// scope so re-applying the same seed is idempotent.
func (s SeedRule) Assignments() []models.RuleAssignment {
	out := make([]models.RuleAssignment, 0, len(s.Assign))
	for _, a := range s.Assign {
		out = append(out, models.RuleAssignment{
			ID:        fmt.Sprintf("%s|device=%s|patient=%s", s.ID, a.Device, a.Patient),
			RuleID:    s.ID,
			PatientID: models.StringPtr(a.Patient),
			DeviceID:  models.StringPtr(a.Device),
		})
	}
	return out
}

// Device converts the entry to a models.Device.
func (d SeedDevice) Device() models.Device {
	return models.Device{
		ID:              d.ID,
		PatientID:       models.StringPtr(d.Patient),
		FirmwareVersion: d.Firmware,
		Active:          !d.Inactive,
	}
}

// ApplySeed stores the seed's rules and assignments through the registry.
// Devices are left to the caller, which owns device registration.
func (r *Registry) ApplySeed(ctx context.Context, seed *Seed) error {
	for _, sr := range seed.Rules {
		if err := r.AddRule(ctx, sr.Rule()); err != nil {
			return fmt.Errorf("seed rule %s: %w", sr.ID, err)
		}
		for _, a := range sr.Assignments() {
			if _, err := r.Assign(ctx, a); err != nil {
				return fmt.Errorf("seed assignment %s: %w", a.ID, err)
			}
		}
	}
	return nil
}
