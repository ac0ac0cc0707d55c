package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"vintner/internal/domain"
)

// FileName is the workspace config file.
const FileName = "vintner.yml"

// Config models vintner.yml.
type Config struct {
	Work struct {
		BaseWorkUnitsPerWeek float64               `yaml:"base_work_units_per_week"`
		ReferenceDensity     float64               `yaml:"reference_density"`
		AltitudeFactor       float64               `yaml:"altitude_factor"`
		Rates                map[string]RateConfig `yaml:"rates"`
	} `yaml:"work"`
	Staff struct {
		SpecializationBonus float64             `yaml:"specialization_bonus"`
		TeamDiminishingRate float64             `yaml:"team_diminishing_rate"`
		Skills              map[string]string   `yaml:"skills"`
		Specializations     map[string][]string `yaml:"specializations"`
	} `yaml:"staff"`
	Engine struct {
		StrictCategories *bool `yaml:"strict_categories"`
		EventBuffer      int   `yaml:"event_buffer"`
	} `yaml:"engine"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type RateConfig struct {
	BaseRate    float64 `yaml:"base_rate"`
	InitialWork float64 `yaml:"initial_work"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Strict reports whether unknown categories in the rate table are fatal.
func (c *Config) Strict() bool {
	return c.Engine.StrictCategories == nil || *c.Engine.StrictCategories
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Work.BaseWorkUnitsPerWeek <= 0 {
		return fmt.Errorf("config.work.base_work_units_per_week must be positive")
	}
	if c.Work.ReferenceDensity <= 0 {
		return fmt.Errorf("config.work.reference_density must be positive")
	}
	if c.Work.AltitudeFactor < 0 {
		return fmt.Errorf("config.work.altitude_factor must not be negative")
	}
	if len(c.Work.Rates) == 0 {
		return fmt.Errorf("config.work.rates is required")
	}
	for name, rate := range c.Work.Rates {
		if _, err := domain.ParseCategory(name); err != nil {
			if c.Strict() {
				return fmt.Errorf("config.work.rates: %w", err)
			}
			continue
		}
		if rate.BaseRate <= 0 {
			return fmt.Errorf("config.work.rates.%s.base_rate must be positive", name)
		}
		if rate.InitialWork < 0 {
			return fmt.Errorf("config.work.rates.%s.initial_work must not be negative", name)
		}
	}
	if c.Staff.SpecializationBonus <= 0 {
		return fmt.Errorf("config.staff.specialization_bonus must be positive")
	}
	if c.Staff.TeamDiminishingRate < 0 {
		return fmt.Errorf("config.staff.team_diminishing_rate must not be negative")
	}
	for cat, skill := range c.Staff.Skills {
		if _, err := domain.ParseCategory(cat); err != nil {
			return fmt.Errorf("config.staff.skills: %w", err)
		}
		if _, err := domain.ParseSkill(skill); err != nil {
			return fmt.Errorf("config.staff.skills.%s: %w", cat, err)
		}
	}
	for skill, cats := range c.Staff.Specializations {
		if _, err := domain.ParseSkill(skill); err != nil {
			return fmt.Errorf("config.staff.specializations: %w", err)
		}
		for _, cat := range cats {
			if _, err := domain.ParseCategory(cat); err != nil {
				return fmt.Errorf("config.staff.specializations.%s: %w", skill, err)
			}
		}
	}
	if c.Engine.EventBuffer < 0 {
		return fmt.Errorf("config.engine.event_buffer must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Rates returns the rate table keyed by category. Unknown keys are skipped;
// Validate has already rejected them in strict mode.
func (c *Config) Rates() map[domain.Category]RateConfig {
	out := make(map[domain.Category]RateConfig, len(c.Work.Rates))
	for name, rate := range c.Work.Rates {
		cat, err := domain.ParseCategory(name)
		if err != nil {
			continue
		}
		out[cat] = rate
	}
	return out
}

// SkillMap returns the category -> relevant skill mapping.
func (c *Config) SkillMap() map[domain.Category]domain.SkillKind {
	out := make(map[domain.Category]domain.SkillKind, len(c.Staff.Skills))
	for cat, skill := range c.Staff.Skills {
		category, err := domain.ParseCategory(cat)
		if err != nil {
			continue
		}
		kind, err := domain.ParseSkill(skill)
		if err != nil {
			continue
		}
		out[category] = kind
	}
	return out
}

// SpecializationMap returns, per specialization, the categories it boosts.
func (c *Config) SpecializationMap() map[domain.SkillKind][]domain.Category {
	out := make(map[domain.SkillKind][]domain.Category, len(c.Staff.Specializations))
	for skill, cats := range c.Staff.Specializations {
		kind, err := domain.ParseSkill(skill)
		if err != nil {
			continue
		}
		for _, cat := range cats {
			category, err := domain.ParseCategory(cat)
			if err != nil {
				continue
			}
			out[kind] = append(out[kind], category)
		}
	}
	return out
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with vintner init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// the document keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	// Maps merge key by key in yaml.v3; start them empty so a document that
	// lists rates replaces the defaults instead of extending them.
	var probe map[string]any
	if err := yaml.Unmarshal(data, &probe); err == nil {
		if work, ok := probe["work"].(map[string]any); ok {
			if _, ok := work["rates"]; ok {
				cfg.Work.Rates = nil
			}
		}
		if staff, ok := probe["staff"].(map[string]any); ok {
			if _, ok := staff["skills"]; ok {
				cfg.Staff.Skills = nil
			}
			if _, ok := staff["specializations"]; ok {
				cfg.Staff.Specializations = nil
			}
		}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `work:
  # one nominal week of one worker's full effort
  base_work_units_per_week: 50
  # vines per acre
  reference_density: 5000
  altitude_factor: 0.5
  rates:
    planting:       {base_rate: 0.7, initial_work: 10}
    harvesting:     {base_rate: 4.4, initial_work: 5}
    crushing:       {base_rate: 2.5, initial_work: 10}
    fermentation:   {base_rate: 5.0, initial_work: 5}
    clearing:       {base_rate: 0.5, initial_work: 5}
    uprooting:      {base_rate: 0.56, initial_work: 10}
    building:       {base_rate: 100000, initial_work: 200}
    upgrading:      {base_rate: 100000, initial_work: 100}
    maintenance:    {base_rate: 500000, initial_work: 20}
    staff_search:   {base_rate: 5, initial_work: 10}
    administration: {base_rate: 500, initial_work: 10}

staff:
  specialization_bonus: 1.3
  # display-only smoothing for team previews
  team_diminishing_rate: 0.1
  skills:
    planting: field
    harvesting: field
    clearing: field
    uprooting: field
    crushing: winery
    fermentation: winery
    building: maintenance
    upgrading: maintenance
    maintenance: maintenance
    staff_search: administration
    administration: administration
  specializations:
    field: [planting, harvesting, clearing, uprooting]
    winery: [crushing, fermentation]
    maintenance: [building, upgrading, maintenance]
    administration: [staff_search, administration]

engine:
  strict_categories: true
  event_buffer: 64

log:
  level: info
  format: text

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
