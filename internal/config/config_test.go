package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"vintner/internal/domain"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	rates := cfg.Rates()
	for _, cat := range domain.Categories {
		if _, ok := rates[cat]; !ok {
			t.Fatalf("default rate table missing %s", cat)
		}
	}
	if cfg.Staff.SpecializationBonus != 1.3 {
		t.Fatalf("expected specialization bonus 1.3, got %v", cfg.Staff.SpecializationBonus)
	}
	if got := cfg.SkillMap()[domain.CategoryCrushing]; got != domain.SkillWinery {
		t.Fatalf("expected crushing -> winery, got %q", got)
	}
}

func TestFromYAMLReplacesRatesAndKeepsOtherDefaults(t *testing.T) {
	raw := strings.TrimSpace(`
work:
  rates:
    planting: {base_rate: 1, initial_work: 2}
`)
	cfg, err := FromYAML([]byte(raw))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	rates := cfg.Rates()
	if len(rates) != 1 {
		t.Fatalf("expected rate table replaced, got %d entries", len(rates))
	}
	if rates[domain.CategoryPlanting].InitialWork != 2 {
		t.Fatalf("unexpected planting entry %+v", rates[domain.CategoryPlanting])
	}
	if cfg.Work.BaseWorkUnitsPerWeek != 50 {
		t.Fatalf("expected default base units kept, got %v", cfg.Work.BaseWorkUnitsPerWeek)
	}
	if len(cfg.Staff.Skills) == 0 {
		t.Fatalf("expected default skills kept")
	}
}

func TestValidateRejectsUnknownCategoryWhenStrict(t *testing.T) {
	raw := `
work:
  rates:
    bottling: {base_rate: 1, initial_work: 0}
`
	if _, err := FromYAML([]byte(raw)); err == nil || !strings.Contains(err.Error(), "bottling") {
		t.Fatalf("expected unknown category error, got %v", err)
	}
	relaxed := raw + `
engine:
  strict_categories: false
`
	relaxed = strings.Replace(relaxed, "rates:\n", "rates:\n    planting: {base_rate: 1, initial_work: 0}\n", 1)
	cfg, err := FromYAML([]byte(relaxed))
	if err != nil {
		t.Fatalf("expected relaxed config to load: %v", err)
	}
	if _, ok := cfg.Rates()["bottling"]; ok {
		t.Fatalf("unknown category should be skipped")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"rate":    "work:\n  rates:\n    planting: {base_rate: 0, initial_work: 1}\n",
		"density": "work:\n  reference_density: -1\n",
		"bonus":   "staff:\n  specialization_bonus: 0\n",
		"skill":   "staff:\n  skills:\n    planting: dancing\n",
		"level":   "log:\n  level: loud\n",
		"webhook": "webhooks:\n  - events: [activity.completed]\n",
	}
	for name, raw := range cases {
		if _, err := FromYAML([]byte(raw)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config for missing file, got %v %v", cfg, err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected Load to fail for missing file")
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("expected config loaded: %v", err)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("unexpected base path %q", cfg.Server.BasePath)
	}
}
