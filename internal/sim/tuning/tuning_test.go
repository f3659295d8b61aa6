package tuning

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultsValid(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	body := "tick_rate_hz: 5\nview_radius: 2\nworldgen:\n  rock_density_permille: 90\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := Defaults()
	if got.TickRateHz != 5 || got.ViewRadius != 2 {
		t.Fatalf("overrides not applied: %+v", got)
	}
	if got.AutosaveEveryTicks != def.AutosaveEveryTicks || !got.StreamLog {
		t.Fatalf("omitted keys should keep defaults: %+v", got)
	}
	if got.WorldGen.RockDensity != 90 || got.WorldGen.NoiseCell != def.WorldGen.NoiseCell {
		t.Fatalf("worldgen=%+v", got.WorldGen)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte("tick_rate_hz: 0\nview_radius: 99\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"tick_rate_hz", "view_radius"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q should mention %s", err, want)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
