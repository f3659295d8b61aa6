package tuning

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tileworld.ai/internal/sim/world/terrain/gen"
)

type Tuning struct {
	TickRateHz         int  `yaml:"tick_rate_hz"`
	ViewRadius         int  `yaml:"view_radius"`
	AutosaveEveryTicks int  `yaml:"autosave_every_ticks"`
	SpawnKeepRadius    int  `yaml:"spawn_keep_radius"`
	StreamLog          bool `yaml:"stream_log"`

	WorldGen gen.Params `yaml:"worldgen"`
}

func Defaults() Tuning {
	return Tuning{
		TickRateHz:         20,
		ViewRadius:         4,
		AutosaveEveryTicks: 20 * 60,
		SpawnKeepRadius:    1,
		StreamLog:          true,
		WorldGen:           gen.DefaultParams(),
	}
}

// Load reads path over Defaults, so omitted keys keep their default.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	var errs []error
	if t.TickRateHz <= 0 || t.TickRateHz > 1000 {
		errs = append(errs, fmt.Errorf("tick_rate_hz must be in 1..1000, got %d", t.TickRateHz))
	}
	if t.ViewRadius < 0 || t.ViewRadius > 32 {
		errs = append(errs, fmt.Errorf("view_radius must be in 0..32, got %d", t.ViewRadius))
	}
	if t.AutosaveEveryTicks < 0 {
		errs = append(errs, fmt.Errorf("autosave_every_ticks must be >= 0, got %d", t.AutosaveEveryTicks))
	}
	if t.SpawnKeepRadius > 16 {
		errs = append(errs, fmt.Errorf("spawn_keep_radius must be <= 16, got %d", t.SpawnKeepRadius))
	}
	if t.WorldGen.BiomeRegionSize <= 0 || t.WorldGen.NoiseCell <= 0 {
		errs = append(errs, errors.New("worldgen biome_region_size and noise_cell must be > 0"))
	}
	return errors.Join(errs...)
}
