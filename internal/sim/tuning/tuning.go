package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	GridWidth    int     `yaml:"grid_width"`
	GridHeight   int     `yaml:"grid_height"`
	RoadInterval int     `yaml:"road_interval"`
	GridSpacing  float64 `yaml:"grid_spacing"`
	GrowthRatio  float64 `yaml:"growth_ratio"`

	BaseFootprint float64 `yaml:"base_footprint"`
	LayerHeight   float64 `yaml:"layer_height"`
	MaxHeight     float64 `yaml:"max_height"`

	AgeBuckets []AgeBucket       `yaml:"age_buckets"`
	Colors     map[string]string `yaml:"colors"`

	SnapshotEveryEvents int `yaml:"snapshot_every_events"`
	SnapshotKeep        int `yaml:"snapshot_keep"`
}

// AgeBucket maps a layer age ceiling (in days) to an opacity. Buckets are
// checked in order; the last one also covers anything older.
type AgeBucket struct {
	MaxAgeDays int     `yaml:"max_age_days"`
	Opacity    float64 `yaml:"opacity"`
}

func Default() Tuning {
	return Tuning{
		ProtocolVersion: "1.0",
		GridWidth:       64,
		GridHeight:      64,
		RoadInterval:    8,
		GridSpacing:     3.0,
		GrowthRatio:     0.7,
		BaseFootprint:   2.0,
		LayerHeight:     0.6,
		MaxHeight:       24.0,
		AgeBuckets: []AgeBucket{
			{MaxAgeDays: 30, Opacity: 1.0},
			{MaxAgeDays: 180, Opacity: 0.6},
			{MaxAgeDays: 0, Opacity: 0.3},
		},
		Colors: map[string]string{
			"source": "#4fa3ff",
			"test":   "#35c98f",
			"docs":   "#e8c54a",
			"config": "#b07ce8",
			"markup": "#ef7d54",
			"asset":  "#8d9aa8",
			"other":  "#c0c7cf",
		},
		SnapshotEveryEvents: 5000,
		SnapshotKeep:        5,
	}
}

func Load(path string) (Tuning, error) {
	t := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.GridWidth <= 0 || t.GridHeight <= 0 {
		return fmt.Errorf("tuning: grid dimensions must be positive")
	}
	if t.RoadInterval < 2 {
		return fmt.Errorf("tuning: road_interval must be >= 2")
	}
	if t.GrowthRatio <= 0 || t.GrowthRatio >= 1 {
		return fmt.Errorf("tuning: growth_ratio must be in (0,1)")
	}
	if t.LayerHeight <= 0 || t.MaxHeight <= 0 {
		return fmt.Errorf("tuning: layer_height and max_height must be positive")
	}
	if len(t.AgeBuckets) == 0 {
		return fmt.Errorf("tuning: at least one age bucket required")
	}
	for i, b := range t.AgeBuckets {
		if b.Opacity <= 0 || b.Opacity > 1 {
			return fmt.Errorf("tuning: age bucket %d opacity must be in (0,1]", i)
		}
		if i == 0 {
			continue
		}
		prev := t.AgeBuckets[i-1]
		if prev.MaxAgeDays <= 0 {
			return fmt.Errorf("tuning: only the last age bucket may be the catch-all (max_age_days 0)")
		}
		if b.MaxAgeDays > 0 && b.MaxAgeDays <= prev.MaxAgeDays {
			return fmt.Errorf("tuning: age bucket %d max_age_days must be ascending", i)
		}
		if b.Opacity > prev.Opacity {
			return fmt.Errorf("tuning: age bucket %d opacity must not increase with age", i)
		}
	}
	return nil
}

// OpacityForAge resolves a layer age to an opacity via the bucket table.
// Opacity never increases with age.
func (t Tuning) OpacityForAge(ageDays int) float64 {
	last := t.AgeBuckets[len(t.AgeBuckets)-1].Opacity
	for _, b := range t.AgeBuckets {
		if b.MaxAgeDays > 0 && ageDays <= b.MaxAgeDays {
			return b.Opacity
		}
	}
	return last
}

// ColorFor returns the configured color for a category, falling back to the
// "other" entry.
func (t Tuning) ColorFor(category string) string {
	if c, ok := t.Colors[category]; ok {
		return c
	}
	return t.Colors["other"]
}
