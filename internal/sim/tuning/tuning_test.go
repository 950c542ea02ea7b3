package tuning

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "tuning.yaml")
	body := `
grid_width: 50
grid_height: 50
road_interval: 4
grid_spacing: 2.5
colors:
  source: "#112233"
  other: "#445566"
`
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tu, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tu.GridWidth != 50 || tu.GridHeight != 50 || tu.RoadInterval != 4 {
		t.Fatalf("grid overrides not applied: %+v", tu)
	}
	if tu.GrowthRatio != Default().GrowthRatio {
		t.Fatalf("defaults lost on partial file")
	}
	if tu.ColorFor("source") != "#112233" || tu.ColorFor("unknown-cat") != "#445566" {
		t.Fatalf("color resolution wrong")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	bad := []func(*Tuning){
		func(t *Tuning) { t.GridWidth = 0 },
		func(t *Tuning) { t.RoadInterval = 1 },
		func(t *Tuning) { t.GrowthRatio = 1.5 },
		func(t *Tuning) { t.LayerHeight = 0 },
		func(t *Tuning) { t.AgeBuckets = nil },
		// opacity rising with age
		func(t *Tuning) {
			t.AgeBuckets = []AgeBucket{{MaxAgeDays: 30, Opacity: 0.3}, {MaxAgeDays: 180, Opacity: 0.9}}
		},
		// ceilings not ascending
		func(t *Tuning) {
			t.AgeBuckets = []AgeBucket{{MaxAgeDays: 180, Opacity: 1.0}, {MaxAgeDays: 30, Opacity: 0.5}}
		},
		// catch-all before the end
		func(t *Tuning) {
			t.AgeBuckets = []AgeBucket{{MaxAgeDays: 0, Opacity: 1.0}, {MaxAgeDays: 30, Opacity: 0.5}}
		},
		// opacity out of range
		func(t *Tuning) {
			t.AgeBuckets = []AgeBucket{{MaxAgeDays: 30, Opacity: 1.4}}
		},
	}
	for i, mutate := range bad {
		tu := Default()
		mutate(&tu)
		if err := tu.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestOpacityForAgeMonotone(t *testing.T) {
	tu := Default()
	prev := 2.0
	for _, age := range []int{1, 29, 30, 31, 179, 180, 181, 4000} {
		op := tu.OpacityForAge(age)
		if op > prev {
			t.Fatalf("opacity increased with age at %d days: %f > %f", age, op, prev)
		}
		prev = op
	}
}
