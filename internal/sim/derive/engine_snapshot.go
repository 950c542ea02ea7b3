package derive

import (
	"fmt"
	"time"

	"gitcity.dev/internal/persistence/snapshot"
	"gitcity.dev/internal/protocol"
	"gitcity.dev/internal/sim/grid"
	"gitcity.dev/internal/sim/ledger"
	"gitcity.dev/internal/sim/tuning"
)

// ExportSnapshot captures configuration, grid partition and full ledger
// history. Importing the result resumes identically.
func (e *Engine) ExportSnapshot() snapshot.SnapshotV1 {
	export := e.grid.Export()

	gridV1 := snapshot.GridV1{
		MinX:       export.MinX,
		MinZ:       export.MinZ,
		Width:      export.Width,
		Height:     export.Height,
		Expansions: export.Expansions,
	}
	for _, o := range export.Occupied {
		gridV1.Occupied = append(gridV1.Occupied, snapshot.OccupiedV1{X: o.X, Z: o.Z, EntityID: o.EntityID})
	}
	for _, r := range export.Reserved {
		gridV1.Reserved = append(gridV1.Reserved, snapshot.ReservedV1{X: r.X, Z: r.Z, Owner: r.Owner})
	}

	ents := e.ledger.Export()
	entsV1 := make([]snapshot.EntityV1, 0, len(ents))
	for _, ent := range ents {
		ev1 := snapshot.EntityV1{
			ID:       ent.ID,
			Key:      ent.Key,
			X:        ent.Pos.X,
			Z:        ent.Pos.Z,
			Category: ent.Category,
			Active:   ent.Active,
			Created:  ent.Created.UnixNano(),
			Modified: ent.Modified.UnixNano(),
		}
		for _, l := range ent.Layers {
			ev1.Layers = append(ev1.Layers, snapshot.LayerV1{
				EventID:   l.EventID,
				Timestamp: l.Timestamp.UnixNano(),
				Author:    l.Author,
				Kind:      string(l.Kind),
				Additions: l.Additions,
				Deletions: l.Deletions,
				Message:   l.Message,
			})
		}
		entsV1 = append(entsV1, ev1)
	}

	bucketsV1 := make([]snapshot.AgeBucketV1, 0, len(e.cfg.AgeBuckets))
	for _, b := range e.cfg.AgeBuckets {
		bucketsV1 = append(bucketsV1, snapshot.AgeBucketV1{MaxAgeDays: b.MaxAgeDays, Opacity: b.Opacity})
	}
	colors := make(map[string]string, len(e.cfg.Colors))
	for k, v := range e.cfg.Colors {
		colors[k] = v
	}

	return snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version:       1,
			CityID:        e.cityID,
			AppliedEvents: e.applied,
		},
		GridWidth:     e.cfg.GridWidth,
		GridHeight:    e.cfg.GridHeight,
		RoadInterval:  e.cfg.RoadInterval,
		GridSpacing:   e.cfg.GridSpacing,
		GrowthRatio:   e.cfg.GrowthRatio,
		BaseFootprint: e.cfg.BaseFootprint,
		LayerHeight:   e.cfg.LayerHeight,
		MaxHeight:     e.cfg.MaxHeight,
		AgeBuckets:    bucketsV1,
		Colors:        colors,
		Grid:          gridV1,
		Entities:      entsV1,
	}
}

// ImportSnapshot fully replaces engine state from a snapshot. Ids and the
// key mapping are restored exactly; nothing is regenerated.
func (e *Engine) ImportSnapshot(snap snapshot.SnapshotV1) error {
	if snap.Header.Version != 1 {
		return fmt.Errorf("derive: unsupported snapshot version %d", snap.Header.Version)
	}

	occ := make([]grid.OccupiedCell, 0, len(snap.Grid.Occupied))
	for _, o := range snap.Grid.Occupied {
		occ = append(occ, grid.OccupiedCell{X: o.X, Z: o.Z, EntityID: o.EntityID})
	}
	res := make([]grid.ReservedCell, 0, len(snap.Grid.Reserved))
	for _, r := range snap.Grid.Reserved {
		res = append(res, grid.ReservedCell{X: r.X, Z: r.Z, Owner: r.Owner})
	}
	g, err := grid.Restore(
		grid.Config{RoadInterval: snap.RoadInterval, GrowthRatio: snap.GrowthRatio},
		grid.Export{
			MinX:       snap.Grid.MinX,
			MinZ:       snap.Grid.MinZ,
			Width:      snap.Grid.Width,
			Height:     snap.Grid.Height,
			Expansions: snap.Grid.Expansions,
			Occupied:   occ,
			Reserved:   res,
		},
	)
	if err != nil {
		return err
	}

	ents := make([]ledger.Entity, 0, len(snap.Entities))
	for _, ev1 := range snap.Entities {
		ent := ledger.Entity{
			ID:       ev1.ID,
			Key:      ev1.Key,
			Pos:      grid.Coordinate{X: ev1.X, Z: ev1.Z},
			Category: ev1.Category,
			Active:   ev1.Active,
			Created:  time.Unix(0, ev1.Created).UTC(),
			Modified: time.Unix(0, ev1.Modified).UTC(),
		}
		for _, l := range ev1.Layers {
			ent.Layers = append(ent.Layers, ledger.Layer{
				EventID:   l.EventID,
				Timestamp: time.Unix(0, l.Timestamp).UTC(),
				Author:    l.Author,
				Kind:      protocol.ChangeKind(l.Kind),
				Additions: l.Additions,
				Deletions: l.Deletions,
				Message:   l.Message,
			})
		}
		ents = append(ents, ent)
	}
	fresh := ledger.New()
	if err := fresh.Import(ents); err != nil {
		return err
	}

	// Cross-check the two structures before committing either.
	for _, o := range occ {
		ent, ok := fresh.ByID(o.EntityID)
		if !ok || !ent.Active || ent.Pos.X != o.X || ent.Pos.Z != o.Z {
			return fmt.Errorf("derive: snapshot cell (%d,%d) does not match entity %s", o.X, o.Z, o.EntityID)
		}
	}
	if got, want := fresh.ActiveLen(), len(occ); got != want {
		return fmt.Errorf("derive: snapshot has %d active entities but %d occupied cells", got, want)
	}

	e.grid = g
	e.ledger = fresh
	e.applied = snap.Header.AppliedEvents
	e.cfg.GridWidth = snap.GridWidth
	e.cfg.GridHeight = snap.GridHeight
	e.cfg.RoadInterval = snap.RoadInterval
	e.cfg.GridSpacing = snap.GridSpacing
	e.cfg.GrowthRatio = snap.GrowthRatio
	e.cfg.BaseFootprint = snap.BaseFootprint
	e.cfg.LayerHeight = snap.LayerHeight
	e.cfg.MaxHeight = snap.MaxHeight
	if len(snap.AgeBuckets) > 0 {
		buckets := make([]tuning.AgeBucket, 0, len(snap.AgeBuckets))
		for _, b := range snap.AgeBuckets {
			buckets = append(buckets, tuning.AgeBucket{MaxAgeDays: b.MaxAgeDays, Opacity: b.Opacity})
		}
		e.cfg.AgeBuckets = buckets
	}
	if len(snap.Colors) > 0 {
		colors := make(map[string]string, len(snap.Colors))
		for k, v := range snap.Colors {
			colors[k] = v
		}
		e.cfg.Colors = colors
	}
	return nil
}
