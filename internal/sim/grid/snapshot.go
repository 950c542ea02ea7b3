package grid

import (
	"fmt"
	"sort"
)

type OccupiedCell struct {
	X, Z     int
	EntityID string
}

type ReservedCell struct {
	X, Z  int
	Owner string
}

// OccupiedCells returns the occupied cells in coordinate order (z, then x) so
// exports are stable across runs.
func (g *Index) OccupiedCells() []OccupiedCell {
	out := make([]OccupiedCell, 0, g.occupied)
	for _, cell := range g.cells {
		if cell.State == Occupied {
			out = append(out, OccupiedCell{X: cell.Pos.X, Z: cell.Pos.Z, EntityID: cell.Occupant})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Z != out[j].Z {
			return out[i].Z < out[j].Z
		}
		return out[i].X < out[j].X
	})
	return out
}

func (g *Index) ReservedCells() []ReservedCell {
	out := make([]ReservedCell, 0, g.reserved)
	for _, cell := range g.cells {
		if cell.State == Reserved {
			out = append(out, ReservedCell{X: cell.Pos.X, Z: cell.Pos.Z, Owner: cell.ReservedBy})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Z != out[j].Z {
			return out[i].Z < out[j].Z
		}
		return out[i].X < out[j].X
	})
	return out
}

// Export captures the restorable part of the index: bounds, the expansion
// counter and the non-derivable cell assignments.
type Export struct {
	MinX, MinZ, Width, Height int
	Expansions                int

	Occupied []OccupiedCell
	Reserved []ReservedCell
}

func (g *Index) Export() Export {
	return Export{
		MinX:       g.minX,
		MinZ:       g.minZ,
		Width:      g.width,
		Height:     g.height,
		Expansions: g.expansions,
		Occupied:   g.OccupiedCells(),
		Reserved:   g.ReservedCells(),
	}
}

// Restore rebuilds an index from an export. The road partition is recomputed
// from the interval rule, so only occupied and reserved cells are carried.
func Restore(cfg Config, e Export) (*Index, error) {
	minX, minZ, width, height := e.MinX, e.MinZ, e.Width, e.Height
	occ, res := e.Occupied, e.Reserved
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("grid: restore with invalid bounds %dx%d", width, height)
	}
	if cfg.RoadInterval < 2 {
		return nil, fmt.Errorf("grid: restore with road interval %d", cfg.RoadInterval)
	}
	ratio := cfg.GrowthRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.7
	}
	g := &Index{
		minX:         minX,
		minZ:         minZ,
		width:        width,
		height:       height,
		roadInterval: cfg.RoadInterval,
		growthRatio:  ratio,
		expansions:   e.Expansions,
		cells:        make(map[Coordinate]*Cell, width*height),
	}
	g.fill(minX, minZ, width, height)
	for _, o := range occ {
		c := Coordinate{X: o.X, Z: o.Z}
		cell, ok := g.cells[c]
		if !ok {
			return nil, fmt.Errorf("grid: restore occupied cell (%d,%d) out of bounds", o.X, o.Z)
		}
		if cell.State != Empty {
			return nil, fmt.Errorf("grid: restore occupied cell (%d,%d) collides with %s", o.X, o.Z, cell.State)
		}
		cell.State = Occupied
		cell.Occupant = o.EntityID
		g.occupied++
	}
	for _, r := range res {
		c := Coordinate{X: r.X, Z: r.Z}
		cell, ok := g.cells[c]
		if !ok {
			return nil, fmt.Errorf("grid: restore reserved cell (%d,%d) out of bounds", r.X, r.Z)
		}
		if cell.State != Empty {
			return nil, fmt.Errorf("grid: restore reserved cell (%d,%d) collides with %s", r.X, r.Z, cell.State)
		}
		cell.State = Reserved
		cell.ReservedBy = r.Owner
		g.reserved++
	}
	return g, nil
}
