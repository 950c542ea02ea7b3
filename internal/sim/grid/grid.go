package grid

import (
	"errors"
	"fmt"
)

type Coordinate struct {
	X int `json:"x"`
	Z int `json:"z"`
}

type CellState uint8

const (
	Empty CellState = iota
	Occupied
	Reserved
	Road
)

func (s CellState) String() string {
	switch s {
	case Empty:
		return "EMPTY"
	case Occupied:
		return "OCCUPIED"
	case Reserved:
		return "RESERVED"
	case Road:
		return "ROAD"
	}
	return "UNKNOWN"
}

type Cell struct {
	Pos        Coordinate
	State      CellState
	Occupant   string // entity id, set while OCCUPIED
	ReservedBy string // owner token, set while RESERVED
}

type Config struct {
	Width        int
	Height       int
	RoadInterval int
	// GrowthRatio is the buildable occupancy fraction above which the index
	// expands before scanning for a cell.
	GrowthRatio float64
}

var ErrFull = errors.New("grid: no empty cell within reach after expansion")

// Index owns a bounded 2-D coordinate space. A cell is ROAD iff its X or Z
// is divisible by the road interval; that rule is fixed at construction and
// applied unchanged to cells created by expansion.
type Index struct {
	minX, minZ    int
	width, height int
	roadInterval  int
	growthRatio   float64

	cells map[Coordinate]*Cell

	occupied   int
	reserved   int
	roads      int
	expansions int
}

func New(cfg Config) (*Index, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("grid: dimensions must be positive, got %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.RoadInterval < 2 {
		return nil, fmt.Errorf("grid: road interval must be >= 2, got %d", cfg.RoadInterval)
	}
	ratio := cfg.GrowthRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.7
	}
	g := &Index{
		minX:         0,
		minZ:         0,
		width:        cfg.Width,
		height:       cfg.Height,
		roadInterval: cfg.RoadInterval,
		growthRatio:  ratio,
		cells:        make(map[Coordinate]*Cell, cfg.Width*cfg.Height),
	}
	g.fill(g.minX, g.minZ, g.width, g.height)
	return g, nil
}

// fill creates cells for every coordinate in the given rectangle that does
// not exist yet.
func (g *Index) fill(minX, minZ, width, height int) {
	for z := minZ; z < minZ+height; z++ {
		for x := minX; x < minX+width; x++ {
			c := Coordinate{X: x, Z: z}
			if _, ok := g.cells[c]; ok {
				continue
			}
			cell := &Cell{Pos: c}
			if g.isRoad(c) {
				cell.State = Road
				g.roads++
			}
			g.cells[c] = cell
		}
	}
}

func (g *Index) isRoad(c Coordinate) bool {
	return c.X%g.roadInterval == 0 || c.Z%g.roadInterval == 0
}

func (g *Index) Bounds() (minX, minZ, width, height int) {
	return g.minX, g.minZ, g.width, g.height
}

func (g *Index) RoadInterval() int { return g.roadInterval }

// CellAt returns a copy of the cell at c. Out-of-bounds coordinates report
// ok=false rather than erroring.
func (g *Index) CellAt(c Coordinate) (Cell, bool) {
	cell, ok := g.cells[c]
	if !ok {
		return Cell{}, false
	}
	return *cell, true
}

// Free transitions an OCCUPIED cell back to EMPTY and clears its occupant.
// Returns false if the cell was not OCCUPIED.
func (g *Index) Free(c Coordinate) bool {
	cell, ok := g.cells[c]
	if !ok || cell.State != Occupied {
		return false
	}
	cell.State = Empty
	cell.Occupant = ""
	g.occupied--
	return true
}

// Reserve holds an EMPTY cell for a multi-step caller operation. It fails on
// anything that is not EMPTY; re-reserving a RESERVED cell is not allowed.
func (g *Index) Reserve(c Coordinate, owner string) bool {
	cell, ok := g.cells[c]
	if !ok || cell.State != Empty {
		return false
	}
	cell.State = Reserved
	cell.ReservedBy = owner
	g.reserved++
	return true
}

// Release returns a RESERVED cell to EMPTY.
func (g *Index) Release(c Coordinate) bool {
	cell, ok := g.cells[c]
	if !ok || cell.State != Reserved {
		return false
	}
	cell.State = Empty
	cell.ReservedBy = ""
	g.reserved--
	return true
}

// Bind records the entity id occupying an already-claimed cell.
func (g *Index) Bind(c Coordinate, entityID string) bool {
	cell, ok := g.cells[c]
	if !ok || cell.State != Occupied {
		return false
	}
	cell.Occupant = entityID
	return true
}

type Stats struct {
	MinX, MinZ    int
	Width, Height int

	Empty    int
	Occupied int
	Reserved int
	Roads    int

	// Buildable excludes ROAD cells.
	Buildable      int
	OccupancyRatio float64

	Expansions int
}

func (g *Index) Stats() Stats {
	total := g.width * g.height
	buildable := total - g.roads
	ratio := 0.0
	if buildable > 0 {
		ratio = float64(g.occupied+g.reserved) / float64(buildable)
	}
	return Stats{
		MinX:           g.minX,
		MinZ:           g.minZ,
		Width:          g.width,
		Height:         g.height,
		Empty:          buildable - g.occupied - g.reserved,
		Occupied:       g.occupied,
		Reserved:       g.reserved,
		Roads:          g.roads,
		Buildable:      buildable,
		OccupancyRatio: ratio,
		Expansions:     g.expansions,
	}
}
