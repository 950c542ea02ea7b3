package grid

import "hash/fnv"

// PreferredPosition maps a key to its home coordinate: a stable FNV-1a hash
// of the key bytes folded into the current bounds. Two indices with identical
// bounds and road interval agree on this for every key; replayed runs depend
// on it to reproduce the same layout.
func (g *Index) PreferredPosition(key string) Coordinate {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	sum := h.Sum64()
	x := g.minX + int(sum%uint64(g.width))
	z := g.minZ + int((sum/uint64(g.width))%uint64(g.height))
	return Coordinate{X: x, Z: z}
}

// Allocate claims an EMPTY cell for key and returns its coordinate. It tries
// the preferred position first, then spiral-scans square rings of growing
// radius around it. If the scan comes up empty within the maximum radius the
// index is expanded once and the scan retried from the same preferred
// position. Before any scan the index expands when buildable occupancy has
// crossed the growth ratio, so layouts stay sparse under sustained load.
func (g *Index) Allocate(key string) (Coordinate, error) {
	if buildable := g.width*g.height - g.roads; buildable > 0 {
		if float64(g.occupied+g.reserved+1) > g.growthRatio*float64(buildable) {
			g.expand()
		}
	}

	p := g.PreferredPosition(key)
	if g.claim(p) {
		return p, nil
	}
	if c, ok := g.spiral(p); ok {
		return c, nil
	}

	g.expand()
	// One retry from the same preferred position.
	if g.claim(p) {
		return p, nil
	}
	if c, ok := g.spiral(p); ok {
		return c, nil
	}
	return Coordinate{}, ErrFull
}

// spiral scans the perimeter of square rings centered on p, radius 1..maxR
// where maxR is the larger of the current dimensions. Within a ring the
// traversal order is pinned: increasing z, then increasing x. The first
// claimable cell wins.
func (g *Index) spiral(p Coordinate) (Coordinate, bool) {
	maxR := g.width
	if g.height > maxR {
		maxR = g.height
	}
	for r := 1; r <= maxR; r++ {
		for dz := -r; dz <= r; dz++ {
			for dx := -r; dx <= r; dx++ {
				if dx != -r && dx != r && dz != -r && dz != r {
					continue // interior already scanned at a smaller radius
				}
				c := Coordinate{X: p.X + dx, Z: p.Z + dz}
				if g.claim(c) {
					return c, true
				}
			}
		}
	}
	return Coordinate{}, false
}

// ClaimAt occupies a specific EMPTY cell, bypassing placement search. Callers
// use it to restore a just-freed cell when a multi-step transition fails
// partway through.
func (g *Index) ClaimAt(c Coordinate) bool { return g.claim(c) }

func (g *Index) claim(c Coordinate) bool {
	cell, ok := g.cells[c]
	if !ok || cell.State != Empty {
		return false
	}
	cell.State = Occupied
	g.occupied++
	return true
}

// expand grows the bounds symmetrically by half the smaller current dimension
// in every direction. New cells follow the same road rule as initialization;
// existing cells are untouched.
func (g *Index) expand() {
	growth := g.width
	if g.height < growth {
		growth = g.height
	}
	growth /= 2
	if growth < 1 {
		growth = 1
	}
	g.minX -= growth
	g.minZ -= growth
	g.width += 2 * growth
	g.height += 2 * growth
	g.fill(g.minX, g.minZ, g.width, g.height)
	g.expansions++
}
