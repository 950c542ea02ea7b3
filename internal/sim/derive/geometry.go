package derive

import "time"

// LayerSlab is one stacked segment of a building, bottom-up in layer order.
type LayerSlab struct {
	Height  float64 `json:"height"`
	Opacity float64 `json:"opacity"`
}

// Building is the renderable projection of one active entity.
type Building struct {
	EntityID string  `json:"entity_id"`
	Key      string  `json:"key"`
	Category string  `json:"category"`
	X        float64 `json:"x"`
	Z        float64 `json:"z"`

	Footprint  float64     `json:"footprint"`
	Height     float64     `json:"height"`
	Color      string      `json:"color"`
	LayerCount int         `json:"layer_count"`
	Layers     []LayerSlab `json:"layers"`
}

// Geometry derives the renderable projection of every active entity. It is a
// pure read: the ledger and grid are not touched, and calling it twice
// without an intervening Apply yields identical results for the same now.
// Retired entities never appear.
func (e *Engine) Geometry(now time.Time) []Building {
	active := e.ledger.Active()
	out := make([]Building, 0, len(active))
	for _, ent := range active {
		n := len(ent.Layers)
		height := float64(n) * e.cfg.LayerHeight
		if height > e.cfg.MaxHeight {
			height = e.cfg.MaxHeight
		}
		slabH := height / float64(n)

		slabs := make([]LayerSlab, 0, n)
		for _, layer := range ent.Layers {
			ageDays := int(now.Sub(layer.Timestamp).Hours() / 24)
			if ageDays < 0 {
				ageDays = 0
			}
			slabs = append(slabs, LayerSlab{
				Height:  slabH,
				Opacity: e.cfg.OpacityForAge(ageDays),
			})
		}

		out = append(out, Building{
			EntityID:   ent.ID,
			Key:        ent.Key,
			Category:   ent.Category,
			X:          float64(ent.Pos.X) * e.cfg.GridSpacing,
			Z:          float64(ent.Pos.Z) * e.cfg.GridSpacing,
			Footprint:  e.cfg.BaseFootprint,
			Height:     height,
			Color:      e.cfg.ColorFor(ent.Category),
			LayerCount: n,
			Layers:     slabs,
		})
	}
	return out
}
