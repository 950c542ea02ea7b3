package ledger

import "fmt"

// Export returns a lossless copy of every entity, retired included, in
// insertion order. Suitable for handing to a snapshot codec.
func (l *Ledger) Export() []Entity {
	out := make([]Entity, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.entities[id].clone())
	}
	return out
}

// Import fully replaces the ledger state with the given entities. Ids and
// the key mapping are restored exactly as exported, never regenerated.
func (l *Ledger) Import(entities []Entity) error {
	fresh := New()
	for i := range entities {
		e := entities[i].clone()
		if e.ID == "" || e.Key == "" {
			return fmt.Errorf("ledger: import entity %d missing id or key", i)
		}
		if len(e.Layers) == 0 {
			return fmt.Errorf("ledger: import entity %s has no layers", e.ID)
		}
		if _, dup := fresh.entities[e.ID]; dup {
			return fmt.Errorf("ledger: import duplicate id %s", e.ID)
		}
		if e.Active {
			if _, dup := fresh.activeID[e.Key]; dup {
				return fmt.Errorf("ledger: import has two active entities for key %q", e.Key)
			}
			fresh.activeID[e.Key] = e.ID
		}
		fresh.entities[e.ID] = &e
		fresh.order = append(fresh.order, e.ID)
	}
	*l = *fresh
	return nil
}
