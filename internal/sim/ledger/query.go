package ledger

import (
	"sort"
	"time"
)

// All query methods return independent copies; callers cannot reach ledger
// internals through the results.

// ByKey resolves a key to its entity: the active holder if there is one,
// otherwise the most recently created retired entity that last held the key.
func (l *Ledger) ByKey(key string) (Entity, bool) {
	if id, ok := l.activeID[key]; ok {
		return l.entities[id].clone(), true
	}
	for i := len(l.order) - 1; i >= 0; i-- {
		if e := l.entities[l.order[i]]; e.Key == key {
			return e.clone(), true
		}
	}
	return Entity{}, false
}

func (l *Ledger) ByID(id string) (Entity, bool) {
	e, ok := l.entities[id]
	if !ok {
		return Entity{}, false
	}
	return e.clone(), true
}

func (l *Ledger) ByCategory(category string) []Entity {
	var out []Entity
	for _, id := range l.order {
		if e := l.entities[id]; e.Category == category {
			out = append(out, e.clone())
		}
	}
	return out
}

// ByAuthor returns entities with at least one layer by the given author.
func (l *Ledger) ByAuthor(author string) []Entity {
	var out []Entity
	for _, id := range l.order {
		e := l.entities[id]
		for _, layer := range e.Layers {
			if layer.Author == author {
				out = append(out, e.clone())
				break
			}
		}
	}
	return out
}

// ModifiedBetween returns entities whose last modification falls in
// [from, to] inclusive.
func (l *Ledger) ModifiedBetween(from, to time.Time) []Entity {
	var out []Entity
	for _, id := range l.order {
		e := l.entities[id]
		if e.Modified.Before(from) || e.Modified.After(to) {
			continue
		}
		out = append(out, e.clone())
	}
	return out
}

// MostChanged returns up to n entities sorted by layer count descending.
// Ties keep insertion order.
func (l *Ledger) MostChanged(n int) []Entity {
	out := make([]Entity, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.entities[id].clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].Layers) > len(out[j].Layers)
	})
	return truncate(out, n)
}

// MostRecent returns up to n entities sorted by last-modified descending.
// Ties keep insertion order.
func (l *Ledger) MostRecent(n int) []Entity {
	out := make([]Entity, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.entities[id].clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Modified.After(out[j].Modified)
	})
	return truncate(out, n)
}

// Active returns copies of all active entities in insertion order.
func (l *Ledger) Active() []Entity {
	out := make([]Entity, 0, len(l.activeID))
	for _, id := range l.order {
		if e := l.entities[id]; e.Active {
			out = append(out, e.clone())
		}
	}
	return out
}

func truncate(es []Entity, n int) []Entity {
	if n < 0 || n >= len(es) {
		return es
	}
	return es[:n]
}
