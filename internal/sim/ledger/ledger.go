package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gitcity.dev/internal/protocol"
	"gitcity.dev/internal/sim/grid"
)

var (
	ErrKeyActive  = errors.New("ledger: an active entity already holds this key")
	ErrNotFound   = errors.New("ledger: no entity for key")
	ErrRetired    = errors.New("ledger: entity is retired")
	ErrEmptyLayer = errors.New("ledger: layer requires an event id and timestamp")
)

// Layer is one lifecycle event applied to an entity. Immutable once appended.
type Layer struct {
	EventID   string
	Timestamp time.Time
	Author    string
	Kind      protocol.ChangeKind
	Additions int
	Deletions int
	Message   string
}

func (l Layer) validate() error {
	if l.EventID == "" || l.Timestamp.IsZero() {
		return ErrEmptyLayer
	}
	return nil
}

// Entity is one building: identity is the generated id, not the key, because
// the key changes across relocations while the id does not.
type Entity struct {
	ID       string
	Key      string
	Pos      grid.Coordinate
	Category string
	Active   bool
	Created  time.Time
	Modified time.Time
	Layers   []Layer
}

func (e *Entity) clone() Entity {
	out := *e
	out.Layers = make([]Layer, len(e.Layers))
	copy(out.Layers, e.Layers)
	return out
}

// Ledger is the single source of truth for entity identity, key, position and
// history. Entities live in one arena indexed by id; the key map resolves to
// ids, so the two structures cannot drift apart.
type Ledger struct {
	entities map[string]*Entity // by id
	activeID map[string]string  // key -> id of the active entity
	order    []string           // ids in insertion order
}

func New() *Ledger {
	return &Ledger{
		entities: make(map[string]*Entity),
		activeID: make(map[string]string),
	}
}

// Create inserts a fresh entity for key with its first layer. Fails if an
// active entity already holds the key.
func (l *Ledger) Create(key string, pos grid.Coordinate, first Layer) (string, error) {
	if key == "" {
		return "", fmt.Errorf("ledger: empty key")
	}
	if err := first.validate(); err != nil {
		return "", err
	}
	if _, ok := l.activeID[key]; ok {
		return "", ErrKeyActive
	}
	id := uuid.NewString()
	e := &Entity{
		ID:       id,
		Key:      key,
		Pos:      pos,
		Category: CategoryForKey(key),
		Active:   true,
		Created:  first.Timestamp,
		Modified: first.Timestamp,
		Layers:   []Layer{first},
	}
	l.entities[id] = e
	l.activeID[key] = id
	l.order = append(l.order, id)
	return id, nil
}

// AppendLayer records a non-terminal event on the active entity at key.
// Retired entities cannot be resurrected this way; a new Create produces a
// new id instead.
func (l *Ledger) AppendLayer(key string, layer Layer) error {
	if err := layer.validate(); err != nil {
		return err
	}
	e, err := l.activeByKey(key)
	if err != nil {
		return err
	}
	e.Layers = append(e.Layers, layer)
	e.Modified = layer.Timestamp
	return nil
}

// Retire appends the terminal layer and deactivates the entity. History stays
// queryable by key and id indefinitely.
func (l *Ledger) Retire(key string, terminal Layer) error {
	if err := terminal.validate(); err != nil {
		return err
	}
	e, err := l.activeByKey(key)
	if err != nil {
		return err
	}
	e.Layers = append(e.Layers, terminal)
	e.Modified = terminal.Timestamp
	e.Active = false
	delete(l.activeID, key)
	return nil
}

// Relocate moves the active entity from oldKey to newKey, preserving id,
// layers and creation timestamp. Fails if newKey is already held by an
// active entity.
func (l *Ledger) Relocate(oldKey, newKey string, newPos grid.Coordinate, transition Layer) error {
	if newKey == "" {
		return fmt.Errorf("ledger: empty destination key")
	}
	if err := transition.validate(); err != nil {
		return err
	}
	e, err := l.activeByKey(oldKey)
	if err != nil {
		return err
	}
	if _, ok := l.activeID[newKey]; ok {
		return ErrKeyActive
	}
	e.Layers = append(e.Layers, transition)
	e.Modified = transition.Timestamp
	delete(l.activeID, oldKey)
	e.Key = newKey
	e.Pos = newPos
	e.Category = CategoryForKey(newKey)
	l.activeID[newKey] = e.ID
	return nil
}

func (l *Ledger) activeByKey(key string) (*Entity, error) {
	id, ok := l.activeID[key]
	if !ok {
		// Distinguish "never seen" from "retired" for error reporting.
		for i := len(l.order) - 1; i >= 0; i-- {
			if e := l.entities[l.order[i]]; e.Key == key {
				return nil, ErrRetired
			}
		}
		return nil, ErrNotFound
	}
	return l.entities[id], nil
}

// HasActive reports whether an active entity holds key.
func (l *Ledger) HasActive(key string) bool {
	_, ok := l.activeID[key]
	return ok
}

// Len is the total number of entities, retired included.
func (l *Ledger) Len() int { return len(l.entities) }

// ActiveLen is the number of active entities.
func (l *Ledger) ActiveLen() int { return len(l.activeID) }
