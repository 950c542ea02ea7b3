package derive

import (
	"io"
	"log"
	"time"

	"gitcity.dev/internal/protocol"
	"gitcity.dev/internal/sim/grid"
	"gitcity.dev/internal/sim/ledger"
	"gitcity.dev/internal/sim/tuning"
)

// Engine consumes an ordered change-event stream and keeps the spatial index
// and the entity ledger coherent. It is single-threaded by design: one event
// is fully applied (index + ledger + notifications) before the next begins,
// and callers own serialization. See the apply methods for per-kind ordering.
type Engine struct {
	cityID string
	cfg    tuning.Tuning

	grid   *grid.Index
	ledger *ledger.Ledger

	applied uint64

	subs   []subscription
	nextID int

	audit func(LogEntry)
	log   *log.Logger
}

type subscription struct {
	id int
	fn Listener
}

type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
	ActionMoved   Action = "moved"
)

// Notification describes one successfully applied event.
type Notification struct {
	Action    Action
	EntityID  string
	Key       string
	Timestamp time.Time
	Kind      protocol.ChangeKind

	// Implicit marks entities created by the MODIFY/RENAME fallback path
	// (first sighting of a key the stream never explicitly created).
	Implicit bool

	// NewPos is set for created and moved.
	NewPos *grid.Coordinate
	// LayerCount is the final layer count, set for deleted.
	LayerCount int
}

type Listener func(Notification)

func New(cityID string, cfg tuning.Tuning, logger *log.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g, err := grid.New(grid.Config{
		Width:        cfg.GridWidth,
		Height:       cfg.GridHeight,
		RoadInterval: cfg.RoadInterval,
		GrowthRatio:  cfg.GrowthRatio,
	})
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Engine{
		cityID: cityID,
		cfg:    cfg,
		grid:   g,
		ledger: ledger.New(),
		log:    logger,
	}, nil
}

func (e *Engine) CityID() string        { return e.cityID }
func (e *Engine) AppliedEvents() uint64 { return e.applied }

// SetAudit installs a per-event sink invoked once per processed event,
// applied or not. Used by callers to feed the JSONL log and the index DB.
func (e *Engine) SetAudit(fn func(LogEntry)) { e.audit = fn }

// Subscribe registers a lifecycle listener. Listeners run synchronously in
// registration order after each applied event.
func (e *Engine) Subscribe(fn Listener) int {
	e.nextID++
	e.subs = append(e.subs, subscription{id: e.nextID, fn: fn})
	return e.nextID
}

func (e *Engine) Unsubscribe(id int) bool {
	for i, s := range e.subs {
		if s.id == id {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			return true
		}
	}
	return false
}

// emit fans one notification out to all listeners. A panicking listener is
// isolated: the remaining listeners and the event stream keep running.
func (e *Engine) emit(n Notification) {
	for _, s := range e.subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Printf("listener %d panicked on %s %s: %v", s.id, n.Action, n.Key, r)
				}
			}()
			s.fn(n)
		}()
	}
}

type Stats struct {
	Grid     grid.Stats
	Entities int
	Active   int
	Applied  uint64
}

func (e *Engine) Stats() Stats {
	return Stats{
		Grid:     e.grid.Stats(),
		Entities: e.ledger.Len(),
		Active:   e.ledger.ActiveLen(),
		Applied:  e.applied,
	}
}

// Read-only ledger facade. Results are copies; see the ledger package.

func (e *Engine) EntityByKey(key string) (ledger.Entity, bool) { return e.ledger.ByKey(key) }
func (e *Engine) EntityByID(id string) (ledger.Entity, bool)   { return e.ledger.ByID(id) }
func (e *Engine) EntitiesByCategory(cat string) []ledger.Entity {
	return e.ledger.ByCategory(cat)
}
func (e *Engine) EntitiesByAuthor(author string) []ledger.Entity {
	return e.ledger.ByAuthor(author)
}
func (e *Engine) ModifiedBetween(from, to time.Time) []ledger.Entity {
	return e.ledger.ModifiedBetween(from, to)
}
func (e *Engine) MostChanged(n int) []ledger.Entity { return e.ledger.MostChanged(n) }
func (e *Engine) MostRecent(n int) []ledger.Entity  { return e.ledger.MostRecent(n) }

// GridParams describes the current bounds for transport handshakes.
func (e *Engine) GridParams() protocol.GridParams {
	minX, minZ, w, h := e.grid.Bounds()
	return protocol.GridParams{
		MinX:         minX,
		MinZ:         minZ,
		Width:        w,
		Height:       h,
		RoadInterval: e.grid.RoadInterval(),
		Spacing:      e.cfg.GridSpacing,
	}
}
