package derive

import (
	"context"
	"sort"

	"gitcity.dev/internal/protocol"
	"gitcity.dev/internal/sim/grid"
	"gitcity.dev/internal/sim/ledger"
)

type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Issue records one event that was not applied, with a protocol error code.
type Issue struct {
	EventID string
	Key     string
	Code    string
	Detail  string
}

type Report struct {
	Applied int
	Skipped int
	Failed  int
	Issues  []Issue
}

// LogEntry is the audit record for one processed event.
type LogEntry struct {
	Seq      uint64
	Outcome  Outcome
	Code     string
	EntityID string
	Event    protocol.ChangeEvent
}

// Apply applies a batch of change events. The batch is stable-sorted by
// timestamp first; layer history and position transitions are only meaningful
// in causal order, so caller order is not trusted. Cancellation is checked
// between events only — a partially applied event is never exposed — and a
// cancelled call returns the report so far along with ctx.Err().
func (e *Engine) Apply(ctx context.Context, events []protocol.ChangeEvent) (Report, error) {
	batch := make([]protocol.ChangeEvent, len(events))
	copy(batch, events)
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Timestamp.Before(batch[j].Timestamp)
	})

	var rep Report
	for _, ev := range batch {
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
		}
		outcome, issue, entityID := e.applyOne(ev)
		switch outcome {
		case OutcomeApplied:
			rep.Applied++
		case OutcomeSkipped:
			rep.Skipped++
			rep.Issues = append(rep.Issues, issue)
		case OutcomeFailed:
			rep.Failed++
			rep.Issues = append(rep.Issues, issue)
		}
		if e.audit != nil {
			e.audit(LogEntry{
				Seq:      e.applied,
				Outcome:  outcome,
				Code:     issue.Code,
				EntityID: entityID,
				Event:    ev,
			})
		}
	}
	return rep, nil
}

func (e *Engine) applyOne(ev protocol.ChangeEvent) (Outcome, Issue, string) {
	if !ev.Kind.Valid() || ev.Key == "" || ev.Timestamp.IsZero() || ev.ID == "" {
		return OutcomeSkipped, e.issue(ev, protocol.ErrBadEvent, "malformed event"), ""
	}

	switch ev.Kind {
	case protocol.KindCreate:
		if e.ledger.HasActive(ev.Key) {
			e.log.Printf("skip CREATE %s: key already active", ev.Key)
			return OutcomeSkipped, e.issue(ev, protocol.ErrKeyActive, "CREATE on active key"), ""
		}
		return e.create(ev, ev.Key, false)

	case protocol.KindModify:
		if !e.ledger.HasActive(ev.Key) {
			// First-seen-as-modify is valid input when history predates the
			// observed stream; fall back to the CREATE path.
			return e.create(ev, ev.Key, true)
		}
		if err := e.ledger.AppendLayer(ev.Key, e.layerFrom(ev)); err != nil {
			return OutcomeFailed, e.issue(ev, protocol.ErrInternal, err.Error()), ""
		}
		e.applied++
		ent, _ := e.ledger.ByKey(ev.Key)
		e.emit(Notification{
			Action:    ActionUpdated,
			EntityID:  ent.ID,
			Key:       ev.Key,
			Timestamp: ev.Timestamp,
			Kind:      ev.Kind,
		})
		return OutcomeApplied, Issue{}, ent.ID

	case protocol.KindDelete:
		return e.remove(ev)

	case protocol.KindRename, protocol.KindMove:
		return e.relocate(ev)
	}
	return OutcomeSkipped, e.issue(ev, protocol.ErrBadEvent, "unreachable kind"), ""
}

// create allocates a cell first and only then inserts the ledger entity, so
// an allocation failure leaves the ledger untouched. A ledger failure frees
// the cell again: no orphan entity, no dangling occupied cell.
func (e *Engine) create(ev protocol.ChangeEvent, key string, implicit bool) (Outcome, Issue, string) {
	pos, err := e.grid.Allocate(key)
	if err != nil {
		e.log.Printf("drop %s %s: %v", ev.Kind, key, err)
		return OutcomeFailed, e.issue(ev, protocol.ErrGridFull, err.Error()), ""
	}
	id, err := e.ledger.Create(key, pos, e.layerFrom(ev))
	if err != nil {
		e.grid.Free(pos)
		code := protocol.ErrInternal
		if err == ledger.ErrKeyActive {
			code = protocol.ErrKeyActive
		}
		return OutcomeSkipped, e.issue(ev, code, err.Error()), ""
	}
	e.grid.Bind(pos, id)
	e.applied++
	e.emit(Notification{
		Action:    ActionCreated,
		EntityID:  id,
		Key:       key,
		Timestamp: ev.Timestamp,
		Kind:      ev.Kind,
		Implicit:  implicit,
		NewPos:    &grid.Coordinate{X: pos.X, Z: pos.Z},
	})
	return OutcomeApplied, Issue{}, id
}

// remove retires the ledger entity before freeing its cell. If processing
// stopped between the two steps the occupied cell would still resolve to a
// discoverable entity, never to an orphaned reference.
func (e *Engine) remove(ev protocol.ChangeEvent) (Outcome, Issue, string) {
	if !e.ledger.HasActive(ev.Key) {
		code := protocol.ErrUnknownKey
		if _, seen := e.ledger.ByKey(ev.Key); seen {
			code = protocol.ErrKeyRetired
		}
		e.log.Printf("skip DELETE %s: no active entity", ev.Key)
		return OutcomeSkipped, e.issue(ev, code, "DELETE without active entity"), ""
	}
	ent, _ := e.ledger.ByKey(ev.Key)
	if err := e.ledger.Retire(ev.Key, e.layerFrom(ev)); err != nil {
		return OutcomeFailed, e.issue(ev, protocol.ErrInternal, err.Error()), ""
	}
	e.grid.Free(ent.Pos)
	e.applied++
	e.emit(Notification{
		Action:     ActionDeleted,
		EntityID:   ent.ID,
		Key:        ev.Key,
		Timestamp:  ev.Timestamp,
		Kind:       ev.Kind,
		LayerCount: len(ent.Layers) + 1,
	})
	return OutcomeApplied, Issue{}, ent.ID
}

// relocate frees the old cell, allocates at the destination key, then renames
// in the ledger. A destination conflict is rejected before anything changes.
// If the new allocation fails the old cell is re-claimed so the entity never
// sits active without a backing cell.
func (e *Engine) relocate(ev protocol.ChangeEvent) (Outcome, Issue, string) {
	src := ev.PrevKey
	if src == "" || !e.ledger.HasActive(src) {
		// A rename of something never seen is treated as first sighting.
		return e.create(ev, ev.Key, true)
	}
	if e.ledger.HasActive(ev.Key) {
		e.log.Printf("skip %s %s -> %s: destination active", ev.Kind, src, ev.Key)
		return OutcomeSkipped, e.issue(ev, protocol.ErrDestActive, "destination key active"), ""
	}

	ent, _ := e.ledger.ByKey(src)
	e.grid.Free(ent.Pos)
	pos, err := e.grid.Allocate(ev.Key)
	if err != nil {
		e.grid.ClaimAt(ent.Pos)
		e.grid.Bind(ent.Pos, ent.ID)
		return OutcomeFailed, e.issue(ev, protocol.ErrGridFull, err.Error()), ent.ID
	}
	if err := e.ledger.Relocate(src, ev.Key, pos, e.layerFrom(ev)); err != nil {
		e.grid.Free(pos)
		e.grid.ClaimAt(ent.Pos)
		e.grid.Bind(ent.Pos, ent.ID)
		return OutcomeFailed, e.issue(ev, protocol.ErrInternal, err.Error()), ent.ID
	}
	e.grid.Bind(pos, ent.ID)
	e.applied++
	e.emit(Notification{
		Action:    ActionMoved,
		EntityID:  ent.ID,
		Key:       ev.Key,
		Timestamp: ev.Timestamp,
		Kind:      ev.Kind,
		NewPos:    &grid.Coordinate{X: pos.X, Z: pos.Z},
	})
	return OutcomeApplied, Issue{}, ent.ID
}

func (e *Engine) layerFrom(ev protocol.ChangeEvent) ledger.Layer {
	return ledger.Layer{
		EventID:   ev.ID,
		Timestamp: ev.Timestamp,
		Author:    ev.Author,
		Kind:      ev.Kind,
		Additions: ev.Additions,
		Deletions: ev.Deletions,
		Message:   ev.Message,
	}
}

func (e *Engine) issue(ev protocol.ChangeEvent, code, detail string) Issue {
	return Issue{EventID: ev.ID, Key: ev.Key, Code: code, Detail: detail}
}
