package derive

import (
	"context"
	"fmt"
	"testing"
	"time"

	"gitcity.dev/internal/protocol"
	"gitcity.dev/internal/sim/grid"
	"gitcity.dev/internal/sim/tuning"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New("test_city", tuning.Default(), nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func ev(id, key string, kind protocol.ChangeKind, at time.Time) protocol.ChangeEvent {
	return protocol.ChangeEvent{
		ID:        id,
		Key:       key,
		Kind:      kind,
		Additions: 5,
		Deletions: 1,
		Timestamp: at,
		Author:    "alice",
		Message:   "msg " + id,
	}
}

func mustApply(t *testing.T, e *Engine, events ...protocol.ChangeEvent) Report {
	t.Helper()
	rep, err := e.Apply(context.Background(), events)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	return rep
}

func TestCreateThenModify(t *testing.T) {
	e := newEngine(t)
	rep := mustApply(t, e,
		ev("e1", "a.ts", protocol.KindCreate, t0),
		ev("e2", "a.ts", protocol.KindModify, t0.Add(time.Hour)),
	)
	if rep.Applied != 2 || rep.Skipped != 0 || rep.Failed != 0 {
		t.Fatalf("report: %+v", rep)
	}
	ent, ok := e.EntityByKey("a.ts")
	if !ok || !ent.Active || len(ent.Layers) != 2 {
		t.Fatalf("entity state: %+v", ent)
	}
	cell, ok := e.grid.CellAt(ent.Pos)
	if !ok || cell.State != grid.Occupied || cell.Occupant != ent.ID {
		t.Fatalf("cell state: %+v", cell)
	}
	if st := e.Stats(); st.Grid.Occupied != 1 {
		t.Fatalf("occupied = %d, want 1", st.Grid.Occupied)
	}
}

func TestCreateThenDelete(t *testing.T) {
	e := newEngine(t)
	mustApply(t, e, ev("e1", "a.ts", protocol.KindCreate, t0))
	ent, _ := e.EntityByKey("a.ts")
	pos := ent.Pos

	mustApply(t, e, ev("e2", "a.ts", protocol.KindDelete, t0.Add(time.Hour)))

	ent, ok := e.EntityByKey("a.ts")
	if !ok || ent.Active || len(ent.Layers) != 2 {
		t.Fatalf("retired entity state: %+v", ent)
	}
	cell, _ := e.grid.CellAt(pos)
	if cell.State != grid.Empty {
		t.Fatalf("former cell not EMPTY: %v", cell.State)
	}
	if g := e.Geometry(t0.Add(2 * time.Hour)); len(g) != 0 {
		t.Fatalf("geometry includes retired entity: %+v", g)
	}
}

func TestMovePreservesIdentity(t *testing.T) {
	e := newEngine(t)
	mustApply(t, e, ev("e1", "a.ts", protocol.KindCreate, t0))
	orig, _ := e.EntityByKey("a.ts")

	move := ev("e2", "b/a.ts", protocol.KindMove, t0.Add(time.Hour))
	move.PrevKey = "a.ts"
	rep := mustApply(t, e, move)
	if rep.Applied != 1 {
		t.Fatalf("report: %+v", rep)
	}

	if _, ok := e.EntityByKey("a.ts"); ok {
		// The retired-key fallback lookup must not find anything either:
		// the entity moved, it was not retired.
		t.Fatalf("old key still resolves")
	}
	moved, ok := e.EntityByKey("b/a.ts")
	if !ok || moved.ID != orig.ID || len(moved.Layers) != 2 {
		t.Fatalf("moved entity: %+v", moved)
	}
	if moved.Pos == orig.Pos {
		t.Fatalf("position did not change")
	}
	oldCell, _ := e.grid.CellAt(orig.Pos)
	if oldCell.State != grid.Empty {
		t.Fatalf("old cell not EMPTY: %v", oldCell.State)
	}
	newCell, _ := e.grid.CellAt(moved.Pos)
	if newCell.State != grid.Occupied || newCell.Occupant != orig.ID {
		t.Fatalf("new cell: %+v", newCell)
	}
}

func TestDeleteNeverCreatedIsSkipped(t *testing.T) {
	e := newEngine(t)
	before := e.Stats()
	rep := mustApply(t, e, ev("e1", "ghost.ts", protocol.KindDelete, t0))
	if rep.Skipped != 1 || rep.Applied != 0 {
		t.Fatalf("report: %+v", rep)
	}
	if len(rep.Issues) != 1 || rep.Issues[0].Code != protocol.ErrUnknownKey {
		t.Fatalf("issue: %+v", rep.Issues)
	}
	if after := e.Stats(); after != before {
		t.Fatalf("state changed by skipped event:\n%+v\n%+v", before, after)
	}
}

func TestCreateOnActiveKeyIsSkipped(t *testing.T) {
	e := newEngine(t)
	mustApply(t, e, ev("e1", "a.ts", protocol.KindCreate, t0))
	rep := mustApply(t, e, ev("e2", "a.ts", protocol.KindCreate, t0.Add(time.Hour)))
	if rep.Skipped != 1 || rep.Issues[0].Code != protocol.ErrKeyActive {
		t.Fatalf("report: %+v", rep)
	}
	ent, _ := e.EntityByKey("a.ts")
	if len(ent.Layers) != 1 {
		t.Fatalf("skipped event mutated entity: %+v", ent)
	}
}

func TestModifyFallbackCreatesImplicitly(t *testing.T) {
	e := newEngine(t)
	var notes []Notification
	e.Subscribe(func(n Notification) { notes = append(notes, n) })

	rep := mustApply(t, e, ev("e1", "seen-late.go", protocol.KindModify, t0))
	if rep.Applied != 1 {
		t.Fatalf("report: %+v", rep)
	}
	ent, ok := e.EntityByKey("seen-late.go")
	if !ok || !ent.Active || len(ent.Layers) != 1 {
		t.Fatalf("fallback entity: %+v", ent)
	}
	cell, _ := e.grid.CellAt(ent.Pos)
	if cell.State != grid.Occupied {
		t.Fatalf("fallback did not allocate a cell")
	}
	if len(notes) != 1 || notes[0].Action != ActionCreated || !notes[0].Implicit {
		t.Fatalf("fallback notification: %+v", notes)
	}
}

func TestRenameFallbackCreatesAtDestination(t *testing.T) {
	e := newEngine(t)
	var notes []Notification
	e.Subscribe(func(n Notification) { notes = append(notes, n) })

	mv := ev("e1", "new/name.go", protocol.KindRename, t0)
	mv.PrevKey = "never/seen.go"
	rep := mustApply(t, e, mv)
	if rep.Applied != 1 {
		t.Fatalf("report: %+v", rep)
	}
	if _, ok := e.EntityByKey("new/name.go"); !ok {
		t.Fatalf("destination entity missing")
	}
	if len(notes) != 1 || notes[0].Action != ActionCreated || !notes[0].Implicit {
		t.Fatalf("expected implicit created notification, got %+v", notes)
	}
}

func TestMoveDestinationConflict(t *testing.T) {
	e := newEngine(t)
	mustApply(t, e,
		ev("e1", "a.ts", protocol.KindCreate, t0),
		ev("e2", "b.ts", protocol.KindCreate, t0),
	)
	src, _ := e.EntityByKey("a.ts")

	mv := ev("e3", "b.ts", protocol.KindMove, t0.Add(time.Hour))
	mv.PrevKey = "a.ts"
	rep := mustApply(t, e, mv)
	if rep.Skipped != 1 || rep.Issues[0].Code != protocol.ErrDestActive {
		t.Fatalf("report: %+v", rep)
	}

	// Source entity stays exactly where it was.
	after, _ := e.EntityByKey("a.ts")
	if !after.Active || after.Pos != src.Pos || len(after.Layers) != 1 {
		t.Fatalf("source mutated by rejected move: %+v", after)
	}
	cell, _ := e.grid.CellAt(src.Pos)
	if cell.State != grid.Occupied {
		t.Fatalf("source cell no longer occupied")
	}
}

func TestApplySortsByTimestamp(t *testing.T) {
	e := newEngine(t)
	// Delivered out of order: the modify carries the earlier timestamp.
	rep := mustApply(t, e,
		ev("e2", "a.ts", protocol.KindModify, t0.Add(time.Hour)),
		ev("e1", "a.ts", protocol.KindCreate, t0),
	)
	if rep.Applied != 2 || rep.Skipped != 0 {
		t.Fatalf("report: %+v", rep)
	}
	ent, _ := e.EntityByKey("a.ts")
	if len(ent.Layers) != 2 {
		t.Fatalf("layers: %d", len(ent.Layers))
	}
	if ent.Layers[0].EventID != "e1" || ent.Layers[1].EventID != "e2" {
		t.Fatalf("layer order: %s, %s", ent.Layers[0].EventID, ent.Layers[1].EventID)
	}
}

func TestApplyStableForEqualTimestamps(t *testing.T) {
	e := newEngine(t)
	rep := mustApply(t, e,
		ev("e1", "a.ts", protocol.KindCreate, t0),
		ev("e2", "a.ts", protocol.KindModify, t0),
		ev("e3", "a.ts", protocol.KindModify, t0),
	)
	if rep.Applied != 3 {
		t.Fatalf("report: %+v", rep)
	}
	ent, _ := e.EntityByKey("a.ts")
	if ent.Layers[1].EventID != "e2" || ent.Layers[2].EventID != "e3" {
		t.Fatalf("equal-timestamp order not preserved: %+v", ent.Layers)
	}
}

func TestListenerIsolationAndOrder(t *testing.T) {
	e := newEngine(t)
	var order []string
	e.Subscribe(func(n Notification) { order = append(order, "first") })
	e.Subscribe(func(n Notification) { panic("listener bug") })
	e.Subscribe(func(n Notification) { order = append(order, "third") })

	rep := mustApply(t, e,
		ev("e1", "a.ts", protocol.KindCreate, t0),
		ev("e2", "b.ts", protocol.KindCreate, t0.Add(time.Minute)),
	)
	if rep.Applied != 2 {
		t.Fatalf("panicking listener aborted the stream: %+v", rep)
	}
	want := []string{"first", "third", "first", "third"}
	if len(order) != len(want) {
		t.Fatalf("listener calls: %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("listener order: %v", order)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	e := newEngine(t)
	calls := 0
	id := e.Subscribe(func(n Notification) { calls++ })
	mustApply(t, e, ev("e1", "a.ts", protocol.KindCreate, t0))
	if !e.Unsubscribe(id) {
		t.Fatalf("unsubscribe failed")
	}
	if e.Unsubscribe(id) {
		t.Fatalf("double unsubscribe succeeded")
	}
	mustApply(t, e, ev("e2", "b.ts", protocol.KindCreate, t0))
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestApplyCancellationBetweenEvents(t *testing.T) {
	e := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())

	// Cancel from a listener: the in-flight event still completes, the rest
	// of the batch does not start.
	e.Subscribe(func(n Notification) { cancel() })

	events := []protocol.ChangeEvent{
		ev("e1", "a.ts", protocol.KindCreate, t0),
		ev("e2", "b.ts", protocol.KindCreate, t0.Add(time.Minute)),
		ev("e3", "c.ts", protocol.KindCreate, t0.Add(2*time.Minute)),
	}
	rep, err := e.Apply(ctx, events)
	if err == nil {
		t.Fatalf("expected context error")
	}
	if rep.Applied != 1 {
		t.Fatalf("applied = %d, want 1", rep.Applied)
	}
	// The engine is left consistent: one entity, one occupied cell.
	st := e.Stats()
	if st.Active != 1 || st.Grid.Occupied != 1 {
		t.Fatalf("inconsistent after cancel: %+v", st)
	}
}

func TestGeometryIdempotentAndCapped(t *testing.T) {
	cfg := tuning.Default()
	cfg.LayerHeight = 1.0
	cfg.MaxHeight = 3.0
	e, err := New("test_city", cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	events := []protocol.ChangeEvent{ev("e0", "a.ts", protocol.KindCreate, t0)}
	for i := 1; i <= 9; i++ {
		events = append(events, ev(fmt.Sprintf("e%d", i), "a.ts", protocol.KindModify, t0.Add(time.Duration(i)*time.Hour)))
	}
	mustApply(t, e, events...)

	now := t0.Add(240 * time.Hour)
	g1 := e.Geometry(now)
	g2 := e.Geometry(now)
	if len(g1) != 1 || len(g2) != 1 {
		t.Fatalf("geometry size: %d/%d", len(g1), len(g2))
	}
	if g1[0].Height != g2[0].Height || g1[0].LayerCount != g2[0].LayerCount {
		t.Fatalf("geometry not idempotent")
	}
	if g1[0].Height != 3.0 {
		t.Fatalf("height not capped: %f", g1[0].Height)
	}
	if g1[0].LayerCount != 10 || len(g1[0].Layers) != 10 {
		t.Fatalf("layer slabs: %d", len(g1[0].Layers))
	}
	// Recency separates from staleness: a fresh layer is at least as opaque.
	old := g1[0].Layers[0].Opacity
	fresh := g1[0].Layers[9].Opacity
	if fresh < old {
		t.Fatalf("opacity increased with age: old=%f fresh=%f", old, fresh)
	}
}

func TestDeterminism_TwoEnginesSameLayout(t *testing.T) {
	mk := func() *Engine {
		e, err := New("test_city", tuning.Default(), nil)
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		return e
	}
	e1, e2 := mk(), mk()

	var events []protocol.ChangeEvent
	for i := 0; i < 150; i++ {
		events = append(events, ev(fmt.Sprintf("c%d", i), fmt.Sprintf("pkg/f%d.go", i), protocol.KindCreate, t0.Add(time.Duration(i)*time.Minute)))
	}
	mustApply(t, e1, events...)
	mustApply(t, e2, events...)

	g1 := e1.Geometry(t0)
	g2 := e2.Geometry(t0)
	if len(g1) != len(g2) {
		t.Fatalf("sizes differ: %d vs %d", len(g1), len(g2))
	}
	for i := range g1 {
		if g1[i].Key != g2[i].Key || g1[i].X != g2[i].X || g1[i].Z != g2[i].Z {
			t.Fatalf("layout diverged at %d: %+v vs %+v", i, g1[i], g2[i])
		}
	}
}

func TestAuditSink(t *testing.T) {
	e := newEngine(t)
	var entries []LogEntry
	e.SetAudit(func(le LogEntry) { entries = append(entries, le) })

	mustApply(t, e,
		ev("e1", "a.ts", protocol.KindCreate, t0),
		ev("e2", "ghost.ts", protocol.KindDelete, t0.Add(time.Minute)),
	)
	if len(entries) != 2 {
		t.Fatalf("audit entries: %d", len(entries))
	}
	if entries[0].Outcome != OutcomeApplied || entries[0].EntityID == "" {
		t.Fatalf("applied entry: %+v", entries[0])
	}
	if entries[1].Outcome != OutcomeSkipped || entries[1].Code != protocol.ErrUnknownKey {
		t.Fatalf("skipped entry: %+v", entries[1])
	}
}
