package indexdb

import (
	"path/filepath"
	"testing"
	"time"

	"gitcity.dev/internal/persistence/snapshot"
	"gitcity.dev/internal/protocol"
	"gitcity.dev/internal/sim/derive"
)

func testEntry(seq uint64, key, kind string) derive.LogEntry {
	return derive.LogEntry{
		Seq:      seq,
		Outcome:  derive.OutcomeApplied,
		EntityID: "ent-" + key,
		Event: protocol.ChangeEvent{
			ID:        "ev-" + key,
			Key:       key,
			Kind:      protocol.ChangeKind(kind),
			Additions: 10,
			Deletions: 2,
			Timestamp: time.Date(2024, 5, 1, 12, 0, int(seq), 0, time.UTC),
			Author:    "dev@example.com",
		},
	}
}

func TestSQLiteIndexWriteAndQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer idx.Close()

	idx.WriteEvent(testEntry(1, "src/main.go", "CREATE"))
	idx.WriteEvent(testEntry(2, "src/util.go", "CREATE"))
	idx.WriteEvent(testEntry(3, "src/main.go", "MODIFY"))
	idx.Flush(2 * time.Second)

	recent, err := idx.RecentEvents(10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("RecentEvents len = %d, want 3", len(recent))
	}
	if recent[0].Seq != 3 || recent[0].Key != "src/main.go" {
		t.Fatalf("newest row = %+v", recent[0])
	}

	forKey, err := idx.EventsForKey("src/main.go", 10)
	if err != nil {
		t.Fatalf("EventsForKey: %v", err)
	}
	if len(forKey) != 2 {
		t.Fatalf("EventsForKey len = %d, want 2", len(forKey))
	}
	if forKey[0].Kind != "CREATE" || forKey[1].Kind != "MODIFY" {
		t.Fatalf("key history out of order: %+v", forKey)
	}
	if forKey[0].Outcome != string(derive.OutcomeApplied) {
		t.Fatalf("outcome = %q", forKey[0].Outcome)
	}

	sums, err := idx.Summaries(10)
	if err != nil {
		t.Fatalf("Summaries: %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("Summaries len = %d, want 2", len(sums))
	}
	if sums[0].Key != "src/main.go" || sums[0].Events != 2 || sums[0].LastSeq != 3 {
		t.Fatalf("top summary = %+v", sums[0])
	}
	if sums[0].Additions != 20 || sums[0].Deletions != 4 {
		t.Fatalf("summary totals = %+v", sums[0])
	}
}

func TestSQLiteIndexRewriteSameEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer idx.Close()

	// Replays resend the same sequence numbers; the index keeps one row each.
	idx.WriteEvent(testEntry(1, "a.go", "CREATE"))
	idx.Flush(2 * time.Second)
	idx.WriteEvent(testEntry(1, "a.go", "CREATE"))
	idx.Flush(2 * time.Second)

	recent, err := idx.RecentEvents(10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("RecentEvents len = %d, want 1", len(recent))
	}
}

func TestSQLiteIndexSnapshots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer idx.Close()

	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{Version: 1, CityID: "city-1", AppliedEvents: 42},
		Grid: snapshot.GridV1{
			Width:  64,
			Height: 64,
			Occupied: []snapshot.OccupiedV1{
				{X: 1, Z: 1, EntityID: "e1"},
				{X: 2, Z: 1, EntityID: "e2"},
			},
		},
		Entities: []snapshot.EntityV1{
			{ID: "e1", Key: "a.go", Active: true},
			{ID: "e2", Key: "b.go", Active: true},
			{ID: "e3", Key: "gone.go", Active: false},
		},
	}
	idx.RecordSnapshot("/tmp/snap-42.bin", snap)
	idx.Flush(2 * time.Second)

	rows, err := idx.Snapshots()
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Snapshots len = %d, want 1", len(rows))
	}
	r := rows[0]
	if r.Applied != 42 || r.Entities != 3 || r.Active != 2 || r.Occupied != 2 {
		t.Fatalf("snapshot row = %+v", r)
	}
}

func TestSQLiteIndexClosedWritesDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Must not panic.
	idx.WriteEvent(testEntry(1, "x.go", "CREATE"))
	idx.Flush(100 * time.Millisecond)
}
