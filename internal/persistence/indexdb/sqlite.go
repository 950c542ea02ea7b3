package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"gitcity.dev/internal/persistence/snapshot"
	"gitcity.dev/internal/sim/derive"
)

// SQLiteIndex is a secondary index over processed events and snapshot
// metadata. Writes go through a single goroutine; the engine never blocks on
// the database, and entries are dropped rather than stalling the apply loop
// (the JSONL logs remain the source of truth).
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqEvent reqKind = iota + 1
	reqSnapshot
)

type req struct {
	kind reqKind

	event    derive.LogEntry
	snapshot snapshotRow
}

type snapshotRow struct {
	Applied  uint64
	Path     string
	Entities int
	Active   int
	Occupied int
	Width    int
	Height   int
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// High buffer: event bursts from large replays must not stall.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER NOT NULL,
			event_id TEXT NOT NULL,
			key TEXT NOT NULL,
			prev_key TEXT,
			kind TEXT NOT NULL,
			author TEXT NOT NULL,
			ts TEXT NOT NULL,
			additions INTEGER NOT NULL,
			deletions INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			code TEXT,
			entity_id TEXT,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (seq, event_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_key ON events(key, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_events_author ON events(author, seq);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			applied INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			entities INTEGER NOT NULL,
			active INTEGER NOT NULL,
			occupied INTEGER NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE VIEW IF NOT EXISTS entity_summary AS
			SELECT key,
				COUNT(*) AS events,
				SUM(CASE WHEN outcome = 'applied' THEN 1 ELSE 0 END) AS applied,
				SUM(additions) AS additions,
				SUM(deletions) AS deletions,
				MAX(seq) AS last_seq,
				ts AS last_ts,
				author AS last_author
			FROM events GROUP BY key;`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) WriteEvent(entry derive.LogEntry) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqEvent, event: entry}:
	default:
		// Drop if the indexer falls behind.
	}
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	active := 0
	for _, e := range snap.Entities {
		if e.Active {
			active++
		}
	}
	r := snapshotRow{
		Applied:  snap.Header.AppliedEvents,
		Path:     path,
		Entities: len(snap.Entities),
		Active:   active,
		Occupied: len(snap.Grid.Occupied),
		Width:    snap.Grid.Width,
		Height:   snap.Grid.Height,
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
	}
}

// Flush blocks until every entry queued before the call has been committed.
func (s *SQLiteIndex) Flush(timeout time.Duration) {
	if s == nil || s.closed.Load() {
		return
	}
	deadline := time.Now().Add(timeout)
	for len(s.ch) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// Give the writer one commit interval to land the last transaction.
	time.Sleep(50 * time.Millisecond)
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertEvent, _ := s.db.Prepare(`INSERT OR REPLACE INTO events(seq,event_id,key,prev_key,kind,author,ts,additions,deletions,outcome,code,entity_id,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(applied,path,entities,active,occupied,width,height,recorded_at) VALUES(?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertEvent != nil {
			_ = insertEvent.Close()
		}
		if insertSnapshot != nil {
			_ = insertSnapshot.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 1000
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqEvent:
			ev := r.event
			raw, _ := json.Marshal(ev)
			if insertEvent != nil {
				if _, err := tx.Stmt(insertEvent).Exec(
					int64(ev.Seq),
					ev.Event.ID,
					ev.Event.Key,
					ev.Event.PrevKey,
					string(ev.Event.Kind),
					ev.Event.Author,
					ev.Event.Timestamp.UTC().Format(time.RFC3339Nano),
					ev.Event.Additions,
					ev.Event.Deletions,
					string(ev.Outcome),
					ev.Code,
					ev.EntityID,
					string(raw),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqSnapshot:
			sn := r.snapshot
			if insertSnapshot != nil {
				if _, err := tx.Stmt(insertSnapshot).Exec(
					int64(sn.Applied),
					sn.Path,
					sn.Entities,
					sn.Active,
					sn.Occupied,
					sn.Width,
					sn.Height,
					time.Now().UTC().Format(time.RFC3339Nano),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0) {
			commit()
		}
	}

	commit()
}
