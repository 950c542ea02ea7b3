package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"gitcity.dev/internal/ingest"
	"gitcity.dev/internal/persistence/indexdb"
	persistlog "gitcity.dev/internal/persistence/log"
	"gitcity.dev/internal/persistence/snapshot"
	"gitcity.dev/internal/sim/derive"
	"gitcity.dev/internal/sim/tuning"
	"gitcity.dev/internal/transport/ws"
)

func main() {
	// Optional .env for local runs; real deployments set the environment.
	_ = godotenv.Load()

	var (
		addr       = flag.String("addr", envStr("GC_ADDR", ":8080"), "http listen address")
		cityID     = flag.String("city", envStr("GC_CITY", "city_1"), "city id")
		dataDir    = flag.String("data", envStr("GC_DATA", "./data"), "runtime data directory")
		tuningPath = flag.String("tuning", envStr("GC_TUNING", ""), "path to tuning.yaml (default: <data>/tuning.yaml)")
		eventsPath = flag.String("events", envStr("GC_EVENTS", ""), "change-event stream to ingest at startup (.jsonl or .jsonl.zst)")
		origins    = flag.String("origins", envStr("GC_ORIGINS", "*"), "comma-separated allowed CORS origins")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite event index")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cityDir := filepath.Join(*dataDir, "cities", *cityID)
	_ = os.MkdirAll(filepath.Join(cityDir, "snapshots"), 0o755)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*dataDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("tuning not found (%s); using defaults", tp)
			tune = tuning.Default()
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(cityDir, "index.db"))
		if err != nil {
			logger.Fatalf("open index db: %v", err)
		}
		defer idx.Close()
	}

	auditLog := persistlog.NewAuditLogger(cityDir)
	defer auditLog.Close()

	eng, err := derive.New(*cityID, tune, logger)
	if err != nil {
		logger.Fatalf("engine: %v", err)
	}
	eng.SetAudit(func(entry derive.LogEntry) {
		_ = auditLog.WriteEntry(entry)
		if idx != nil {
			idx.WriteEvent(entry)
		}
	})

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad = latestSnapshot(cityDir)
	}
	if snapshotToLoad != "" {
		snap, err := snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		if snap.Header.CityID != "" && snap.Header.CityID != *cityID {
			logger.Fatalf("snapshot city id mismatch: flag=%s snap=%s", *cityID, snap.Header.CityID)
		}
		if err := eng.ImportSnapshot(snap); err != nil {
			logger.Fatalf("import snapshot: %v", err)
		}
		logger.Printf("resumed from snapshot=%s applied=%d", filepath.Base(snapshotToLoad), eng.AppliedEvents())
	}

	srv := ws.NewServer(eng, logger, ws.Options{
		AllowedOrigins: splitOrigins(*origins),
	})

	ctx, cancel := signalContext()
	defer cancel()

	if strings.TrimSpace(*eventsPath) != "" {
		if err := ingestStream(ctx, srv, idx, cityDir, tune, *eventsPath, logger); err != nil {
			logger.Fatalf("ingest: %v", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/v1/", srv.Routes())
	if idx != nil {
		registerAdmin(mux, idx)
	}

	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = httpSrv.Shutdown(ctx2)
		if idx != nil {
			idx.Flush(2 * time.Second)
		}
	}()

	logger.Printf("city=%s listening on %s", *cityID, *addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

// ingestStream feeds the event file through the server in batches, writing a
// snapshot every SnapshotEveryEvents applied events and pruning old ones.
func ingestStream(ctx context.Context, srv *ws.Server, idx *indexdb.SQLiteIndex, cityDir string, tune tuning.Tuning, path string, logger *log.Logger) error {
	events, err := ingest.ReadFile(path)
	if err != nil {
		return err
	}
	logger.Printf("ingesting %d events from %s", len(events), filepath.Base(path))

	// The engine sorts within each Apply call only, so ordering must be
	// established across the whole stream before it is chunked.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	const batchSize = 1000
	every := uint64(tune.SnapshotEveryEvents)
	var nextSnap uint64
	if every > 0 {
		snap := srv.ExportSnapshot()
		nextSnap = (snap.Header.AppliedEvents/every + 1) * every
	}

	start := time.Now()
	var applied, skipped int
	for len(events) > 0 {
		n := batchSize
		if n > len(events) {
			n = len(events)
		}
		rep, err := srv.Apply(ctx, events[:n])
		if err != nil {
			return err
		}
		events = events[n:]
		applied += rep.Applied
		skipped += rep.Skipped

		snap := srv.ExportSnapshot()
		if every > 0 && snap.Header.AppliedEvents >= nextSnap {
			if err := writeSnapshot(cityDir, snap, idx, tune.SnapshotKeep, logger); err != nil {
				logger.Printf("snapshot write: %v", err)
			}
			nextSnap = (snap.Header.AppliedEvents/every + 1) * every
		}
	}
	logger.Printf("ingest done: applied=%d skipped=%d in %s", applied, skipped, time.Since(start).Round(time.Millisecond))

	// Final snapshot so a restart resumes at the stream tail.
	if err := writeSnapshot(cityDir, srv.ExportSnapshot(), idx, tune.SnapshotKeep, logger); err != nil {
		logger.Printf("snapshot write: %v", err)
	}
	if idx != nil {
		idx.Flush(5 * time.Second)
	}
	return nil
}

func writeSnapshot(cityDir string, snap snapshot.SnapshotV1, idx *indexdb.SQLiteIndex, keep int, logger *log.Logger) error {
	path := filepath.Join(cityDir, "snapshots", fmt.Sprintf("%012d.snap.zst", snap.Header.AppliedEvents))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return err
	}
	if idx != nil {
		idx.RecordSnapshot(path, snap)
	}
	logger.Printf("snapshot written: %s", filepath.Base(path))
	pruneSnapshots(cityDir, keep)
	return nil
}

func pruneSnapshots(cityDir string, keep int) {
	if keep <= 0 {
		return
	}
	dir := filepath.Join(cityDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range ents {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".snap.zst") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keep {
		return
	}
	sort.Strings(names)
	for _, name := range names[:len(names)-keep] {
		_ = os.Remove(filepath.Join(dir, name))
	}
}

func latestSnapshot(cityDir string) string {
	dir := filepath.Join(cityDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestApplied uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		base := strings.TrimSuffix(name, ".snap.zst")
		applied, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		if best == "" || applied > bestApplied {
			bestApplied = applied
			best = filepath.Join(dir, name)
		}
	}
	return best
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func splitOrigins(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
