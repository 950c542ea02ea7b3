// Command replay applies an event stream offline and reports what the
// derived city looks like at the end. It shares the engine with the server,
// so a replay answers "what would the server have built" without running one.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gitcity.dev/internal/ingest"
	"gitcity.dev/internal/persistence/snapshot"
	"gitcity.dev/internal/sim/derive"
	"gitcity.dev/internal/sim/tuning"
)

func main() {
	var (
		eventsPath = flag.String("events", "", "change-event stream (.jsonl or .jsonl.zst, required)")
		cityID     = flag.String("city", "replay", "city id")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (optional)")
		fromSnap   = flag.String("from", "", "snapshot to resume from (optional)")
		outSnap    = flag.String("out", "", "write final snapshot here (optional)")
		verbose    = flag.Bool("v", false, "print every skipped or failed event")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[replay] ", log.LstdFlags)

	if strings.TrimSpace(*eventsPath) == "" {
		logger.Fatal("-events is required")
	}

	tune := tuning.Default()
	if strings.TrimSpace(*tuningPath) != "" {
		var err error
		tune, err = tuning.Load(*tuningPath)
		if err != nil {
			logger.Fatalf("load tuning: %v", err)
		}
	}

	eng, err := derive.New(*cityID, tune, logger)
	if err != nil {
		logger.Fatalf("engine: %v", err)
	}

	if strings.TrimSpace(*fromSnap) != "" {
		snap, err := snapshot.ReadSnapshot(*fromSnap)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		if err := eng.ImportSnapshot(snap); err != nil {
			logger.Fatalf("import snapshot: %v", err)
		}
		logger.Printf("resumed from %s applied=%d", filepath.Base(*fromSnap), eng.AppliedEvents())
	}

	events, err := ingest.ReadFile(*eventsPath)
	if err != nil {
		logger.Fatalf("read events: %v", err)
	}

	start := time.Now()
	rep, err := eng.Apply(context.Background(), events)
	if err != nil {
		logger.Fatalf("apply: %v", err)
	}
	elapsed := time.Since(start)

	st := eng.Stats()

	fmt.Printf("events:    %d in %s\n", len(events), elapsed.Round(time.Millisecond))
	fmt.Printf("applied:   %d\n", rep.Applied)
	fmt.Printf("skipped:   %d\n", rep.Skipped)
	fmt.Printf("failed:    %d\n", rep.Failed)
	fmt.Printf("entities:  %d (%d active)\n", st.Entities, st.Active)
	fmt.Printf("grid:      %dx%d occupied=%d roads=%d expansions=%d\n",
		st.Grid.Width, st.Grid.Height, st.Grid.Occupied, st.Grid.Roads, st.Grid.Expansions)
	fmt.Printf("occupancy: %.1f%%\n", st.Grid.OccupancyRatio*100)

	if *verbose {
		for _, is := range rep.Issues {
			fmt.Printf("  %s key=%s: %s (%s)\n", is.Code, is.Key, is.Detail, is.EventID)
		}
	} else if len(rep.Issues) > 0 {
		fmt.Printf("issues:    %d (rerun with -v to list)\n", len(rep.Issues))
	}

	if strings.TrimSpace(*outSnap) != "" {
		if err := snapshot.WriteSnapshot(*outSnap, eng.ExportSnapshot()); err != nil {
			logger.Fatalf("write snapshot: %v", err)
		}
		logger.Printf("snapshot written: %s", *outSnap)
	}
}
