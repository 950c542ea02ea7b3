package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

type Header struct {
	Version       int    `json:"version"`
	CityID        string `json:"city_id"`
	AppliedEvents uint64 `json:"applied_events"`
}

// SnapshotV1 is a self-contained resume point: configuration, grid bounds
// and cell assignments, and the full ledger with layer history.
type SnapshotV1 struct {
	Header Header `json:"header"`

	// Configuration captured for identical resume.
	GridWidth    int     `json:"grid_width"`
	GridHeight   int     `json:"grid_height"`
	RoadInterval int     `json:"road_interval"`
	GridSpacing  float64 `json:"grid_spacing"`
	GrowthRatio  float64 `json:"growth_ratio"`

	BaseFootprint float64 `json:"base_footprint"`
	LayerHeight   float64 `json:"layer_height"`
	MaxHeight     float64 `json:"max_height"`

	AgeBuckets []AgeBucketV1     `json:"age_buckets,omitempty"`
	Colors     map[string]string `json:"colors,omitempty"`

	Grid     GridV1     `json:"grid"`
	Entities []EntityV1 `json:"entities"`
}

type AgeBucketV1 struct {
	MaxAgeDays int     `json:"max_age_days"`
	Opacity    float64 `json:"opacity"`
}

type GridV1 struct {
	MinX   int `json:"min_x"`
	MinZ   int `json:"min_z"`
	Width  int `json:"width"`
	Height int `json:"height"`

	Expansions int `json:"expansions,omitempty"`

	Occupied []OccupiedV1 `json:"occupied"`
	Reserved []ReservedV1 `json:"reserved,omitempty"`
}

type OccupiedV1 struct {
	X        int    `json:"x"`
	Z        int    `json:"z"`
	EntityID string `json:"entity_id"`
}

type ReservedV1 struct {
	X     int    `json:"x"`
	Z     int    `json:"z"`
	Owner string `json:"owner,omitempty"`
}

type EntityV1 struct {
	ID       string    `json:"id"`
	Key      string    `json:"key"`
	X        int       `json:"x"`
	Z        int       `json:"z"`
	Category string    `json:"category"`
	Active   bool      `json:"active"`
	Created  int64     `json:"created_unix_nano"`
	Modified int64     `json:"modified_unix_nano"`
	Layers   []LayerV1 `json:"layers"`
}

type LayerV1 struct {
	EventID   string `json:"event_id"`
	Timestamp int64  `json:"timestamp_unix_nano"`
	Author    string `json:"author"`
	Kind      string `json:"kind"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Message   string `json:"message,omitempty"`
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// Skip the header line; the gob body carries the header too.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}

// ReadHeader decodes only the JSON header line, cheap enough for listing
// snapshot directories.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("snapshot header: %w", err)
	}
	return h, nil
}
