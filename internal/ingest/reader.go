// Package ingest reads change-event streams from JSONL files, one event per
// line. Files ending in .zst are transparently decompressed.
package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"

	"gitcity.dev/internal/protocol"
)

// Lines can get long when commit messages are pasted in whole.
const maxLineBytes = 4 * 1024 * 1024

// ReadFile loads every event from path. Each line is validated against the
// event schema before decoding; the first bad line aborts the read with its
// line number.
func ReadFile(path string) ([]protocol.ChangeEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open zstd %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}
	return ReadAll(r)
}

// ReadAll decodes a JSONL event stream. Blank lines and lines starting with
// '#' are skipped.
func ReadAll(r io.Reader) ([]protocol.ChangeEvent, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	var events []protocol.ChangeEvent
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		if err := protocol.ValidateEventJSON(line); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		var ev protocol.ChangeEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("line %d: %w", lineNo+1, err)
	}
	return events, nil
}
