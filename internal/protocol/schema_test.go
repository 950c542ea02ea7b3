package protocol_test

import (
	"testing"

	"gitcity.dev/internal/protocol"
)

func TestValidateEventJSON_Samples(t *testing.T) {
	valid := []string{
		`{
		  "id":"c1:0",
		  "key":"src/main.ts",
		  "kind":"CREATE",
		  "additions":120,
		  "deletions":0,
		  "timestamp":"2024-03-01T12:00:00Z",
		  "author":"alice",
		  "message":"initial commit"
		}`,
		`{
		  "id":"c9:3",
		  "key":"pkg/engine/engine.go",
		  "prev_key":"engine.go",
		  "kind":"MOVE",
		  "additions":0,
		  "deletions":0,
		  "timestamp":"2024-03-02T09:30:00Z",
		  "author":"bob"
		}`,
	}
	for _, s := range valid {
		if err := protocol.ValidateEventJSON([]byte(s)); err != nil {
			t.Fatalf("expected valid, got: %v", err)
		}
	}
}

func TestValidateEventJSON_Rejects(t *testing.T) {
	invalid := []string{
		`not json`,
		`{}`,
		`{"id":"x","key":"a.go","kind":"TOUCH","timestamp":"2024-03-01T12:00:00Z","author":"a"}`,
		`{"id":"x","key":"a.go","kind":"CREATE","timestamp":"2024-03-01T12:00:00Z","author":"a","extra":1}`,
		`{"id":"x","key":"","kind":"CREATE","timestamp":"2024-03-01T12:00:00Z","author":"a"}`,
		`{"id":"x","key":"a.go","kind":"CREATE","timestamp":"2024-03-01T12:00:00Z","author":"a","additions":-1}`,
	}
	for _, s := range invalid {
		if err := protocol.ValidateEventJSON([]byte(s)); err == nil {
			t.Fatalf("expected rejection for %q", s)
		}
	}
}
