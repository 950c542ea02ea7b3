package protocol

import "time"

const Version = "1.0"

// ChangeKind classifies one file-change event derived from a commit.
type ChangeKind string

const (
	KindCreate ChangeKind = "CREATE"
	KindModify ChangeKind = "MODIFY"
	KindDelete ChangeKind = "DELETE"
	KindRename ChangeKind = "RENAME"
	KindMove   ChangeKind = "MOVE"
)

func (k ChangeKind) Valid() bool {
	switch k {
	case KindCreate, KindModify, KindDelete, KindRename, KindMove:
		return true
	}
	return false
}

// Relocating returns true for kinds that carry a previous key.
func (k ChangeKind) Relocating() bool {
	return k == KindRename || k == KindMove
}

// ChangeEvent is one record of the upstream event stream. The upstream
// collaborator has already resolved commits into per-file records; the core
// treats these as validated input.
type ChangeEvent struct {
	ID        string     `json:"id"`
	Key       string     `json:"key"`
	PrevKey   string     `json:"prev_key,omitempty"`
	Kind      ChangeKind `json:"kind"`
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
	Timestamp time.Time  `json:"timestamp"`
	Author    string     `json:"author"`
	Message   string     `json:"message,omitempty"`
}
