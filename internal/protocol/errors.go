package protocol

const (
	// Input validation.
	ErrBadEvent = "E_BAD_EVENT"

	// Input inconsistency (recovered by skipping the event).
	ErrKeyActive  = "E_KEY_ACTIVE"
	ErrUnknownKey = "E_UNKNOWN_KEY"
	ErrKeyRetired = "E_KEY_RETIRED"
	ErrDestActive = "E_DEST_ACTIVE"

	// Capacity.
	ErrGridFull = "E_GRID_FULL"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrBadEvent:   {},
	ErrKeyActive:  {},
	ErrUnknownKey: {},
	ErrKeyRetired: {},
	ErrDestActive: {},
	ErrGridFull:   {},
	ErrInternal:   {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
