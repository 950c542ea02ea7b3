package protocol

// Message types on the notification stream.
const (
	TypeWelcome = "WELCOME"
	TypeNotify  = "NOTIFY"
)

// WELCOME (server -> client): sent once after the websocket upgrade.
type WelcomeMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	CityID          string     `json:"city_id"`
	AppliedEvents   uint64     `json:"applied_events"`
	GridParams      GridParams `json:"grid_params"`
}

type GridParams struct {
	MinX         int     `json:"min_x"`
	MinZ         int     `json:"min_z"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	RoadInterval int     `json:"road_interval"`
	Spacing      float64 `json:"spacing"`
}

// NOTIFY (server -> client): one lifecycle notification per applied event.
type NotifyMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Action          string  `json:"action"` // created|updated|deleted|moved
	EntityID        string  `json:"entity_id"`
	Key             string  `json:"key"`
	Timestamp       string  `json:"timestamp"`
	Kind            string  `json:"kind"`
	Implicit        bool    `json:"implicit,omitempty"`
	NewPos          *[2]int `json:"new_pos,omitempty"`
	LayerCount      int     `json:"layer_count,omitempty"`
}
