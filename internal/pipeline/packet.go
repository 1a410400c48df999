package pipeline

import "encoding/json"

const (
	TypeWelcome     = "welcome"
	TypeShipsUpdate = "ships_update"
)

// Welcome is sent once to every admitted connection.
type Welcome struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	ClientCount int    `json:"clientCount"`
}

// ShipsUpdate is the periodic broadcast packet.
type ShipsUpdate struct {
	Type      string           `json:"type"`
	Ships     []PositionReport `json:"ships"`
	Timestamp string           `json:"timestamp"`
}

// Snapshot is one broadcast cycle's output as handed to the ship log and
// downstream publishers. Payload is the exact serialized ShipsUpdate that
// went out on the sockets.
type Snapshot struct {
	Ships     []PositionReport
	Timestamp string
	Payload   []byte
}

// NewSnapshot builds and serializes the ships_update packet once.
func NewSnapshot(ships []PositionReport, timestamp string) (Snapshot, error) {
	if ships == nil {
		ships = []PositionReport{}
	}
	payload, err := json.Marshal(ShipsUpdate{
		Type:      TypeShipsUpdate,
		Ships:     ships,
		Timestamp: timestamp,
	})
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Ships: ships, Timestamp: timestamp, Payload: payload}, nil
}
