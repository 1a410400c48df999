package pipeline

import (
	"encoding/json"
	"time"
)

// isoMillis matches the ISO-8601 form trackers send (UTC, millisecond precision).
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// PositionReport is the latest validated fix set for one vessel.
// Reports are immutable once validated; the store and the broadcast
// share them without copying.
type PositionReport struct {
	ObservedAt time.Time
	VesselID   string
	DeviceID   *string
	Heading    *float64
	Fixes      []GpsFix
}

// GpsFix is one antenna/sensor reading. Nil optionals serialize as null.
type GpsFix struct {
	SourceTag      string   `json:"gps"`
	Latitude       float64  `json:"latitude"`
	Longitude      float64  `json:"longitude"`
	AltitudeM      *float64 `json:"altitude"`
	Speed          *float64 `json:"speed"`
	SatelliteCount *int     `json:"satellites"`
	SatelliteIDs   []string `json:"satellite_prns"`
}

type reportJSON struct {
	Timestamp string   `json:"timestamp"`
	VesselID  string   `json:"ship_id"`
	DeviceID  *string  `json:"device_id"`
	Heading   *float64 `json:"heading"`
	Fixes     []GpsFix `json:"gps_data"`
}

// MarshalJSON keeps the wire field order of the broadcast packet:
// timestamp, ship_id, device_id, heading, gps_data.
func (r PositionReport) MarshalJSON() ([]byte, error) {
	fixes := r.Fixes
	if fixes == nil {
		fixes = []GpsFix{}
	}
	return json.Marshal(reportJSON{
		Timestamp: r.ObservedAt.UTC().Format(isoMillis),
		VesselID:  r.VesselID,
		DeviceID:  r.DeviceID,
		Heading:   r.Heading,
		Fixes:     fixes,
	})
}

// UnmarshalJSON is the inverse of MarshalJSON; used by consumers of the
// broadcast and the ship log.
func (r *PositionReport) UnmarshalJSON(data []byte) error {
	var raw reportJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp)
	if err != nil {
		return err
	}
	*r = PositionReport{
		ObservedAt: ts,
		VesselID:   raw.VesselID,
		DeviceID:   raw.DeviceID,
		Heading:    raw.Heading,
		Fixes:      raw.Fixes,
	}
	return nil
}

// MarshalJSON forces satellite_prns to [] rather than null.
func (f GpsFix) MarshalJSON() ([]byte, error) {
	type plain GpsFix
	if f.SatelliteIDs == nil {
		f.SatelliteIDs = []string{}
	}
	return json.Marshal(plain(f))
}
