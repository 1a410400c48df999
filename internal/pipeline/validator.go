package pipeline

import (
	"bytes"
	"encoding/json"
	"math"
	"time"
)

// Inbound is one telemetry message as sent by a tracker. Fields stay raw
// until Validate so that a single mistyped fix does not fail the whole
// message at decode time.
type Inbound struct {
	ShipID    json.RawMessage `json:"ship_id"`
	DeviceID  json.RawMessage `json:"device_id"`
	Heading   json.RawMessage `json:"heading"`
	Timestamp json.RawMessage `json:"timestamp"`
	GpsData   json.RawMessage `json:"gps_data"`
}

type inboundFix struct {
	Gps           json.RawMessage `json:"gps"`
	Latitude      json.RawMessage `json:"latitude"`
	Longitude     json.RawMessage `json:"longitude"`
	Altitude      json.RawMessage `json:"altitude"`
	Speed         json.RawMessage `json:"speed"`
	Satellites    json.RawMessage `json:"satellites"`
	SatellitePRNs json.RawMessage `json:"satellite_prns"`
}

// Decode parses one websocket payload. Anything that is not a JSON object
// is rejected as malformed_payload.
func Decode(data []byte) (*Inbound, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, reject(ReasonMalformedPayload, "", "payload is not a JSON object")
	}
	var msg Inbound
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, reject(ReasonMalformedPayload, "", "%v", err)
	}
	return &msg, nil
}

// Validate turns a decoded message into a PositionReport. now is used as
// the observation time when the tracker did not send a parseable one.
//
// Invalid fixes are dropped one by one; the report is rejected only when
// none survive.
func Validate(msg *Inbound, now time.Time) (PositionReport, error) {
	if msg == nil {
		return PositionReport{}, reject(ReasonMalformedPayload, "", "nil message")
	}

	vesselID, ok := stringField(msg.ShipID)
	if !ok || vesselID == "" {
		return PositionReport{}, reject(ReasonMissingVesselID, "", "ship_id must be a non-empty string")
	}

	if isAbsent(msg.GpsData) {
		return PositionReport{}, reject(ReasonEmptyFixList, vesselID, "gps_data missing")
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(msg.GpsData, &entries); err != nil {
		return PositionReport{}, reject(ReasonMalformedPayload, vesselID, "gps_data is not an array")
	}
	if len(entries) == 0 {
		return PositionReport{}, reject(ReasonEmptyFixList, vesselID, "gps_data is empty")
	}

	fixes := make([]GpsFix, 0, len(entries))
	for _, raw := range entries {
		if fix, ok := validFix(raw); ok {
			fixes = append(fixes, fix)
		}
	}
	if len(fixes) == 0 {
		return PositionReport{}, reject(ReasonNoValidFixes, vesselID, "%d fixes, none with gps tag and numeric latitude/longitude", len(entries))
	}

	report := PositionReport{
		ObservedAt: now,
		VesselID:   vesselID,
		Heading:    numberPtr(msg.Heading),
		Fixes:      fixes,
	}
	if dev, ok := stringField(msg.DeviceID); ok && dev != "" {
		report.DeviceID = &dev
	}
	if ts, ok := stringField(msg.Timestamp); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			report.ObservedAt = t
		}
	}
	return report, nil
}

func validFix(raw json.RawMessage) (GpsFix, bool) {
	var in inboundFix
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return GpsFix{}, false
	}
	if err := json.Unmarshal(trimmed, &in); err != nil {
		return GpsFix{}, false
	}

	tag, ok := stringField(in.Gps)
	if !ok || tag == "" {
		return GpsFix{}, false
	}
	lat, ok := numberField(in.Latitude)
	if !ok {
		return GpsFix{}, false
	}
	lon, ok := numberField(in.Longitude)
	if !ok {
		return GpsFix{}, false
	}

	return GpsFix{
		SourceTag:      tag,
		Latitude:       lat,
		Longitude:      lon,
		AltitudeM:      numberPtr(in.Altitude),
		Speed:          numberPtr(in.Speed),
		SatelliteCount: intPtr(in.Satellites),
		SatelliteIDs:   satelliteIDs(in.SatellitePRNs),
	}, true
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func stringField(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return "", false
	}
	return s, true
}

// numberField accepts JSON numbers only; numeric strings are not numbers.
func numberField(raw json.RawMessage) (float64, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return 0, false
	}
	if c := trimmed[0]; c != '-' && (c < '0' || c > '9') {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return 0, false
	}
	return f, true
}

func numberPtr(raw json.RawMessage) *float64 {
	f, ok := numberField(raw)
	if !ok {
		return nil
	}
	return &f
}

func intPtr(raw json.RawMessage) *int {
	f, ok := numberField(raw)
	if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return nil
	}
	n := int(f)
	return &n
}

// satelliteIDs keeps string PRNs and the literal text of numeric ones;
// anything else yields an empty list.
func satelliteIDs(raw json.RawMessage) []string {
	var items []json.RawMessage
	if isAbsent(raw) || json.Unmarshal(raw, &items) != nil {
		return []string{}
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := stringField(item); ok {
			ids = append(ids, s)
			continue
		}
		if _, ok := numberField(item); ok {
			ids = append(ids, string(bytes.TrimSpace(item)))
		}
	}
	return ids
}
