package pipeline

import (
	"errors"
	"fmt"
)

// Reason names why an inbound message was rejected. The values are the
// ones written to logs and used as metric labels.
type Reason string

const (
	ReasonMalformedPayload Reason = "malformed_payload"
	ReasonMissingVesselID  Reason = "missing_vessel_id"
	ReasonEmptyFixList     Reason = "empty_fix_list"
	ReasonNoValidFixes     Reason = "no_valid_fixes"
)

var (
	ErrMalformedPayload = errors.New(string(ReasonMalformedPayload))
	ErrMissingVesselID  = errors.New(string(ReasonMissingVesselID))
	ErrEmptyFixList     = errors.New(string(ReasonEmptyFixList))
	ErrNoValidFixes     = errors.New(string(ReasonNoValidFixes))
)

var sentinels = map[Reason]error{
	ReasonMalformedPayload: ErrMalformedPayload,
	ReasonMissingVesselID:  ErrMissingVesselID,
	ReasonEmptyFixList:     ErrEmptyFixList,
	ReasonNoValidFixes:     ErrNoValidFixes,
}

// ValidationError is a message-level rejection. It is never fatal to the
// connection that produced it.
type ValidationError struct {
	Reason   Reason
	VesselID string
	Detail   string
}

func (e *ValidationError) Error() string {
	msg := string(e.Reason)
	if e.VesselID != "" {
		msg += " (ship " + e.VesselID + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is lets errors.Is match the per-reason sentinels.
func (e *ValidationError) Is(target error) bool {
	return sentinels[e.Reason] == target
}

func reject(reason Reason, vesselID, format string, args ...any) *ValidationError {
	return &ValidationError{
		Reason:   reason,
		VesselID: vesselID,
		Detail:   fmt.Sprintf(format, args...),
	}
}

// ReasonOf extracts the rejection reason from err, or "" if err is not a
// ValidationError.
func ReasonOf(err error) Reason {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return ""
}
