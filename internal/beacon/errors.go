package beacon

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidBeaconType is returned for an empty beacon type.
	ErrInvalidBeaconType = errors.New("beacon type must not be empty")

	// ErrAlreadyInitiated is returned when a client endpoint is reused.
	ErrAlreadyInitiated = errors.New("beacon connection already initiated")

	// ErrNotOpen is returned when sending application traffic before Open.
	ErrNotOpen = errors.New("beacon connection is not open")

	// ErrDuplicateBeaconType is returned when two host objects claim a type.
	ErrDuplicateBeaconType = errors.New("beacon type already registered")
)

// FailureReason classifies why a connection ended.
type FailureReason int

const (
	ReasonNone FailureReason = iota
	ReasonConnectError
	ReasonHandshakeTimeout
	ReasonConnectionTimeout
	ReasonIncompatibleVersion
	ReasonRemoteFailure
	ReasonProtocolViolation
	ReasonUnknownBeaconType
	ReasonTransportClosed
	ReasonRemoteClosed
	ReasonRequested
)

// reasonMessages are the user-facing texts for each reason.
var reasonMessages = map[FailureReason]string{
	ReasonNone:                "no error",
	ReasonConnectError:        "could not connect",
	ReasonHandshakeTimeout:    "connection timed out",
	ReasonConnectionTimeout:   "connection timed out",
	ReasonIncompatibleVersion: "incompatible version",
	ReasonRemoteFailure:       "remote failure",
	ReasonProtocolViolation:   "protocol violation",
	ReasonUnknownBeaconType:   "unknown beacon type",
	ReasonTransportClosed:     "connection lost",
	ReasonRemoteClosed:        "closed by remote",
	ReasonRequested:           "closed",
}

// String returns the user-facing message for the reason.
func (r FailureReason) String() string {
	if msg, ok := reasonMessages[r]; ok {
		return msg
	}
	return "unknown failure"
}

// Error describes a connection failure or disconnection.
type Error struct {
	Reason FailureReason
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Reason.String()
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ReasonOf extracts the FailureReason from err, or ReasonNone.
func ReasonOf(err error) FailureReason {
	var be *Error
	if errors.As(err, &be) {
		return be.Reason
	}
	return ReasonNone
}
