package protocol

import (
	"fmt"
	"strconv"
)

// Type is the wire code of a message. Codes are grouped by family in
// hundreds and never reused.
type Type uint16

const (
	TypeStart  Type = 1
	TypeStop   Type = 2
	TypeStatus Type = 3

	TypePing   Type = 101
	TypePong   Type = 102
	TypeMarker Type = 103

	TypeConnect    Type = 201
	TypeDisconnect Type = 202
	TypeHeartbeat  Type = 203

	TypeAck   Type = 301
	TypeNack  Type = 302
	TypeError Type = 303
)

var typeNames = map[Type]string{
	TypeStart:      "START",
	TypeStop:       "STOP",
	TypeStatus:     "STATUS",
	TypePing:       "PING",
	TypePong:       "PONG",
	TypeMarker:     "MARKER",
	TypeConnect:    "CONNECT",
	TypeDisconnect: "DISCONNECT",
	TypeHeartbeat:  "HEARTBEAT",
	TypeAck:        "ACK",
	TypeNack:       "NACK",
	TypeError:      "ERROR",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "TYPE(" + strconv.Itoa(int(t)) + ")"
}

// Valid reports whether t is a known type code.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// ParseType maps a name such as "START" back to its Type.
func ParseType(name string) (Type, error) {
	for t, n := range typeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownType, name)
}

// Family groups message types.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyControl
	FamilySync
	FamilyConnection
	FamilyAcknowledgment
)

func (f Family) String() string {
	switch f {
	case FamilyControl:
		return "control"
	case FamilySync:
		return "sync"
	case FamilyConnection:
		return "connection"
	case FamilyAcknowledgment:
		return "acknowledgment"
	default:
		return "unknown"
	}
}

// Family returns the family t belongs to.
func (t Type) Family() Family {
	if !t.Valid() {
		return FamilyUnknown
	}
	switch t / 100 {
	case 0:
		return FamilyControl
	case 1:
		return FamilySync
	case 2:
		return FamilyConnection
	case 3:
		return FamilyAcknowledgment
	}
	return FamilyUnknown
}

// StatusCode qualifies a Response.
type StatusCode int

const (
	StatusOK              StatusCode = 0
	StatusErrorGeneral    StatusCode = 1
	StatusErrorNotConnect StatusCode = 2
	StatusErrorBusy       StatusCode = 3
	StatusErrorTimeout    StatusCode = 4
	StatusErrorInvalidCmd StatusCode = 5
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "OK"
	case StatusErrorGeneral:
		return "ERROR_GENERAL"
	case StatusErrorNotConnect:
		return "ERROR_NOT_CONNECTED"
	case StatusErrorBusy:
		return "ERROR_BUSY"
	case StatusErrorTimeout:
		return "ERROR_TIMEOUT"
	case StatusErrorInvalidCmd:
		return "ERROR_INVALID_CMD"
	default:
		return "STATUS(" + strconv.Itoa(int(c)) + ")"
	}
}

// Role is the clock role a node announces in CONNECT.
type Role string

const (
	RoleMaster Role = "master"
	RoleClient Role = "client"
)

// MarkerKind classifies a synchronization marker.
type MarkerKind string

const (
	MarkerStartRecording MarkerKind = "START_RECORDING"
	MarkerStopRecording  MarkerKind = "STOP_RECORDING"
	MarkerPeriodic       MarkerKind = "PERIODIC"
	MarkerManual         MarkerKind = "MANUAL"
	MarkerCalibration    MarkerKind = "CALIBRATION"
)

// Valid reports whether k is a known marker kind.
func (k MarkerKind) Valid() bool {
	switch k {
	case MarkerStartRecording, MarkerStopRecording, MarkerPeriodic, MarkerManual, MarkerCalibration:
		return true
	}
	return false
}
