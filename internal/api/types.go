package api

import (
	"capsync/internal/coordinator"
	"capsync/internal/marker"
	"capsync/internal/protocol"
	"capsync/internal/registry"
)

// EndpointsResponse lists the registry.
type EndpointsResponse struct {
	Controller string              `json:"controller"`
	Endpoints  []registry.Endpoint `json:"endpoints"`
}

// SessionResponse describes the active recording session, if any.
type SessionResponse struct {
	Active  bool                 `json:"active"`
	Session *coordinator.Session `json:"session,omitempty"`
}

// MarkersResponse lists logged marker events.
type MarkersResponse struct {
	Events []marker.Event `json:"events"`
}

// SyncRequest syncs one endpoint, or all CONNECTED endpoints when EndpointID is empty.
type SyncRequest struct {
	EndpointID string `json:"endpoint_id,omitempty"`
}

// SyncResponse carries one result per synced endpoint.
type SyncResponse struct {
	Results []coordinator.SyncResult `json:"results"`
}

// CommandRequest sends START, STOP or STATUS to one endpoint, or broadcasts
// it when EndpointID is empty. An empty SessionID uses the active session.
type CommandRequest struct {
	Type       string   `json:"type"`
	EndpointID string   `json:"endpoint_id,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
	Args       []string `json:"args,omitempty"`
}

// CommandResponse reports per-endpoint outcomes.
type CommandResponse struct {
	Outcomes coordinator.Report `json:"outcomes"`
}

// MarkerRequest broadcasts a marker of the given kind.
type MarkerRequest struct {
	Kind string `json:"kind"`
}

// MarkerResponse reports the new marker id and delivery outcomes.
type MarkerResponse struct {
	MarkerID string             `json:"marker_id"`
	Outcomes coordinator.Report `json:"outcomes"`
}

// RecordingStartRequest opens a session. An empty SessionID gets a generated one.
type RecordingStartRequest struct {
	SessionID string   `json:"session_id,omitempty"`
	Args      []string `json:"args,omitempty"`
}

// RecordingStopRequest closes the active session.
type RecordingStopRequest struct {
	Args []string `json:"args,omitempty"`
}

// RecordingResponse is returned by both recording calls.
type RecordingResponse struct {
	Session  coordinator.Session `json:"session"`
	Outcomes coordinator.Report  `json:"outcomes"`
}

// StatusRequest queries one endpoint's device status.
type StatusRequest struct {
	EndpointID string `json:"endpoint_id"`
}

// StatusResponse carries the endpoint's reply.
type StatusResponse struct {
	EndpointID string                `json:"endpoint_id"`
	Status     protocol.DeviceStatus `json:"status"`
}

// SkewReport is the cross-endpoint alignment of one marker.
type SkewReport = marker.Skew
