package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"capsync/internal/api"
	"capsync/internal/coordinator"
	"capsync/internal/marker"
	"capsync/internal/protocol"
	"capsync/internal/timesync"
)

// Handler returns the HTTP API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/endpoints", s.handleEndpoints)
	mux.HandleFunc("/session", s.handleSession)
	mux.HandleFunc("/markers", s.handleMarkers)
	mux.HandleFunc("/markers/skew", s.handleMarkerSkew)
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/commands", s.handleCommands)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/recording/start", s.handleRecordingStart)
	mux.HandleFunc("/recording/stop", s.handleRecordingStop)
	return mux
}

func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, api.EndpointsResponse{Controller: s.cfg.ID, Endpoints: s.coord.Endpoints()})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := api.SessionResponse{}
	if sess, ok := s.coord.CurrentSession(); ok {
		resp.Active = true
		resp.Session = &sess
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMarkers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		events := s.coord.MarkerEvents(r.URL.Query().Get("marker_id"))
		if events == nil {
			events = []marker.Event{}
		}
		writeJSON(w, http.StatusOK, api.MarkersResponse{Events: events})
	case http.MethodPost:
		var req api.MarkerRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		kind := marker.Kind(strings.ToUpper(strings.TrimSpace(req.Kind)))
		if kind == "" {
			kind = protocol.MarkerManual
		}
		if !kind.Valid() {
			writeJSONError(w, http.StatusBadRequest, "unknown marker kind "+req.Kind)
			return
		}
		id, report, err := s.coord.BroadcastMarker(r.Context(), kind)
		if err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, api.MarkerResponse{MarkerID: id, Outcomes: report})
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleMarkerSkew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := r.URL.Query().Get("marker_id")
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "marker_id is required")
		return
	}
	skew, err := s.coord.MarkerSkew(id)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, skew)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.SyncRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.EndpointID == "" {
		writeJSON(w, http.StatusOK, api.SyncResponse{Results: s.coord.SyncWithAllEndpoints(r.Context())})
		return
	}
	res, err := s.coord.SyncWithEndpoint(r.Context(), req.EndpointID)
	var qerr *timesync.QualityError
	if err != nil && !errors.As(err, &qerr) {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, api.SyncResponse{Results: []coordinator.SyncResult{res}})
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.CommandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := protocol.ParseType(strings.ToUpper(strings.TrimSpace(req.Type)))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	session := req.SessionID
	if session == "" {
		if cur, ok := s.coord.CurrentSession(); ok {
			session = cur.ID
		}
	}

	if req.EndpointID == "" {
		report, err := s.coord.BroadcastCommand(r.Context(), t, session, req.Args...)
		if err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, api.CommandResponse{Outcomes: report})
		return
	}

	resp, err := s.coord.SendCommand(r.Context(), t, req.EndpointID, session, req.Args...)
	out := coordinator.Outcome{Endpoint: req.EndpointID, OK: err == nil, Code: resp.Code, Text: resp.Text, Err: err}
	if err != nil {
		if !errors.Is(err, coordinator.ErrNacked) && !errors.Is(err, coordinator.ErrCommandTimeout) {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		out.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, api.CommandResponse{Outcomes: coordinator.Report{out}})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.StatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.EndpointID == "" {
		writeJSONError(w, http.StatusBadRequest, "endpoint_id is required")
		return
	}
	st, err := s.coord.RequestStatus(r.Context(), req.EndpointID)
	if err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, api.StatusResponse{EndpointID: req.EndpointID, Status: st})
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.RecordingStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, report, err := s.coord.StartRecording(r.Context(), req.SessionID, req.Args...)
	if err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, api.RecordingResponse{Session: sess, Outcomes: report})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.RecordingStopRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, report, err := s.coord.StopRecording(r.Context(), req.Args...)
	if err != nil && !errors.Is(err, coordinator.ErrNoSession) && sess.ID != "" {
		// Frozen but not archived: report it so the operator still gets the markers.
		s.log.Sugar().Warnf("session %s not archived: %v", sess.ID, err)
		writeJSON(w, http.StatusOK, api.RecordingResponse{Session: sess, Outcomes: report})
		return
	}
	if err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, api.RecordingResponse{Session: sess, Outcomes: report})
}

// statusFor maps coordinator errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrUnknownEndpoint):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrNoSession), errors.Is(err, coordinator.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrNacked):
		return http.StatusBadGateway
	case errors.Is(err, coordinator.ErrCommandTimeout), errors.Is(err, coordinator.ErrSyncTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, coordinator.ErrStopped), errors.Is(err, coordinator.ErrNotStarted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
