package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClient_ErrorIncludesBody(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"no active recording session"}`))
	}))
	defer s.Close()

	c := NewClient(s.URL)
	_, err := c.StopRecording(context.Background(), RecordingStopRequest{})
	if err == nil {
		t.Fatalf("expected error")
	}
	got := err.Error()
	if got == "" || got[len(got)-1] == '\n' {
		t.Fatalf("unexpected error string: %q", got)
	}
	if want := "409"; !strings.Contains(got, want) {
		t.Fatalf("error missing status: %q", got)
	}
	if want := `"error":"no active recording session"`; !strings.Contains(got, want) {
		t.Fatalf("error missing body: %q", got)
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		t.Fatalf("err=%#v", err)
	}
}

func TestClient_PostsCommand(t *testing.T) {
	t.Parallel()

	var got CommandRequest
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/commands" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"outcomes":[{"endpoint":"phone-a","ok":true,"code":0}]}`))
	}))
	defer s.Close()

	resp, err := NewClient(s.URL+"/").Command(context.Background(), CommandRequest{Type: "START", SessionID: "s1", Args: []string{"video"}})
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if got.Type != "START" || got.SessionID != "s1" || len(got.Args) != 1 {
		t.Fatalf("request=%+v", got)
	}
	if len(resp.Outcomes) != 1 || !resp.Outcomes[0].OK || resp.Outcomes[0].Endpoint != "phone-a" {
		t.Fatalf("outcomes=%+v", resp.Outcomes)
	}
}

func TestClient_MarkersEscapesQuery(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("marker_id") != "MANUAL_1 2" {
			t.Errorf("marker_id=%q", r.URL.Query().Get("marker_id"))
		}
		_, _ = w.Write([]byte(`{"events":[{"marker_id":"MANUAL_1 2","device_id":"b"}]}`))
	}))
	defer s.Close()

	resp, err := NewClient(s.URL).Markers(context.Background(), "MANUAL_1 2")
	if err != nil {
		t.Fatalf("Markers: %v", err)
	}
	if len(resp.Events) != 1 || resp.Events[0].DeviceID != "b" {
		t.Fatalf("events=%+v", resp.Events)
	}
}
