package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a thin HTTP client for the controller API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL (e.g. http://host:port).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Endpoints lists the controller's registry.
func (c *Client) Endpoints(ctx context.Context) (EndpointsResponse, error) {
	var resp EndpointsResponse
	err := c.getJSON(ctx, "/endpoints", &resp)
	return resp, err
}

// Session returns the active recording session.
func (c *Client) Session(ctx context.Context) (SessionResponse, error) {
	var resp SessionResponse
	err := c.getJSON(ctx, "/session", &resp)
	return resp, err
}

// Markers lists logged marker events, optionally for one marker id.
func (c *Client) Markers(ctx context.Context, markerID string) (MarkersResponse, error) {
	var resp MarkersResponse
	err := c.getJSON(ctx, "/markers?marker_id="+url.QueryEscape(markerID), &resp)
	return resp, err
}

// MarkerSkew fetches the cross-endpoint skew report of one marker.
func (c *Client) MarkerSkew(ctx context.Context, markerID string) (SkewReport, error) {
	var resp SkewReport
	err := c.getJSON(ctx, "/markers/skew?marker_id="+url.QueryEscape(markerID), &resp)
	return resp, err
}

// Sync runs time sync with one endpoint, or all when endpointID is empty.
func (c *Client) Sync(ctx context.Context, endpointID string) (SyncResponse, error) {
	var resp SyncResponse
	err := c.postJSON(ctx, "/sync", SyncRequest{EndpointID: endpointID}, &resp)
	return resp, err
}

// Command sends a recording command.
func (c *Client) Command(ctx context.Context, req CommandRequest) (CommandResponse, error) {
	var resp CommandResponse
	err := c.postJSON(ctx, "/commands", req, &resp)
	return resp, err
}

// Marker broadcasts a marker.
func (c *Client) Marker(ctx context.Context, kind string) (MarkerResponse, error) {
	var resp MarkerResponse
	err := c.postJSON(ctx, "/markers", MarkerRequest{Kind: kind}, &resp)
	return resp, err
}

// StartRecording opens a recording session.
func (c *Client) StartRecording(ctx context.Context, req RecordingStartRequest) (RecordingResponse, error) {
	var resp RecordingResponse
	err := c.postJSON(ctx, "/recording/start", req, &resp)
	return resp, err
}

// StopRecording closes the active session.
func (c *Client) StopRecording(ctx context.Context, req RecordingStopRequest) (RecordingResponse, error) {
	var resp RecordingResponse
	err := c.postJSON(ctx, "/recording/stop", req, &resp)
	return resp, err
}

// Status queries one endpoint's device status.
func (c *Client) Status(ctx context.Context, endpointID string) (StatusResponse, error) {
	var resp StatusResponse
	err := c.postJSON(ctx, "/status", StatusRequest{EndpointID: endpointID}, &resp)
	return resp, err
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return &Error{Status: res.StatusCode, Message: fmt.Sprintf("request failed: %s: %s", res.Status, msg)}
		}
		return &Error{Status: res.StatusCode, Message: fmt.Sprintf("request failed: %s", res.Status)}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// Error is a non-2xx reply from the controller.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Message }
