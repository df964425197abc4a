package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/banshee-data/floorfleet/internal/arbiter"
	"github.com/banshee-data/floorfleet/internal/httputil"
)

// StatusError is a non-2xx reply from the fleet server.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fleet server: %d %s", e.StatusCode, e.Message)
}

// Client talks to a running fleetd.
type Client struct {
	base string
	http httputil.HTTPClient
}

// NewClient creates a client for the server at baseURL, e.g.
// "http://localhost:8080".
func NewClient(baseURL string, hc httputil.HTTPClient) *Client {
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode/100 != 2 {
		var eb httputil.ErrorBody
		if json.Unmarshal(data, &eb) != nil || eb.Error == "" {
			eb.Error = strings.TrimSpace(string(data))
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: eb.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

func vehiclePath(id int, suffix string) string {
	return "/api/vehicles/" + strconv.Itoa(id) + suffix
}

// Vehicles fetches the current vehicle list.
func (c *Client) Vehicles(ctx context.Context) (*VehiclesResponse, error) {
	var out VehiclesResponse
	if err := c.do(ctx, http.MethodGet, "/api/vehicles", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Segments fetches segment occupancy.
func (c *Client) Segments(ctx context.Context) ([]arbiter.SegmentState, error) {
	var out []arbiter.SegmentState
	if err := c.do(ctx, http.MethodGet, "/api/segments", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Select selects a vehicle.
func (c *Client) Select(ctx context.Context, vehicleID int) error {
	return c.do(ctx, http.MethodPost, vehiclePath(vehicleID, "/select"), nil, nil)
}

// SetTarget routes a vehicle to a node.
func (c *Client) SetTarget(ctx context.Context, vehicleID, nodeID int) error {
	return c.do(ctx, http.MethodPost, vehiclePath(vehicleID, "/target"), TargetRequest{NodeID: &nodeID}, nil)
}

// ClearTarget stops a vehicle and drops its route.
func (c *Client) ClearTarget(ctx context.Context, vehicleID int) error {
	return c.do(ctx, http.MethodDelete, vehiclePath(vehicleID, "/target"), nil, nil)
}
