package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/floorfleet/internal/fleet"
	"github.com/banshee-data/floorfleet/internal/httputil"
)

func TestClient_AgainstServer(t *testing.T) {
	env := newTestEnv(t)
	env.tick()
	srv := httptest.NewServer(env.mux)
	defer srv.Close()

	ctx := context.Background()
	c := NewClient(srv.URL+"/", httputil.NewStandardClient(srv.Client()))

	vs, err := c.Vehicles(ctx)
	require.NoError(t, err)
	require.Len(t, vs.Vehicles, 1)
	assert.Equal(t, fleet.StateArrived, vs.Vehicles[0].State)

	require.NoError(t, c.Select(ctx, 1))
	require.NoError(t, c.SetTarget(ctx, 1, 3))

	err = c.SetTarget(ctx, 1, 11)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.StatusCode)
	assert.Contains(t, se.Message, "waiting nodes")

	env.tick()
	segs, err := c.Segments(ctx)
	require.NoError(t, err)
	assert.Len(t, segs, 14)

	require.NoError(t, c.ClearTarget(ctx, 1))
}

func TestClient_Errors(t *testing.T) {
	m := httputil.NewMockHTTPClient().
		AddResponse(http.StatusBadGateway, "upstream down").
		AddErrorResponse(errors.New("dial tcp: refused")).
		AddResponse(http.StatusOK, "not json")
	c := NewClient("http://fleet", m)
	ctx := context.Background()

	err := c.Select(ctx, 2)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.Equal(t, "upstream down", se.Message)

	err = c.ClearTarget(ctx, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")

	_, err = c.Vehicles(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")

	req, body := m.Request(0)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/vehicles/2/select", req.URL.Path)
	assert.Empty(t, body)
}

func TestClient_SetTargetBody(t *testing.T) {
	m := httputil.NewMockHTTPClient()
	c := NewClient("http://fleet", m)
	require.NoError(t, c.SetTarget(context.Background(), 4, 6))

	req, body := m.Request(0)
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"node_id": 6}`, body)
}
