package app

import (
	"context"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlRequest(t *testing.T) {
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	t.Cleanup(httpmock.DeactivateAndReset)

	httpmock.RegisterResponder(http.MethodGet, "http://127.0.0.1:8085/status",
		httpmock.NewStringResponder(http.StatusOK, `{"paused":false,"running":{"cycle":true}}`))
	httpmock.RegisterResponder(http.MethodPost, "http://127.0.0.1:8085/cycles",
		httpmock.NewStringResponder(http.StatusConflict, `{"message":"monitor: job already running"}`))

	out, err := controlRequest(context.Background(), client, "http://127.0.0.1:8085/status", http.MethodGet, nil)
	require.NoError(t, err)
	assert.Contains(t, string(out), "\n  \"paused\": false")

	_, err = controlRequest(context.Background(), client, "http://127.0.0.1:8085/cycles", http.MethodPost, nil)
	assert.ErrorContains(t, err, "409")
	assert.ErrorContains(t, err, "already running")
}

func TestControlRequestSendsJSON(t *testing.T) {
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	t.Cleanup(httpmock.DeactivateAndReset)

	httpmock.RegisterResponder(http.MethodPost, "http://ctl/checks", func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		return httpmock.NewStringResponse(http.StatusOK, `{"items":0}`), nil
	})

	_, err := controlRequest(context.Background(), client, "http://ctl/checks", http.MethodPost, map[string]string{"hotel_id": "h"})
	require.NoError(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}
