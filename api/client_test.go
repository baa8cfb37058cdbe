package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBase = "http://backend.test"

func newMockedClient(t *testing.T) (*Client, *httpmock.MockTransport) {
	t.Helper()
	c := NewClient(testBase + "/")
	mock := httpmock.NewMockTransport()
	c.HTTPClient().Transport = mock
	return c, mock
}

func TestSubmitReading(t *testing.T) {
	c, mock := newMockedClient(t)

	var got map[string]any
	mock.RegisterResponder("POST", testBase+"/submit-reading",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
			body, err := io.ReadAll(req.Body)
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(body, &got))
			return httpmock.NewStringResponse(http.StatusOK, `{"message":"Reading stored successfully"}`), nil
		})

	resp, err := c.SubmitReading(context.Background(), StressReading{Latitude: 52.52, Longitude: 13.405, StressScore: 0.3})
	require.NoError(t, err)
	assert.Equal(t, "Reading stored successfully", resp.Message)
	assert.Equal(t, map[string]any{"latitude": 52.52, "longitude": 13.405, "stress_score": 0.3}, got)
	assert.Equal(t, 1, mock.GetTotalCallCount())
}

func TestSubmitReadingStatusError(t *testing.T) {
	c, mock := newMockedClient(t)
	mock.RegisterResponder("POST", testBase+"/submit-reading",
		httpmock.NewStringResponder(http.StatusUnprocessableEntity, `{"detail":"bad"}`))

	_, err := c.SubmitReading(context.Background(), StressReading{Latitude: 1, Longitude: 2, StressScore: 0.5})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnprocessableEntity, se.StatusCode)
	assert.Equal(t, `{"detail":"bad"}`, se.Body)
	assert.Equal(t, "submit-reading", se.Op)
	assert.Contains(t, err.Error(), "422")
}

func TestSubmitReadingNetworkError(t *testing.T) {
	c, mock := newMockedClient(t)
	mock.RegisterResponder("POST", testBase+"/submit-reading",
		httpmock.NewErrorResponder(errors.New("connection refused")))

	_, err := c.SubmitReading(context.Background(), StressReading{Latitude: 1, Longitude: 2, StressScore: 0.5})
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestSubmitReadingRejectsInvalid(t *testing.T) {
	c, mock := newMockedClient(t)

	for _, r := range []StressReading{
		{Latitude: 91, Longitude: 0, StressScore: 0.5},
		{Latitude: 0, Longitude: -181, StressScore: 0.5},
		{Latitude: 0, Longitude: 0, StressScore: 1.5},
	} {
		_, err := c.SubmitReading(context.Background(), r)
		assert.Error(t, err, "%+v", r)
	}
	assert.Equal(t, 0, mock.GetTotalCallCount(), "invalid readings must not be sent")
}

func TestGetHeatmapData(t *testing.T) {
	c, mock := newMockedClient(t)
	mock.RegisterResponder("GET", testBase+"/heatmap-data",
		httpmock.NewStringResponder(http.StatusOK,
			`[{"latitude":52.52,"longitude":13.4,"average_stress":0.42,"count":3},
			  {"latitude":48.85,"longitude":2.35,"average_stress":0.1,"count":1}]`))

	cells, err := c.GetHeatmapData(context.Background())
	require.NoError(t, err)
	require.Len(t, cells, 2)
	assert.Equal(t, HeatmapGridPoint{Latitude: 52.52, Longitude: 13.4, AverageStress: 0.42, Count: 3}, cells[0])
}

func TestGetHeatmapDataErrors(t *testing.T) {
	tests := []struct {
		name      string
		responder httpmock.Responder
		check     func(t *testing.T, err error)
	}{
		{
			name:      "server error",
			responder: httpmock.NewStringResponder(http.StatusInternalServerError, "boom"),
			check: func(t *testing.T, err error) {
				var se *StatusError
				require.ErrorAs(t, err, &se)
				assert.Equal(t, "boom", se.Body)
			},
		},
		{
			name:      "malformed json",
			responder: httpmock.NewStringResponder(http.StatusOK, `{"not":"a list"`),
			check: func(t *testing.T, err error) {
				require.Error(t, err)
				assert.NotErrorIs(t, err, ErrNetwork)
			},
		},
		{
			name:      "transport",
			responder: httpmock.NewErrorResponder(errors.New("no route to host")),
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrNetwork)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, mock := newMockedClient(t)
			mock.RegisterResponder("GET", testBase+"/heatmap-data", tt.responder)
			cells, err := c.GetHeatmapData(context.Background())
			assert.Nil(t, cells)
			tt.check(t, err)
		})
	}
}

func TestGetReadings(t *testing.T) {
	c, mock := newMockedClient(t)
	mock.RegisterResponder("GET", testBase+"/readings",
		httpmock.NewStringResponder(http.StatusOK,
			`[{"id":7,"grid_location":"52.52,13.40","stress_score":0.3,"timestamp":"2024-05-01T10:20:30.123456"}]`))

	readings, err := c.GetReadings(context.Background())
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, 7, readings[0].ID)
	assert.Equal(t, "52.52,13.40", readings[0].GridLocation)
	want := time.Date(2024, 5, 1, 10, 20, 30, 123456000, time.UTC)
	assert.True(t, readings[0].Timestamp.Equal(want), "timestamp %v", readings[0].Timestamp)
}

func TestTimestampLayouts(t *testing.T) {
	for _, in := range []string{`"2024-05-01T10:20:30Z"`, `"2024-05-01T10:20:30"`, `"2024-05-01 10:20:30.5"`} {
		var ts Timestamp
		require.NoError(t, json.Unmarshal([]byte(in), &ts), in)
		assert.Equal(t, 2024, ts.Year())
	}
	var ts Timestamp
	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))
}

func TestTimingSum(t *testing.T) {
	m := &Timing{
		Queue:   10 * time.Millisecond,
		DNS:     20 * time.Millisecond,
		Connect: 30 * time.Millisecond,
		TLS:     40 * time.Millisecond,
		Send:    20 * time.Millisecond,
		Wait:    50 * time.Millisecond,
		Receive: 25 * time.Millisecond,
		Total:   time.Second,
	}
	if got, want := m.Sum(), 195*time.Millisecond; got != want {
		t.Errorf("Sum() = %v, want %v", got, want)
	}
}

func TestDefaultBaseURL(t *testing.T) {
	assert.Equal(t, DefaultBaseURL, NewClient("").BaseURL())
}

func TestPing(t *testing.T) {
	c, mock := newMockedClient(t)
	mock.RegisterResponder("HEAD", testBase+"/heatmap-data", httpmock.NewStringResponder(http.StatusMethodNotAllowed, ""))

	_, status, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, status)

	mock.RegisterResponder("HEAD", testBase+"/heatmap-data", httpmock.NewErrorResponder(errors.New("connection refused")))
	_, _, err = c.Ping(context.Background())
	assert.ErrorIs(t, err, ErrNetwork)
}
