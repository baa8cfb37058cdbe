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
	"time"

	"noisemap/internal/validate"
	"noisemap/log"
	"noisemap/metrics"
)

const defaultTimeout = 15 * time.Second

type Client struct {
	http    *http.Client
	baseURL string
	metrics *metrics.Metrics
}

type Option func(*Client)

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		http:    newHTTPClient(defaultTimeout),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

// HTTPClient exposes the underlying client so tests can swap its transport.
func (c *Client) HTTPClient() *http.Client { return c.http }

// Ping sends a HEAD to the heatmap endpoint and reports the round trip.
// Any HTTP status counts as reachable.
func (c *Client) Ping(ctx context.Context) (time.Duration, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/heatmap-data", nil)
	if err != nil {
		return 0, 0, err
	}
	r, err := send(c.http, req)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return r.timing.Total, r.status, nil
}

// SubmitReading stores one reading. The reading is validated before it is sent.
func (c *Client) SubmitReading(ctx context.Context, r StressReading) (*SubmitResponse, error) {
	if err := validate.Struct(r); err != nil {
		return nil, fmt.Errorf("invalid reading: %w", err)
	}
	body, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}

	var out SubmitResponse
	if err := c.do(ctx, "submit-reading", http.MethodPost, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetHeatmapData(ctx context.Context) ([]HeatmapGridPoint, error) {
	var out []HeatmapGridPoint
	if err := c.do(ctx, "heatmap-data", http.MethodGet, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetReadings(ctx context.Context) ([]Reading, error) {
	var out []Reading
	if err := c.do(ctx, "readings", http.MethodGet, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, op, method string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+op, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := send(c.http, req)
	if err != nil {
		c.metrics.RecordRequest(op, "network_error", time.Since(start))
		log.Warnf("%s: %v", op, err)
		return fmt.Errorf("%w: %s: %v", ErrNetwork, op, err)
	}

	m := resp.timing
	c.metrics.RecordRequest(op, strconv.Itoa(resp.status), m.Total)
	log.Request(log.RequestMetrics{
		Op:          op,
		StatusCode:  resp.status,
		ReqBytes:    len(body),
		RespBytes:   len(resp.body),
		DNSTimeMs:   ms(m.DNS),
		ConnTimeMs:  ms(m.Connect),
		TLSTimeMs:   ms(m.TLS),
		TTFBMs:      ms(m.Wait),
		TotalTimeMs: ms(m.Total),
		ConnReused:  m.Reused,
		TLSProto:    m.Proto,
	})

	if resp.status < 200 || resp.status > 299 {
		return &StatusError{Op: op, StatusCode: resp.status, Body: string(resp.body)}
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	return nil
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
