package api

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptrace"
	"time"
)

// Timing splits one request into its network phases. Phases the transport
// never reached stay zero.
type Timing struct {
	Queue   time.Duration // waiting for a pooled or new connection
	DNS     time.Duration
	Connect time.Duration
	TLS     time.Duration
	Send    time.Duration // headers and body written
	Wait    time.Duration // request written to first response byte
	Receive time.Duration // first byte to end of body
	Total   time.Duration

	Reused bool
	Proto  string
}

func (t *Timing) Sum() time.Duration {
	return t.Queue + t.DNS + t.Connect + t.TLS + t.Send + t.Wait + t.Receive
}

type reply struct {
	status int
	body   []byte
	timing Timing
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        2,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	}
}

// phaseClock fills a Timing from httptrace callbacks.
type phaseClock struct {
	t                         *Timing
	queued, dns, dial, hs     time.Time
	connected, wrote, firstRx time.Time
}

func (c *phaseClock) trace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GetConn: func(string) { c.queued = time.Now() },
		GotConn: func(info httptrace.GotConnInfo) {
			c.connected = time.Now()
			c.t.Queue = c.connected.Sub(c.queued)
			c.t.Reused = info.Reused
		},
		DNSStart:          func(httptrace.DNSStartInfo) { c.dns = time.Now() },
		DNSDone:           func(httptrace.DNSDoneInfo) { c.t.DNS = time.Since(c.dns) },
		ConnectStart:      func(string, string) { c.dial = time.Now() },
		ConnectDone:       func(string, string, error) { c.t.Connect = time.Since(c.dial) },
		TLSHandshakeStart: func() { c.hs = time.Now() },
		TLSHandshakeDone: func(state tls.ConnectionState, _ error) {
			c.t.TLS = time.Since(c.hs)
			c.t.Proto = state.NegotiatedProtocol
		},
		WroteRequest: func(httptrace.WroteRequestInfo) {
			c.wrote = time.Now()
			if !c.connected.IsZero() {
				c.t.Send = c.wrote.Sub(c.connected)
			}
		},
		GotFirstResponseByte: func() {
			c.firstRx = time.Now()
			if !c.wrote.IsZero() {
				c.t.Wait = c.firstRx.Sub(c.wrote)
			}
		},
	}
}

// send runs req with phase tracing and reads the whole body.
func send(hc *http.Client, req *http.Request) (*reply, error) {
	r := &reply{}
	clock := &phaseClock{t: &r.timing}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), clock.trace()))

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if r.body, err = io.ReadAll(resp.Body); err != nil {
		return nil, err
	}
	// mocked transports never report a first byte
	if !clock.firstRx.IsZero() {
		r.timing.Receive = time.Since(clock.firstRx)
	}
	r.timing.Total = time.Since(start)
	r.status = resp.StatusCode
	return r, nil
}
