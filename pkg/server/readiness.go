package server

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Readiness is the pluggable policy deciding when a starting server
// counts as ready to serve traffic.
type Readiness interface {
	// ReadyLine reports whether a stderr line signals readiness.
	ReadyLine(line string) bool

	// ReadyProbe performs an out-of-band check, reporting true when the
	// server answers. Only called when ProbeInterval is positive.
	ReadyProbe(ctx context.Context) bool

	// ProbeInterval returns how often ReadyProbe runs; zero disables
	// probing.
	ProbeInterval() time.Duration
}

// MarkerReadiness matches a fixed substring in the server's startup
// output. This is the default: the backend prints a ready banner to
// stderr once its listener is up.
type MarkerReadiness string

func (m MarkerReadiness) ReadyLine(line string) bool {
	return strings.Contains(line, string(m))
}

func (MarkerReadiness) ReadyProbe(context.Context) bool { return false }

func (MarkerReadiness) ProbeInterval() time.Duration { return 0 }

// HTTPReadiness polls a health endpoint until it answers 200, for
// backends whose log format cannot be relied on.
type HTTPReadiness struct {
	URL      string
	Client   *http.Client  // nil means a 2s-timeout default client
	Interval time.Duration // poll cadence, default 250ms
}

func (HTTPReadiness) ReadyLine(string) bool { return false }

func (h HTTPReadiness) ProbeInterval() time.Duration {
	if h.Interval > 0 {
		return h.Interval
	}
	return 250 * time.Millisecond
}

func (h HTTPReadiness) ReadyProbe(ctx context.Context) bool {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
