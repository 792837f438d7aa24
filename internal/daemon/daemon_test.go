package daemon

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vanderheijden86/loom/internal/state"
	"github.com/vanderheijden86/loom/pkg/metrics"
	"github.com/vanderheijden86/loom/pkg/server"
	"github.com/vanderheijden86/loom/pkg/tailer"
)

func newTestDaemon(t *testing.T, opts Options) (*Daemon, string) {
	t.Helper()
	if opts.LogPath == "" {
		opts.LogPath = filepath.Join(t.TempDir(), "server.log")
	}
	if opts.Lifecycle == nil {
		opts.Lifecycle = &fakeLifecycle{}
	}
	if opts.Checks == nil {
		opts.Checks = &fakeChecker{}
	}
	if opts.Steps == nil {
		opts.Steps = &fakeSteps{}
	}
	if opts.History == nil {
		opts.History = &fakeHistory{}
	}
	d, err := New(opts)
	if err != nil {
		t.Fatalf("building daemon: %v", err)
	}
	return d, opts.LogPath
}

func fetch(t *testing.T, method, url string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestNewRequiresComponents(t *testing.T) {
	base := func() Options {
		return Options{
			Lifecycle: &fakeLifecycle{},
			Checks:    &fakeChecker{},
			Steps:     &fakeSteps{},
			History:   &fakeHistory{},
			LogPath:   filepath.Join(t.TempDir(), "server.log"),
		}
	}
	cases := []struct {
		name  string
		strip func(*Options)
	}{
		{"lifecycle", func(o *Options) { o.Lifecycle = nil }},
		{"checks", func(o *Options) { o.Checks = nil }},
		{"steps", func(o *Options) { o.Steps = nil }},
		{"history", func(o *Options) { o.History = nil }},
		{"log path", func(o *Options) { o.LogPath = "" }},
	}
	for _, tc := range cases {
		opts := base()
		tc.strip(&opts)
		if _, err := New(opts); err == nil {
			t.Errorf("%s: New accepted incomplete options", tc.name)
		}
	}
}

func TestDaemonServesRoutes(t *testing.T) {
	lc := &fakeLifecycle{
		startRes: server.StartResult{Status: "success"},
		info:     server.Info{State: server.StateNotRunning},
	}
	hist := &fakeHistory{sessions: []state.Session{
		{ID: "s-1", PID: 11, StartedAt: time.Now().UTC(), Status: state.StatusExited},
	}}
	collector := metrics.NewPrometheusCollector("loomtest")
	collector.ServerStarted()

	d, _ := newTestDaemon(t, Options{Lifecycle: lc, History: hist, Collector: collector})
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	if status, body := fetch(t, http.MethodGet, srv.URL+"/v1/requirements"); status != http.StatusOK {
		t.Errorf("requirements: status = %d, body %q", status, body)
	}
	if status, body := fetch(t, http.MethodPost, srv.URL+"/v1/server/start"); status != http.StatusOK {
		t.Errorf("start: status = %d, body %q", status, body)
	} else if !strings.Contains(body, "success") {
		t.Errorf("start body = %q", body)
	}
	if status, _ := fetch(t, http.MethodGet, srv.URL+"/v1/server/start"); status != http.StatusMethodNotAllowed {
		t.Errorf("GET on a POST route: status = %d", status)
	}
	if status, _ := fetch(t, http.MethodGet, srv.URL+"/v1/nope"); status != http.StatusNotFound {
		t.Errorf("unknown route: status = %d", status)
	}
	if status, body := fetch(t, http.MethodGet, srv.URL+"/v1/history"); status != http.StatusOK {
		t.Errorf("history: status = %d", status)
	} else if !strings.Contains(body, "s-1") {
		t.Errorf("history body = %q", body)
	}
	if status, body := fetch(t, http.MethodGet, srv.URL+"/metrics"); status != http.StatusOK {
		t.Errorf("metrics: status = %d", status)
	} else if !strings.Contains(body, "loomtest_server_starts_total 1") {
		t.Errorf("metrics body does not carry the start counter")
	}
}

func TestMetricsRouteAbsentWithoutCollector(t *testing.T) {
	d, _ := newTestDaemon(t, Options{})
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	if status, _ := fetch(t, http.MethodGet, srv.URL+"/metrics"); status != http.StatusNotFound {
		t.Errorf("metrics without a collector: status = %d, want 404", status)
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	d, _ := newTestDaemon(t, Options{})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	d.e.Listener = l

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- d.Serve(ctx, l.Addr().String()) }()

	base := "http://" + l.Addr().String()
	if status, _ := fetch(t, http.MethodGet, base+"/v1/requirements"); status != http.StatusOK {
		t.Fatalf("requirements over the listener: status = %d", status)
	}

	// An attached streaming client must not hold shutdown open.
	c := openStream(t, base)
	recvLine(t, c.lines, tailer.ConnectLine)
	defer c.close()

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("serve did not stop within 3s of cancellation")
	}
}

type fakeAdopter struct {
	accept bool

	mu   sync.Mutex
	pids []int
}

func (f *fakeAdopter) Adopt(pid int, sessionID string, startedAt time.Time, logPath string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pids = append(f.pids, pid)
	return f.accept
}

func TestRecoverAdoptsLiveSession(t *testing.T) {
	hist := &fakeHistory{last: state.Session{
		ID: "s-9", PID: 777, StartedAt: time.Now().UTC(),
		Status: state.StatusReady, LogPath: "/tmp/server.log",
	}}
	ad := &fakeAdopter{accept: true}

	adopted, err := Recover(context.Background(), hist, ad)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !adopted {
		t.Errorf("live session was not adopted")
	}
	if len(ad.pids) != 1 || ad.pids[0] != 777 {
		t.Errorf("adopt calls = %v", ad.pids)
	}
	if len(hist.orphaned) != 0 {
		t.Errorf("adopted session marked orphaned: %v", hist.orphaned)
	}
}

func TestRecoverMarksDeadSessionOrphaned(t *testing.T) {
	hist := &fakeHistory{last: state.Session{
		ID: "s-9", PID: 777, StartedAt: time.Now().UTC(), Status: state.StatusRunning,
	}}
	ad := &fakeAdopter{accept: false}

	adopted, err := Recover(context.Background(), hist, ad)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if adopted {
		t.Errorf("dead session reported as adopted")
	}
	if len(hist.orphaned) != 1 || hist.orphaned[0] != "s-9" {
		t.Errorf("orphaned = %v, want [s-9]", hist.orphaned)
	}
}

func TestRecoverNoHistory(t *testing.T) {
	hist := &fakeHistory{lastErr: state.ErrNoSessions}
	ad := &fakeAdopter{}

	adopted, err := Recover(context.Background(), hist, ad)
	if err != nil || adopted {
		t.Fatalf("recover on empty history: adopted=%t err=%v", adopted, err)
	}
	if len(ad.pids) != 0 {
		t.Errorf("adopt called for an empty history")
	}
}

func TestRecoverIgnoresTerminalSession(t *testing.T) {
	hist := &fakeHistory{last: state.Session{ID: "s-3", PID: 55, Status: state.StatusExited}}
	ad := &fakeAdopter{accept: true}

	adopted, err := Recover(context.Background(), hist, ad)
	if err != nil || adopted {
		t.Fatalf("recover on terminal session: adopted=%t err=%v", adopted, err)
	}
	if len(ad.pids) != 0 {
		t.Errorf("adopt called for a terminal session")
	}
	if len(hist.orphaned) != 0 {
		t.Errorf("terminal session re-marked: %v", hist.orphaned)
	}
}

func TestRecoverStoreFailure(t *testing.T) {
	hist := &fakeHistory{lastErr: errors.New("database is locked")}

	if _, err := Recover(context.Background(), hist, &fakeAdopter{}); err == nil {
		t.Errorf("store failure was swallowed")
	}
}
