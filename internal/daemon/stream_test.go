package daemon

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vanderheijden86/loom/pkg/tailer"
	"github.com/vanderheijden86/loom/pkg/testutil"
)

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("opening %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		t.Fatalf("appending to %s: %v", path, err)
	}
}

// recvLine reads from ch until want arrives, skipping other lines.
func recvLine(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case line, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed before %q arrived", want)
			}
			if line == want {
				return
			}
		case <-deadline:
			t.Fatalf("did not receive %q within 3s", want)
		}
	}
}

func TestHubFanout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	h, err := newHub(path)
	if err != nil {
		t.Fatalf("newHub: %v", err)
	}

	first, err := h.attach()
	if err != nil {
		t.Fatalf("attaching first client: %v", err)
	}
	recvLine(t, first, tailer.ConnectLine)
	second, err := h.attach()
	if err != nil {
		t.Fatalf("attaching second client: %v", err)
	}

	appendLine(t, path, "alpha")
	recvLine(t, first, "alpha")
	recvLine(t, second, "alpha")

	h.detach(first)
	if !h.tail.IsSubscribed() {
		t.Fatalf("tailer stopped while a client is still attached")
	}
	appendLine(t, path, "beta")
	recvLine(t, second, "beta")

	h.detach(second)
	if h.tail.IsSubscribed() {
		t.Errorf("tailer still subscribed after the last detach")
	}
}

type sseClient struct {
	resp  *http.Response
	lines chan string
}

// openStream connects to the log stream and decodes its events into a
// line channel.
func openStream(t *testing.T, base string) *sseClient {
	t.Helper()
	resp, err := http.Get(base + "/v1/logs/stream")
	if err != nil {
		t.Fatalf("opening stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	if ctyp := resp.Header.Get("Content-Type"); !strings.HasPrefix(ctyp, "text/event-stream") {
		resp.Body.Close()
		t.Fatalf("content type = %q", ctyp)
	}

	c := &sseClient{resp: resp, lines: make(chan string, 64)}
	go func() {
		defer close(c.lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if data, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
				c.lines <- data
			}
		}
	}()
	return c
}

func (c *sseClient) close() { c.resp.Body.Close() }

func TestStreamEndToEnd(t *testing.T) {
	d, logPath := newTestDaemon(t, Options{})
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	c1 := openStream(t, srv.URL)
	recvLine(t, c1.lines, tailer.ConnectLine)

	appendLine(t, logPath, "uvicorn booting")
	recvLine(t, c1.lines, "uvicorn booting")

	c1.close()
	testutil.Eventually(t, 3*time.Second, "tailer still subscribed after disconnect", func() bool {
		return !d.hub.tail.IsSubscribed()
	})

	// Nobody is attached; this line must never reach a later client.
	appendLine(t, logPath, "while away")

	c2 := openStream(t, srv.URL)
	recvLine(t, c2.lines, tailer.ConnectLine)
	appendLine(t, logPath, "back again")
	recvLine(t, c2.lines, "back again")

drain:
	for {
		select {
		case line := <-c2.lines:
			if line == "while away" {
				t.Errorf("received a line appended while no client was attached")
			}
		default:
			break drain
		}
	}
	c2.close()
}
