package daemon

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/vanderheijden86/loom/pkg/tailer"
)

// clientBuffer is the per-client line backlog. A stalled client loses
// lines rather than stalling the tail for everyone else.
const clientBuffer = 256

// hub fans tailer lines out to connected stream clients. The tailer is
// subscribed while at least one client is attached and stopped when the
// last one leaves.
type hub struct {
	tail *tailer.Tailer

	mu      sync.Mutex
	clients map[chan string]struct{}
}

func newHub(path string, opts ...tailer.Option) (*hub, error) {
	h := &hub{clients: make(map[chan string]struct{})}
	t, err := tailer.New(path, append(opts,
		tailer.WithSink(h.broadcast),
		tailer.WithOnError(h.watchError),
	)...)
	if err != nil {
		return nil, err
	}
	h.tail = t
	return h, nil
}

// attach registers a client and ensures the tailer runs. The synthetic
// connect line lands on every attached client, the new one included.
func (h *hub) attach() (chan string, error) {
	ch := make(chan string, clientBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	if err := h.tail.Subscribe(); err != nil {
		h.mu.Lock()
		delete(h.clients, ch)
		h.mu.Unlock()
		return nil, err
	}
	return ch, nil
}

// detach removes a client; the last one out stops the tailer.
func (h *hub) detach(ch chan string) {
	h.mu.Lock()
	delete(h.clients, ch)
	last := len(h.clients) == 0
	h.mu.Unlock()

	if last {
		h.tail.Unsubscribe()
	}
}

func (h *hub) broadcast(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- line:
		default:
		}
	}
}

func (h *hub) watchError(err error) {
	h.broadcast("[loom] log stream error: " + err.Error())
}

// streamHandler serves the log stream as server-sent events, one event
// per line, flushed immediately. The subscription ends when the client
// disconnects or the daemon shuts down.
func streamHandler(h *hub, quit <-chan struct{}) echo.HandlerFunc {
	return func(c echo.Context) error {
		ch, err := h.attach()
		if err != nil {
			return httpError(http.StatusInternalServerError, "opening log stream", err)
		}
		defer h.detach(ch)

		resp := c.Response()
		resp.Header().Set(echo.HeaderContentType, "text/event-stream")
		resp.Header().Set(echo.HeaderCacheControl, "no-cache")
		resp.Header().Set(echo.HeaderConnection, "keep-alive")
		resp.WriteHeader(http.StatusOK)
		resp.Flush()

		ctx := c.Request().Context()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-quit:
				return nil
			case line := <-ch:
				if _, err := fmt.Fprintf(resp, "data: %s\n\n", line); err != nil {
					return nil
				}
				resp.Flush()
			}
		}
	}
}
