// Package tailer streams lines appended to the server log file.
//
// A Tailer follows exactly one file. Subscribe arms it: new lines are
// split on newlines and handed to the sink in append order, preceded by
// a synthetic connect line. Change detection uses fsnotify where the
// platform supports it and falls back to stat polling where it does not
// (or when forced). Unsubscribe is safe at any time, subscribed or not.
package tailer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vanderheijden86/loom/pkg/debug"
	"github.com/vanderheijden86/loom/pkg/metrics"
)

// DefaultPollInterval is the default polling interval for fallback mode.
const DefaultPollInterval = 500 * time.Millisecond

// Synthetic stream-lifecycle lines delivered to the sink.
const (
	ConnectLine    = "[loom] connecting to server log stream"
	DisconnectLine = "[loom] disconnecting from server log stream"
)

// ErrFileRemoved is passed to the error callback when the log file
// disappears under an active subscription.
var ErrFileRemoved = errors.New("log file was removed")

// Option configures a Tailer.
type Option func(*Tailer)

// WithPollInterval sets the polling interval for fallback mode.
func WithPollInterval(d time.Duration) Option {
	return func(t *Tailer) {
		if d > 0 {
			t.pollInterval = d
		}
	}
}

// WithForcePoll forces polling mode even if fsnotify is available.
func WithForcePoll(force bool) Option {
	return func(t *Tailer) {
		t.forcePoll = force
	}
}

// WithSink sets the line callback. Synthetic connect and disconnect
// lines arrive through the same sink as real log lines.
func WithSink(fn func(line string)) Option {
	return func(t *Tailer) {
		t.sink = fn
	}
}

// WithOnError sets the callback invoked on watch errors.
func WithOnError(fn func(error)) Option {
	return func(t *Tailer) {
		t.onError = fn
	}
}

// WithCollector wires delivery counts into a metrics collector.
func WithCollector(col metrics.Collector) Option {
	return func(t *Tailer) {
		t.collector = col
	}
}

// Tailer follows one append-only log file and delivers new lines to a
// sink. The zero number of subscriptions is valid; Subscribe and
// Unsubscribe toggle between zero and one active watcher.
type Tailer struct {
	path         string
	pollInterval time.Duration
	forcePoll    bool
	sink         func(string)
	onError      func(error)
	collector    metrics.Collector

	mu         sync.Mutex
	subscribed bool
	polling    bool
	offset     int64
	partial    []byte
	fsWatcher  *fsnotify.Watcher
	cancel     context.CancelFunc
}

// New creates a tailer for the given log file path.
func New(path string, opts ...Option) (*Tailer, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	t := &Tailer{
		path:         absPath,
		pollInterval: DefaultPollInterval,
		sink:         func(string) {},
		onError:      func(error) {},
		collector:    metrics.Noop{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Subscribe starts streaming appended lines to the sink. The log file
// (and its parent directory) is created when missing, so tailing can
// begin before the server's first start. Every call emits the synthetic
// connect line; only the first call arms a watcher, so overlapping
// subscriptions never double-deliver.
func (t *Tailer) Subscribe() error {
	t.mu.Lock()
	if t.subscribed {
		t.mu.Unlock()
		t.sink(ConnectLine)
		return nil
	}

	if err := t.ensureFile(); err != nil {
		t.mu.Unlock()
		return err
	}

	// Stream from the current end: history stays in the file, the
	// subscription carries only what arrives after it.
	if info, err := os.Stat(t.path); err == nil {
		t.offset = info.Size()
	} else {
		t.offset = 0
	}
	t.partial = nil

	t.polling = t.forcePoll || envBool("LOOM_FORCE_POLL")
	if !t.polling {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			t.polling = true
		} else if err := fsw.Add(filepath.Dir(t.path)); err != nil {
			// Watch the directory, not the file: survives recreation.
			fsw.Close()
			t.polling = true
		} else {
			t.fsWatcher = fsw
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.subscribed = true
	fsw := t.fsWatcher
	polling := t.polling
	t.mu.Unlock()

	t.sink(ConnectLine)
	debug.Log("tailing %s (polling=%v)", t.path, polling)

	if polling {
		go t.watchPolling(ctx)
	} else {
		go t.watchFsnotify(ctx, fsw)
	}
	return nil
}

// Unsubscribe stops the stream. The synthetic disconnect line is
// emitted on every call, mirroring Subscribe; with no active watcher
// nothing else happens.
func (t *Tailer) Unsubscribe() {
	t.sink(DisconnectLine)

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.subscribed {
		return
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.fsWatcher != nil {
		t.fsWatcher.Close()
		t.fsWatcher = nil
	}
	t.subscribed = false
}

// IsSubscribed reports whether a watcher is active.
func (t *Tailer) IsSubscribed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribed
}

// IsPolling reports whether the active (or last) subscription uses
// polling instead of fsnotify.
func (t *Tailer) IsPolling() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.polling
}

// Path returns the tailed file path.
func (t *Tailer) Path() string {
	return t.path
}

// ensureFile creates the log file and its parent directory if missing.
// Caller holds t.mu.
func (t *Tailer) ensureFile() error {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func envBool(name string) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return false
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

// watchFsnotify reacts to directory events for the tailed file.
func (t *Tailer) watchFsnotify(ctx context.Context, fsw *fsnotify.Watcher) {
	targetFile := filepath.Base(t.path)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != targetFile {
				continue
			}
			switch {
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				t.onError(ErrFileRemoved)
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				t.readNew(ctx)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			t.onError(err)
		}
	}
}

// watchPolling stats the file on a fixed cadence and reads on growth.
func (t *Tailer) watchPolling(ctx context.Context) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := os.Stat(t.path); err != nil {
				if os.IsNotExist(err) {
					t.onError(ErrFileRemoved)
				} else {
					t.onError(err)
				}
				continue
			}
			t.readNew(ctx)
		}
	}
}

// readNew reads everything appended since the last offset, splits it
// into complete lines, and delivers them in order. A trailing fragment
// without a newline is held back until its line completes. Truncation
// moves the offset to the new end of file.
func (t *Tailer) readNew(ctx context.Context) {
	start := time.Now()

	t.mu.Lock()
	lines, err := t.collectLocked()
	t.mu.Unlock()

	if err != nil {
		t.onError(err)
		return
	}
	if len(lines) == 0 || ctx.Err() != nil {
		return
	}

	for _, line := range lines {
		t.sink(line)
	}
	metrics.LogDelivery.Record(time.Since(start))
	t.collector.LinesDelivered(len(lines))
}

// collectLocked advances the offset and returns the newly completed
// lines. Caller holds t.mu.
func (t *Tailer) collectLocked() ([]string, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()

	if size < t.offset {
		debug.Log("log %s truncated (%d -> %d), resuming at end", t.path, t.offset, size)
		t.offset = size
		t.partial = nil
		return nil, nil
	}
	if size == t.offset {
		return nil, nil
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, err
	}
	chunk := make([]byte, size-t.offset)
	if _, err := io.ReadFull(f, chunk); err != nil {
		return nil, err
	}
	t.offset = size

	data := chunk
	if len(t.partial) > 0 {
		data = append(t.partial, chunk...)
		t.partial = nil
	}

	var lines []string
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, strings.TrimSuffix(string(data[:idx]), "\r"))
		data = data[idx+1:]
	}
	if len(data) > 0 {
		t.partial = append([]byte(nil), data...)
	}
	return lines, nil
}
