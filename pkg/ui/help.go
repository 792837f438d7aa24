package ui

import (
	"strings"

	"github.com/charmbracelet/glamour"
)

// helpMarkdown backs the ? overlay.
const helpMarkdown = `# keys

| key  | action                       |
|------|------------------------------|
| s    | start the managed server     |
| K    | kill the server process tree |
| i    | run the installer            |
| d    | check python dependencies    |
| y    | copy the server log path     |
| ↑/↓  | scroll the log               |
| ?    | toggle this help             |
| q    | quit                         |

The log view follows new output while scrolled to the bottom. Press any
scroll key to browse history; jump back down to resume following.
`

// GuideMarkdown is the getting-started text behind loom --guide.
const GuideMarkdown = `# loom

loom manages a local backend server: install it, start it, stream its
log, and kill it again. The server runs inside a conda environment under
loom's install root; loom owns the whole lifecycle so nothing else has
to.

## Quick start

1. ` + "`loom --install`" + ` downloads conda, creates the environment, and
   installs the python dependencies. Already-satisfied phases are
   skipped, so re-running it is cheap.
2. ` + "`loom`" + ` opens the dashboard. Press ` + "`s`" + ` to start the server and
   watch its log stream live.
3. ` + "`loom --kill`" + ` (or ` + "`K`" + ` in the dashboard) stops the server and
   everything it spawned.

## One-shot commands

` + "`--start`" + `, ` + "`--kill`" + `, ` + "`--check-deps`" + `, and ` + "`--robot-status`" + ` run a
single operation and exit; ` + "`--robot-status`" + ` prints JSON for scripts.
` + "`--report out.svg`" + ` renders the recorded session history as an image.

## The daemon

` + "`loomd`" + ` serves the same operations over a loopback HTTP API and keeps
running between client calls. On startup it reconciles its session
history with reality: a server that survived a previous loomd is
adopted, a dead one is recorded as orphaned.

## Configuration

Settings live in ` + "`config.yaml`" + ` under the user config directory
(` + "`loom/`" + `). Paths, the readiness marker, timeouts, and the tail poll
interval can all be overridden there. Lifecycle hooks go in
` + "`hooks.yaml`" + ` next to it.

Set ` + "`LOOM_FORCE_POLL=1`" + ` to tail by polling on filesystems without
reliable change notifications.
`

// RenderMarkdown renders markdown for the terminal. On any render
// failure the raw markdown comes back, still readable.
func RenderMarkdown(md string, width int) string {
	if width <= 0 {
		width = 80
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimRight(out, " \n\r\t")
}

func renderHelp(width int) string {
	if width <= 0 || width > 72 {
		width = 72
	}
	return RenderMarkdown(helpMarkdown, width)
}
