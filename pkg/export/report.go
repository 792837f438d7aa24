// Package export renders the session history as a static report image,
// either SVG or PNG. The report shows a timeline of server runs colored
// by outcome, latency percentiles, and an optional sparkline of install
// step durations.
package export

import (
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"git.sr.ht/~sbinet/gg"
	"github.com/ajstarks/svgo"
	"golang.org/x/image/font/basicfont"
	"gonum.org/v1/gonum/stat"
)

// Session is one managed-server run as drawn on the timeline. Status
// carries the string recorded in the history (running, ready, exited,
// failed, killed, orphaned).
type Session struct {
	ID        string
	PID       int
	Status    string
	StartedAt time.Time
	ReadyAt   *time.Time
	EndedAt   *time.Time
}

// StepRun is one install-step invocation for the duration sparkline.
type StepRun struct {
	Step     string
	Duration time.Duration
	OK       bool
}

// ReportOptions controls session report rendering.
type ReportOptions struct {
	Path     string    // Output path; format inferred from extension when Format empty
	Format   string    // "svg" or "png" (case-insensitive). If empty, inferred from Path.
	Title    string    // Optional title rendered in the summary block
	Sessions []Session // Sessions to draw, newest first as the history returns them
	Steps    []StepRun // Optional install-step runs, newest first
	Now      time.Time // Clock for open-ended sessions; zero means time.Now
}

// SaveReport renders the session history report to opts.Path. The visual
// language stays terse so the image reads at a glance: one bar per run,
// a tick where readiness landed, outcome colors matching the legend.
func SaveReport(opts ReportOptions) error {
	if len(opts.Sessions) == 0 {
		return fmt.Errorf("no sessions to render")
	}

	format := strings.ToLower(strings.TrimPrefix(opts.Format, "."))
	if format == "" {
		switch strings.ToLower(filepath.Ext(opts.Path)) {
		case ".svg":
			format = "svg"
		case ".png":
			format = "png"
		default:
			format = "svg" // safe default
			if opts.Path != "" && filepath.Ext(opts.Path) == "" {
				opts.Path = opts.Path + ".svg"
			}
		}
	}
	if format != "svg" && format != "png" {
		return fmt.Errorf("unsupported format %q (want svg or png)", format)
	}
	if opts.Path == "" {
		return fmt.Errorf("output path is required")
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	layout := buildReportLayout(opts)

	switch format {
	case "svg":
		return renderReportSVG(opts.Path, layout)
	case "png":
		return renderReportPNG(opts.Path, layout)
	default:
		return fmt.Errorf("unhandled format %q", format)
	}
}

// --- layout computation ----------------------------------------------------

type timelineRow struct {
	Label    string // short session id and pid
	Status   string
	X, Y     float64
	BarW     float64
	BarH     float64
	ReadyX   float64 // x of the readiness tick, negative when never ready
	Live     bool    // no recorded end, duration measured against Now
	Duration time.Duration
}

type sparkline struct {
	X, Y   float64 // top-left of the plot area
	W, H   float64
	Points []sparkPoint
	Max    time.Duration
	Count  int
}

type sparkPoint struct {
	X, Y float64
	OK   bool
}

type reportSummary struct {
	Title    string
	Total    int
	Ready    int
	Failed   int
	ReadyP50 time.Duration // start-to-ready latency percentiles
	ReadyP90 time.Duration
	StepP50  time.Duration
	StepP90  time.Duration
	HasReady bool
	HasSteps bool
}

type reportLayout struct {
	Rows    []timelineRow
	Spark   *sparkline
	Width   int
	Height  int
	Header  float64
	Summary reportSummary
}

func buildReportLayout(opts ReportOptions) reportLayout {
	const (
		padding      = 36.0
		headerHeight = 150.0
		labelWidth   = 170.0
		barAreaWidth = 560.0
		barHeight    = 22.0
		rowGap       = 14.0
		sparkHeight  = 80.0
		sparkGap     = 30.0
	)

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	// Chronological top to bottom; the history hands us newest first.
	sessions := make([]Session, len(opts.Sessions))
	copy(sessions, opts.Sessions)
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})

	var maxDur time.Duration
	for _, s := range sessions {
		if d := sessionDuration(s, now); d > maxDur {
			maxDur = d
		}
	}
	if maxDur <= 0 {
		maxDur = time.Second
	}

	rows := make([]timelineRow, 0, len(sessions))
	for i, s := range sessions {
		dur := sessionDuration(s, now)
		barW := float64(dur) / float64(maxDur) * barAreaWidth
		if barW < 3 {
			barW = 3
		}
		row := timelineRow{
			Label:    fmt.Sprintf("%s pid %d", shortID(s.ID), s.PID),
			Status:   s.Status,
			X:        padding + labelWidth,
			Y:        padding + headerHeight + float64(i)*(barHeight+rowGap),
			BarW:     barW,
			BarH:     barHeight,
			ReadyX:   -1,
			Live:     s.EndedAt == nil,
			Duration: dur,
		}
		if s.ReadyAt != nil {
			if lat := s.ReadyAt.Sub(s.StartedAt); lat >= 0 {
				row.ReadyX = row.X + float64(lat)/float64(maxDur)*barAreaWidth
			}
		}
		rows = append(rows, row)
	}

	width := int(padding*2 + labelWidth + barAreaWidth + 90) // room for duration text
	if width < 640 {
		width = 640
	}
	height := padding*2 + headerHeight + float64(len(rows))*(barHeight+rowGap)

	var spark *sparkline
	if len(opts.Steps) > 0 {
		spark = buildSparkline(opts.Steps, padding+labelWidth, height+sparkGap, barAreaWidth, sparkHeight)
		height += sparkGap + sparkHeight + padding
	}
	if height < 480 {
		height = 480
	}

	return reportLayout{
		Rows:    rows,
		Spark:   spark,
		Width:   width,
		Height:  int(height),
		Header:  headerHeight,
		Summary: buildSummary(opts, sessions),
	}
}

func buildSparkline(steps []StepRun, x, y, w, h float64) *sparkline {
	// Chronological left to right, newest-first input reversed.
	ordered := make([]StepRun, len(steps))
	for i, s := range steps {
		ordered[len(steps)-1-i] = s
	}

	var maxDur time.Duration
	for _, s := range ordered {
		if s.Duration > maxDur {
			maxDur = s.Duration
		}
	}
	if maxDur <= 0 {
		maxDur = time.Second
	}

	sp := &sparkline{X: x, Y: y, W: w, H: h, Max: maxDur, Count: len(ordered)}
	step := w
	if len(ordered) > 1 {
		step = w / float64(len(ordered)-1)
	}
	for i, s := range ordered {
		px := x + float64(i)*step
		if len(ordered) == 1 {
			px = x + w/2
		}
		py := y + h - float64(s.Duration)/float64(maxDur)*h
		sp.Points = append(sp.Points, sparkPoint{X: px, Y: py, OK: s.OK})
	}
	return sp
}

func buildSummary(opts ReportOptions, sessions []Session) reportSummary {
	sum := reportSummary{Title: strings.TrimSpace(opts.Title), Total: len(sessions)}
	if sum.Title == "" {
		sum.Title = "Session Report"
	}

	var readyLat []time.Duration
	for _, s := range sessions {
		if s.ReadyAt != nil {
			if lat := s.ReadyAt.Sub(s.StartedAt); lat >= 0 {
				readyLat = append(readyLat, lat)
			}
			sum.Ready++
		}
		if s.Status == "failed" || s.Status == "orphaned" {
			sum.Failed++
		}
	}
	if len(readyLat) > 0 {
		sum.ReadyP50, sum.ReadyP90 = quantiles(readyLat)
		sum.HasReady = true
	}

	if len(opts.Steps) > 0 {
		durs := make([]time.Duration, 0, len(opts.Steps))
		for _, s := range opts.Steps {
			durs = append(durs, s.Duration)
		}
		sum.StepP50, sum.StepP90 = quantiles(durs)
		sum.HasSteps = true
	}
	return sum
}

// quantiles returns the p50 and p90 of the given durations.
func quantiles(ds []time.Duration) (p50, p90 time.Duration) {
	xs := make([]float64, len(ds))
	for i, d := range ds {
		xs[i] = float64(d)
	}
	sort.Float64s(xs)
	p50 = time.Duration(stat.Quantile(0.5, stat.Empirical, xs, nil))
	p90 = time.Duration(stat.Quantile(0.9, stat.Empirical, xs, nil))
	return p50, p90
}

func sessionDuration(s Session, now time.Time) time.Duration {
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	d := end.Sub(s.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// --- rendering -------------------------------------------------------------

var (
	colorReady    = color.RGBA{0xc8, 0xe6, 0xc9, 0xff}
	colorRunning  = color.RGBA{0xff, 0xf3, 0xe0, 0xff}
	colorExited   = color.RGBA{0xcf, 0xd8, 0xdc, 0xff}
	colorFailed   = color.RGBA{0xff, 0xcd, 0xd2, 0xff}
	colorKilled   = color.RGBA{0xd1, 0xc4, 0xe9, 0xff}
	colorOrphaned = color.RGBA{0xff, 0xe0, 0xb2, 0xff}
	colorStroke   = color.RGBA{0x22, 0x22, 0x22, 0xff}
	colorText     = color.RGBA{0x11, 0x11, 0x11, 0xff}
	colorSubtle   = color.RGBA{0x66, 0x66, 0x66, 0xff}
	colorBackdrop = color.RGBA{0xf9, 0xfa, 0xfb, 0xff}
	colorHeaderBG = color.RGBA{0xf3, 0xf4, 0xf6, 0xff}
	colorLegendBG = color.RGBA{0xee, 0xee, 0xee, 0xff}
	colorSpark    = color.RGBA{0x6b, 0x80, 0xbf, 0xff}
	colorReadyTic = color.RGBA{0x2e, 0x7d, 0x32, 0xff}
)

func statusColor(status string) color.RGBA {
	switch status {
	case "ready":
		return colorReady
	case "running":
		return colorRunning
	case "failed":
		return colorFailed
	case "killed":
		return colorKilled
	case "orphaned":
		return colorOrphaned
	default:
		return colorExited
	}
}

var legendEntries = []struct {
	Color color.RGBA
	Label string
}{
	{colorReady, "Ready"},
	{colorRunning, "Running"},
	{colorExited, "Exited"},
	{colorFailed, "Failed"},
	{colorKilled, "Killed"},
	{colorOrphaned, "Orphaned"},
}

func renderReportPNG(path string, layout reportLayout) error {
	dc := gg.NewContext(layout.Width, layout.Height)
	dc.SetColor(colorBackdrop)
	dc.Clear()

	dc.SetColor(colorHeaderBG)
	dc.DrawRoundedRectangle(16, 16, float64(layout.Width)-32, layout.Header-24, 10)
	dc.Fill()

	dc.SetFontFace(basicfont.Face7x13)

	drawSummaryPNG(dc, layout)
	drawLegendPNG(dc, layout)

	for _, row := range layout.Rows {
		dc.SetColor(colorText)
		dc.DrawStringAnchored(row.Label, row.X-12, row.Y+row.BarH/2, 1, 0.5)

		dc.SetColor(statusColor(row.Status))
		dc.DrawRoundedRectangle(row.X, row.Y, row.BarW, row.BarH, 4)
		dc.Fill()
		dc.SetColor(colorStroke)
		dc.SetLineWidth(1)
		dc.DrawRoundedRectangle(row.X, row.Y, row.BarW, row.BarH, 4)
		dc.Stroke()

		if row.ReadyX >= 0 {
			dc.SetColor(colorReadyTic)
			dc.SetLineWidth(2)
			dc.DrawLine(row.ReadyX, row.Y-3, row.ReadyX, row.Y+row.BarH+3)
			dc.Stroke()
		}

		dc.SetColor(colorSubtle)
		dc.DrawStringAnchored(durationLabel(row), row.X+row.BarW+10, row.Y+row.BarH/2, 0, 0.5)
	}

	if sp := layout.Spark; sp != nil {
		dc.SetColor(colorSubtle)
		dc.DrawStringAnchored(fmt.Sprintf("install steps (last %d)", sp.Count), sp.X, sp.Y-10, 0, 0.5)
		dc.DrawStringAnchored("max "+fmtDuration(sp.Max), sp.X+sp.W, sp.Y-10, 1, 0.5)

		dc.SetColor(colorSpark)
		dc.SetLineWidth(1.5)
		for i := 1; i < len(sp.Points); i++ {
			dc.DrawLine(sp.Points[i-1].X, sp.Points[i-1].Y, sp.Points[i].X, sp.Points[i].Y)
			dc.Stroke()
		}
		for _, p := range sp.Points {
			if p.OK {
				dc.SetColor(colorSpark)
			} else {
				dc.SetColor(colorFailed)
			}
			dc.DrawCircle(p.X, p.Y, 3)
			dc.Fill()
		}
	}

	return dc.SavePNG(path)
}

func renderReportSVG(path string, layout reportLayout) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return renderReportSVGToWriter(file, layout)
}

func renderReportSVGToWriter(w io.Writer, layout reportLayout) error {
	canvas := svg.New(w)
	canvas.Start(layout.Width, layout.Height)
	canvas.Rect(0, 0, layout.Width, layout.Height, fmt.Sprintf("fill:%s", css(colorBackdrop)))
	canvas.Roundrect(16, 16, layout.Width-32, int(layout.Header-24), 10, 10, fmt.Sprintf("fill:%s", css(colorHeaderBG)))

	drawSummarySVG(canvas, layout)
	drawLegendSVG(canvas, layout)

	for _, row := range layout.Rows {
		canvas.Text(int(row.X-12), int(row.Y+row.BarH/2+4), row.Label,
			fmt.Sprintf("fill:%s;font-size:12px;font-family:monospace;text-anchor:end", css(colorText)))
		canvas.Roundrect(int(row.X), int(row.Y), int(row.BarW), int(row.BarH), 4, 4,
			fmt.Sprintf("fill:%s;stroke:%s;stroke-width:1", css(statusColor(row.Status)), css(colorStroke)))
		if row.ReadyX >= 0 {
			canvas.Line(int(row.ReadyX), int(row.Y-3), int(row.ReadyX), int(row.Y+row.BarH+3),
				fmt.Sprintf("stroke:%s;stroke-width:2", css(colorReadyTic)))
		}
		canvas.Text(int(row.X+row.BarW+10), int(row.Y+row.BarH/2+4), durationLabel(row),
			fmt.Sprintf("fill:%s;font-size:12px;font-family:monospace", css(colorSubtle)))
	}

	if sp := layout.Spark; sp != nil {
		canvas.Text(int(sp.X), int(sp.Y-8), fmt.Sprintf("install steps (last %d)", sp.Count),
			fmt.Sprintf("fill:%s;font-size:12px;font-family:monospace", css(colorSubtle)))
		canvas.Text(int(sp.X+sp.W), int(sp.Y-8), "max "+fmtDuration(sp.Max),
			fmt.Sprintf("fill:%s;font-size:12px;font-family:monospace;text-anchor:end", css(colorSubtle)))

		if len(sp.Points) > 1 {
			xs := make([]int, len(sp.Points))
			ys := make([]int, len(sp.Points))
			for i, p := range sp.Points {
				xs[i] = int(p.X)
				ys[i] = int(p.Y)
			}
			canvas.Polyline(xs, ys, fmt.Sprintf("fill:none;stroke:%s;stroke-width:1.5", css(colorSpark)))
		}
		for _, p := range sp.Points {
			c := colorSpark
			if !p.OK {
				c = colorFailed
			}
			canvas.Circle(int(p.X), int(p.Y), 3, fmt.Sprintf("fill:%s", css(c)))
		}
	}

	canvas.End()
	return nil
}

func drawSummaryPNG(dc *gg.Context, layout reportLayout) {
	s := layout.Summary
	dc.SetColor(colorText)
	dc.DrawStringAnchored(s.Title, 32, 44, 0, 0.5)
	dc.SetColor(colorSubtle)
	dc.DrawStringAnchored(fmt.Sprintf("sessions: %d  ready: %d  failed: %d", s.Total, s.Ready, s.Failed), 32, 68, 0, 0.5)
	dc.DrawStringAnchored("ready latency p50/p90: "+percentileLabel(s.HasReady, s.ReadyP50, s.ReadyP90), 32, 90, 0, 0.5)
	dc.DrawStringAnchored("step duration p50/p90: "+percentileLabel(s.HasSteps, s.StepP50, s.StepP90), 32, 112, 0, 0.5)
}

func drawSummarySVG(canvas *svg.SVG, layout reportLayout) {
	s := layout.Summary
	canvas.Text(32, 44, s.Title, fmt.Sprintf("fill:%s;font-size:16px;font-family:monospace;font-weight:bold", css(colorText)))
	canvas.Text(32, 68, fmt.Sprintf("sessions: %d  ready: %d  failed: %d", s.Total, s.Ready, s.Failed),
		fmt.Sprintf("fill:%s;font-size:13px;font-family:monospace", css(colorSubtle)))
	canvas.Text(32, 90, "ready latency p50/p90: "+percentileLabel(s.HasReady, s.ReadyP50, s.ReadyP90),
		fmt.Sprintf("fill:%s;font-size:13px;font-family:monospace", css(colorSubtle)))
	canvas.Text(32, 112, "step duration p50/p90: "+percentileLabel(s.HasSteps, s.StepP50, s.StepP90),
		fmt.Sprintf("fill:%s;font-size:13px;font-family:monospace", css(colorSubtle)))
}

func drawLegendPNG(dc *gg.Context, layout reportLayout) {
	boxW := 170.0
	boxH := 124.0
	x := float64(layout.Width) - boxW - 20
	y := 24.0
	dc.SetColor(colorLegendBG)
	dc.DrawRoundedRectangle(x, y, boxW, boxH, 10)
	dc.Fill()
	dc.SetColor(colorStroke)
	dc.DrawRoundedRectangle(x, y, boxW, boxH, 10)
	dc.Stroke()

	dc.SetColor(colorText)
	dc.DrawStringAnchored("Legend", x+12, y+16, 0, 0.5)
	for i, e := range legendEntries {
		ly := y + 34 + float64(i)*16
		dc.SetColor(e.Color)
		dc.DrawRoundedRectangle(x+12, ly-8, 14, 14, 3)
		dc.Fill()
		dc.SetColor(colorStroke)
		dc.DrawRoundedRectangle(x+12, ly-8, 14, 14, 3)
		dc.Stroke()
		dc.SetColor(colorSubtle)
		dc.DrawStringAnchored(e.Label, x+32, ly, 0, 0.5)
	}
}

func drawLegendSVG(canvas *svg.SVG, layout reportLayout) {
	boxW := 170
	boxH := 124
	x := layout.Width - boxW - 20
	y := 24
	canvas.Roundrect(x, y, boxW, boxH, 10, 10,
		fmt.Sprintf("fill:%s;stroke:%s;stroke-width:1", css(colorLegendBG), css(colorStroke)))
	canvas.Text(x+12, y+20, "Legend",
		fmt.Sprintf("fill:%s;font-size:13px;font-family:monospace;font-weight:bold", css(colorText)))
	for i, e := range legendEntries {
		ly := y + 38 + i*16
		canvas.Roundrect(x+12, ly-10, 14, 14, 3, 3,
			fmt.Sprintf("fill:%s;stroke:%s;stroke-width:1", css(e.Color), css(colorStroke)))
		canvas.Text(x+32, ly, e.Label,
			fmt.Sprintf("fill:%s;font-size:12px;font-family:monospace", css(colorSubtle)))
	}
}

// --- helpers ---------------------------------------------------------------

func durationLabel(row timelineRow) string {
	label := fmtDuration(row.Duration)
	if row.Live {
		label += "+"
	}
	return label
}

func percentileLabel(ok bool, p50, p90 time.Duration) string {
	if !ok {
		return "n/a"
	}
	return fmtDuration(p50) + " / " + fmtDuration(p90)
}

func fmtDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		return fmt.Sprintf("%.1fh", d.Hours())
	case d >= time.Minute:
		return fmt.Sprintf("%.1fm", d.Minutes())
	case d >= time.Second:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
}

func shortID(id string) string {
	runes := []rune(id)
	if len(runes) <= 8 {
		return id
	}
	return string(runes[:8])
}

func css(c color.RGBA) string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}
