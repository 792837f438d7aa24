package export

import (
	"bytes"
	"encoding/xml"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func ts(base time.Time, offset time.Duration) *time.Time {
	t := base.Add(offset)
	return &t
}

// testSessions returns a small history, newest first as the store
// returns it: one live run, one failed run, one clean ready run.
func testSessions(base time.Time) []Session {
	return []Session{
		{ID: "cccccccc-3333", PID: 4103, Status: "running", StartedAt: base.Add(2 * time.Hour)},
		{ID: "bbbbbbbb-2222", PID: 3977, Status: "failed", StartedAt: base.Add(time.Hour), EndedAt: ts(base, time.Hour+42*time.Second)},
		{ID: "aaaaaaaa-1111", PID: 3942, Status: "ready", StartedAt: base, ReadyAt: ts(base, 6*time.Second), EndedAt: ts(base, 55*time.Minute)},
	}
}

func TestSaveReportSVGAndPNG(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	tmp := t.TempDir()

	cases := []struct {
		name string
		file string
	}{
		{"svg", "report.svg"},
		{"png", "report.png"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := filepath.Join(tmp, tc.file)
			err := SaveReport(ReportOptions{
				Path:     out,
				Sessions: testSessions(base),
				Now:      base.Add(3 * time.Hour),
			})
			if err != nil {
				t.Fatalf("SaveReport error: %v", err)
			}
			info, err := os.Stat(out)
			if err != nil {
				t.Fatalf("output not created: %v", err)
			}
			if info.Size() == 0 {
				t.Fatal("output file is empty")
			}
		})
	}
}

func TestSaveReportNoSessions(t *testing.T) {
	err := SaveReport(ReportOptions{Path: filepath.Join(t.TempDir(), "empty.svg")})
	if err == nil {
		t.Fatal("expected error for empty history")
	}
}

func TestSaveReportInvalidFormat(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	err := SaveReport(ReportOptions{
		Path:     filepath.Join(t.TempDir(), "report.txt"),
		Format:   "txt",
		Sessions: testSessions(base),
	})
	if err == nil || !strings.Contains(err.Error(), "unsupported format") {
		t.Fatalf("expected unsupported format error, got %v", err)
	}
}

func TestSaveReportInfersFormat(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	tmp := t.TempDir()

	pngOut := filepath.Join(tmp, "inferred.png")
	if err := SaveReport(ReportOptions{Path: pngOut, Sessions: testSessions(base), Now: base.Add(3 * time.Hour)}); err != nil {
		t.Fatalf("SaveReport png error: %v", err)
	}
	content, err := os.ReadFile(pngOut)
	if err != nil {
		t.Fatalf("read png: %v", err)
	}
	if !bytes.HasPrefix(content, []byte("\x89PNG")) {
		t.Error("png extension should produce a PNG file")
	}

	// No extension falls back to SVG and appends the suffix.
	bareOut := filepath.Join(tmp, "bare")
	if err := SaveReport(ReportOptions{Path: bareOut, Sessions: testSessions(base), Now: base.Add(3 * time.Hour)}); err != nil {
		t.Fatalf("SaveReport bare error: %v", err)
	}
	if _, err := os.Stat(bareOut + ".svg"); err != nil {
		t.Errorf("extensionless path should gain .svg: %v", err)
	}
}

func TestReportSVGContent(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	out := filepath.Join(t.TempDir(), "content.svg")

	err := SaveReport(ReportOptions{
		Path:     out,
		Sessions: testSessions(base),
		Now:      base.Add(3*time.Hour + 30*time.Minute),
	})
	if err != nil {
		t.Fatalf("SaveReport error: %v", err)
	}
	content, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	svgStr := string(content)

	for _, want := range []string{
		"Session Report",         // default title
		"sessions: 3  ready: 1",  // summary counts
		"ready latency p50/p90:", // percentile line
		"aaaaaaaa pid 3942",      // row label, id shortened
		"Orphaned",               // legend covers every outcome
		"#c8e6c9",                // ready bar color
		"#ffcdd2",                // failed bar color
		"<line ",                 // readiness tick
		"1.5h+",                  // live session measured against Now
	} {
		if !strings.Contains(svgStr, want) {
			t.Errorf("SVG missing %q", want)
		}
	}

	var doc any
	if err := xml.Unmarshal(content, &doc); err != nil {
		t.Errorf("report is not valid XML: %v", err)
	}
}

func TestReportSVGRowsAreChronological(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	layout := buildReportLayout(ReportOptions{
		Sessions: testSessions(base),
		Now:      base.Add(3 * time.Hour),
	})

	if len(layout.Rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(layout.Rows))
	}
	if !strings.HasPrefix(layout.Rows[0].Label, "aaaaaaaa") {
		t.Errorf("first row should be the oldest session, got %q", layout.Rows[0].Label)
	}
	if !strings.HasPrefix(layout.Rows[2].Label, "cccccccc") {
		t.Errorf("last row should be the newest session, got %q", layout.Rows[2].Label)
	}
	if !layout.Rows[2].Live {
		t.Error("session without an end should be marked live")
	}
	if layout.Rows[0].ReadyX < layout.Rows[0].X {
		t.Error("ready tick should land inside the bar area")
	}
}

func TestReportSparkline(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	out := filepath.Join(t.TempDir(), "spark.svg")

	steps := []StepRun{
		{Step: "install_dependencies", Duration: 4 * time.Minute, OK: true},
		{Step: "create_conda_environment", Duration: 70 * time.Second, OK: false},
		{Step: "install_conda", Duration: 3 * time.Minute, OK: true},
		{Step: "install_conda", Duration: 2 * time.Minute, OK: true},
	}
	err := SaveReport(ReportOptions{
		Path:     out,
		Sessions: testSessions(base),
		Steps:    steps,
		Now:      base.Add(3 * time.Hour),
	})
	if err != nil {
		t.Fatalf("SaveReport error: %v", err)
	}
	content, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	svgStr := string(content)

	if !strings.Contains(svgStr, "<polyline ") {
		t.Error("sparkline polyline not found")
	}
	if !strings.Contains(svgStr, "install steps (last 4)") {
		t.Error("sparkline caption not found")
	}
	if !strings.Contains(svgStr, "max 4.0m") {
		t.Error("sparkline max label not found")
	}
	if !strings.Contains(svgStr, "step duration p50/p90:") {
		t.Error("step percentile line not found")
	}
	// A failed step keeps its marker but in the failure color.
	if !strings.Contains(svgStr, "<circle ") {
		t.Error("step markers not found")
	}
}

func TestQuantilesOrdering(t *testing.T) {
	ds := make([]time.Duration, 0, 10)
	for i := 10; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Second)
	}
	p50, p90 := quantiles(ds)

	if p50 < 4*time.Second || p50 > 6*time.Second {
		t.Errorf("p50 = %v, want about 5s", p50)
	}
	if p90 < 8*time.Second || p90 > 10*time.Second {
		t.Errorf("p90 = %v, want about 9s", p90)
	}
	if p50 >= p90 {
		t.Errorf("p50 (%v) should be below p90 (%v)", p50, p90)
	}
}
