package daemon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v4"

	"github.com/vanderheijden86/loom/internal/state"
	"github.com/vanderheijden86/loom/pkg/installer"
	"github.com/vanderheijden86/loom/pkg/server"
)

type fakeChecker struct {
	missing   string
	installed bool
	instErr   error
	version   string
	verErr    error
	conda     bool
	condaErr  error
	envExists bool
	envErr    error
	deps      installer.CheckResult
}

func (f *fakeChecker) CheckMissingSystemRequirements(context.Context) string {
	return f.missing
}

func (f *fakeChecker) CheckIfInstalledLocally(context.Context) (bool, error) {
	return f.installed, f.instErr
}

func (f *fakeChecker) CheckLocalServerVersion(context.Context) (string, error) {
	return f.version, f.verErr
}

func (f *fakeChecker) CheckIfCondaBinExists(context.Context) (bool, error) {
	return f.conda, f.condaErr
}

func (f *fakeChecker) CheckIfCondaEnvironmentExists(context.Context) (bool, error) {
	return f.envExists, f.envErr
}

func (f *fakeChecker) CheckDependencies(context.Context) installer.CheckResult {
	return f.deps
}

type fakeLifecycle struct {
	startRes server.StartResult
	startErr error
	killErr  error
	info     server.Info

	mu     sync.Mutex
	starts int
	kills  int
}

func (f *fakeLifecycle) Start(context.Context) (server.StartResult, error) {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
	return f.startRes, f.startErr
}

func (f *fakeLifecycle) Kill(context.Context) error {
	f.mu.Lock()
	f.kills++
	f.mu.Unlock()
	return f.killErr
}

func (f *fakeLifecycle) Info() server.Info { return f.info }

type fakeSteps struct {
	install installer.CheckResult
	conda   installer.StepResult
	env     installer.StepResult
	deps    installer.StepResult
}

func (f *fakeSteps) InstallLocalServer(context.Context) installer.CheckResult {
	return f.install
}

func (f *fakeSteps) InstallConda(context.Context) installer.StepResult { return f.conda }

func (f *fakeSteps) CreateCondaEnvironment(context.Context) installer.StepResult { return f.env }

func (f *fakeSteps) InstallDependencies(context.Context) installer.StepResult { return f.deps }

type fakeHistory struct {
	last     state.Session
	lastErr  error
	sessions []state.Session
	listErr  error

	mu       sync.Mutex
	orphaned []string
	gotLimit int
}

func (f *fakeHistory) LastSession(context.Context) (state.Session, error) {
	return f.last, f.lastErr
}

func (f *fakeHistory) MarkOrphaned(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orphaned = append(f.orphaned, id)
	return nil
}

func (f *fakeHistory) RecentSessions(_ context.Context, n int) ([]state.Session, error) {
	f.mu.Lock()
	f.gotLimit = n
	f.mu.Unlock()
	return f.sessions, f.listErr
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.JSONSerializer = serializer{}
	return e
}

// record invokes the handler and fails the test if it errors.
func record(t *testing.T, h echo.HandlerFunc, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	if err := h(newEcho().NewContext(req, rec)); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	return rec
}

// callErr invokes the handler and fails the test unless it returns an
// echo.HTTPError.
func callErr(t *testing.T, h echo.HandlerFunc, method, target string) *echo.HTTPError {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	err := h(newEcho().NewContext(req, rec))
	var echoErr *echo.HTTPError
	if !errors.As(err, &echoErr) {
		t.Fatalf("expected an echo.HTTPError, got %#v", err)
	}
	return echoErr
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestRequirementsHandlerReady(t *testing.T) {
	rec := record(t, RequirementsHandler(&fakeChecker{}), http.MethodGet, "/v1/requirements")

	resp := decodeBody[RequirementsResponse](t, rec)
	if !resp.OK {
		t.Errorf("ok = false for a ready host")
	}
	if resp.Message != "" {
		t.Errorf("unexpected message %q", resp.Message)
	}
}

func TestRequirementsHandlerMissing(t *testing.T) {
	checks := &fakeChecker{missing: "WSL is not installed"}
	rec := record(t, RequirementsHandler(checks), http.MethodGet, "/v1/requirements")

	resp := decodeBody[RequirementsResponse](t, rec)
	if resp.OK {
		t.Errorf("ok = true despite missing requirement")
	}
	if resp.Message != "WSL is not installed" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestInstalledHandler(t *testing.T) {
	rec := record(t, InstalledHandler(&fakeChecker{installed: true}), http.MethodGet, "/v1/installed")

	if resp := decodeBody[InstalledResponse](t, rec); !resp.Installed {
		t.Errorf("installed = false")
	}
}

func TestInstalledHandlerCheckFailure(t *testing.T) {
	checks := &fakeChecker{instErr: errors.New("home unavailable")}
	echoErr := callErr(t, InstalledHandler(checks), http.MethodGet, "/v1/installed")

	if echoErr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", echoErr.Code, http.StatusInternalServerError)
	}
	msg, ok := echoErr.Message.(ErrorMessage)
	if !ok {
		t.Fatalf("error body is %#v", echoErr.Message)
	}
	if msg.Reason != "checking install state" {
		t.Errorf("reason = %q", msg.Reason)
	}
	if !strings.Contains(msg.Detail, "home unavailable") {
		t.Errorf("detail = %q", msg.Detail)
	}
}

func TestVersionHandlerInstalled(t *testing.T) {
	checks := &fakeChecker{installed: true, version: "0.3.1"}
	rec := record(t, VersionHandler(checks), http.MethodGet, "/v1/version")

	resp := decodeBody[VersionResponse](t, rec)
	if resp.Version == nil || *resp.Version != "0.3.1" {
		t.Errorf("version = %v, want 0.3.1", resp.Version)
	}
}

func TestVersionHandlerNotInstalled(t *testing.T) {
	rec := record(t, VersionHandler(&fakeChecker{}), http.MethodGet, "/v1/version")

	if resp := decodeBody[VersionResponse](t, rec); resp.Version != nil {
		t.Errorf("version = %q, want null", *resp.Version)
	}
	if !strings.Contains(rec.Body.String(), "null") {
		t.Errorf("body %q does not carry an explicit null", rec.Body.String())
	}
}

func TestVersionHandlerMarkerUnreadable(t *testing.T) {
	checks := &fakeChecker{installed: true, verErr: errors.New("reading version marker")}
	rec := record(t, VersionHandler(checks), http.MethodGet, "/v1/version")

	if resp := decodeBody[VersionResponse](t, rec); resp.Version != nil {
		t.Errorf("version = %q, want null", *resp.Version)
	}
}

func TestStartHandlerSuccess(t *testing.T) {
	lc := &fakeLifecycle{startRes: server.StartResult{Status: "success", Code: 0}}
	rec := record(t, StartHandler(lc), http.MethodPost, "/v1/server/start")

	resp := decodeBody[server.StartResult](t, rec)
	if resp.Status != "success" || resp.Code != 0 {
		t.Errorf("result = %+v", resp)
	}
	if lc.starts != 1 {
		t.Errorf("start invoked %d times", lc.starts)
	}
}

func TestStartHandlerFailedStartIsStillTyped(t *testing.T) {
	lc := &fakeLifecycle{startRes: server.StartResult{
		Status: "error", Code: 3, Message: "server exited with code 3 before becoming ready",
	}}
	rec := record(t, StartHandler(lc), http.MethodPost, "/v1/server/start")

	resp := decodeBody[server.StartResult](t, rec)
	if resp.Status != "error" || resp.Code != 3 {
		t.Errorf("result = %+v", resp)
	}
}

func TestStartHandlerConflict(t *testing.T) {
	lc := &fakeLifecycle{startErr: server.ErrAlreadyRunning}
	echoErr := callErr(t, StartHandler(lc), http.MethodPost, "/v1/server/start")

	if echoErr.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", echoErr.Code, http.StatusConflict)
	}
}

func TestStartHandlerSpawnFailure(t *testing.T) {
	lc := &fakeLifecycle{startErr: errors.New("spawning server: no such file")}
	echoErr := callErr(t, StartHandler(lc), http.MethodPost, "/v1/server/start")

	if echoErr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", echoErr.Code, http.StatusInternalServerError)
	}
}

func TestKillHandlerRunningServer(t *testing.T) {
	lc := &fakeLifecycle{info: server.Info{State: server.StateRunning, PID: 4242}}
	rec := record(t, KillHandler(lc), http.MethodPost, "/v1/server/kill")

	if resp := decodeBody[KillResponse](t, rec); !resp.Killed {
		t.Errorf("killed = false with a live pid")
	}
	if lc.kills != 1 {
		t.Errorf("kill invoked %d times", lc.kills)
	}
}

func TestKillHandlerNothingToKill(t *testing.T) {
	lc := &fakeLifecycle{info: server.Info{State: server.StateNotRunning}}
	rec := record(t, KillHandler(lc), http.MethodPost, "/v1/server/kill")

	if resp := decodeBody[KillResponse](t, rec); resp.Killed {
		t.Errorf("killed = true with nothing running")
	}
}

func TestInstallHandler(t *testing.T) {
	steps := &fakeSteps{install: installer.CheckResult{
		Status: installer.StatusSuccess, Message: "server downloaded to /tmp/root",
	}}
	rec := record(t, InstallHandler(steps), http.MethodPost, "/v1/install")

	resp := decodeBody[installer.CheckResult](t, rec)
	if resp.Status != installer.StatusSuccess {
		t.Errorf("status = %q", resp.Status)
	}
	if !strings.Contains(resp.Message, "/tmp/root") {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestInstallStepHandlers(t *testing.T) {
	steps := &fakeSteps{
		conda: installer.StepResult{Stdout: "conda ok"},
		env:   installer.StepResult{Err: "1", Stderr: "env create failed"},
		deps:  installer.StepResult{Stdout: "deps ok"},
	}
	cases := []struct {
		name    string
		handler echo.HandlerFunc
		target  string
		want    installer.StepResult
	}{
		{"conda", InstallCondaHandler(steps), "/v1/install/conda", steps.conda},
		{"env", InstallEnvHandler(steps), "/v1/install/env", steps.env},
		{"deps", InstallDepsHandler(steps), "/v1/install/deps", steps.deps},
	}
	for _, tc := range cases {
		rec := record(t, tc.handler, http.MethodPost, tc.target)
		if got := decodeBody[installer.StepResult](t, rec); got != tc.want {
			t.Errorf("%s: result = %+v, want %+v", tc.name, got, tc.want)
		}
	}
}

func TestCondaHandler(t *testing.T) {
	rec := record(t, CondaHandler(&fakeChecker{conda: true}), http.MethodGet, "/v1/conda")

	if resp := decodeBody[CondaResponse](t, rec); !resp.Exists {
		t.Errorf("exists = false")
	}
}

func TestCondaEnvHandlerPresent(t *testing.T) {
	rec := record(t, CondaEnvHandler(&fakeChecker{envExists: true}), http.MethodGet, "/v1/conda/env")

	resp := decodeBody[installer.CheckResult](t, rec)
	if resp.Status != installer.StatusSuccess {
		t.Errorf("status = %q: %s", resp.Status, resp.Message)
	}
}

func TestCondaEnvHandlerMissing(t *testing.T) {
	rec := record(t, CondaEnvHandler(&fakeChecker{}), http.MethodGet, "/v1/conda/env")

	resp := decodeBody[installer.CheckResult](t, rec)
	if resp.Status != installer.StatusError {
		t.Errorf("status = %q", resp.Status)
	}
	if !strings.Contains(resp.Message, "not found") {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestCondaEnvHandlerCheckFailure(t *testing.T) {
	checks := &fakeChecker{envErr: errors.New("listing conda environments: exit status 1")}
	rec := record(t, CondaEnvHandler(checks), http.MethodGet, "/v1/conda/env")

	resp := decodeBody[installer.CheckResult](t, rec)
	if resp.Status != installer.StatusError {
		t.Errorf("status = %q", resp.Status)
	}
	if !strings.Contains(resp.Message, "listing conda environments") {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestDepsHandler(t *testing.T) {
	checks := &fakeChecker{deps: installer.CheckResult{
		Status:  installer.StatusError,
		Message: "missing dependencies: torch",
		Data:    []string{"torch"},
	}}
	rec := record(t, DepsHandler(checks), http.MethodGet, "/v1/deps")

	resp := decodeBody[installer.CheckResult](t, rec)
	if resp.Status != installer.StatusError {
		t.Errorf("status = %q", resp.Status)
	}
	if !strings.Contains(resp.Message, "torch") {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestHistoryHandler(t *testing.T) {
	hist := &fakeHistory{sessions: []state.Session{
		{ID: "s-2", PID: 202, StartedAt: time.Now().UTC(), Status: state.StatusRunning},
		{ID: "s-1", PID: 101, StartedAt: time.Now().UTC(), Status: state.StatusExited},
	}}
	rec := record(t, HistoryHandler(hist), http.MethodGet, "/v1/history")

	resp := decodeBody[HistoryResponse](t, rec)
	if len(resp.Sessions) != 2 {
		t.Fatalf("got %d sessions", len(resp.Sessions))
	}
	if resp.Sessions[0].ID != "s-2" {
		t.Errorf("first session = %q, want the newest", resp.Sessions[0].ID)
	}
	if hist.gotLimit != 0 {
		t.Errorf("limit = %d without a query parameter", hist.gotLimit)
	}
}

func TestHistoryHandlerLimit(t *testing.T) {
	hist := &fakeHistory{}
	record(t, HistoryHandler(hist), http.MethodGet, "/v1/history?limit=5")

	if hist.gotLimit != 5 {
		t.Errorf("limit = %d, want 5", hist.gotLimit)
	}
}

func TestHistoryHandlerBadLimit(t *testing.T) {
	for _, raw := range []string{"zero", "0", "-3"} {
		echoErr := callErr(t, HistoryHandler(&fakeHistory{}), http.MethodGet, "/v1/history?limit="+raw)
		if echoErr.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want %d", raw, echoErr.Code, http.StatusBadRequest)
		}
	}
}

func TestHistoryHandlerEmptyIsAnArray(t *testing.T) {
	rec := record(t, HistoryHandler(&fakeHistory{}), http.MethodGet, "/v1/history")

	if !strings.Contains(rec.Body.String(), `"sessions":[]`) {
		t.Errorf("body = %q, want an empty array", rec.Body.String())
	}
}

func TestHistoryHandlerStoreFailure(t *testing.T) {
	hist := &fakeHistory{listErr: errors.New("database is locked")}
	echoErr := callErr(t, HistoryHandler(hist), http.MethodGet, "/v1/history")

	if echoErr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", echoErr.Code, http.StatusInternalServerError)
	}
}
