package daemon

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/vanderheijden86/loom/internal/state"
	"github.com/vanderheijden86/loom/pkg/installer"
	"github.com/vanderheijden86/loom/pkg/server"
)

// ErrorMessage is the JSON body of every non-2xx response.
type ErrorMessage struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

func httpError(code int, reason string, err error) *echo.HTTPError {
	msg := ErrorMessage{Reason: reason}
	if err != nil {
		msg.Detail = err.Error()
	}
	return echo.NewHTTPError(code, msg)
}

// RequirementsResponse reports whether the host can run an install.
type RequirementsResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// RequirementsHandler serves the platform preflight check.
func RequirementsHandler(checks Checker) echo.HandlerFunc {
	return func(c echo.Context) error {
		msg := checks.CheckMissingSystemRequirements(c.Request().Context())
		return c.JSON(http.StatusOK, RequirementsResponse{OK: msg == "", Message: msg})
	}
}

// InstalledResponse reports whether the server code is on disk.
type InstalledResponse struct {
	Installed bool `json:"installed"`
}

// InstalledHandler serves the local-install check.
func InstalledHandler(checks Checker) echo.HandlerFunc {
	return func(c echo.Context) error {
		installed, err := checks.CheckIfInstalledLocally(c.Request().Context())
		if err != nil {
			return httpError(http.StatusInternalServerError, "checking install state", err)
		}
		return c.JSON(http.StatusOK, InstalledResponse{Installed: installed})
	}
}

// VersionResponse carries the installed server version, null when no
// installation exists.
type VersionResponse struct {
	Version *string `json:"version"`
}

// VersionHandler serves the installed server version.
func VersionHandler(checks Checker) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		installed, err := checks.CheckIfInstalledLocally(ctx)
		if err != nil {
			return httpError(http.StatusInternalServerError, "checking install state", err)
		}
		if !installed {
			return c.JSON(http.StatusOK, VersionResponse{})
		}
		v, err := checks.CheckLocalServerVersion(ctx)
		if err != nil {
			return c.JSON(http.StatusOK, VersionResponse{})
		}
		return c.JSON(http.StatusOK, VersionResponse{Version: &v})
	}
}

// StartHandler starts the managed server and blocks until it is ready,
// exits, or times out. A second start while one server lives answers
// 409.
func StartHandler(lc Lifecycle) echo.HandlerFunc {
	return func(c echo.Context) error {
		res, err := lc.Start(c.Request().Context())
		if err != nil {
			if errors.Is(err, server.ErrAlreadyRunning) {
				return httpError(http.StatusConflict, "server already running", err)
			}
			return httpError(http.StatusInternalServerError, "starting server", err)
		}
		return c.JSON(http.StatusOK, res)
	}
}

// KillResponse reports whether a process tree was actually terminated.
type KillResponse struct {
	Killed bool `json:"killed"`
}

// KillHandler terminates the managed server's process tree. Killing
// nothing is not an error.
func KillHandler(lc Lifecycle) echo.HandlerFunc {
	return func(c echo.Context) error {
		had := lc.Info().PID != 0
		if err := lc.Kill(c.Request().Context()); err != nil {
			return httpError(http.StatusInternalServerError, "killing server", err)
		}
		return c.JSON(http.StatusOK, KillResponse{Killed: had})
	}
}

// InstallHandler downloads the server code via the bootstrap script.
func InstallHandler(steps StepRunner) echo.HandlerFunc {
	return func(c echo.Context) error {
		// Installs outlive a dropped connection; an interrupted download
		// leaves the install root in a state only a manual wipe fixes.
		ctx := context.WithoutCancel(c.Request().Context())
		return c.JSON(http.StatusOK, steps.InstallLocalServer(ctx))
	}
}

// InstallCondaHandler installs the bundled miniconda.
func InstallCondaHandler(steps StepRunner) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := context.WithoutCancel(c.Request().Context())
		return c.JSON(http.StatusOK, steps.InstallConda(ctx))
	}
}

// InstallEnvHandler creates the server's conda environment.
func InstallEnvHandler(steps StepRunner) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := context.WithoutCancel(c.Request().Context())
		return c.JSON(http.StatusOK, steps.CreateCondaEnvironment(ctx))
	}
}

// InstallDepsHandler installs the server's Python dependencies.
func InstallDepsHandler(steps StepRunner) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := context.WithoutCancel(c.Request().Context())
		return c.JSON(http.StatusOK, steps.InstallDependencies(ctx))
	}
}

// CondaResponse reports whether the conda binary is on disk.
type CondaResponse struct {
	Exists bool `json:"exists"`
}

// CondaHandler serves the conda binary check.
func CondaHandler(checks Checker) echo.HandlerFunc {
	return func(c echo.Context) error {
		exists, err := checks.CheckIfCondaBinExists(c.Request().Context())
		if err != nil {
			return httpError(http.StatusInternalServerError, "checking conda binary", err)
		}
		return c.JSON(http.StatusOK, CondaResponse{Exists: exists})
	}
}

// CondaEnvHandler serves the conda environment check as a structured
// result: a missing environment is an error status, not a transport
// failure.
func CondaEnvHandler(checks Checker) echo.HandlerFunc {
	return func(c echo.Context) error {
		exists, err := checks.CheckIfCondaEnvironmentExists(c.Request().Context())
		if err != nil {
			return c.JSON(http.StatusOK, installer.CheckResult{
				Status: installer.StatusError, Message: err.Error(),
			})
		}
		if !exists {
			return c.JSON(http.StatusOK, installer.CheckResult{
				Status: installer.StatusError, Message: "conda environment not found",
			})
		}
		return c.JSON(http.StatusOK, installer.CheckResult{
			Status: installer.StatusSuccess, Message: "conda environment present",
		})
	}
}

// DepsHandler serves the dependency check, naming missing packages in
// the result data.
func DepsHandler(checks Checker) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, checks.CheckDependencies(c.Request().Context()))
	}
}

// HistoryResponse lists recorded sessions, newest first.
type HistoryResponse struct {
	Sessions []state.Session `json:"sessions"`
}

// HistoryHandler serves recent sessions from the history store. The
// limit query parameter caps the result; unset means the store default.
func HistoryHandler(hist History) echo.HandlerFunc {
	return func(c echo.Context) error {
		n := 0
		if raw := c.QueryParam("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				return httpError(http.StatusBadRequest, "limit must be a positive integer", err)
			}
			n = parsed
		}
		sessions, err := hist.RecentSessions(c.Request().Context(), n)
		if err != nil {
			return httpError(http.StatusInternalServerError, "reading session history", err)
		}
		if sessions == nil {
			sessions = []state.Session{}
		}
		return c.JSON(http.StatusOK, HistoryResponse{Sessions: sessions})
	}
}
