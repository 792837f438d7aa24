package daemon

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/vanderheijden86/loom/pkg/metrics"
	"github.com/vanderheijden86/loom/pkg/server"
)

// StatusResponse aggregates the controller snapshot with the cheap
// install checks, shaped for status polling.
type StatusResponse struct {
	Server    server.Info `json:"server"`
	Installed bool        `json:"installed"`
	Version   *string     `json:"version"`
	Conda     bool        `json:"conda"`
}

// StatusHandler serves the aggregated status. The install checks fan
// out concurrently, and concurrent polls share a single aggregation so
// a status-hammering client costs one round of checks, not N.
func StatusHandler(lc Lifecycle, checks Checker) echo.HandlerFunc {
	group := new(singleflight.Group)
	return func(c echo.Context) error {
		// The aggregation is shared across concurrent polls, so it must
		// not die with whichever request happened to start it.
		ctx := context.WithoutCancel(c.Request().Context())
		v, err, _ := group.Do("status", func() (any, error) {
			return aggregateStatus(ctx, lc, checks)
		})
		if err != nil {
			return httpError(http.StatusInternalServerError, "aggregating status", err)
		}
		return c.JSON(http.StatusOK, v.(StatusResponse))
	}
}

func aggregateStatus(ctx context.Context, lc Lifecycle, checks Checker) (StatusResponse, error) {
	defer metrics.Timer(metrics.StatusCheck)()

	resp := StatusResponse{Server: lc.Info()}

	// Each goroutine writes its own field; Wait orders them before the
	// return.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		installed, err := checks.CheckIfInstalledLocally(gctx)
		if err != nil {
			return fmt.Errorf("checking install state: %w", err)
		}
		resp.Installed = installed
		return nil
	})
	g.Go(func() error {
		exists, err := checks.CheckIfCondaBinExists(gctx)
		if err != nil {
			return fmt.Errorf("checking conda binary: %w", err)
		}
		resp.Conda = exists
		return nil
	})
	g.Go(func() error {
		// No version marker is a state, not a failure.
		if v, err := checks.CheckLocalServerVersion(gctx); err == nil {
			resp.Version = &v
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return StatusResponse{}, err
	}
	return resp, nil
}
