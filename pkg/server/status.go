package server

import (
	"fmt"
	"net/http"
	"time"

	"pigo/pkg/models"
	"pigo/pkg/scheduler"

	"github.com/labstack/echo/v4"
)

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Scheduler scheduler.Snapshot `json:"scheduler"`
	Device    *models.Device     `json:"device"`
}

// CatalogResponse is the body of GET /catalog.
type CatalogResponse struct {
	Categories []string         `json:"categories"`
	Servers    []models.Service `json:"servers"`
}

type resolveRequest struct {
	URLs      []string `json:"urls"`
	TimeoutMs int64    `json:"timeout_ms"`
}

// ResolveResponse is the body of POST /resolve.
type ResolveResponse struct {
	URL       string               `json:"url"`
	Found     bool                 `json:"found"`
	Reason    models.ProbeReason   `json:"reason,omitempty"`
	Failures  []models.ProbeResult `json:"failures,omitempty"`
	ElapsedMs int64                `json:"elapsed_ms"`
}

// getStatus handles GET /status.
func (srv *Server) getStatus(ctx echo.Context) error {
	resp := StatusResponse{Scheduler: srv.deps.Scheduler.Snapshot()}
	if device, ok := srv.deps.Store.Selected(); ok {
		resp.Device = &device
	}
	return ctx.JSON(http.StatusOK, resp)
}

// getCatalog handles GET /catalog.
func (srv *Server) getCatalog(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, CatalogResponse{
		Categories: srv.deps.Catalog.Categories(),
		Servers:    srv.deps.Catalog.All(),
	})
}

// resolve handles POST /resolve, an ad hoc race over the given URLs.
func (srv *Server) resolve(ctx echo.Context) error {
	var req resolveRequest
	if err := bind(ctx, &req); err != nil {
		return fail(ctx, err)
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	switch {
	case req.TimeoutMs < 0:
		return fail(ctx, fmt.Errorf("%w: timeout_ms must not be negative", ErrBadRequest))
	case timeout == 0:
		timeout = srv.deps.ResolveTimeout
	case timeout > maxResolveTimeout:
		timeout = maxResolveTimeout
	}

	out := srv.deps.Resolver.Resolve(ctx.Request().Context(), req.URLs, timeout)
	return ctx.JSON(http.StatusOK, ResolveResponse{
		URL:       out.URL,
		Found:     out.Found(),
		Reason:    out.Reason,
		Failures:  out.Failures,
		ElapsedMs: out.Elapsed.Milliseconds(),
	})
}
