package server

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

type signalRequest struct {
	Value *bool `json:"value"`
}

func (srv *Server) setSignal(ctx echo.Context, apply func(bool)) error {
	var req signalRequest
	if err := bind(ctx, &req); err != nil {
		return fail(ctx, err)
	}
	if req.Value == nil {
		return fail(ctx, fmt.Errorf("%w: value is required", ErrBadRequest))
	}
	apply(*req.Value)
	return ctx.JSON(http.StatusOK, srv.deps.Signals.State())
}

// setForeground handles POST /platform/foreground.
func (srv *Server) setForeground(ctx echo.Context) error {
	return srv.setSignal(ctx, srv.deps.Signals.SetForeground)
}

// setFocus handles POST /platform/focus.
func (srv *Server) setFocus(ctx echo.Context) error {
	return srv.setSignal(ctx, srv.deps.Signals.SetFocused)
}

// setConnectivity handles POST /platform/connectivity. The change is debounced, so the returned
// state may still show the previous value.
func (srv *Server) setConnectivity(ctx echo.Context) error {
	return srv.setSignal(ctx, srv.deps.Signals.SetConnected)
}
