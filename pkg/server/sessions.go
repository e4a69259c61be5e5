package server

import (
	"fmt"
	"net/http"

	"pigo/pkg/failover"

	"github.com/labstack/echo/v4"
)

type openSessionRequest struct {
	DeviceID  string `json:"device_id"`
	ServiceID string `json:"service_id"`
}

func (srv *Server) session(ctx echo.Context) (*failover.Session, error) {
	return srv.deps.Sessions.Get(ctx.Param("id"))
}

// listSessions handles GET /sessions.
func (srv *Server) listSessions(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, srv.deps.Sessions.List())
}

// openSession handles POST /sessions. The response carries the selected address URL to load right
// away; a better start address arrives later as a "resolved" event.
func (srv *Server) openSession(ctx echo.Context) error {
	var req openSessionRequest
	if err := bind(ctx, &req); err != nil {
		return fail(ctx, err)
	}
	if req.DeviceID == "" || req.ServiceID == "" {
		return fail(ctx, fmt.Errorf("%w: device_id and service_id are required", ErrBadRequest))
	}

	sess, err := srv.deps.Sessions.Open(ctx.Request().Context(), req.DeviceID, req.ServiceID)
	if err != nil {
		return fail(ctx, err)
	}
	return ctx.JSON(http.StatusCreated, sess.State())
}

// getSession handles GET /sessions/:id.
func (srv *Server) getSession(ctx echo.Context) error {
	sess, err := srv.session(ctx)
	if err != nil {
		return fail(ctx, err)
	}
	return ctx.JSON(http.StatusOK, sess.State())
}

// closeSession handles DELETE /sessions/:id.
func (srv *Server) closeSession(ctx echo.Context) error {
	if err := srv.deps.Sessions.Close(ctx.Param("id")); err != nil {
		return fail(ctx, err)
	}
	return ctx.NoContent(http.StatusNoContent)
}

// sessionError handles POST /sessions/:id/error, reporting a failed load of the active URL.
func (srv *Server) sessionError(ctx echo.Context) error {
	sess, err := srv.session(ctx)
	if err != nil {
		return fail(ctx, err)
	}
	var ev failover.ErrorEvent
	if err := bind(ctx, &ev); err != nil {
		return fail(ctx, err)
	}
	return ctx.JSON(http.StatusOK, sess.OnPrimaryError(ev))
}

// sessionLoad handles POST /sessions/:id/load, reporting a successful load.
func (srv *Server) sessionLoad(ctx echo.Context) error {
	sess, err := srv.session(ctx)
	if err != nil {
		return fail(ctx, err)
	}
	return ctx.JSON(http.StatusOK, sess.OnLoad())
}

// sessionRetry handles POST /sessions/:id/retry.
func (srv *Server) sessionRetry(ctx echo.Context) error {
	sess, err := srv.session(ctx)
	if err != nil {
		return fail(ctx, err)
	}
	state, err := sess.Retry(ctx.Request().Context())
	if err != nil {
		return fail(ctx, err)
	}
	return ctx.JSON(http.StatusOK, state)
}

// sessionAddress handles POST /sessions/:id/address, the manual address switch.
func (srv *Server) sessionAddress(ctx echo.Context) error {
	sess, err := srv.session(ctx)
	if err != nil {
		return fail(ctx, err)
	}
	var req addressRequest
	if err := bind(ctx, &req); err != nil {
		return fail(ctx, err)
	}
	if req.Address == "" {
		return fail(ctx, fmt.Errorf("%w: address is required", ErrBadRequest))
	}
	state, err := sess.SwitchAddress(ctx.Request().Context(), req.Address)
	if err != nil {
		return fail(ctx, err)
	}
	return ctx.JSON(http.StatusOK, state)
}

// sessionEvents handles GET /sessions/:id/events. It drains the pending notifications without waiting.
func (srv *Server) sessionEvents(ctx echo.Context) error {
	sess, err := srv.session(ctx)
	if err != nil {
		return fail(ctx, err)
	}

	events := []failover.Event{}
	for {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				return ctx.JSON(http.StatusOK, events)
			}
			events = append(events, ev)
		default:
			return ctx.JSON(http.StatusOK, events)
		}
	}
}
