package server

import (
	"fmt"
	"net/http"

	"pigo/pkg/log"
	"pigo/pkg/models"

	"github.com/labstack/echo/v4"
)

type addressRequest struct {
	Address string `json:"address"`
}

type serviceRequest struct {
	// CatalogID copies a catalogue template; the remaining fields are ignored when it is set.
	CatalogID string `json:"catalog_id"`
	models.Service
}

// listDevices handles GET /devices.
func (srv *Server) listDevices(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, srv.deps.Store.List())
}

// getDevice handles GET /devices/:id.
func (srv *Server) getDevice(ctx echo.Context) error {
	device, err := srv.deps.Store.Get(ctx.Param("id"))
	if err != nil {
		return fail(ctx, err)
	}
	return ctx.JSON(http.StatusOK, device)
}

// putDevice handles PUT /devices, creating or replacing a device.
func (srv *Server) putDevice(ctx echo.Context) error {
	var device models.Device
	if err := bind(ctx, &device); err != nil {
		return fail(ctx, err)
	}
	stored, err := srv.deps.Store.Upsert(device)
	if err != nil {
		return fail(ctx, err)
	}
	log.Info().
		Str("device_id", stored.ID).
		Strs("addresses", stored.Addresses).
		Int("services", len(stored.Services)).
		Msg("Device stored")
	return ctx.JSON(http.StatusOK, stored)
}

// deleteDevice handles DELETE /devices/:id.
func (srv *Server) deleteDevice(ctx echo.Context) error {
	id := ctx.Param("id")
	if err := srv.deps.Store.Delete(id); err != nil {
		return fail(ctx, err)
	}
	log.Info().Str("device_id", id).Msg("Device deleted")
	return ctx.JSON(http.StatusOK, map[string]string{
		"message": "Device deleted",
		"id":      id,
	})
}

// selectDevice handles POST /devices/:id/select.
func (srv *Server) selectDevice(ctx echo.Context) error {
	device, err := srv.deps.Store.Select(ctx.Param("id"))
	if err != nil {
		return fail(ctx, err)
	}
	return ctx.JSON(http.StatusOK, device)
}

// deselectDevice handles POST /devices/deselect.
func (srv *Server) deselectDevice(ctx echo.Context) error {
	srv.deps.Store.Deselect()
	return ctx.NoContent(http.StatusNoContent)
}

// switchDeviceAddress handles POST /devices/:id/address. The scheduler picks the switch up from the
// store and re-polls at the backoff cadence.
func (srv *Server) switchDeviceAddress(ctx echo.Context) error {
	var req addressRequest
	if err := bind(ctx, &req); err != nil {
		return fail(ctx, err)
	}
	if req.Address == "" {
		return fail(ctx, fmt.Errorf("%w: address is required", ErrBadRequest))
	}
	device, err := srv.deps.Store.SwitchAddress(ctx.Param("id"), req.Address)
	if err != nil {
		return fail(ctx, err)
	}
	return ctx.JSON(http.StatusOK, device)
}

// addService handles POST /devices/:id/services.
func (srv *Server) addService(ctx echo.Context) error {
	var req serviceRequest
	if err := bind(ctx, &req); err != nil {
		return fail(ctx, err)
	}

	svc := req.Service
	if req.CatalogID != "" {
		tmpl, ok := srv.deps.Catalog.Find(req.CatalogID)
		if !ok {
			return fail(ctx, fmt.Errorf("%w: %s", ErrCatalogEntryNotFound, req.CatalogID))
		}
		svc = tmpl
		svc.ID = ""
	}

	added, err := srv.deps.Store.AddService(ctx.Param("id"), svc)
	if err != nil {
		return fail(ctx, err)
	}
	return ctx.JSON(http.StatusCreated, added)
}

// updateService handles PUT /devices/:id/services/:sid.
func (srv *Server) updateService(ctx echo.Context) error {
	var svc models.Service
	if err := bind(ctx, &svc); err != nil {
		return fail(ctx, err)
	}
	svc.ID = ctx.Param("sid")

	updated, err := srv.deps.Store.UpdateService(ctx.Param("id"), svc)
	if err != nil {
		return fail(ctx, err)
	}
	return ctx.JSON(http.StatusOK, updated)
}

// deleteService handles DELETE /devices/:id/services/:sid.
func (srv *Server) deleteService(ctx echo.Context) error {
	if err := srv.deps.Store.DeleteService(ctx.Param("id"), ctx.Param("sid")); err != nil {
		return fail(ctx, err)
	}
	return ctx.NoContent(http.StatusNoContent)
}
