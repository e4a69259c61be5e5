package server

import (
	"errors"
	"fmt"
	"net/http"

	"pigo/pkg/failover"
	"pigo/pkg/log"
	"pigo/pkg/store"

	"github.com/labstack/echo/v4"
)

var (
	// ErrBadRequest is returned when a request body cannot be decoded or misses a field.
	ErrBadRequest = errors.New("bad request")

	// ErrCatalogEntryNotFound is returned when a service references an unknown catalogue entry.
	ErrCatalogEntryNotFound = errors.New("catalog entry not found")
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrDeviceNotFound),
		errors.Is(err, store.ErrServiceNotFound),
		errors.Is(err, failover.ErrSessionNotFound),
		errors.Is(err, ErrCatalogEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, store.ErrInvalidDevice),
		errors.Is(err, store.ErrInvalidService),
		errors.Is(err, store.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrStaleCycle),
		errors.Is(err, failover.ErrSessionClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as {"error": "..."} with the status it maps to.
func fail(ctx echo.Context, err error) error {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", ctx.Request().URL.Path).Msg("Request failed")
		return ctx.JSON(code, map[string]string{"error": "Internal server error"})
	}
	log.Warn().Err(err).Str("path", ctx.Request().URL.Path).Int("status", code).Msg("Request rejected")
	return ctx.JSON(code, map[string]string{"error": err.Error()})
}

// bind decodes the request into dst, reporting decode errors as bad requests.
func bind(ctx echo.Context, dst any) error {
	err := ctx.Bind(dst)
	if err == nil {
		return nil
	}
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return fmt.Errorf("%w: %v", ErrBadRequest, httpErr.Message)
	}
	return fmt.Errorf("%w: %w", ErrBadRequest, err)
}
