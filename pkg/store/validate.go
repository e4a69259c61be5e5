package store

import (
	"fmt"
	"net"
	"slices"
	"strings"

	"pigo/pkg/models"

	"github.com/google/uuid"
)

const (
	minPort = 1
	maxPort = 65535
)

// normalizeDevice returns a validated copy of device with defaults applied.
func normalizeDevice(device models.Device) (models.Device, error) {
	out := device.Clone()
	out.ID = strings.TrimSpace(out.ID)
	if out.ID == "" {
		out.ID = uuid.NewString()
	}

	addresses := make([]string, 0, len(device.Addresses))
	for _, addr := range device.Addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" || slices.Contains(addresses, addr) {
			continue
		}
		if err := validateAddress(addr); err != nil {
			return models.Device{}, err
		}
		addresses = append(addresses, addr)
	}
	if len(addresses) == 0 {
		return models.Device{}, fmt.Errorf("%w: at least one address is required", ErrInvalidDevice)
	}
	if len(addresses) > models.MaxAddresses {
		return models.Device{}, fmt.Errorf("%w: at most %d addresses are allowed, got %d",
			ErrInvalidDevice, models.MaxAddresses, len(addresses))
	}
	out.Addresses = addresses

	out.SelectedAddress = strings.TrimSpace(out.SelectedAddress)
	if out.SelectedAddress == "" {
		out.SelectedAddress = addresses[0]
	}
	if !out.HasAddress(out.SelectedAddress) {
		return models.Device{}, fmt.Errorf("%w: selected address %q is not a candidate", ErrInvalidAddress, out.SelectedAddress)
	}

	out.Name = strings.TrimSpace(out.Name)
	if out.Name == "" {
		out.Name = addresses[0]
	}

	seen := make(map[string]struct{}, len(out.Services))
	for i := range out.Services {
		svc, err := normalizeService(out.Services[i])
		if err != nil {
			return models.Device{}, err
		}
		if _, ok := seen[svc.ID]; ok {
			return models.Device{}, fmt.Errorf("%w: duplicate service id %q", ErrInvalidService, svc.ID)
		}
		seen[svc.ID] = struct{}{}
		out.Services[i] = svc
	}
	return out, nil
}

// normalizeService validates svc and clears its reachability.
func normalizeService(svc models.Service) (models.Service, error) {
	svc.ID = strings.TrimSpace(svc.ID)
	if svc.ID == "" {
		svc.ID = uuid.NewString()
	}
	svc.Name = strings.TrimSpace(svc.Name)
	if svc.Name == "" {
		return models.Service{}, fmt.Errorf("%w: name is required", ErrInvalidService)
	}
	if svc.Port < minPort || svc.Port > maxPort {
		return models.Service{}, fmt.Errorf("%w: port %d out of range", ErrInvalidService, svc.Port)
	}
	if strings.ContainsAny(svc.Path, " \t\r\n?#") {
		return models.Service{}, fmt.Errorf("%w: malformed path %q", ErrInvalidService, svc.Path)
	}
	svc.Reachable = models.Unknown
	return svc, nil
}

// validateAddress accepts IP literals and host names, rejecting schemes, ports and paths.
func validateAddress(addr string) error {
	host := strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
	if net.ParseIP(host) != nil {
		return nil
	}
	if strings.ContainsAny(host, ":/ \t?#@") {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return nil
}
