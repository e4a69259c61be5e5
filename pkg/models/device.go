package models

import "slices"

// MaxAddresses is the number of candidate addresses a device can carry: the primary plus two alternates.
const MaxAddresses = 3

// Device represents a self-hosted server reachable on up to three candidate addresses.
type Device struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Addresses       []string  `json:"addresses"`
	SelectedAddress string    `json:"selected_address"`
	Services        []Service `json:"services"`
}

// Candidates returns the device's candidate addresses in priority order.
func (d Device) Candidates() []string {
	return slices.Clone(d.Addresses)
}

// HasAddress reports whether addr is one of the device's candidates.
func (d Device) HasAddress(addr string) bool {
	return addr != "" && slices.Contains(d.Addresses, addr)
}

// AlternatesTo returns every candidate address except addr, preserving order.
func (d Device) AlternatesTo(addr string) []string {
	out := make([]string, 0, len(d.Addresses))
	for _, candidate := range d.Addresses {
		if candidate != addr {
			out = append(out, candidate)
		}
	}
	return out
}

// Service returns the bound service with the given ID.
func (d Device) Service(id string) (Service, bool) {
	for _, svc := range d.Services {
		if svc.ID == id {
			return svc, true
		}
	}
	return Service{}, false
}

// Clone returns a deep copy of the device record.
func (d Device) Clone() Device {
	out := d
	out.Addresses = slices.Clone(d.Addresses)
	if d.Services != nil {
		out.Services = slices.Clone(d.Services)
	}
	return out
}

// ReachableCount returns how many services resolved reachable.
func (d Device) ReachableCount() int {
	count := 0
	for _, svc := range d.Services {
		if svc.Reachable == Reachable {
			count++
		}
	}
	return count
}
