package store

import "pigo/pkg/models"

// EventKind identifies what changed in the store.
type EventKind string

const (
	EventSelected        EventKind = "selected"
	EventDeselected      EventKind = "deselected"
	EventUpdated         EventKind = "updated"
	EventDeleted         EventKind = "deleted"
	EventAddressSwitched EventKind = "address_switched"
	EventReachability    EventKind = "reachability"
)

// Event is delivered to subscribers after a mutation. Device is a copy of the new record,
// or of the removed one for deleted and deselected events.
type Event struct {
	Kind    EventKind     `json:"kind"`
	Device  models.Device `json:"device"`
	CycleID uint64        `json:"cycle_id,omitempty"`
}

// ReachabilityUpdate carries the results of one poll cycle.
type ReachabilityUpdate struct {
	DeviceID string
	// Address is the selected address the cycle probed.
	Address string
	CycleID uint64
	// Flags maps service IDs to their new reachability.
	Flags map[string]ProbedFlag
}

// ProbedFlag is one service's result together with the URL that produced it.
type ProbedFlag struct {
	URL       string
	Reachable models.Reachability
}

// Store defines the device and service collaborator used by the poller, the scheduler and failover.
type Store interface {
	// Upsert validates and stores a device, generating an ID when empty.
	// Reachability supplied by the caller is ignored.
	Upsert(device models.Device) (models.Device, error)

	// Delete removes a device, deselecting it first if needed.
	Delete(id string) error

	// Get returns a copy of the device with the given ID.
	Get(id string) (models.Device, error)

	// List returns copies of every device, most recently added first.
	List() []models.Device

	// Select marks the device as the one shown to the user.
	Select(id string) (models.Device, error)

	// Deselect clears the selection. It is a no-op when nothing is selected.
	Deselect()

	// Selected returns the selected device, if any.
	Selected() (models.Device, bool)

	// SwitchAddress changes the device's selected address to another candidate and resets
	// every service's reachability.
	SwitchAddress(id, address string) (models.Device, error)

	// AddService binds a service to the device. A missing or duplicate ID is replaced with a fresh one.
	AddService(deviceID string, svc models.Service) (models.Service, error)

	// UpdateService replaces the service with the same ID.
	UpdateService(deviceID string, svc models.Service) (models.Service, error)

	// DeleteService unbinds a service from the device.
	DeleteService(deviceID, serviceID string) error

	// ApplyReachability merges poll results into the current record. Results of an older cycle,
	// or probed against an address that is no longer selected, are rejected with ErrStaleCycle.
	// A flag whose URL no longer matches the service's current target is skipped.
	ApplyReachability(update ReachabilityUpdate) (models.Device, error)

	// Subscribe registers fn for every event and returns a function that removes it.
	// Events are delivered in mutation order, outside the store lock, by one goroutine at a time.
	// fn may call back into the store; events it causes are delivered after the current one.
	Subscribe(fn func(Event)) (unsubscribe func())
}
