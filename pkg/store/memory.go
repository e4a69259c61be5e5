package store

import (
	"fmt"
	"slices"
	"sync"

	"pigo/pkg/log"
	"pigo/pkg/models"

	"github.com/google/uuid"
)

type subscriber struct {
	id uint64
	fn func(Event)
}

// Memory is an in-memory Store. Records are replaced wholesale on every mutation and callers
// only ever receive clones.
type Memory struct {
	mu        sync.RWMutex
	devices   map[string]models.Device
	order     []string
	selected  string
	lastCycle map[string]uint64

	pending []Event

	notifyMu    sync.Mutex
	subsMu      sync.Mutex
	subscribers []subscriber
	nextSubID   uint64
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		devices:   make(map[string]models.Device),
		lastCycle: make(map[string]uint64),
	}
}

// commit queues events, releases the state lock and flushes the queue.
// The caller must hold m.mu.
func (m *Memory) commit(events ...Event) {
	for _, ev := range events {
		ev.Device = ev.Device.Clone()
		m.pending = append(m.pending, ev)
	}
	m.mu.Unlock()
	m.flush()
}

// flush delivers queued events in mutation order. Only one goroutine delivers at a time; events
// queued meanwhile, including by subscribers themselves, are picked up by the active deliverer.
func (m *Memory) flush() {
	for {
		if !m.notifyMu.TryLock() {
			return
		}
		for {
			events := m.takePending()
			if len(events) == 0 {
				break
			}
			m.subsMu.Lock()
			subs := slices.Clone(m.subscribers)
			m.subsMu.Unlock()
			for _, ev := range events {
				for _, sub := range subs {
					sub.fn(Event{Kind: ev.Kind, Device: ev.Device.Clone(), CycleID: ev.CycleID})
				}
			}
		}
		m.notifyMu.Unlock()

		m.mu.RLock()
		more := len(m.pending) > 0
		m.mu.RUnlock()
		if !more {
			return
		}
	}
}

func (m *Memory) takePending() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.pending
	m.pending = nil
	return events
}

// Subscribe registers fn for every subsequent event.
func (m *Memory) Subscribe(fn func(Event)) func() {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	m.nextSubID++
	id := m.nextSubID
	m.subscribers = append(m.subscribers, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subsMu.Lock()
			defer m.subsMu.Unlock()
			m.subscribers = slices.DeleteFunc(m.subscribers, func(s subscriber) bool { return s.id == id })
		})
	}
}

func (m *Memory) Upsert(device models.Device) (models.Device, error) {
	normalized, err := normalizeDevice(device)
	if err != nil {
		return models.Device{}, err
	}

	m.mu.Lock()
	kind := EventUpdated
	if existing, ok := m.devices[normalized.ID]; ok {
		if existing.SelectedAddress == normalized.SelectedAddress {
			carryReachability(existing, &normalized)
		} else if m.selected == normalized.ID {
			kind = EventAddressSwitched
		}
	} else {
		m.order = slices.Insert(m.order, 0, normalized.ID)
	}
	m.devices[normalized.ID] = normalized
	out := normalized.Clone()
	m.commit(Event{Kind: kind, Device: out})

	log.Debug().Str("device_id", out.ID).Str("kind", string(kind)).Msg("Device stored")
	return out, nil
}

// carryReachability copies flags of services whose probe target did not change.
func carryReachability(existing models.Device, next *models.Device) {
	for i, svc := range next.Services {
		prev, ok := existing.Service(svc.ID)
		if ok && prev.Port == svc.Port && prev.Path == svc.Path && prev.Secure == svc.Secure {
			next.Services[i].Reachable = prev.Reachable
		}
	}
}

func (m *Memory) Delete(id string) error {
	m.mu.Lock()
	device, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}

	events := make([]Event, 0, 2)
	if m.selected == id {
		m.selected = ""
		events = append(events, Event{Kind: EventDeselected, Device: device})
	}
	delete(m.devices, id)
	delete(m.lastCycle, id)
	m.order = slices.DeleteFunc(m.order, func(v string) bool { return v == id })
	events = append(events, Event{Kind: EventDeleted, Device: device})
	m.commit(events...)
	return nil
}

func (m *Memory) Get(id string) (models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	device, ok := m.devices[id]
	if !ok {
		return models.Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return device.Clone(), nil
}

func (m *Memory) List() []models.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Device, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.devices[id].Clone())
	}
	return out
}

func (m *Memory) Select(id string) (models.Device, error) {
	m.mu.Lock()
	device, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return models.Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	if m.selected == id {
		m.mu.Unlock()
		return device.Clone(), nil
	}

	events := make([]Event, 0, 2)
	if previous, ok := m.devices[m.selected]; ok {
		events = append(events, Event{Kind: EventDeselected, Device: previous})
	}
	m.selected = id
	events = append(events, Event{Kind: EventSelected, Device: device})
	m.commit(events...)

	log.Info().Str("device_id", id).Str("address", device.SelectedAddress).Msg("Device selected")
	return device.Clone(), nil
}

func (m *Memory) Deselect() {
	m.mu.Lock()
	device, ok := m.devices[m.selected]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.selected = ""
	m.commit(Event{Kind: EventDeselected, Device: device})

	log.Info().Str("device_id", device.ID).Msg("Device deselected")
}

func (m *Memory) Selected() (models.Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	device, ok := m.devices[m.selected]
	if !ok {
		return models.Device{}, false
	}
	return device.Clone(), true
}

func (m *Memory) SwitchAddress(id, address string) (models.Device, error) {
	m.mu.Lock()
	device, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return models.Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	if !device.HasAddress(address) {
		m.mu.Unlock()
		return models.Device{}, fmt.Errorf("%w: %q is not a candidate of %s", ErrInvalidAddress, address, id)
	}
	if device.SelectedAddress == address {
		m.mu.Unlock()
		return device.Clone(), nil
	}

	next := device.Clone()
	next.SelectedAddress = address
	for i := range next.Services {
		next.Services[i].Reachable = models.Unknown
	}
	m.devices[id] = next
	m.commit(Event{Kind: EventAddressSwitched, Device: next})

	log.Info().
		Str("device_id", id).
		Str("from", device.SelectedAddress).
		Str("to", address).
		Msg("Selected address switched")
	return next.Clone(), nil
}

func (m *Memory) AddService(deviceID string, svc models.Service) (models.Service, error) {
	m.mu.Lock()
	device, ok := m.devices[deviceID]
	if !ok {
		m.mu.Unlock()
		return models.Service{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if _, taken := device.Service(svc.ID); taken {
		svc.ID = uuid.NewString()
	}
	normalized, err := normalizeService(svc)
	if err != nil {
		m.mu.Unlock()
		return models.Service{}, err
	}

	next := device.Clone()
	next.Services = append(next.Services, normalized)
	m.devices[deviceID] = next
	m.commit(Event{Kind: EventUpdated, Device: next})
	return normalized, nil
}

func (m *Memory) UpdateService(deviceID string, svc models.Service) (models.Service, error) {
	m.mu.Lock()
	device, ok := m.devices[deviceID]
	if !ok {
		m.mu.Unlock()
		return models.Service{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	idx := slices.IndexFunc(device.Services, func(s models.Service) bool { return s.ID == svc.ID })
	if svc.ID == "" || idx < 0 {
		m.mu.Unlock()
		return models.Service{}, fmt.Errorf("%w: %s", ErrServiceNotFound, svc.ID)
	}
	normalized, err := normalizeService(svc)
	if err != nil {
		m.mu.Unlock()
		return models.Service{}, err
	}

	next := device.Clone()
	prev := next.Services[idx]
	if prev.Port == normalized.Port && prev.Path == normalized.Path && prev.Secure == normalized.Secure {
		normalized.Reachable = prev.Reachable
	}
	next.Services[idx] = normalized
	m.devices[deviceID] = next
	m.commit(Event{Kind: EventUpdated, Device: next})
	return normalized, nil
}

func (m *Memory) DeleteService(deviceID, serviceID string) error {
	m.mu.Lock()
	device, ok := m.devices[deviceID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if _, found := device.Service(serviceID); !found {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServiceNotFound, serviceID)
	}

	next := device.Clone()
	next.Services = slices.DeleteFunc(next.Services, func(s models.Service) bool { return s.ID == serviceID })
	m.devices[deviceID] = next
	m.commit(Event{Kind: EventUpdated, Device: next})
	return nil
}

func (m *Memory) ApplyReachability(update ReachabilityUpdate) (models.Device, error) {
	m.mu.Lock()
	device, ok := m.devices[update.DeviceID]
	if !ok {
		m.mu.Unlock()
		return models.Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, update.DeviceID)
	}
	if last := m.lastCycle[update.DeviceID]; update.CycleID < last {
		m.mu.Unlock()
		return models.Device{}, fmt.Errorf("%w: cycle %d is older than %d", ErrStaleCycle, update.CycleID, last)
	}
	if update.Address != device.SelectedAddress {
		m.mu.Unlock()
		return models.Device{}, fmt.Errorf("%w: cycle %d probed %q, selected is %q",
			ErrStaleCycle, update.CycleID, update.Address, device.SelectedAddress)
	}

	next := device.Clone()
	for i, svc := range next.Services {
		flag, ok := update.Flags[svc.ID]
		if !ok {
			continue
		}
		// The service was edited while the cycle ran.
		if flag.URL != svc.URL(update.Address) {
			continue
		}
		next.Services[i].Reachable = flag.Reachable
	}
	m.devices[update.DeviceID] = next
	m.lastCycle[update.DeviceID] = update.CycleID
	m.commit(Event{Kind: EventReachability, Device: next, CycleID: update.CycleID})
	return next.Clone(), nil
}
