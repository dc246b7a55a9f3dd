// Package fleet holds the fleet registry, the autodiscovery paths, the
// outbound command dispatcher and the single-threaded engine loop that
// routes broker traffic onto per-device state.
package fleet

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"tasmota-fleet/internal/device"
	"tasmota-fleet/internal/message"
	"tasmota-fleet/internal/topics"
)

// Adapter is the outbound side of the MQTT client the environment talks to.
type Adapter interface {
	// Publish sends one message directly.
	Publish(topic string, payload []byte, qos byte, retain bool) error
	// EnqueuePaced deposits a command on the paced publish queue.
	EnqueuePaced(topic string, payload []byte)
	// Subscribe adds topic filters to the live subscription set.
	Subscribe(filters ...string) error
	// Connected reports broker connectivity.
	Connected() bool
}

// Environment is the fleet registry plus the retained-topic set and the
// pending-LWT table for devices not yet admitted. Mutation happens on the
// engine loop only.
type Environment struct {
	mu       sync.RWMutex
	devices  []*device.Device // registration order
	retained map[string]struct{}
	lwts     map[string]string // LWT topic -> last payload, until admission

	adapter Adapter
	bus     *EventBus
	logger  *slog.Logger
}

// NewEnvironment creates an empty fleet registry.
func NewEnvironment(adapter Adapter, bus *EventBus, logger *slog.Logger) *Environment {
	return &Environment{
		retained: make(map[string]struct{}),
		lwts:     make(map[string]string),
		adapter:  adapter,
		bus:      bus,
		logger:   logger.With("component", "environment"),
	}
}

// Bus returns the event bus.
func (e *Environment) Bus() *EventBus { return e.bus }

// Adapter returns the MQTT adapter.
func (e *Environment) Adapter() Adapter { return e.adapter }

// Devices returns the devices in registration order.
func (e *Environment) Devices() []*device.Device {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*device.Device, len(e.devices))
	copy(out, e.devices)
	return out
}

// DeviceByTopic returns the admitted device with the given topic, nil when
// unknown.
func (e *Environment) DeviceByTopic(topic string) *device.Device {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, d := range e.devices {
		if d.Topic() == topic {
			return d
		}
	}
	return nil
}

// FindDevice returns the first admitted device whose FullTopic matches the
// message; at most one matches by the uniqueness invariant.
func (e *Environment) FindDevice(m *message.Message) *device.Device {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, d := range e.devices {
		if d.Matches(m) {
			return d
		}
	}
	return nil
}

// AddDevice admits a device. A second device with the same topic is
// rejected. The environment attaches itself as observer and clears any
// pending LWT entries the new device covers.
func (e *Environment) AddDevice(d *device.Device) error {
	e.mu.Lock()
	for _, cur := range e.devices {
		if cur.Topic() == d.Topic() {
			e.mu.Unlock()
			return fmt.Errorf("device with topic %q already admitted", d.Topic())
		}
	}
	e.devices = append(e.devices, d)
	var pending []string
	for lwtTopic := range e.lwts {
		if d.Matches(message.New(lwtTopic, nil, false)) {
			pending = append(pending, lwtTopic)
		}
	}
	for _, t := range pending {
		delete(e.lwts, t)
	}
	e.mu.Unlock()

	d.Attach(e)
	e.logger.Info("device admitted", "topic", d.Topic(), "fulltopic", d.FullTopic())
	e.bus.Emit(Event{Type: EventDeviceAdmitted, Data: map[string]interface{}{
		"topic":      d.Topic(),
		"full_topic": d.FullTopic(),
		"name":       d.Name(),
	}})
	return nil
}

// RemoveDevice removes a device on explicit user action.
func (e *Environment) RemoveDevice(topic string) *device.Device {
	e.mu.Lock()
	var removed *device.Device
	for i, d := range e.devices {
		if d.Topic() == topic {
			removed = d
			e.devices = append(e.devices[:i], e.devices[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	if removed == nil {
		return nil
	}
	removed.Detach(e)
	e.logger.Info("device removed", "topic", topic)
	e.bus.Emit(Event{Type: EventDeviceRemoved, Data: map[string]interface{}{"topic": topic}})
	return removed
}

// RecordRetained remembers a topic that carried a retained message.
func (e *Environment) RecordRetained(topic string) {
	e.mu.Lock()
	e.retained[topic] = struct{}{}
	e.mu.Unlock()
}

// RetainedTopics returns the observed retained topics, sorted.
func (e *Environment) RetainedTopics() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.retained))
	for t := range e.retained {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ClearRetained publishes an empty retained payload to every recorded
// retained topic, wiping them broker-side.
func (e *Environment) ClearRetained() {
	for _, t := range e.RetainedTopics() {
		if err := e.adapter.Publish(t, nil, 0, true); err != nil {
			e.logger.Warn("clear retained", "topic", t, "err", err)
		}
	}
	e.mu.Lock()
	e.retained = make(map[string]struct{})
	e.mu.Unlock()
}

// PendingLWT records an LWT payload for a topic no admitted device covers.
func (e *Environment) PendingLWT(topic, payload string) {
	e.mu.Lock()
	e.lwts[topic] = payload
	e.mu.Unlock()
}

// PendingLWTs returns a copy of the pending LWT table.
func (e *Environment) PendingLWTs() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.lwts))
	for k, v := range e.lwts {
		out[k] = v
	}
	return out
}

// SubscriptionFilters computes the union of filters the adapter must hold:
// the native discovery wildcard, both default-template expansions, every
// custom pattern expansion, and per-device expansions for non-default
// templates no custom pattern covers.
func (e *Environment) SubscriptionFilters(patterns []string) []string {
	seen := map[string]struct{}{}
	var filters []string
	add := func(fs ...string) {
		for _, f := range fs {
			if _, ok := seen[f]; !ok {
				seen[f] = struct{}{}
				filters = append(filters, f)
			}
		}
	}

	add(DiscoveryFilter)
	custom := map[string]struct{}{}
	for _, raw := range topics.DefaultTemplates {
		if t, err := topics.Get(raw); err == nil {
			add(t.Expand()...)
		}
	}
	for _, raw := range patterns {
		t, err := topics.Get(raw)
		if err != nil {
			e.logger.Warn("invalid custom pattern", "pattern", raw, "err", err)
			continue
		}
		custom[t.String()] = struct{}{}
		add(t.Expand()...)
	}

	for _, d := range e.Devices() {
		t := d.Template()
		if t.IsDefault() {
			continue
		}
		if _, ok := custom[t.String()]; ok {
			continue
		}
		add(t.Expand()...)
	}
	return filters
}

// Observer forwarding: device notifications fan out on the event bus.

func (e *Environment) PropertyChanged(d *device.Device, key string) {
	e.bus.Emit(Event{Type: EventPropertyChanged, Data: map[string]interface{}{
		"topic":    d.Topic(),
		"property": key,
		"value":    d.Prop(key),
	}})
}

func (e *Environment) TelemetryUpdated(d *device.Device) {
	e.bus.Emit(Event{Type: EventTelemetryUpdated, Data: map[string]interface{}{
		"topic":     d.Topic(),
		"telemetry": d.Telemetry(),
	}})
}

func (e *Environment) ModuleChanged(d *device.Device) {
	e.bus.Emit(Event{Type: EventModuleChanged, Data: map[string]interface{}{
		"topic":  d.Topic(),
		"module": d.Prop("Module"),
	}})
}

func (e *Environment) LWTChanged(d *device.Device, online bool) {
	e.bus.Emit(Event{Type: EventLWTChanged, Data: map[string]interface{}{
		"topic":  d.Topic(),
		"online": online,
	}})
}
