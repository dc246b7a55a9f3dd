// Package device implements the per-device state machine: properties built
// incrementally from replies and telemetry, capability views, and the
// command-topic builder.
package device

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"tasmota-fleet/internal/message"
	"tasmota-fleet/internal/schema"
	"tasmota-fleet/internal/topics"
)

// LWT liveness states. Payload strings are device-configurable; these are
// the firmware defaults and the engine-side "never heard" marker.
const (
	LWTUndefined = "undefined"
	LWTOnline    = "Online"
	LWTOffline   = "Offline"
)

const historyLimit = 25

// Observer receives change notifications from a device. The environment is
// the sole strong owner of devices; observers attach and detach explicitly.
type Observer interface {
	PropertyChanged(d *Device, key string)
	TelemetryUpdated(d *Device)
	ModuleChanged(d *Device)
	LWTChanged(d *Device, online bool)
}

// ReplyHook is an ad-hoc listener for one parsed reply endpoint.
type ReplyHook func(d *Device, r *schema.Reply)

// Device is one logical Tasmota device, identified by its normalized Topic
// with the MAC as secondary identity. All mutation happens on the engine
// loop; the lock guards snapshot reads from collaborator goroutines.
type Device struct {
	mu sync.RWMutex

	topic     string
	fullTopic *topics.Template
	name      string
	mac       string

	// cmnd/stat/tele prefix triple, overridable via native discovery.
	prefixes [3]string

	onlinePayload  string
	offlinePayload string

	props     map[string]any
	telemetry map[string]any
	pulsetime map[int]schema.PulseTimeEntry
	template  *schema.TemplateReply
	rules     map[int]*schema.Rule
	modules   map[string]string // module catalog: id -> name
	gpio      map[string]any    // current GPIO assignment
	gpios     map[string]string // supported GPIO catalog

	history []string

	observers  []Observer
	replyHooks map[string][]ReplyHook

	loggedEndpoints map[string]struct{}

	logger *slog.Logger
}

// New creates a device from its topic and FullTopic template. The template
// is compiled through the shared cache; an invalid template is rejected.
func New(topic, fullTopic, name string, logger *slog.Logger) (*Device, error) {
	tmpl, err := topics.Get(fullTopic)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = topic
	}
	d := &Device{
		topic:           topic,
		fullTopic:       tmpl,
		name:            name,
		prefixes:        [3]string{topics.PrefixCmnd, topics.PrefixStat, topics.PrefixTele},
		onlinePayload:   LWTOnline,
		offlinePayload:  LWTOffline,
		props:           map[string]any{"LWT": LWTUndefined},
		telemetry:       map[string]any{},
		pulsetime:       map[int]schema.PulseTimeEntry{},
		rules:           map[int]*schema.Rule{},
		modules:         map[string]string{},
		gpio:            map[string]any{},
		gpios:           map[string]string{},
		replyHooks:      map[string][]ReplyHook{},
		loggedEndpoints: map[string]struct{}{},
		logger:          logger.With("component", "device", "topic", topic),
	}
	return d, nil
}

// Topic returns the device's identifying topic.
func (d *Device) Topic() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.topic
}

// FullTopic returns the normalized FullTopic template string.
func (d *Device) FullTopic() string { return d.fullTopic.String() }

// Template returns the compiled FullTopic template.
func (d *Device) Template() *topics.Template { return d.fullTopic }

// Name returns the device name, falling back to the topic.
func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

// Mac returns the device MAC, empty until a STATUS5 or native discovery
// establishes it.
func (d *Device) Mac() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mac
}

// SetMac records the MAC. The MAC is an identity: once set it is never
// changed by subsequent messages.
func (d *Device) SetMac(mac string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mac == "" && mac != "" {
		d.mac = mac
	}
}

// SetName sets the human-readable device name.
func (d *Device) SetName(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if name != "" {
		d.name = name
	}
}

// Rename changes the identifying topic. Renames happen only through
// explicit admin action, never from message processing.
func (d *Device) Rename(topic string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.topic = topic
}

// SetPrefixes overrides the cmnd/stat/tele prefix triple, as advertised by
// native discovery.
func (d *Device) SetPrefixes(cmnd, stat, tele string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prefixes = [3]string{cmnd, stat, tele}
}

// SetLWTPayloads overrides the Online/Offline payload strings.
func (d *Device) SetLWTPayloads(online, offline string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if online != "" {
		d.onlinePayload = online
	}
	if offline != "" {
		d.offlinePayload = offline
	}
}

// Attach registers an observer.
func (d *Device) Attach(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, o)
}

// Detach removes a previously attached observer.
func (d *Device) Detach(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, cur := range d.observers {
		if cur == o {
			d.observers = append(d.observers[:i], d.observers[i+1:]...)
			return
		}
	}
}

// Register adds an ad-hoc listener for a specific parsed reply endpoint
// (e.g. "STATUS5", "STATE").
func (d *Device) Register(endpoint string, hook ReplyHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replyHooks[endpoint] = append(d.replyHooks[endpoint], hook)
}

func (d *Device) snapshotObservers() []Observer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Observer, len(d.observers))
	copy(out, d.observers)
	return out
}

// Matches reports whether the message topic fits this device's FullTopic
// and identifying topic. On a match the captured prefix is recorded on the
// message.
func (d *Device) Matches(m *message.Message) bool {
	prefix, devTopic, ok := d.fullTopic.Match(m.Topic)
	if !ok || devTopic != d.Topic() {
		return false
	}
	m.Prefix = prefix
	return true
}

// CmndTopic builds the concrete outbound command topic.
func (d *Device) CmndTopic(cmd string) string {
	d.mu.RLock()
	cmnd := d.prefixes[0]
	topic := d.topic
	d.mu.RUnlock()
	return d.fullTopic.Build(cmnd, topic, cmd)
}

// Prop returns one property value.
func (d *Device) Prop(key string) any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.props[key]
}

// Props returns a copy of the property map.
func (d *Device) Props() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]any, len(d.props))
	for k, v := range d.props {
		out[k] = v
	}
	return out
}

// Telemetry returns the last sensor JSON tree.
func (d *Device) Telemetry() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.telemetry
}

// setProp applies the property merge for one key: overwrite on change and
// notify. Returns true when the value changed.
func (d *Device) setProp(key string, value any) bool {
	d.mu.Lock()
	cur, ok := d.props[key]
	if ok && reflect.DeepEqual(cur, value) {
		d.mu.Unlock()
		return false
	}
	d.props[key] = value
	d.mu.Unlock()
	for _, o := range d.snapshotObservers() {
		o.PropertyChanged(d, key)
	}
	return true
}

// LWT returns the raw liveness payload, LWTUndefined before first contact.
func (d *Device) LWT() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if s, ok := d.props["LWT"].(string); ok {
		return s
	}
	return LWTUndefined
}

// Online reports whether the last LWT equals the device's Online payload.
func (d *Device) Online() bool {
	d.mu.RLock()
	online := d.onlinePayload
	d.mu.RUnlock()
	return d.LWT() == online
}

// SetLWT records a liveness payload and notifies observers on change.
func (d *Device) SetLWT(payload string) {
	if d.setProp("LWT", payload) {
		for _, o := range d.snapshotObservers() {
			o.LWTChanged(d, d.Online())
		}
	}
}

// AddHistory prepends a user command line to the bounded history. Inserts
// are deduplicated: a repeated command moves to the front.
func (d *Device) AddHistory(cmd string) {
	if cmd == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, h := range d.history {
		if h == cmd {
			d.history = append(d.history[:i], d.history[i+1:]...)
			break
		}
	}
	d.history = append([]string{cmd}, d.history...)
	if len(d.history) > historyLimit {
		d.history = d.history[:historyLimit]
	}
}

// History returns the command history, most recent first.
func (d *Device) History() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.history))
	copy(out, d.history)
	return out
}

// SetHistory replaces the history wholesale (persistence replay).
func (d *Device) SetHistory(history []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(history) > historyLimit {
		history = history[:historyLimit]
	}
	d.history = append([]string(nil), history...)
}

func (d *Device) String() string {
	return fmt.Sprintf("device %s (%s)", d.Topic(), d.FullTopic())
}
