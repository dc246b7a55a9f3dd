package device

import (
	"reflect"
	"regexp"
	"sort"
	"strconv"

	"tasmota-fleet/internal/message"
	"tasmota-fleet/internal/schema"
)

// telemetryEndpoints carry vendor-extensible sensor trees and are stored
// whole instead of being forced through a schema.
var telemetryEndpoints = map[string]struct{}{
	"STATUS8":  {},
	"STATUS10": {},
	"SENSOR":   {},
}

type resultHandler struct {
	key *regexp.Regexp
	fn  func(d *Device, m *message.Message)
}

// resultHandlers dispatch RESULT (and bare command echo) payloads on their
// first key. Order matters: the generic merge is the fallback.
var resultHandlers = []resultHandler{
	{regexp.MustCompile(`^PulseTime\d*$`), (*Device).processPulseTime},
	{regexp.MustCompile(`^NAME$`), (*Device).processTemplate},
	{regexp.MustCompile(`^Module$`), (*Device).processModule},
	{regexp.MustCompile(`^Modules\d*$`), (*Device).processModuleCatalog},
	{regexp.MustCompile(`^GPIO\d*$`), (*Device).processGPIO},
	{regexp.MustCompile(`^GPIOs\d*$`), (*Device).processGPIOCatalog},
	{regexp.MustCompile(`^Rule\d$`), (*Device).processRule},
}

// Process mutates device state from a message that previously matched this
// device. Parse failures leave the device in its prior state.
func (d *Device) Process(m *message.Message) {
	d.mu.RLock()
	stat, tele := d.prefixes[1], d.prefixes[2]
	d.mu.RUnlock()
	if m.Prefix != stat && m.Prefix != tele {
		return
	}

	if m.IsLWT() {
		d.SetLWT(string(m.Payload))
		return
	}

	endpoint := m.Endpoint()

	if schema.Handles(endpoint) {
		reply, err := schema.Parse(endpoint, m.Payload)
		if err != nil {
			d.logger.Error("reply validation failed", "endpoint", endpoint, "payload", string(m.Payload), "err", err)
			return
		}
		d.applyReply(reply)
		d.runHooks(endpoint, reply)
		return
	}

	if _, ok := telemetryEndpoints[endpoint]; ok {
		d.storeTelemetry(m)
		return
	}

	if m.IsResult() || len(m.Dict()) > 0 {
		d.processResult(m)
		return
	}

	d.logUnknownEndpointOnce(endpoint)
}

func (d *Device) runHooks(endpoint string, reply *schema.Reply) {
	d.mu.RLock()
	hooks := append([]ReplyHook(nil), d.replyHooks[endpoint]...)
	d.mu.RUnlock()
	for _, h := range hooks {
		h(d, reply)
	}
}

func (d *Device) logUnknownEndpointOnce(endpoint string) {
	d.mu.Lock()
	_, seen := d.loggedEndpoints[endpoint]
	if !seen {
		d.loggedEndpoints[endpoint] = struct{}{}
	}
	d.mu.Unlock()
	if !seen {
		d.logger.Debug("unhandled endpoint", "endpoint", endpoint)
	}
}

// applyReply merges every top-level field of a validated reply. Wifi is
// flattened one level; FriendlyName lists split into indexed properties.
func (d *Device) applyReply(r *schema.Reply) {
	for k, v := range r.Props {
		switch {
		case k == "Wifi":
			// Prefixed to keep Wifi_Channel apart from the light Channel list.
			if nested, ok := v.(map[string]any); ok {
				for wk, wv := range nested {
					d.setProp("Wifi_"+wk, wv)
				}
				continue
			}
			d.setProp(k, v)
		case k == "FriendlyName":
			if names, ok := v.([]any); ok {
				for i, name := range names {
					d.setProp("FriendlyName"+strconv.Itoa(i+1), name)
				}
				continue
			}
			d.setProp(k, v)
		default:
			d.setProp(k, v)
		}
	}

	switch model := r.Model.(type) {
	case *schema.StatusNET:
		d.SetMac(model.Mac)
	case *schema.Status:
		d.SetName(model.DeviceName)
	}
}

func (d *Device) storeTelemetry(m *message.Message) {
	tree := m.Dict()
	if nested, ok := tree["StatusSNS"].(map[string]any); ok {
		tree = nested
	}
	d.mu.Lock()
	changed := !reflect.DeepEqual(d.telemetry, tree)
	if changed {
		d.telemetry = tree
	}
	d.mu.Unlock()
	if !changed {
		return
	}
	for _, o := range d.snapshotObservers() {
		o.TelemetryUpdated(d)
	}
}

func (d *Device) processResult(m *message.Message) {
	dict := m.Dict()
	if len(dict) == 0 {
		return
	}
	// Known-invalid sentinel, not an error.
	if cmd, ok := dict["Command"].(string); ok && cmd == "Unknown" {
		return
	}

	first := m.FirstKey()
	for _, h := range resultHandlers {
		if h.key.MatchString(first) {
			h.fn(d, m)
			return
		}
	}
	for k, v := range dict {
		d.setProp(k, v)
	}
}

// processPulseTime selects the legacy or modern shape by the first key:
// a bare "PulseTime" carries the parallel arrays, numbered keys carry one
// object per relay.
func (d *Device) processPulseTime(m *message.Message) {
	var entries map[int]schema.PulseTimeEntry
	if m.FirstKey() == "PulseTime" {
		p, err := schema.ParsePulseTimeModern(m.Payload)
		if err != nil {
			d.logger.Error("reply validation failed", "endpoint", "PulseTime", "payload", string(m.Payload), "err", err)
			return
		}
		entries = p.Entries()
	} else {
		p, err := schema.ParsePulseTimeLegacy(m.Payload)
		if err != nil {
			d.logger.Error("reply validation failed", "endpoint", "PulseTime", "payload", string(m.Payload), "err", err)
			return
		}
		entries = p.Entries()
	}
	d.mu.Lock()
	for idx, e := range entries {
		d.pulsetime[idx] = e
	}
	d.mu.Unlock()
}

// PulseTime returns the per-relay pulse timers observed so far.
func (d *Device) PulseTime() map[int]schema.PulseTimeEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[int]schema.PulseTimeEntry, len(d.pulsetime))
	for k, v := range d.pulsetime {
		out[k] = v
	}
	return out
}

func (d *Device) processTemplate(m *message.Message) {
	t, err := schema.ParseTemplate(m.Payload)
	if err != nil {
		d.logger.Error("reply validation failed", "endpoint", "Template", "payload", string(m.Payload), "err", err)
		return
	}
	d.mu.Lock()
	d.template = t
	d.mu.Unlock()
	d.setProp("Template", t.Name)
}

// TemplateInfo returns the last Template reply, nil before one arrives.
func (d *Device) TemplateInfo() *schema.TemplateReply {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.template
}

func (d *Device) processModule(m *message.Message) {
	mod := m.Dict()["Module"]
	switch v := mod.(type) {
	case map[string]any:
		// {"Module":{"1":"Sonoff Basic"}}
		for id, name := range v {
			d.setProp("ModuleId", id)
			d.setProp("Module", name)
		}
	default:
		d.setProp("Module", v)
	}
	for _, o := range d.snapshotObservers() {
		o.ModuleChanged(d)
	}
}

func (d *Device) processModuleCatalog(m *message.Message) {
	d.mu.Lock()
	for _, v := range m.Dict() {
		chunk, ok := v.(map[string]any)
		if !ok {
			continue
		}
		for id, name := range chunk {
			if s, ok := name.(string); ok {
				d.modules[id] = s
			}
		}
	}
	d.mu.Unlock()
}

// Modules returns the module catalog accumulated from Modules replies.
func (d *Device) Modules() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.modules))
	for k, v := range d.modules {
		out[k] = v
	}
	return out
}

func (d *Device) processGPIO(m *message.Message) {
	d.mu.Lock()
	for k, v := range m.Dict() {
		d.gpio[k] = v
	}
	d.mu.Unlock()
}

// GPIO returns the current GPIO assignment, keyed GPIO0, GPIO1, ...
func (d *Device) GPIO() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]any, len(d.gpio))
	for k, v := range d.gpio {
		out[k] = v
	}
	return out
}

func (d *Device) processGPIOCatalog(m *message.Message) {
	d.mu.Lock()
	for _, v := range m.Dict() {
		chunk, ok := v.(map[string]any)
		if !ok {
			continue
		}
		for id, name := range chunk {
			if s, ok := name.(string); ok {
				d.gpios[id] = s
			}
		}
	}
	d.mu.Unlock()
}

// SupportedGPIOs returns the supported-GPIO catalog.
func (d *Device) SupportedGPIOs() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.gpios))
	for k, v := range d.gpios {
		out[k] = v
	}
	return out
}

var rulePattern = regexp.MustCompile(`^Rule(\d)$`)

func (d *Device) processRule(m *message.Message) {
	dict := m.Dict()
	first := m.FirstKey()
	idx, err := strconv.Atoi(rulePattern.FindStringSubmatch(first)[1])
	if err != nil {
		return
	}

	rule := &schema.Rule{}
	switch v := dict[first].(type) {
	case map[string]any:
		// Current firmware nests the rule object under the key.
		parsed, perr := schema.FromMap[schema.Rule](v)
		if perr != nil {
			d.logger.Error("reply validation failed", "endpoint", first, "payload", string(m.Payload), "err", perr)
			return
		}
		rule = parsed
	case string:
		// Older firmware reports the fields flat next to the rule key.
		rule.State = v
		if s, ok := dict["Once"].(string); ok {
			rule.Once = s
		}
		if s, ok := dict["StopOnError"].(string); ok {
			rule.StopOnError = s
		}
		if f, ok := dict["Free"].(float64); ok {
			rule.Free = int(f)
		}
		if s, ok := dict["Rules"].(string); ok {
			rule.Rules = s
		}
	default:
		return
	}

	d.mu.Lock()
	d.rules[idx] = rule
	d.mu.Unlock()
	d.setProp(first, rule.State)
}

// Rule returns the last observed state of rule slot n, nil if unseen.
func (d *Device) Rule(n int) *schema.Rule {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rules[n]
}

// RuleSlots returns the rule slots observed so far, ascending.
func (d *Device) RuleSlots() []int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]int, 0, len(d.rules))
	for n := range d.rules {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}
