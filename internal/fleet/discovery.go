package fleet

import (
	"log/slog"
	"strings"

	"tasmota-fleet/internal/device"
	"tasmota-fleet/internal/message"
	"tasmota-fleet/internal/schema"
	"tasmota-fleet/internal/topics"
)

// DiscoveryFilter is the native broadcast subscription.
const DiscoveryFilter = "tasmota/discovery/+/config"

const discoveryTopicPrefix = "tasmota/discovery/"

// DiscoveryMode selects which admission paths run.
type DiscoveryMode string

const (
	DiscoveryBoth   DiscoveryMode = "both"
	DiscoveryNative DiscoveryMode = "native"
	DiscoveryLegacy DiscoveryMode = "legacy"
)

// Discovery infers previously-unseen devices from broker traffic. Two
// admission paths run concurrently and produce distinct identities: the
// native config broadcast and the legacy LWT-triggered FullTopic probe.
type Discovery struct {
	env      *Environment
	mode     DiscoveryMode
	patterns []*topics.Template // known templates: builtins plus custom, in order
	admit    func(d *device.Device)
	logger   *slog.Logger
}

// NewDiscovery builds the discovery subsystem. admit is invoked for every
// newly created device after registration, and is where subscription and
// initial-query follow-ups happen.
func NewDiscovery(env *Environment, mode DiscoveryMode, customPatterns []string, admit func(*device.Device), logger *slog.Logger) *Discovery {
	d := &Discovery{
		env:    env,
		mode:   mode,
		admit:  admit,
		logger: logger.With("component", "discovery"),
	}
	raw := append(append([]string{}, topics.DefaultTemplates...), customPatterns...)
	for _, p := range raw {
		t, err := topics.Get(p)
		if err != nil {
			d.logger.Warn("skipping invalid pattern", "pattern", p, "err", err)
			continue
		}
		d.patterns = append(d.patterns, t)
	}
	return d
}

// IsDiscoveryTopic reports whether topic is a native broadcast config.
func IsDiscoveryTopic(topic string) bool {
	return strings.HasPrefix(topic, discoveryTopicPrefix) && strings.HasSuffix(topic, "/config")
}

// HandleNative processes a native discovery broadcast: validate, translate
// the advertised FullTopic back into a template, admit unless the topic is
// already known.
func (dc *Discovery) HandleNative(m *message.Message) {
	if dc.mode == DiscoveryLegacy {
		return
	}
	cfg, err := schema.ParseDiscovery(m.Payload)
	if err != nil {
		dc.logger.Error("discovery config rejected", "topic", m.Topic, "payload", string(m.Payload), "err", err)
		return
	}
	if dc.env.DeviceByTopic(cfg.Topic) != nil {
		return
	}

	// Substitute the advertised tele prefix and topic back into their
	// placeholder slots; a template advertised with placeholders passes
	// through unchanged.
	fullTopic := cfg.FullTopic
	if len(cfg.TopicPrefix) == 3 {
		fullTopic = strings.ReplaceAll(fullTopic, cfg.TopicPrefix[2], "%prefix%")
	}
	fullTopic = strings.ReplaceAll(fullTopic, cfg.Topic, "%topic%")

	d, err := device.New(cfg.Topic, fullTopic, cfg.DeviceName, dc.logger)
	if err != nil {
		dc.logger.Error("discovery config rejected", "topic", m.Topic, "fulltopic", fullTopic, "err", err)
		return
	}
	d.SetMac(cfg.Mac)
	if len(cfg.TopicPrefix) == 3 {
		d.SetPrefixes(cfg.TopicPrefix[0], cfg.TopicPrefix[1], cfg.TopicPrefix[2])
	}
	d.SetLWTPayloads(cfg.OnlineMsg, cfg.OfflineMsg)

	if err := dc.env.AddDevice(d); err != nil {
		dc.logger.Debug("native admission skipped", "topic", cfg.Topic, "err", err)
		return
	}
	dc.logger.Info("device discovered natively", "topic", cfg.Topic, "mac", cfg.Mac)
	dc.admit(d)
}

// HandleLWT runs the legacy path for an LWT on a topic no device covers:
// record it as pending and probe every known template for a FullTopic
// reply. Captured topics equal to a prefix literal are rejected; those
// matches mean the pattern's %prefix% slot absorbed the real topic.
func (dc *Discovery) HandleLWT(m *message.Message) {
	if dc.mode == DiscoveryNative {
		return
	}
	dc.env.PendingLWT(m.Topic, string(m.Payload))

	sent := map[string]bool{}
	for _, p := range dc.patterns {
		prefix, devTopic, ok := p.Match(m.Topic)
		if !ok || isPrefixLiteral(devTopic) {
			continue
		}
		// The probe reuses the observed LWT topic with the prefix segment
		// forced to cmnd, so literal segments around the placeholders
		// survive untouched. Different patterns can agree on the same
		// probe; publish each one once.
		probe := probeTopic(m.Topic, prefix)
		if sent[probe] {
			continue
		}
		sent[probe] = true
		dc.logger.Info("legacy discovery probe", "lwt", m.Topic, "probe", probe)
		dc.env.Adapter().EnqueuePaced(probe, nil)
	}
}

// probeTopic rewrites an observed LWT topic into the FullTopic query for
// the same device. Replacement is segment-wise: a topic whose name merely
// contains the prefix string stays intact.
func probeTopic(lwtTopic, prefix string) string {
	segs := strings.Split(lwtTopic, "/")
	for i, s := range segs {
		if s == prefix {
			segs[i] = topics.PrefixCmnd
			break
		}
	}
	if n := len(segs) - 1; segs[n] == "LWT" {
		segs[n] = "FullTopic"
	}
	return strings.Join(segs, "/")
}

// HandleFullTopicReply runs stage two of the legacy path: a RESULT or
// FULLTOPIC reply from a not-yet-admitted device carrying its FullTopic.
// The reported template is the sole identity authority: matching the reply
// topic against it recovers the device topic even when the template inverts
// or decorates the builtin layouts, where a pattern-list match would
// capture the wrong segment.
func (dc *Discovery) HandleFullTopicReply(m *message.Message) {
	if dc.mode == DiscoveryNative {
		return
	}
	fullTopic, _ := m.Dict()["FullTopic"].(string)
	if fullTopic == "" {
		return
	}

	t, err := topics.Get(fullTopic)
	if err != nil {
		dc.logger.Error("fulltopic reply rejected", "topic", m.Topic, "fulltopic", fullTopic, "err", err)
		return
	}
	_, devTopic, ok := t.Match(m.Topic)
	if !ok || isPrefixLiteral(devTopic) {
		dc.logger.Debug("fulltopic reply does not cover its own topic", "topic", m.Topic, "fulltopic", fullTopic)
		return
	}
	if dc.env.DeviceByTopic(devTopic) != nil {
		return
	}
	d, err := device.New(devTopic, fullTopic, "", dc.logger)
	if err != nil {
		dc.logger.Error("fulltopic reply rejected", "topic", m.Topic, "fulltopic", fullTopic, "err", err)
		return
	}
	if err := dc.env.AddDevice(d); err != nil {
		dc.logger.Debug("legacy admission skipped", "topic", devTopic, "err", err)
		return
	}
	d.SetLWT(device.LWTOnline)
	dc.logger.Info("device discovered via LWT", "topic", devTopic, "fulltopic", fullTopic)
	dc.admit(d)
}

func isPrefixLiteral(s string) bool {
	return s == topics.PrefixCmnd || s == topics.PrefixStat || s == topics.PrefixTele
}
