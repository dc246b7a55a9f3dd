package fleet

import (
	"encoding/hex"
	"log/slog"
	"time"
	"unicode/utf8"

	"tasmota-fleet/internal/device"
	"tasmota-fleet/internal/message"
	"tasmota-fleet/internal/topics"
)

// Config holds engine tunables.
type Config struct {
	DiscoveryMode DiscoveryMode
	// Patterns are the user-declared custom FullTopic patterns, in order.
	Patterns []string
	// AutoTelemetry enables the periodic "status 8" poll when > 0.
	// Values below a second are raised to the floor.
	AutoTelemetry time.Duration
}

const telemetryFloor = time.Second

// Engine is the single-threaded core: every route, parse and property
// mutation happens on its loop. The broker I/O thread only deposits
// messages via Deliver.
type Engine struct {
	env        *Environment
	discovery  *Discovery
	dispatcher *Dispatcher
	cfg        Config

	msgCh  chan *message.Message
	stopCh chan struct{}
	doneCh chan struct{}

	logger *slog.Logger
}

// NewEngine wires the environment, discovery and dispatcher together.
func NewEngine(env *Environment, cfg Config, logger *slog.Logger) *Engine {
	if cfg.DiscoveryMode == "" {
		cfg.DiscoveryMode = DiscoveryBoth
	}
	if cfg.AutoTelemetry > 0 && cfg.AutoTelemetry < telemetryFloor {
		cfg.AutoTelemetry = telemetryFloor
	}
	e := &Engine{
		env:    env,
		cfg:    cfg,
		msgCh:  make(chan *message.Message, 1024),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: logger.With("component", "engine"),
	}
	e.dispatcher = NewDispatcher(env.Adapter(), logger)
	e.discovery = NewDiscovery(env, cfg.DiscoveryMode, cfg.Patterns, e.admitFollowUp, logger)
	return e
}

// Env returns the environment.
func (e *Engine) Env() *Environment { return e.env }

// Dispatcher returns the outbound command dispatcher.
func (e *Engine) Dispatcher() *Dispatcher { return e.dispatcher }

// Start launches the engine loop.
func (e *Engine) Start() {
	go e.run()
}

// Stop terminates the loop and waits for it to drain.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

// Deliver deposits an inbound message for the loop to consume. Called from
// the broker I/O thread; never blocks — under backpressure the message is
// dropped with a warning.
func (e *Engine) Deliver(m *message.Message) {
	select {
	case e.msgCh <- m:
	default:
		e.logger.Warn("engine queue full, message dropped", "topic", m.Topic)
	}
}

// OnConnect restores the subscription union after a (re)connect.
func (e *Engine) OnConnect() {
	filters := e.env.SubscriptionFilters(e.cfg.Patterns)
	if err := e.env.Adapter().Subscribe(filters...); err != nil {
		e.logger.Error("subscribe", "err", err)
	}
	e.env.Bus().Emit(Event{Type: EventConnection, Data: map[string]interface{}{"state": "connected"}})
}

// OnDisconnect surfaces a lost connection to collaborators. Reconnection
// is an explicit user action.
func (e *Engine) OnDisconnect(err error) {
	data := map[string]interface{}{"state": "disconnected"}
	if err != nil {
		data["err"] = err.Error()
	}
	e.env.Bus().Emit(Event{Type: EventConnection, Data: data})
}

// Publish is the single command contract collaborators hold.
func (e *Engine) Publish(topic string, payload []byte, qos byte, retain bool) error {
	return e.env.Adapter().Publish(topic, payload, qos, retain)
}

func (e *Engine) run() {
	defer close(e.doneCh)

	var telemetry <-chan time.Time
	if e.cfg.AutoTelemetry > 0 {
		ticker := time.NewTicker(e.cfg.AutoTelemetry)
		defer ticker.Stop()
		telemetry = ticker.C
	}

	for {
		select {
		case <-e.stopCh:
			return
		case m := <-e.msgCh:
			e.handle(m)
		case <-telemetry:
			if e.env.Adapter().Connected() {
				e.dispatcher.PollTelemetry(e.env.Devices())
			}
		}
	}
}

// handle routes one message to completion: discovery, a known device, or
// noise. Runs on the engine loop only.
func (e *Engine) handle(m *message.Message) {
	if !utf8.Valid(m.Payload) {
		e.logger.Error("MESSAGE DECODE ERROR", "topic", m.Topic, "payload", hex.EncodeToString(m.Payload))
		return
	}

	e.env.Bus().Emit(Event{Type: EventMessage, Data: map[string]interface{}{
		"topic":    m.Topic,
		"payload":  string(m.Payload),
		"retained": m.Retained,
	}})

	if m.Retained {
		e.env.RecordRetained(m.Topic)
	}

	if IsDiscoveryTopic(m.Topic) {
		e.discovery.HandleNative(m)
		return
	}

	if d := e.env.FindDevice(m); d != nil {
		d.Process(m)
		return
	}

	switch {
	case m.IsLWT():
		e.discovery.HandleLWT(m)
	case m.IsResult(), m.Endpoint() == "FULLTOPIC":
		e.discovery.HandleFullTopicReply(m)
	default:
		e.logger.Debug("no device for topic", "topic", m.Topic)
	}
}

// admitFollowUp runs after every discovery admission: device-specific
// subscriptions when the defaults do not cover the template, then the
// initial query.
func (e *Engine) admitFollowUp(d *device.Device) {
	t := d.Template()
	if !t.IsDefault() && !e.coveredByPattern(t.String()) {
		if err := e.env.Adapter().Subscribe(t.Expand()...); err != nil {
			e.logger.Error("device subscribe", "topic", d.Topic(), "err", err)
		}
	}
	e.dispatcher.InitialQuery(d)
}

func (e *Engine) coveredByPattern(fullTopic string) bool {
	for _, p := range e.cfg.Patterns {
		if fullTopic == topics.Normalize(p) {
			return true
		}
	}
	return false
}
