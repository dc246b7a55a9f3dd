package fleet

import (
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tasmota-fleet/internal/device"
	"tasmota-fleet/internal/message"
	"tasmota-fleet/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type published struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// fakeAdapter records outbound traffic in place of a live broker client.
type fakeAdapter struct {
	mu        sync.Mutex
	connected bool
	published []published
	paced     []published
	filters   []string
}

func (f *fakeAdapter) Publish(topic string, payload []byte, qos byte, retain bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic, payload, qos, retain})
	return nil
}

func (f *fakeAdapter) EnqueuePaced(topic string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paced = append(f.paced, published{topic: topic, payload: payload})
}

func (f *fakeAdapter) Subscribe(filters ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filters...)
	return nil
}

func (f *fakeAdapter) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeAdapter) pacedTopics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.paced))
	for i, p := range f.paced {
		out[i] = p.topic
	}
	return out
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *fakeAdapter) {
	t.Helper()
	adapter := &fakeAdapter{}
	logger := testLogger()
	env := NewEnvironment(adapter, NewEventBus(logger), logger)
	return NewEngine(env, cfg, logger), adapter
}

const discoveryPayload = `{"ip":"10.0.0.5","dn":"Kitchen Lamp","fn":["Kitchen",null],"hn":"lamp-1234","mac":"DC4F22112233","md":"Sonoff Basic","ofln":"Offline","onln":"Online","t":"lamp","ft":"%prefix%/%topic%/","tp":["cmnd","stat","tele"],"rl":[1],"ver":1}`

func TestNativeDiscoveryAdmits(t *testing.T) {
	e, adapter := newTestEngine(t, Config{})

	e.handle(message.New("tasmota/discovery/DC4F22112233/config", []byte(discoveryPayload), true))

	d := e.Env().DeviceByTopic("lamp")
	if d == nil {
		t.Fatal("device not admitted")
	}
	if d.Mac() != "DC4F22112233" {
		t.Errorf("mac = %q", d.Mac())
	}
	if d.Name() != "Kitchen Lamp" {
		t.Errorf("name = %q", d.Name())
	}

	// Admission follow-up queues the hydration backlog.
	topics := adapter.pacedTopics()
	if len(topics) != 1 || topics[0] != "cmnd/lamp/backlog" {
		t.Fatalf("paced = %v", topics)
	}
	payload := string(adapter.paced[0].payload)
	for _, want := range []string{"status 0", "template", "shutterrelay8"} {
		if !strings.Contains(payload, want) {
			t.Errorf("backlog missing %q: %s", want, payload)
		}
	}
}

func TestNativeDiscoveryIdempotent(t *testing.T) {
	e, adapter := newTestEngine(t, Config{})
	m := message.New("tasmota/discovery/DC4F22112233/config", []byte(discoveryPayload), true)

	e.handle(m)
	e.handle(m)

	if n := len(e.Env().Devices()); n != 1 {
		t.Fatalf("devices = %d", n)
	}
	if n := len(adapter.pacedTopics()); n != 1 {
		t.Errorf("paced entries = %d, want single backlog", n)
	}
}

func TestNativeDiscoveryRejectsBadConfig(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	e.handle(message.New("tasmota/discovery/XX/config", []byte(`{"ip":"10.0.0.5"}`), true))
	if n := len(e.Env().Devices()); n != 0 {
		t.Fatalf("devices = %d", n)
	}
}

func TestNativeDiscoverySubscribesNonDefaultTemplate(t *testing.T) {
	e, adapter := newTestEngine(t, Config{})
	payload := strings.ReplaceAll(discoveryPayload, "%prefix%/%topic%/", "home/%prefix%/%topic%/")

	e.handle(message.New("tasmota/discovery/DC4F22112233/config", []byte(payload), true))

	want := map[string]bool{"home/tele/#": false, "home/stat/#": false}
	for _, f := range adapter.filters {
		if _, ok := want[f]; ok {
			want[f] = true
		}
	}
	for f, seen := range want {
		if !seen {
			t.Errorf("filter %q not subscribed (got %v)", f, adapter.filters)
		}
	}
}

func TestNativeDiscoveryDisabledInLegacyMode(t *testing.T) {
	e, _ := newTestEngine(t, Config{DiscoveryMode: DiscoveryLegacy})
	e.handle(message.New("tasmota/discovery/DC4F22112233/config", []byte(discoveryPayload), true))
	if n := len(e.Env().Devices()); n != 0 {
		t.Fatalf("devices = %d in legacy mode", n)
	}
}

func TestLegacyLWTProbe(t *testing.T) {
	e, adapter := newTestEngine(t, Config{})

	e.handle(message.New("tele/plug/LWT", []byte("Online"), true))

	if got := e.Env().PendingLWTs()["tele/plug/LWT"]; got != "Online" {
		t.Fatalf("pending lwt = %q", got)
	}
	topics := adapter.pacedTopics()
	found := false
	for _, p := range topics {
		if p == "cmnd/plug/FullTopic" {
			found = true
		}
	}
	if !found {
		t.Errorf("no FullTopic probe among %v", topics)
	}
}

func TestLegacyLWTIgnoresPrefixCapture(t *testing.T) {
	e, adapter := newTestEngine(t, Config{})

	// With the inverted builtin, "tele/plug/LWT" captures "tele" as the
	// device topic. No probe may target a prefix literal.
	e.handle(message.New("tele/plug/LWT", []byte("Online"), true))
	for _, p := range adapter.pacedTopics() {
		if strings.HasPrefix(p, "tele/cmnd/") || p == "cmnd/tele/FullTopic" {
			t.Errorf("probe targets prefix literal: %q", p)
		}
	}
}

func TestLegacyFullTopicReplyAdmits(t *testing.T) {
	e, adapter := newTestEngine(t, Config{})

	e.handle(message.New("tele/plug/LWT", []byte("Online"), true))
	e.handle(message.New("stat/plug/RESULT", []byte(`{"FullTopic":"%prefix%/%topic%/"}`), false))

	d := e.Env().DeviceByTopic("plug")
	if d == nil {
		t.Fatal("device not admitted")
	}
	if !d.Online() {
		t.Error("device not online after admission")
	}
	if len(e.Env().PendingLWTs()) != 0 {
		t.Errorf("pending lwts not cleared: %v", e.Env().PendingLWTs())
	}

	var backlogs int
	for _, p := range adapter.pacedTopics() {
		if strings.HasSuffix(p, "/backlog") {
			backlogs++
		}
	}
	if backlogs != 1 {
		t.Errorf("backlogs = %d", backlogs)
	}
}

func TestLegacyLWTProbeCustomPattern(t *testing.T) {
	e, adapter := newTestEngine(t, Config{Patterns: []string{"office/%prefix%/%topic%/"}})

	e.handle(message.New("office/tele/lamp/LWT", []byte("Online"), true))

	probes := adapter.pacedTopics()
	if len(probes) != 1 || probes[0] != "office/cmnd/lamp/FullTopic" {
		t.Errorf("probes = %v, want exactly [office/cmnd/lamp/FullTopic]", probes)
	}
}

func TestLegacyLWTProbeKeepsTopicContainingPrefix(t *testing.T) {
	e, adapter := newTestEngine(t, Config{})

	// "telecaster" contains the captured prefix as a substring; only the
	// standalone prefix segment may be rewritten.
	e.handle(message.New("telecaster/tele/LWT", []byte("Online"), true))

	for _, p := range adapter.pacedTopics() {
		if strings.Contains(p, "cmndcaster") {
			t.Errorf("probe corrupted the device topic: %q", p)
		}
	}
}

func TestLegacyFullTopicReplyNonDefaultTemplate(t *testing.T) {
	e, _ := newTestEngine(t, Config{Patterns: []string{"office/%prefix%/%topic%/"}})

	e.handle(message.New("office/tele/lamp/LWT", []byte("Online"), true))
	e.handle(message.New("office/stat/lamp/RESULT", []byte(`{"FullTopic":"office/%prefix%/%topic%/"}`), false))

	d := e.Env().DeviceByTopic("lamp")
	if d == nil {
		t.Fatal("device not admitted")
	}
	if got := d.FullTopic(); got != "office/%prefix%/%topic%/" {
		t.Errorf("fulltopic = %q", got)
	}
	if !d.Matches(message.New("office/tele/lamp/STATE", nil, false)) {
		t.Error("admitted device does not cover its own traffic")
	}
	if ghost := e.Env().DeviceByTopic("office"); ghost != nil {
		t.Errorf("literal segment admitted as device: %q", ghost.Topic())
	}
	if len(e.Env().PendingLWTs()) != 0 {
		t.Errorf("pending lwts not cleared: %v", e.Env().PendingLWTs())
	}
}

func TestLegacyPathsDisabledInNativeMode(t *testing.T) {
	e, adapter := newTestEngine(t, Config{DiscoveryMode: DiscoveryNative})

	e.handle(message.New("tele/plug/LWT", []byte("Online"), true))
	e.handle(message.New("stat/plug/RESULT", []byte(`{"FullTopic":"%prefix%/%topic%/"}`), false))

	if n := len(e.Env().Devices()); n != 0 {
		t.Fatalf("devices = %d in native mode", n)
	}
	if n := len(adapter.pacedTopics()); n != 0 {
		t.Errorf("probes sent in native mode: %v", adapter.pacedTopics())
	}
}

func TestHandleRoutesToAdmittedDevice(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	d, err := device.New("lamp", "%prefix%/%topic%/", "", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Env().AddDevice(d); err != nil {
		t.Fatal(err)
	}

	e.handle(message.New("stat/lamp/RESULT", []byte(`{"POWER":"ON"}`), false))
	if d.Prop("POWER") != "ON" {
		t.Errorf("POWER = %v", d.Prop("POWER"))
	}
}

func TestHandleRejectsInvalidUTF8(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	var events []Event
	e.Env().Bus().OnAll(func(ev Event) { events = append(events, ev) })

	e.handle(message.New("tele/lamp/STATE", []byte{0xff, 0xfe}, false))
	if len(events) != 0 {
		t.Errorf("events emitted for undecodable payload: %v", events)
	}
}

func TestHandleEmitsMessageEvent(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	var events []Event
	e.Env().Bus().On(EventMessage, func(ev Event) { events = append(events, ev) })

	e.handle(message.New("tele/lamp/STATE", []byte(`{}`), true))
	if len(events) != 1 {
		t.Fatalf("events = %d", len(events))
	}
	data := events[0].Data.(map[string]interface{})
	if data["topic"] != "tele/lamp/STATE" || data["retained"] != true {
		t.Errorf("event data = %v", data)
	}
}

func TestDeliverDropsWhenFull(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	// Loop not started: fill the queue past capacity. Deliver must not block.
	for i := 0; i < 2000; i++ {
		e.Deliver(message.New("tele/x/STATE", []byte(`{}`), false))
	}
	if len(e.msgCh) != cap(e.msgCh) {
		t.Errorf("queue depth = %d, want %d", len(e.msgCh), cap(e.msgCh))
	}
}

func TestEngineStartStop(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	d, err := device.New("lamp", "%prefix%/%topic%/", "", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Env().AddDevice(d); err != nil {
		t.Fatal(err)
	}

	e.Start()
	e.Deliver(message.New("tele/lamp/LWT", []byte("Online"), true))
	deadline := time.Now().Add(2 * time.Second)
	for !d.Online() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	e.Stop()

	if !d.Online() {
		t.Error("queued message not processed")
	}
}

func TestRetainedBookkeeping(t *testing.T) {
	e, adapter := newTestEngine(t, Config{})

	e.handle(message.New("tele/lamp/LWT", []byte("Online"), true))
	e.handle(message.New("stat/lamp/RESULT", []byte(`{"FullTopic":"%prefix%/%topic%/"}`), false))

	retained := e.Env().RetainedTopics()
	if len(retained) != 1 || retained[0] != "tele/lamp/LWT" {
		t.Fatalf("retained = %v", retained)
	}

	e.Env().ClearRetained()
	if len(e.Env().RetainedTopics()) != 0 {
		t.Error("retained set not cleared")
	}
	var wiped bool
	for _, p := range adapter.published {
		if p.topic == "tele/lamp/LWT" && len(p.payload) == 0 && p.retain {
			wiped = true
		}
	}
	if !wiped {
		t.Errorf("no retained wipe published: %v", adapter.published)
	}
}

func TestAddDeviceRejectsDuplicateTopic(t *testing.T) {
	adapter := &fakeAdapter{}
	logger := testLogger()
	env := NewEnvironment(adapter, NewEventBus(logger), logger)

	a, _ := device.New("lamp", "%prefix%/%topic%/", "", logger)
	b, _ := device.New("lamp", "%topic%/%prefix%/", "", logger)
	if err := env.AddDevice(a); err != nil {
		t.Fatal(err)
	}
	if err := env.AddDevice(b); err == nil {
		t.Fatal("duplicate topic admitted")
	}
}

func TestSubscriptionFilters(t *testing.T) {
	adapter := &fakeAdapter{}
	logger := testLogger()
	env := NewEnvironment(adapter, NewEventBus(logger), logger)

	d, _ := device.New("lamp", "basement/%prefix%/%topic%/", "", logger)
	if err := env.AddDevice(d); err != nil {
		t.Fatal(err)
	}

	filters := env.SubscriptionFilters([]string{"home/%prefix%/%topic%"})
	want := []string{
		DiscoveryFilter,
		"tele/#", "stat/#", // builtin
		"+/tele/#", "+/stat/#", // inverted builtin
		"home/tele/#", "home/stat/#", // custom pattern
		"basement/tele/#", "basement/stat/#", // per-device
	}
	got := map[string]struct{}{}
	for _, f := range filters {
		got[f] = struct{}{}
	}
	for _, f := range want {
		if _, ok := got[f]; !ok {
			t.Errorf("missing filter %q in %v", f, filters)
		}
	}
	if len(filters) != len(want) {
		t.Errorf("filters = %v, want %d entries", filters, len(want))
	}
}

func TestSubscriptionFiltersSkipsPatternCoveredDevice(t *testing.T) {
	adapter := &fakeAdapter{}
	logger := testLogger()
	env := NewEnvironment(adapter, NewEventBus(logger), logger)

	d, _ := device.New("lamp", "home/%prefix%/%topic%/", "", logger)
	if err := env.AddDevice(d); err != nil {
		t.Fatal(err)
	}

	filters := env.SubscriptionFilters([]string{"home/%prefix%/%topic%/"})
	n := 0
	for _, f := range filters {
		if f == "home/tele/#" {
			n++
		}
	}
	if n != 1 {
		t.Errorf("filter home/tele/# appears %d times in %v", n, filters)
	}
}

func TestOnConnectSubscribesAndEmits(t *testing.T) {
	e, adapter := newTestEngine(t, Config{})
	var events []Event
	e.Env().Bus().On(EventConnection, func(ev Event) { events = append(events, ev) })

	e.OnConnect()

	if len(adapter.filters) == 0 {
		t.Error("no subscriptions restored")
	}
	if len(events) != 1 {
		t.Fatalf("connection events = %d", len(events))
	}
	if state := events[0].Data.(map[string]interface{})["state"]; state != "connected" {
		t.Errorf("state = %v", state)
	}
}

func TestSendCommandRecordsHistory(t *testing.T) {
	adapter := &fakeAdapter{}
	logger := testLogger()
	dp := NewDispatcher(adapter, logger)
	d, _ := device.New("lamp", "%prefix%/%topic%/", "", logger)

	if err := dp.SendCommand(d, "POWER", "ON"); err != nil {
		t.Fatal(err)
	}
	if len(adapter.published) != 1 || adapter.published[0].topic != "cmnd/lamp/POWER" {
		t.Fatalf("published = %v", adapter.published)
	}
	if got := d.History(); len(got) != 1 || got[0] != "POWER ON" {
		t.Errorf("history = %v", got)
	}
}

func TestPollTelemetry(t *testing.T) {
	adapter := &fakeAdapter{}
	logger := testLogger()
	dp := NewDispatcher(adapter, logger)
	a, _ := device.New("lamp", "%prefix%/%topic%/", "", logger)
	b, _ := device.New("plug", "%prefix%/%topic%/", "", logger)

	dp.PollTelemetry([]*device.Device{a, b})

	if len(adapter.published) != 2 {
		t.Fatalf("published = %v", adapter.published)
	}
	if adapter.published[0].topic != "cmnd/lamp/STATUS" || string(adapter.published[0].payload) != "8" {
		t.Errorf("poll = %+v", adapter.published[0])
	}
}

func TestSnapshotRestore(t *testing.T) {
	logger := testLogger()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	adapter := &fakeAdapter{}
	env := NewEnvironment(adapter, NewEventBus(logger), logger)
	d, _ := device.New("lamp", "home/%prefix%/%topic%/", "Kitchen Lamp", logger)
	d.SetMac("DC:4F:22:11:22:33")
	d.AddHistory("POWER ON")
	if err := env.AddDevice(d); err != nil {
		t.Fatal(err)
	}
	// No MAC yet, must not be persisted.
	anon, _ := device.New("ghost", "%prefix%/%topic%/", "", logger)
	if err := env.AddDevice(anon); err != nil {
		t.Fatal(err)
	}

	Snapshot(env, st, logger)

	restored := NewEnvironment(adapter, NewEventBus(logger), logger)
	if err := Restore(restored, st, logger); err != nil {
		t.Fatal(err)
	}
	devices := restored.Devices()
	if len(devices) != 1 {
		t.Fatalf("restored %d devices", len(devices))
	}
	got := devices[0]
	if got.Topic() != "lamp" || got.Name() != "Kitchen Lamp" || got.Mac() != "DC:4F:22:11:22:33" {
		t.Errorf("restored device = %v %v %v", got.Topic(), got.Name(), got.Mac())
	}
	if got.FullTopic() != "home/%prefix%/%topic%/" {
		t.Errorf("fulltopic = %q", got.FullTopic())
	}
	if h := got.History(); len(h) != 1 || h[0] != "POWER ON" {
		t.Errorf("history = %v", h)
	}
	if got.LWT() != device.LWTUndefined {
		t.Errorf("restored LWT = %q, want undefined", got.LWT())
	}
}
