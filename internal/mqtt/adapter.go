// Package mqtt wraps the paho client with the connect lifecycle, TLS,
// subscribe-set management and the paced publish queue the engine relies
// on.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"tasmota-fleet/internal/message"
)

// State is the adapter connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Connection error codes surfaced to the UI adapter.
const (
	ErrCodeProtocolVersion   = 1
	ErrCodeClientID          = 2
	ErrCodeServerUnavailable = 3
	ErrCodeBadCredentials    = 4
	ErrCodeNotAuthorized     = 5
)

// ConnectionError is a typed connect failure.
type ConnectionError struct {
	Code int
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mqtt connect failed (code %d): %v", e.Code, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func connectionCode(err error) int {
	switch {
	case errors.Is(err, packets.ErrorRefusedBadProtocolVersion):
		return ErrCodeProtocolVersion
	case errors.Is(err, packets.ErrorRefusedIDRejected):
		return ErrCodeClientID
	case errors.Is(err, packets.ErrorRefusedServerUnavailable):
		return ErrCodeServerUnavailable
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword):
		return ErrCodeBadCredentials
	default:
		return ErrCodeNotAuthorized
	}
}

// TLSConfig parameterizes the optional broker TLS.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CAFile     string `yaml:"ca_file"`
	Insecure   bool   `yaml:"insecure"`
	MinVersion string `yaml:"min_version"` // "1.2" or "1.3"
}

// Config holds adapter configuration.
type Config struct {
	Host     string    `yaml:"hostname"`
	Port     int       `yaml:"port"`
	Username string    `yaml:"username"`
	Password string    `yaml:"password"`
	ClientID string    `yaml:"client_id"`
	TLS      TLSConfig `yaml:"tls"`
	// PaceInterval is the paced-queue drain tick.
	PaceInterval time.Duration `yaml:"-"`
}

const defaultPaceInterval = 250 * time.Millisecond

type pacedEntry struct {
	topic   string
	payload []byte
}

// Adapter owns the broker connection. It never reconnects on its own:
// a lost connection is surfaced and reconnection is an explicit user
// action, preserving broker-side LWT semantics on intentional disconnects.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	onMessage    func(*message.Message)
	onConnect    func()
	onDisconnect func(error)

	mu     sync.Mutex
	client pahomqtt.Client
	state  State
	subs   map[string]struct{}
	queue  []pacedEntry

	stopPacer chan struct{}
	pacerOnce sync.Once
}

// New creates an adapter. onMessage is invoked from the broker I/O thread
// and must only enqueue; onConnect/onDisconnect run on paho's callback
// goroutines.
func New(cfg Config, onMessage func(*message.Message), onConnect func(), onDisconnect func(error), logger *slog.Logger) *Adapter {
	if cfg.PaceInterval <= 0 {
		cfg.PaceInterval = defaultPaceInterval
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("tasmota-fleet-%d", time.Now().Unix())
	}
	a := &Adapter{
		cfg:          cfg,
		logger:       logger.With("component", "mqtt"),
		onMessage:    onMessage,
		onConnect:    onConnect,
		onDisconnect: onDisconnect,
		subs:         make(map[string]struct{}),
		stopPacer:    make(chan struct{}),
	}
	go a.runPacer()
	return a
}

// State returns the connection state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Connected reports broker connectivity.
func (a *Adapter) Connected() bool { return a.State() == Connected }

func (a *Adapter) brokerURL() string {
	scheme := "tcp"
	if a.cfg.TLS.Enabled {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, a.cfg.Host, a.cfg.Port)
}

func (a *Adapter) tlsConfig() (*tls.Config, error) {
	tc := &tls.Config{InsecureSkipVerify: a.cfg.TLS.Insecure}
	switch a.cfg.TLS.MinVersion {
	case "", "1.2":
		tc.MinVersion = tls.VersionTLS12
	case "1.3":
		tc.MinVersion = tls.VersionTLS13
	default:
		return nil, fmt.Errorf("unsupported TLS version %q", a.cfg.TLS.MinVersion)
	}
	if a.cfg.TLS.CAFile != "" {
		pem, err := os.ReadFile(a.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", a.cfg.TLS.CAFile)
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

// Connect dials the broker. Fails fast with a typed ConnectionError.
func (a *Adapter) Connect() error {
	a.mu.Lock()
	if a.state != Disconnected {
		a.mu.Unlock()
		return nil
	}
	a.state = Connecting
	a.mu.Unlock()

	opts := pahomqtt.NewClientOptions().
		AddBroker(a.brokerURL()).
		SetClientID(a.cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetKeepAlive(30 * time.Second).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			a.mu.Lock()
			a.state = Connected
			a.mu.Unlock()
			a.logger.Info("broker connected", "broker", a.brokerURL())
			if a.onConnect != nil {
				a.onConnect()
			}
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			a.logger.Warn("broker connection lost", "err", err)
			a.teardown()
			if a.onDisconnect != nil {
				a.onDisconnect(err)
			}
		}).
		SetDefaultPublishHandler(func(_ pahomqtt.Client, msg pahomqtt.Message) {
			a.onMessage(message.New(msg.Topic(), msg.Payload(), msg.Retained()))
		})

	if a.cfg.Username != "" {
		opts.SetUsername(a.cfg.Username)
		opts.SetPassword(a.cfg.Password)
	}
	if a.cfg.TLS.Enabled {
		tc, err := a.tlsConfig()
		if err != nil {
			a.setState(Disconnected)
			return err
		}
		opts.SetTLSConfig(tc)
	}

	client := pahomqtt.NewClient(opts)
	a.mu.Lock()
	a.client = client
	a.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		a.setState(Disconnected)
		return &ConnectionError{Code: ErrCodeServerUnavailable, Err: errors.New("connect timeout")}
	}
	if err := token.Error(); err != nil {
		a.setState(Disconnected)
		return &ConnectionError{Code: connectionCode(err), Err: err}
	}
	return nil
}

// Disconnect closes the connection on explicit user action and purges the
// paced queue.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	a.teardown()
}

// teardown resets connection-scoped state: subscriptions and in-flight
// paced entries target the old session and are dropped.
func (a *Adapter) teardown() {
	a.mu.Lock()
	a.state = Disconnected
	a.subs = make(map[string]struct{})
	a.queue = nil
	a.mu.Unlock()
}

func (a *Adapter) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Close stops the pacer goroutine and disconnects.
func (a *Adapter) Close() {
	a.pacerOnce.Do(func() { close(a.stopPacer) })
	a.Disconnect()
}

// Subscribe adds filters to the live subscription set, skipping filters
// already held.
func (a *Adapter) Subscribe(filters ...string) error {
	a.mu.Lock()
	client := a.client
	wanted := make(map[string]byte)
	for _, f := range filters {
		if _, ok := a.subs[f]; !ok {
			wanted[f] = 0
		}
	}
	a.mu.Unlock()
	if client == nil || len(wanted) == 0 {
		return nil
	}

	token := client.SubscribeMultiple(wanted, nil)
	if !token.WaitTimeout(5 * time.Second) {
		return errors.New("subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	a.mu.Lock()
	for f := range wanted {
		a.subs[f] = struct{}{}
	}
	a.mu.Unlock()
	a.logger.Debug("subscribed", "filters", len(wanted))
	return nil
}

// Subscriptions returns the currently held filters.
func (a *Adapter) Subscriptions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.subs))
	for f := range a.subs {
		out = append(out, f)
	}
	return out
}

// Publish sends one message synchronously with respect to queueing; the
// delivery token is awaited off-thread, matching the fire-and-log pattern
// for QoS 0 traffic.
func (a *Adapter) Publish(topic string, payload []byte, qos byte, retain bool) error {
	a.mu.Lock()
	client := a.client
	state := a.state
	a.mu.Unlock()
	if client == nil || state != Connected {
		return errors.New("not connected")
	}
	token := client.Publish(topic, qos, retain, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			a.logger.Warn("publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			a.logger.Warn("publish error", "topic", topic, "err", err)
		}
	}()
	return nil
}

// EnqueuePaced deposits a message on the paced queue, drained one entry
// per tick to avoid flooding freshly-joined devices. Enqueue order is
// preserved.
func (a *Adapter) EnqueuePaced(topic string, payload []byte) {
	a.mu.Lock()
	a.queue = append(a.queue, pacedEntry{topic: topic, payload: payload})
	a.mu.Unlock()
}

// PacedPending returns the queue depth.
func (a *Adapter) PacedPending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

func (a *Adapter) runPacer() {
	ticker := time.NewTicker(a.cfg.PaceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopPacer:
			return
		case <-ticker.C:
			a.drainOne()
		}
	}
}

func (a *Adapter) drainOne() {
	a.mu.Lock()
	if len(a.queue) == 0 || a.state != Connected {
		a.mu.Unlock()
		return
	}
	entry := a.queue[0]
	a.queue = a.queue[1:]
	a.mu.Unlock()

	if err := a.Publish(entry.topic, entry.payload, 0, false); err != nil {
		a.logger.Warn("paced publish", "topic", entry.topic, "err", err)
	}
}
