package fleet

import (
	"fmt"
	"log/slog"
	"strings"

	"tasmota-fleet/internal/device"
)

// initialQueryCommands is the canonical hydration bundle sent to a newly
// admitted or refreshed device as a single backlog.
var initialQueryCommands = buildInitialQuery()

func buildInitialQuery() []string {
	cmds := []string{
		"template", "modules", "gpio",
		"buttondebounce", "switchdebounce", "interlock",
		"blinktime", "blinkcount", "pulsetime",
		"status 0", "gpios 255",
	}
	for i := 1; i <= 8; i++ {
		cmds = append(cmds, fmt.Sprintf("shutterrelay%d", i), fmt.Sprintf("shutterposition%d", i))
	}
	return cmds
}

// Dispatcher is the outbound command side: initial-query bundles through
// the paced queue, direct user commands, and the periodic telemetry poll.
type Dispatcher struct {
	adapter Adapter
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher over the adapter.
func NewDispatcher(adapter Adapter, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{adapter: adapter, logger: logger.With("component", "dispatcher")}
}

// InitialQuery enqueues the hydration backlog for one device on the paced
// queue. The resulting RESULT stream feeds the device's state machine.
func (dp *Dispatcher) InitialQuery(d *device.Device) {
	payload := strings.Join(initialQueryCommands, ";")
	dp.logger.Debug("initial query", "topic", d.Topic())
	dp.adapter.EnqueuePaced(d.CmndTopic("backlog"), []byte(payload))
}

// SendCommand publishes a user command directly and records it in the
// device history.
func (dp *Dispatcher) SendCommand(d *device.Device, cmd, payload string) error {
	if err := dp.adapter.Publish(d.CmndTopic(cmd), []byte(payload), 0, false); err != nil {
		return fmt.Errorf("send %s to %s: %w", cmd, d.Topic(), err)
	}
	line := cmd
	if payload != "" {
		line = cmd + " " + payload
	}
	d.AddHistory(line)
	return nil
}

// PollTelemetry publishes "status 8" to every given device, refreshing the
// sensor snapshots.
func (dp *Dispatcher) PollTelemetry(devices []*device.Device) {
	for _, d := range devices {
		if err := dp.adapter.Publish(d.CmndTopic("STATUS"), []byte("8"), 0, false); err != nil {
			dp.logger.Warn("telemetry poll", "topic", d.Topic(), "err", err)
		}
	}
}
