package fleet

import (
	"log/slog"

	"tasmota-fleet/internal/device"
	"tasmota-fleet/internal/store"
)

// Restore replays the persisted fleet into the environment. Devices come
// back with an undefined LWT; real liveness resolves once the broker
// delivers the retained wills.
func Restore(env *Environment, st store.Store, logger *slog.Logger) error {
	records, err := st.ListDevices()
	if err != nil {
		return err
	}
	for _, rec := range records {
		d, err := device.New(rec.Topic, rec.FullTopic, rec.DeviceName, logger)
		if err != nil {
			logger.Warn("skipping persisted device", "topic", rec.Topic, "err", err)
			continue
		}
		d.SetMac(rec.Mac)
		d.SetHistory(rec.History)
		if err := env.AddDevice(d); err != nil {
			logger.Warn("skipping persisted device", "topic", rec.Topic, "err", err)
		}
	}
	logger.Info("fleet restored", "devices", len(env.Devices()))
	return nil
}

// Snapshot writes every device with a known MAC back to the store,
// replacing prior content including the history. Called on shutdown.
func Snapshot(env *Environment, st store.Store, logger *slog.Logger) {
	for _, d := range env.Devices() {
		mac := d.Mac()
		if mac == "" {
			continue
		}
		rec := &store.DeviceRecord{
			Mac:        mac,
			Topic:      d.Topic(),
			FullTopic:  d.FullTopic(),
			DeviceName: d.Name(),
			History:    d.History(),
		}
		if err := st.SaveDevice(rec); err != nil {
			logger.Error("persist device", "topic", d.Topic(), "err", err)
		}
	}
}
