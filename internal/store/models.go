package store

import "strings"

// DeviceRecord is the persisted identity + history of one fleet device,
// keyed by MAC. Liveness is never persisted; devices replay with an
// undefined LWT until the broker resolves it.
type DeviceRecord struct {
	Mac        string   `json:"mac"`
	Topic      string   `json:"topic"`
	FullTopic  string   `json:"full_topic"`
	DeviceName string   `json:"device_name,omitempty"`
	History    []string `json:"history,omitempty"`
}

// NormalizeMac converts the wire MAC form to the storage key form,
// replacing colons with dashes.
func NormalizeMac(mac string) string {
	return strings.ReplaceAll(mac, ":", "-")
}
