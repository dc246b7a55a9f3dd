package web

import (
	"encoding/json"
	"net/http"

	"tasmota-fleet/internal/device"
)

// deviceView is the JSON snapshot of one device.
type deviceView struct {
	Topic     string         `json:"topic"`
	FullTopic string         `json:"full_topic"`
	Name      string         `json:"name"`
	Mac       string         `json:"mac,omitempty"`
	LWT       string         `json:"lwt"`
	Online    bool           `json:"online"`
	Version   string         `json:"version,omitempty"`
	Power     map[int]string `json:"power,omitempty"`
	Shutters  map[int]int    `json:"shutters,omitempty"`
}

type deviceDetail struct {
	deviceView
	Properties  map[string]any `json:"properties"`
	Telemetry   map[string]any `json:"telemetry,omitempty"`
	History     []string       `json:"history,omitempty"`
	Color       device.Color   `json:"color"`
	AccessPoint string         `json:"access_point,omitempty"`
}

func snapshotDevice(d *device.Device) deviceView {
	return deviceView{
		Topic:     d.Topic(),
		FullTopic: d.FullTopic(),
		Name:      d.Name(),
		Mac:       d.Mac(),
		LWT:       d.LWT(),
		Online:    d.Online(),
		Version:   d.Version(true),
		Power:     d.Power(),
		Shutters:  d.ShutterPositions(),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	env := s.engine.Env()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"version":      s.version,
		"connected":    s.broker.Connected(),
		"devices":      len(env.Devices()),
		"pending_lwts": len(env.PendingLWTs()),
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.engine.Env().Devices()
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, snapshotDevice(d))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	d := s.engine.Env().DeviceByTopic(topic)
	if d == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	detail := deviceDetail{
		deviceView: snapshotDevice(d),
		Properties: d.Props(),
		Telemetry:  d.Telemetry(),
		History:    d.History(),
		Color:      d.ColorState(),
	}
	if bssid, ok := detail.Properties["Wifi_BSSId"].(string); ok {
		detail.AccessPoint = s.bssidAliases[bssid]
	}
	s.writeJSON(w, http.StatusOK, detail)
}

type deviceCommandRequest struct {
	Command string `json:"command"`
	Payload string `json:"payload"`
}

func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	d := s.engine.Env().DeviceByTopic(topic)
	if d == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}

	var req deviceCommandRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Command == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "command must not be empty"})
		return
	}

	if err := s.engine.Dispatcher().SendCommand(d, req.Command, req.Payload); err != nil {
		s.logger.Error("send command", "err", err, "topic", topic)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "publish failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	if d := s.engine.Env().RemoveDevice(topic); d == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type publishRequest struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
	QoS     byte   `json:"qos"`
	Retain  bool   `json:"retain"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Topic == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "topic must not be empty"})
		return
	}
	if req.QoS > 2 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "qos must be 0, 1 or 2"})
		return
	}

	if err := s.engine.Publish(req.Topic, []byte(req.Payload), req.QoS, req.Retain); err != nil {
		s.logger.Error("publish", "err", err, "topic", req.Topic)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "publish failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.Connect(); err != nil {
		s.logger.Error("broker connect", "err", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.broker.Disconnect()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
