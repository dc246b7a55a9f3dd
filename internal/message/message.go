// Package message wraps raw broker traffic in the envelope the engine
// routes: topic, payload bytes, retained flag and arrival time, with a lazy
// JSON view over the payload.
package message

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"tasmota-fleet/internal/topics"
)

// Message is a single inbound MQTT message. Immutable after construction
// except for Prefix, which MatchFullTopic fills on a successful match.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
	Time     time.Time

	// Prefix is the matched %prefix% capture, set by MatchFullTopic.
	Prefix string

	dict     map[string]any
	dictOnce bool
}

// New builds a Message stamped with the current time.
func New(topic string, payload []byte, retained bool) *Message {
	return &Message{Topic: topic, Payload: payload, Retained: retained, Time: time.Now()}
}

// Endpoint returns the final topic segment (RESULT, LWT, STATUS11, ...).
func (m *Message) Endpoint() string {
	if i := strings.LastIndexByte(m.Topic, '/'); i >= 0 {
		return m.Topic[i+1:]
	}
	return m.Topic
}

// IsLWT reports whether the message is a last-will liveness update.
func (m *Message) IsLWT() bool { return m.Endpoint() == "LWT" }

// IsResult reports whether the message is a command reply.
func (m *Message) IsResult() bool { return m.Endpoint() == "RESULT" }

// Dict returns the parsed JSON object of the payload, memoized. Payloads
// that do not start with '{' or fail to parse yield an empty map; parse
// failures are logged, never surfaced.
func (m *Message) Dict() map[string]any {
	if m.dictOnce {
		return m.dict
	}
	m.dictOnce = true
	m.dict = map[string]any{}
	trimmed := bytes.TrimSpace(m.Payload)
	if !bytes.HasPrefix(trimmed, []byte("{")) {
		return m.dict
	}
	if err := json.Unmarshal(trimmed, &m.dict); err != nil {
		slog.Debug("message payload parse failed", "topic", m.Topic, "err", err)
		m.dict = map[string]any{}
	}
	return m.dict
}

// FirstKey returns the first key of the parsed payload object, preserving
// payload order, or "" when the payload is not an object.
func (m *Message) FirstKey() string {
	if len(m.Dict()) == 0 {
		return ""
	}
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(m.Payload)))
	if _, err := dec.Token(); err != nil { // consume '{'
		return ""
	}
	tok, err := dec.Token()
	if err != nil {
		return ""
	}
	if k, ok := tok.(string); ok {
		return k
	}
	return ""
}

// MatchFullTopic tests the message topic against a device template and, on
// success, records the captured prefix on the message.
func (m *Message) MatchFullTopic(t *topics.Template) bool {
	prefix, _, ok := t.Match(m.Topic)
	if !ok {
		return false
	}
	m.Prefix = prefix
	return true
}
