// Package schema declares typed views over Tasmota JSON replies, one per
// recognized endpoint. Unknown fields are allowed and carried through to the
// property merge; they are logged once at debug level. Telemetry payloads
// (SENSOR, STATUS8, STATUS10) are intentionally schemaless and not handled
// here.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"strings"
	"sync"
)

// ErrUnknownEndpoint is returned for endpoints without a registered schema.
var ErrUnknownEndpoint = errors.New("no schema for endpoint")

// Reply is a validated, parsed device reply.
type Reply struct {
	// Endpoint is the registry key the reply was parsed for (e.g. "STATUS5").
	Endpoint string
	// Name is the schema name (e.g. "StatusNET").
	Name string
	// Model is a pointer to the typed view (*StatusNET, *State, ...).
	Model any
	// Props holds every top-level field of the validated object, extras
	// included, ready for a bulk property merge.
	Props map[string]any
}

type entry struct {
	name    string
	wrapper string // top-level key holding the object, "" when the payload is the object
	model   func() any
	known   map[string]struct{}
}

var registry = map[string]*entry{}

func register(endpoint, name, wrapper string, model func() any) {
	registry[endpoint] = &entry{
		name:    name,
		wrapper: wrapper,
		model:   model,
		known:   knownFields(reflect.TypeOf(model()).Elem()),
	}
}

// knownFields collects the JSON keys a struct declares.
func knownFields(t reflect.Type) map[string]struct{} {
	known := make(map[string]struct{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		if c := strings.IndexByte(tag, ','); c >= 0 {
			tag = tag[:c]
		}
		known[tag] = struct{}{}
	}
	return known
}

// Handles reports whether endpoint has a registered status schema.
func Handles(endpoint string) bool {
	_, ok := registry[endpoint]
	return ok
}

// indexedKey matches per-index keys that are expected to vary by device
// configuration and should not be reported as unknown.
var indexedKey = regexp.MustCompile(`^(POWER|Channel|Shutter|PWM|FriendlyName)\d*$`)

var (
	unknownMu     sync.Mutex
	unknownLogged = map[string]struct{}{}
)

func logUnknown(ent *entry, props map[string]any) {
	for k := range props {
		if _, ok := ent.known[k]; ok || indexedKey.MatchString(k) {
			continue
		}
		unknownMu.Lock()
		_, seen := unknownLogged[ent.name+"."+k]
		if !seen {
			unknownLogged[ent.name+"."+k] = struct{}{}
		}
		unknownMu.Unlock()
		if !seen {
			slog.Debug("unknown reply field", "schema", ent.name, "field", k)
		}
	}
}

// Parse validates payload against the schema registered for endpoint and
// returns the typed view plus the flat property map. A validation failure
// returns an error naming the endpoint; the caller logs it and leaves device
// state untouched.
func Parse(endpoint string, payload []byte) (*Reply, error) {
	ent, ok := registry[endpoint]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(payload, &top); err != nil {
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}

	raw := json.RawMessage(payload)
	if ent.wrapper != "" {
		inner, ok := top[ent.wrapper]
		if !ok {
			return nil, fmt.Errorf("%s: missing %q object", endpoint, ent.wrapper)
		}
		raw = inner
	}

	model := ent.model()
	if err := json.Unmarshal(raw, model); err != nil {
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}

	var props map[string]any
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}
	logUnknown(ent, props)

	return &Reply{Endpoint: endpoint, Name: ent.name, Model: model, Props: props}, nil
}

// FromMap re-decodes a generic JSON map into a typed view.
func FromMap[T any](m map[string]any) (*T, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

func init() {
	register("STATUS", "Status", "Status", func() any { return new(Status) })
	register("STATUS1", "StatusPRM", "StatusPRM", func() any { return new(StatusPRM) })
	register("STATUS2", "StatusFWR", "StatusFWR", func() any { return new(StatusFWR) })
	register("STATUS3", "StatusLOG", "StatusLOG", func() any { return new(StatusLOG) })
	register("STATUS4", "StatusMEM", "StatusMEM", func() any { return new(StatusMEM) })
	register("STATUS5", "StatusNET", "StatusNET", func() any { return new(StatusNET) })
	register("STATUS6", "StatusMQT", "StatusMQT", func() any { return new(StatusMQT) })
	register("STATUS7", "StatusTIM", "StatusTIM", func() any { return new(StatusTIM) })
	register("STATUS9", "StatusPTH", "StatusPTH", func() any { return new(StatusPTH) })
	register("STATUS11", "StatusSTS", "StatusSTS", func() any { return new(State) })
	register("STATUS12", "StatusSTK", "StatusSTK", func() any { return new(StatusSTK) })
	register("STATE", "State", "", func() any { return new(State) })
}
