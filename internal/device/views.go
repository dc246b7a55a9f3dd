package device

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const maxShutters = 8

var powerPattern = regexp.MustCompile(`^POWER(\d*)$`)

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}

// Power returns the relay map {index -> "ON"/"OFF"}, excluding relays
// consumed by configured shutters. A single POWER or POWER1 key surfaces as
// relay 1.
func (d *Device) Power() map[int]string {
	d.mu.RLock()
	relays := map[int]string{}
	for k, v := range d.props {
		m := powerPattern.FindStringSubmatch(k)
		if m == nil {
			continue
		}
		state, ok := v.(string)
		if !ok {
			continue
		}
		idx := 1
		if m[1] != "" {
			idx, _ = strconv.Atoi(m[1])
		}
		relays[idx] = state
	}
	d.mu.RUnlock()

	// A shutter claims its base relay and the next one.
	for _, relay := range d.ShutterRelays() {
		delete(relays, relay)
		delete(relays, relay+1)
	}
	return relays
}

// PowerIndices returns the surfaced relay indices, sorted.
func (d *Device) PowerIndices() []int {
	power := d.Power()
	out := make([]int, 0, len(power))
	for idx := range power {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// ShutterRelays maps shutter index to its configured base relay; shutters
// with ShutterRelay 0 are unconfigured and omitted.
func (d *Device) ShutterRelays() map[int]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := map[int]int{}
	for i := 1; i <= maxShutters; i++ {
		if relay, ok := asInt(d.props["ShutterRelay"+strconv.Itoa(i)]); ok && relay > 0 {
			out[i] = relay
		}
	}
	return out
}

// Shutter is the derived view of one configured shutter.
type Shutter struct {
	Relay     int `json:"relay"`
	Position  int `json:"position"`
	Direction int `json:"direction"`
	Target    int `json:"target"`
	Tilt      int `json:"tilt"`
}

// Shutters returns the derived state of every configured shutter.
func (d *Device) Shutters() map[int]Shutter {
	relays := d.ShutterRelays()
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[int]Shutter, len(relays))
	for i, relay := range relays {
		s := Shutter{Relay: relay}
		if block, ok := d.props["Shutter"+strconv.Itoa(i)].(map[string]any); ok {
			if v, ok := asInt(block["Position"]); ok {
				s.Position = v
			}
			if v, ok := asInt(block["Direction"]); ok {
				s.Direction = v
			}
			if v, ok := asInt(block["Target"]); ok {
				s.Target = v
			}
			if v, ok := asInt(block["Tilt"]); ok {
				s.Tilt = v
			}
		} else if pos, ok := asInt(d.props["ShutterPosition"+strconv.Itoa(i)]); ok {
			s.Position = pos
			s.Target = pos
		}
		out[i] = s
	}
	return out
}

// ShutterPositions returns {shutter index -> position 0..100}.
func (d *Device) ShutterPositions() map[int]int {
	shutters := d.Shutters()
	out := make(map[int]int, len(shutters))
	for i, s := range shutters {
		out[i] = s.Position
	}
	return out
}

// Color aggregates the light state: color channels, dimmers, color
// temperature, per-channel PWM and the three light-behavior SetOptions.
type Color struct {
	Color    string      `json:"color,omitempty"`
	HSBColor string      `json:"hsbcolor,omitempty"`
	Dimmer   int         `json:"dimmer"`
	White    int         `json:"white,omitempty"`
	CT       int         `json:"ct,omitempty"`
	Channel  []int       `json:"channel,omitempty"`
	PWM      map[int]int `json:"pwm,omitempty"`
	SO15     int         `json:"setoption15"`
	SO17     int         `json:"setoption17"`
	SO68     int         `json:"setoption68"`
}

var pwmPattern = regexp.MustCompile(`^PWM(\d+)$`)

// ColorState returns the aggregated light view.
func (d *Device) ColorState() Color {
	c := Color{
		SO15: d.SetOption(15),
		SO17: d.SetOption(17),
		SO68: d.SetOption(68),
		PWM:  map[int]int{},
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if s, ok := d.props["Color"].(string); ok {
		c.Color = s
	}
	if s, ok := d.props["HSBColor"].(string); ok {
		c.HSBColor = s
	}
	if v, ok := asInt(d.props["Dimmer"]); ok {
		c.Dimmer = v
	}
	if v, ok := asInt(d.props["White"]); ok {
		c.White = v
	}
	if v, ok := asInt(d.props["CT"]); ok {
		c.CT = v
	}
	if ch, ok := d.props["Channel"].([]any); ok {
		for _, v := range ch {
			if n, ok := asInt(v); ok {
				c.Channel = append(c.Channel, n)
			}
		}
	}
	for k, v := range d.props {
		m := pwmPattern.FindStringSubmatch(k)
		if m == nil {
			continue
		}
		if n, ok := asInt(v); ok {
			idx, _ := strconv.Atoi(m[1])
			c.PWM[idx] = n
		}
	}
	return c
}

// SetOption decodes option n from the packed SetOption registers. Registers
// 0, 2 and 3 hold bits (shifted by n-50 past register 0); register 1 holds
// nibble-pair bytes. Returns -1 when the register is absent.
func (d *Device) SetOption(n int) int {
	if n < 0 || n > 127 {
		return -1
	}
	var reg int
	switch {
	case n < 32:
		reg = 0
	case n < 50:
		reg = 1
	case n < 82:
		reg = 2
	default:
		reg = 3
	}

	d.mu.RLock()
	registers, _ := d.props["SetOption"].([]any)
	d.mu.RUnlock()
	if reg >= len(registers) {
		return -1
	}
	raw, ok := registers[reg].(string)
	if !ok {
		return -1
	}

	if reg == 1 {
		pos := (n - 32) * 2
		if pos+2 > len(raw) {
			return -1
		}
		b, err := strconv.ParseUint(raw[pos:pos+2], 16, 8)
		if err != nil {
			return -1
		}
		return int(b)
	}

	value, err := strconv.ParseUint(raw, 16, 64)
	if err != nil {
		return -1
	}
	shift := n
	if reg > 0 {
		shift = n - 50
	}
	return int(value >> uint(shift) & 1)
}

// Version returns the firmware version string; the short form strips the
// parenthesized build suffix.
func (d *Device) Version(short bool) string {
	v, _ := d.Prop("Version").(string)
	if short {
		if i := strings.IndexByte(v, '('); i >= 0 {
			v = v[:i]
		}
	}
	return v
}
