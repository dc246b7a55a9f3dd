package schema

import (
	"encoding/json"
	"fmt"
)

// Status is the STATUS reply root object.
type Status struct {
	Module       int      `json:"Module"`
	DeviceName   string   `json:"DeviceName"`
	FriendlyName []string `json:"FriendlyName"`
	Topic        string   `json:"Topic"`
	ButtonTopic  string   `json:"ButtonTopic"`
	Power        any      `json:"Power"` // int on older firmware, bitmask string on newer
	PowerOnState int      `json:"PowerOnState"`
	LedState     int      `json:"LedState"`
	LedMask      string   `json:"LedMask"`
	SaveData     int      `json:"SaveData"`
	SaveState    int      `json:"SaveState"`
	SwitchTopic  string   `json:"SwitchTopic"`
	SwitchMode   []int    `json:"SwitchMode"`
	ButtonRetain int      `json:"ButtonRetain"`
	SwitchRetain int      `json:"SwitchRetain"`
	SensorRetain int      `json:"SensorRetain"`
	PowerRetain  int      `json:"PowerRetain"`
	InfoRetain   int      `json:"InfoRetain"`
	StateRetain  int      `json:"StateRetain"`
}

// StatusPRM is the STATUS1 parameters reply.
type StatusPRM struct {
	Baudrate      int    `json:"Baudrate"`
	SerialConfig  string `json:"SerialConfig"`
	GroupTopic    string `json:"GroupTopic"`
	OtaURL        string `json:"OtaUrl"`
	RestartReason string `json:"RestartReason"`
	Uptime        string `json:"Uptime"`
	StartupUTC    string `json:"StartupUTC"`
	Sleep         int    `json:"Sleep"`
	CfgHolder     int    `json:"CfgHolder"`
	BootCount     int    `json:"BootCount"`
	BCResetTime   string `json:"BCResetTime"`
	SaveCount     int    `json:"SaveCount"`
	SaveAddress   string `json:"SaveAddress"`
}

// StatusFWR is the STATUS2 firmware reply.
type StatusFWR struct {
	Version       string `json:"Version"`
	BuildDateTime string `json:"BuildDateTime"`
	Boot          int    `json:"Boot"`
	Core          string `json:"Core"`
	SDK           string `json:"SDK"`
	CPUFrequency  int    `json:"CpuFrequency"`
	Hardware      string `json:"Hardware"`
	CR            string `json:"CR"`
}

// StatusLOG is the STATUS3 logging/setoption reply. SetOption carries the
// packed option registers as hex strings.
type StatusLOG struct {
	SerialLog  int      `json:"SerialLog"`
	WebLog     int      `json:"WebLog"`
	MqttLog    int      `json:"MqttLog"`
	SysLog     int      `json:"SysLog"`
	LogHost    string   `json:"LogHost"`
	LogPort    int      `json:"LogPort"`
	SSID       []string `json:"SSId"`
	TelePeriod int      `json:"TelePeriod"`
	Resolution string   `json:"Resolution"`
	SetOption  []string `json:"SetOption"`
}

// StatusMEM is the STATUS4 memory reply.
type StatusMEM struct {
	ProgramSize      int      `json:"ProgramSize"`
	Free             int      `json:"Free"`
	Heap             int      `json:"Heap"`
	ProgramFlashSize int      `json:"ProgramFlashSize"`
	FlashSize        int      `json:"FlashSize"`
	FlashChipID      string   `json:"FlashChipId"`
	FlashFrequency   int      `json:"FlashFrequency"`
	FlashMode        any      `json:"FlashMode"`
	Features         []string `json:"Features"`
	Drivers          string   `json:"Drivers"`
	Sensors          string   `json:"Sensors"`
}

// Ethernet is the optional wired interface block of STATUS5.
type Ethernet struct {
	Hostname   string `json:"Hostname"`
	IPAddress  string `json:"IPAddress"`
	Gateway    string `json:"Gateway"`
	Subnetmask string `json:"Subnetmask"`
	DNSServer  string `json:"DNSServer"`
	Mac        string `json:"Mac"`
}

// StatusNET is the STATUS5 network reply.
type StatusNET struct {
	Hostname   string    `json:"Hostname"`
	IPAddress  string    `json:"IPAddress"`
	Gateway    string    `json:"Gateway"`
	Subnetmask string    `json:"Subnetmask"`
	DNSServer  string    `json:"DNSServer"`
	DNSServer1 string    `json:"DNSServer1"`
	DNSServer2 string    `json:"DNSServer2"`
	Mac        string    `json:"Mac"`
	Webserver  int       `json:"Webserver"`
	HTTPAPI    int       `json:"HTTP_API"`
	WifiConfig int       `json:"WifiConfig"`
	WifiPower  float64   `json:"WifiPower"`
	Ethernet   *Ethernet `json:"Ethernet,omitempty"`
}

// StatusMQT is the STATUS6 MQTT reply.
type StatusMQT struct {
	MqttHost       string `json:"MqttHost"`
	MqttPort       int    `json:"MqttPort"`
	MqttClientMask string `json:"MqttClientMask"`
	MqttClient     string `json:"MqttClient"`
	MqttUser       string `json:"MqttUser"`
	MqttCount      int    `json:"MqttCount"`
	MaxPacketSize  int    `json:"MAX_PACKET_SIZE"`
	KeepAlive      int    `json:"KEEPALIVE"`
	SocketTimeout  int    `json:"SOCKET_TIMEOUT"`
}

// StatusTIM is the STATUS7 time reply.
type StatusTIM struct {
	UTC      string `json:"UTC"`
	Local    string `json:"Local"`
	StartDST string `json:"StartDST"`
	EndDST   string `json:"EndDST"`
	Timezone any    `json:"Timezone"` // int offset or "+HH:MM"
	Sunrise  string `json:"Sunrise"`
	Sunset   string `json:"Sunset"`
}

// StatusPTH is the STATUS9 power-threshold reply.
type StatusPTH struct {
	PowerDelta  any `json:"PowerDelta"` // int or per-phase array
	PowerLow    int `json:"PowerLow"`
	PowerHigh   int `json:"PowerHigh"`
	VoltageLow  int `json:"VoltageLow"`
	VoltageHigh int `json:"VoltageHigh"`
	CurrentLow  int `json:"CurrentLow"`
	CurrentHigh int `json:"CurrentHigh"`
}

// StatusSTK is the STATUS12 crash-dump reply.
type StatusSTK struct {
	Exception int    `json:"Exception"`
	Reason    string `json:"Reason"`
	EPC       []any  `json:"EPC"`
	EXCVADDR  string `json:"EXCVADDR"`
	DEPC      string `json:"DEPC"`
	CallChain []any  `json:"CallChain"`
}

// Wifi is the nested radio block of STATE/STATUS11 replies. The device
// flattens it one level during the property merge.
type Wifi struct {
	AP        int    `json:"AP"`
	SSID      string `json:"SSId"`
	BSSID     string `json:"BSSId"`
	Channel   any    `json:"Channel"`
	Mode      string `json:"Mode"`
	RSSI      int    `json:"RSSI"`
	Signal    int    `json:"Signal"`
	LinkCount int    `json:"LinkCount"`
	Downtime  string `json:"Downtime"`
}

// State is the periodic tele STATE object, also nested in STATUS11 as
// StatusSTS. Indexed actuator keys (POWERn, Channeln, ...) arrive as extras.
type State struct {
	Time      string  `json:"Time"`
	Uptime    string  `json:"Uptime"`
	UptimeSec int     `json:"UptimeSec"`
	Heap      int     `json:"Heap"`
	SleepMode string  `json:"SleepMode"`
	Sleep     int     `json:"Sleep"`
	LoadAvg   int     `json:"LoadAvg"`
	MqttCount int     `json:"MqttCount"`
	Power     string  `json:"POWER"`
	Dimmer    int     `json:"Dimmer"`
	Color     string  `json:"Color"`
	HSBColor  string  `json:"HSBColor"`
	White     int     `json:"White"`
	CT        int     `json:"CT"`
	Channel   []int   `json:"Channel"`
	Scheme    int     `json:"Scheme"`
	Fade      string  `json:"Fade"`
	Speed     int     `json:"Speed"`
	LedTable  string  `json:"LedTable"`
	Vcc       float64 `json:"Vcc"`
	Wifi      *Wifi   `json:"Wifi,omitempty"`
}

// TemplateReply is the result of the Template command.
type TemplateReply struct {
	Name string `json:"NAME"`
	GPIO []int  `json:"GPIO"`
	Flag int    `json:"FLAG"`
	Base int    `json:"BASE"`
}

// Rule is the nested shape of a Rule<n> reply on current firmware. Older
// firmware reports the same fields flat next to the rule key; the device
// merges those generically.
type Rule struct {
	State       string `json:"State"`
	Once        string `json:"Once"`
	StopOnError string `json:"StopOnError"`
	Length      int    `json:"Length"`
	Free        int    `json:"Free"`
	Rules       string `json:"Rules"`
}

// ShutterState is a Shutter<n> position block from STATE or RESULT replies.
type ShutterState struct {
	Position  int `json:"Position"`
	Direction int `json:"Direction"`
	Target    int `json:"Target"`
	Tilt      int `json:"Tilt"`
}

// PulseTimeEntry is one slot of a legacy PulseTime reply.
type PulseTimeEntry struct {
	Set       int `json:"Set"`
	Remaining int `json:"Remaining"`
}

// PulseTimeLegacy is the eight-numbered-fields shape of older firmware.
type PulseTimeLegacy struct {
	PulseTime1 *PulseTimeEntry `json:"PulseTime1"`
	PulseTime2 *PulseTimeEntry `json:"PulseTime2"`
	PulseTime3 *PulseTimeEntry `json:"PulseTime3"`
	PulseTime4 *PulseTimeEntry `json:"PulseTime4"`
	PulseTime5 *PulseTimeEntry `json:"PulseTime5"`
	PulseTime6 *PulseTimeEntry `json:"PulseTime6"`
	PulseTime7 *PulseTimeEntry `json:"PulseTime7"`
	PulseTime8 *PulseTimeEntry `json:"PulseTime8"`
}

// Entries returns the populated slots keyed by relay index.
func (p *PulseTimeLegacy) Entries() map[int]PulseTimeEntry {
	out := map[int]PulseTimeEntry{}
	for i, e := range []*PulseTimeEntry{
		p.PulseTime1, p.PulseTime2, p.PulseTime3, p.PulseTime4,
		p.PulseTime5, p.PulseTime6, p.PulseTime7, p.PulseTime8,
	} {
		if e != nil {
			out[i+1] = *e
		}
	}
	return out
}

// PulseTimeModern is the two-parallel-arrays shape of current firmware.
type PulseTimeModern struct {
	PulseTime struct {
		Set       []int `json:"Set"`
		Remaining []int `json:"Remaining"`
	} `json:"PulseTime"`
}

// Entries returns the slots keyed by relay index.
func (p *PulseTimeModern) Entries() map[int]PulseTimeEntry {
	out := make(map[int]PulseTimeEntry, len(p.PulseTime.Set))
	for i, set := range p.PulseTime.Set {
		e := PulseTimeEntry{Set: set}
		if i < len(p.PulseTime.Remaining) {
			e.Remaining = p.PulseTime.Remaining[i]
		}
		out[i+1] = e
	}
	return out
}

// ParsePulseTimeLegacy parses the numbered-fields shape.
func ParsePulseTimeLegacy(payload []byte) (*PulseTimeLegacy, error) {
	var p PulseTimeLegacy
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("PulseTime legacy: %w", err)
	}
	return &p, nil
}

// ParsePulseTimeModern parses the parallel-arrays shape.
func ParsePulseTimeModern(payload []byte) (*PulseTimeModern, error) {
	var p PulseTimeModern
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("PulseTime modern: %w", err)
	}
	return &p, nil
}

// Discovery is the native tasmota/discovery/<mac>/config broadcast.
type Discovery struct {
	IP           string         `json:"ip"`
	DeviceName   string         `json:"dn"`
	FriendlyName []string       `json:"fn"`
	Hostname     string         `json:"hn"`
	Mac          string         `json:"mac"`
	Module       string         `json:"md"`
	TuyaType     int            `json:"ty"`
	Interface    int            `json:"if"`
	OfflineMsg   string         `json:"ofln"`
	OnlineMsg    string         `json:"onln"`
	StateText    []string       `json:"state"`
	Software     string         `json:"sw"`
	Topic        string         `json:"t"`
	FullTopic    string         `json:"ft"`
	TopicPrefix  []string       `json:"tp"`
	Relays       []int          `json:"rl"`
	Switches     []int          `json:"swc"`
	SwitchNames  []string       `json:"swn"`
	Buttons      []int          `json:"btn"`
	SetOptions   map[string]int `json:"so"`
	Link         int            `json:"lk"`
	LightSubtype int            `json:"lt_st"`
	ShutterOpts  []int          `json:"sho"`
	Version      int            `json:"ver"`
}

// ParseDiscovery validates a native discovery config payload. Topic, MAC and
// FullTopic are mandatory; everything else is advisory.
func ParseDiscovery(payload []byte) (*Discovery, error) {
	var d Discovery
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("discovery config: %w", err)
	}
	if d.Topic == "" || d.Mac == "" || d.FullTopic == "" {
		return nil, fmt.Errorf("discovery config: missing topic, mac or fulltopic")
	}
	return &d, nil
}

// ParseTemplate parses a Template command reply.
func ParseTemplate(payload []byte) (*TemplateReply, error) {
	var t TemplateReply
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("template reply: %w", err)
	}
	return &t, nil
}
