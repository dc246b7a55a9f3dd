package schema

import (
	"errors"
	"testing"
)

func TestHandles(t *testing.T) {
	for _, ep := range []string{"STATUS", "STATUS1", "STATUS5", "STATUS11", "STATE"} {
		if !Handles(ep) {
			t.Errorf("Handles(%s) = false", ep)
		}
	}
	// Telemetry endpoints carry free-form sensor payloads.
	for _, ep := range []string{"STATUS8", "STATUS10", "SENSOR", "LWT"} {
		if Handles(ep) {
			t.Errorf("Handles(%s) = true", ep)
		}
	}
}

func TestParseStatus(t *testing.T) {
	payload := []byte(`{"Status":{"Module":1,"DeviceName":"Lamp","FriendlyName":["Lamp"],"Topic":"lamp","Power":1,"LedState":1}}`)
	r, err := Parse("STATUS", payload)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	st, ok := r.Model.(*Status)
	if !ok {
		t.Fatalf("Model type %T", r.Model)
	}
	if st.Module != 1 || st.DeviceName != "Lamp" || st.Topic != "lamp" {
		t.Errorf("model = %+v", st)
	}
	if r.Props["Topic"] != "lamp" {
		t.Errorf("Props[Topic] = %v", r.Props["Topic"])
	}
	if r.Name != "Status" {
		t.Errorf("Name = %q", r.Name)
	}
}

func TestParseMissingWrapper(t *testing.T) {
	_, err := Parse("STATUS5", []byte(`{"Other":{}}`))
	if err == nil {
		t.Fatal("expected error for missing wrapper object")
	}
}

func TestParseUnknownEndpoint(t *testing.T) {
	_, err := Parse("SENSOR", []byte(`{}`))
	if !errors.Is(err, ErrUnknownEndpoint) {
		t.Errorf("err = %v, want ErrUnknownEndpoint", err)
	}
}

func TestParseTypeMismatch(t *testing.T) {
	// Module must be a number.
	_, err := Parse("STATUS", []byte(`{"Status":{"Module":"not-a-number"}}`))
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestParseStateExtras(t *testing.T) {
	payload := []byte(`{"Time":"2024-01-01T10:00:00","Uptime":"1T00:00:00","POWER":"ON","POWER2":"OFF","Dimmer":50,"Wifi":{"AP":1,"SSId":"net","BSSId":"AA:BB:CC:DD:EE:FF","RSSI":70}}`)
	r, err := Parse("STATE", payload)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	st := r.Model.(*State)
	if st.Power != "ON" || st.Dimmer != 50 {
		t.Errorf("model = %+v", st)
	}
	if st.Wifi == nil || st.Wifi.SSID != "net" {
		t.Errorf("wifi = %+v", st.Wifi)
	}
	// Indexed extras survive in Props for the merge.
	if r.Props["POWER2"] != "OFF" {
		t.Errorf("Props[POWER2] = %v", r.Props["POWER2"])
	}
}

func TestParseStatus11Wrapped(t *testing.T) {
	payload := []byte(`{"StatusSTS":{"Time":"2024-01-01T10:00:00","POWER":"ON"}}`)
	r, err := Parse("STATUS11", payload)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if r.Model.(*State).Power != "ON" {
		t.Errorf("model = %+v", r.Model)
	}
}

func TestParseStatusNETEthernet(t *testing.T) {
	payload := []byte(`{"StatusNET":{"Hostname":"lamp","IPAddress":"10.0.0.5","Mac":"DC:4F:22:11:22:33","Ethernet":{"Hostname":"lamp-eth","IPAddress":"10.0.0.6","Mac":"DC:4F:22:11:22:34"}}}`)
	r, err := Parse("STATUS5", payload)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	net := r.Model.(*StatusNET)
	if net.Mac != "DC:4F:22:11:22:33" {
		t.Errorf("Mac = %q", net.Mac)
	}
	if net.Ethernet == nil || net.Ethernet.IPAddress != "10.0.0.6" {
		t.Errorf("Ethernet = %+v", net.Ethernet)
	}
}

func TestParseStatusLOGSetOption(t *testing.T) {
	payload := []byte(`{"StatusLOG":{"SerialLog":2,"WebLog":2,"SetOption":["00008009","2805C80001000600003C5A0A192800000000","00000080","00006000","00004000"]}}`)
	r, err := Parse("STATUS3", payload)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	lg := r.Model.(*StatusLOG)
	if len(lg.SetOption) != 5 {
		t.Errorf("SetOption = %v", lg.SetOption)
	}
}

func TestPulseTimeLegacyEntries(t *testing.T) {
	p, err := ParsePulseTimeLegacy([]byte(`{"PulseTime1":{"Set":30,"Remaining":25},"PulseTime2":{"Set":0,"Remaining":0}}`))
	if err != nil {
		t.Fatalf("ParsePulseTimeLegacy: %v", err)
	}
	entries := p.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %v", entries)
	}
	if entries[1].Set != 30 || entries[1].Remaining != 25 {
		t.Errorf("slot 1 = %+v", entries[1])
	}
}

func TestPulseTimeModernEntries(t *testing.T) {
	p, err := ParsePulseTimeModern([]byte(`{"PulseTime":{"Set":[30,0,0,0,0,0,0,0],"Remaining":[25,0,0,0,0,0,0,0]}}`))
	if err != nil {
		t.Fatalf("ParsePulseTimeModern: %v", err)
	}
	entries := p.Entries()
	if len(entries) != 8 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[1].Set != 30 || entries[1].Remaining != 25 {
		t.Errorf("slot 1 = %+v", entries[1])
	}
	if entries[8].Set != 0 {
		t.Errorf("slot 8 = %+v", entries[8])
	}
}

func TestParseDiscovery(t *testing.T) {
	payload := []byte(`{"ip":"10.0.0.5","dn":"Lamp","fn":["Lamp",null],"mac":"DC4F22112233","md":"Sonoff Basic","ofln":"Offline","onln":"Online","t":"lamp","ft":"%prefix%/%topic%/","tp":["cmnd","stat","tele"],"rl":[1],"ver":1}`)
	d, err := ParseDiscovery(payload)
	if err != nil {
		t.Fatalf("ParseDiscovery: %v", err)
	}
	if d.Topic != "lamp" || d.Mac != "DC4F22112233" || d.FullTopic != "%prefix%/%topic%/" {
		t.Errorf("discovery = %+v", d)
	}
	if len(d.TopicPrefix) != 3 || d.TopicPrefix[2] != "tele" {
		t.Errorf("TopicPrefix = %v", d.TopicPrefix)
	}
}

func TestParseDiscoveryMissingFields(t *testing.T) {
	for _, payload := range []string{
		`{"mac":"DC4F22112233","ft":"%prefix%/%topic%/"}`,
		`{"t":"lamp","ft":"%prefix%/%topic%/"}`,
		`{"t":"lamp","mac":"DC4F22112233"}`,
	} {
		if _, err := ParseDiscovery([]byte(payload)); err == nil {
			t.Errorf("no error for %s", payload)
		}
	}
}

func TestParseTemplate(t *testing.T) {
	tr, err := ParseTemplate([]byte(`{"NAME":"Sonoff Basic","GPIO":[17,255,255,255,255,0,0,0,21,56,255,0,0],"FLAG":0,"BASE":1}`))
	if err != nil {
		t.Fatalf("ParseTemplate: %v", err)
	}
	if tr.Name != "Sonoff Basic" || tr.Base != 1 || len(tr.GPIO) != 13 {
		t.Errorf("template = %+v", tr)
	}
}

func TestFromMap(t *testing.T) {
	rule, err := FromMap[Rule](map[string]any{
		"State": "ON", "Once": "OFF", "Length": 42, "Rules": "on Power1#state do ...",
	})
	if err != nil {
		t.Fatalf("FromMap: %v", err)
	}
	if rule.State != "ON" || rule.Length != 42 {
		t.Errorf("rule = %+v", rule)
	}
}
