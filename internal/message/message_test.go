package message

import (
	"testing"

	"tasmota-fleet/internal/topics"
)

func TestEndpoint(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"stat/lamp/RESULT", "RESULT"},
		{"tele/lamp/LWT", "LWT"},
		{"tele/lamp/STATUS11", "STATUS11"},
		{"bare", "bare"},
	}
	for _, tt := range tests {
		m := New(tt.topic, nil, false)
		if got := m.Endpoint(); got != tt.want {
			t.Errorf("Endpoint(%q) = %q, want %q", tt.topic, got, tt.want)
		}
	}
}

func TestIsLWTAndIsResult(t *testing.T) {
	if !New("tele/lamp/LWT", []byte("Online"), true).IsLWT() {
		t.Error("IsLWT = false")
	}
	if !New("stat/lamp/RESULT", []byte("{}"), false).IsResult() {
		t.Error("IsResult = false")
	}
	if New("tele/lamp/STATE", nil, false).IsLWT() {
		t.Error("STATE reported as LWT")
	}
}

func TestDict(t *testing.T) {
	m := New("stat/lamp/RESULT", []byte(`{"POWER":"ON","Dimmer":42}`), false)
	d := m.Dict()
	if d["POWER"] != "ON" {
		t.Errorf("POWER = %v", d["POWER"])
	}
	if d["Dimmer"] != float64(42) {
		t.Errorf("Dimmer = %v", d["Dimmer"])
	}

	// Memoized: repeated calls see the same content.
	if len(m.Dict()) != 2 {
		t.Error("second Dict() differs")
	}
}

func TestDictNonJSON(t *testing.T) {
	for _, payload := range []string{"Online", "22.5", "", "[1,2]", `{"broken":`} {
		m := New("t", []byte(payload), false)
		if len(m.Dict()) != 0 {
			t.Errorf("Dict(%q) = %v, want empty", payload, m.Dict())
		}
	}
}

func TestFirstKey(t *testing.T) {
	m := New("t", []byte(`{"PulseTime1":{"Set":30},"PulseTime2":{"Set":0}}`), false)
	if got := m.FirstKey(); got != "PulseTime1" {
		t.Errorf("FirstKey = %q", got)
	}

	m = New("t", []byte(`{"Set":[30,0],"Remaining":[25,0]}`), false)
	if got := m.FirstKey(); got != "Set" {
		t.Errorf("FirstKey = %q", got)
	}

	if got := New("t", []byte("Online"), false).FirstKey(); got != "" {
		t.Errorf("FirstKey non-object = %q", got)
	}
}

func TestMatchFullTopic(t *testing.T) {
	tpl, err := topics.Get("%prefix%/%topic%/")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	m := New("tele/lamp/STATE", []byte("{}"), false)
	if !m.MatchFullTopic(tpl) {
		t.Fatal("no match")
	}
	if m.Prefix != "tele" {
		t.Errorf("Prefix = %q", m.Prefix)
	}

	m = New("garbage", nil, false)
	if m.MatchFullTopic(tpl) {
		t.Error("matched garbage")
	}
	if m.Prefix != "" {
		t.Errorf("Prefix set on failed match: %q", m.Prefix)
	}
}
