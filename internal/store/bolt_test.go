package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDeviceRoundTrip(t *testing.T) {
	s := newTestStore(t)

	rec := &DeviceRecord{
		Mac:        "DC:4F:22:11:22:33",
		Topic:      "sonoff-kitchen",
		FullTopic:  "%prefix%/%topic%/",
		DeviceName: "Kitchen",
		History:    []string{"POWER ON", "STATUS 0"},
	}
	if err := s.SaveDevice(rec); err != nil {
		t.Fatalf("SaveDevice: %v", err)
	}

	got, err := s.GetDevice("DC:4F:22:11:22:33")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if got.Topic != rec.Topic || got.FullTopic != rec.FullTopic || got.DeviceName != rec.DeviceName {
		t.Errorf("got %+v, want %+v", got, rec)
	}
	if !reflect.DeepEqual(got.History, rec.History) {
		t.Errorf("history = %v, want %v", got.History, rec.History)
	}

	// Colon and dash forms address the same record.
	got2, err := s.GetDevice("DC-4F-22-11-22-33")
	if err != nil {
		t.Fatalf("GetDevice dashed: %v", err)
	}
	if got2.Topic != rec.Topic {
		t.Errorf("dashed lookup topic = %q, want %q", got2.Topic, rec.Topic)
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDevice("00:00:00:00:00:01")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteDevice(t *testing.T) {
	s := newTestStore(t)

	rec := &DeviceRecord{Mac: "AA:BB:CC:00:11:22", Topic: "lamp"}
	if err := s.SaveDevice(rec); err != nil {
		t.Fatalf("SaveDevice: %v", err)
	}
	if err := s.DeleteDevice("AA:BB:CC:00:11:22"); err != nil {
		t.Fatalf("DeleteDevice: %v", err)
	}
	if _, err := s.GetDevice("AA:BB:CC:00:11:22"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err after delete = %v, want ErrNotFound", err)
	}
}

func TestListDevices(t *testing.T) {
	s := newTestStore(t)

	for i, topic := range []string{"one", "two", "three"} {
		rec := &DeviceRecord{Mac: fmt.Sprintf("AA:00:00:00:00:0%d", i), Topic: topic}
		if err := s.SaveDevice(rec); err != nil {
			t.Fatalf("SaveDevice %s: %v", topic, err)
		}
	}

	devices, err := s.ListDevices()
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 3 {
		t.Errorf("len = %d, want 3", len(devices))
	}
}

func TestSaveDeviceOverwrites(t *testing.T) {
	s := newTestStore(t)

	rec := &DeviceRecord{Mac: "AA:BB:CC:DD:EE:FF", Topic: "old", History: []string{"a"}}
	if err := s.SaveDevice(rec); err != nil {
		t.Fatalf("SaveDevice: %v", err)
	}
	rec.Topic = "new"
	rec.History = nil
	if err := s.SaveDevice(rec); err != nil {
		t.Fatalf("SaveDevice overwrite: %v", err)
	}

	got, err := s.GetDevice("AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if got.Topic != "new" {
		t.Errorf("topic = %q, want new", got.Topic)
	}
	if len(got.History) != 0 {
		t.Errorf("history = %v, want empty", got.History)
	}
}

func TestViews(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveView("Power", []string{"Topic", "POWER", "POWER2"}); err != nil {
		t.Fatalf("SaveView: %v", err)
	}
	cols, err := s.GetView("Power")
	if err != nil {
		t.Fatalf("GetView: %v", err)
	}
	if !reflect.DeepEqual(cols, []string{"Topic", "POWER", "POWER2"}) {
		t.Errorf("columns = %v", cols)
	}

	if err := s.SaveViewsOrder([]string{"Power", "Wifi"}); err != nil {
		t.Fatalf("SaveViewsOrder: %v", err)
	}
	order, err := s.ViewsOrder()
	if err != nil {
		t.Fatalf("ViewsOrder: %v", err)
	}
	if !reflect.DeepEqual(order, []string{"Power", "Wifi"}) {
		t.Errorf("order = %v", order)
	}

	// Deleting a view drops it from the order too.
	if err := s.DeleteView("Power"); err != nil {
		t.Fatalf("DeleteView: %v", err)
	}
	if _, err := s.GetView("Power"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetView after delete = %v, want ErrNotFound", err)
	}
	order, err = s.ViewsOrder()
	if err != nil {
		t.Fatalf("ViewsOrder after delete: %v", err)
	}
	if !reflect.DeepEqual(order, []string{"Wifi"}) {
		t.Errorf("order after delete = %v", order)
	}
}

func TestWindowGeometry(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.WindowGeometry(); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty geometry err = %v, want ErrNotFound", err)
	}

	blob := []byte{0x01, 0xd9, 0x00, 0x42}
	if err := s.SaveWindowGeometry(blob); err != nil {
		t.Fatalf("SaveWindowGeometry: %v", err)
	}
	got, err := s.WindowGeometry()
	if err != nil {
		t.Fatalf("WindowGeometry: %v", err)
	}
	if !reflect.DeepEqual(got, blob) {
		t.Errorf("geometry = %v, want %v", got, blob)
	}
}

func TestNormalizeMac(t *testing.T) {
	if got := NormalizeMac("DC:4F:22:AA:BB:CC"); got != "DC-4F-22-AA-BB-CC" {
		t.Errorf("NormalizeMac = %q", got)
	}
	if got := NormalizeMac("DC-4F-22-AA-BB-CC"); got != "DC-4F-22-AA-BB-CC" {
		t.Errorf("NormalizeMac dashed = %q", got)
	}
}
