package store

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{
		Address:            "C0:11:22:33:44:55",
		GroupID:            1,
		ControlPointHandle: 0x0010,
		LastSeen:           time.Now().Truncate(time.Millisecond),
		Ases: []Ase{
			{ValueHandle: 0x0020, Direction: "sink", ID: 1, CodecFormat: 0x06, CodecConfig: []byte{0x02, 0x01, 0x08}, PresDelayMinUs: 20000},
			{ValueHandle: 0x0023, Direction: "source"},
		},
	}

	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice(dev.Address)
	if err != nil {
		t.Fatal(err)
	}

	if got.GroupID != 1 {
		t.Errorf("group = %d, want 1", got.GroupID)
	}
	if got.ControlPointHandle != 0x0010 {
		t.Errorf("control point = 0x%04X, want 0x0010", got.ControlPointHandle)
	}
	if len(got.Ases) != 2 {
		t.Fatalf("ases = %d, want 2", len(got.Ases))
	}
	if got.Ases[0].ID != 1 || got.Ases[0].CodecFormat != 0x06 {
		t.Errorf("ase[0] = %+v", got.Ases[0])
	}
	if !bytes.Equal(got.Ases[0].CodecConfig, dev.Ases[0].CodecConfig) {
		t.Errorf("codec config = %X, want %X", got.Ases[0].CodecConfig, dev.Ases[0].CodecConfig)
	}
	if got.Ases[1].Direction != "source" {
		t.Errorf("ase[1] direction = %q", got.Ases[1].Direction)
	}
	if !got.LastSeen.Equal(dev.LastSeen) {
		t.Errorf("last seen = %v, want %v", got.LastSeen, dev.LastSeen)
	}
}

func TestDeleteDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{Address: "C0:11:22:33:44:55", GroupID: 1}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteDevice(dev.Address); err != nil {
		t.Fatal(err)
	}

	_, err := s.GetDevice(dev.Address)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListDevices(t *testing.T) {
	s := newTestStore(t)

	addrs := []string{"C0:00:00:00:00:01", "C0:00:00:00:00:02", "C0:00:00:00:00:03"}
	for _, a := range addrs {
		if err := s.SaveDevice(&Device{Address: a, GroupID: 2}); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list count = %d, want 3", len(list))
	}

	found := make(map[string]bool)
	for _, d := range list {
		found[d.Address] = true
	}
	for _, a := range addrs {
		if !found[a] {
			t.Errorf("device %s not in list", a)
		}
	}
}

func TestUpdateDevice(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveDevice(&Device{Address: "C0:11:22:33:44:55", Ases: []Ase{{ValueHandle: 0x20, Direction: "sink"}}}); err != nil {
		t.Fatal(err)
	}
	err := s.UpdateDevice("C0:11:22:33:44:55", func(dev *Device) error {
		dev.Ases[0].ID = 3
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.GetDevice("C0:11:22:33:44:55")
	if err != nil {
		t.Fatal(err)
	}
	if got.Ases[0].ID != 3 {
		t.Errorf("ase id = %d, want 3", got.Ases[0].ID)
	}

	err = s.UpdateDevice("C0:FF:FF:FF:FF:FF", func(*Device) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing device err = %v, want ErrNotFound", err)
	}

	failure := errors.New("rejected")
	err = s.UpdateDevice("C0:11:22:33:44:55", func(dev *Device) error {
		dev.Ases[0].ID = 9
		return failure
	})
	if !errors.Is(err, failure) {
		t.Errorf("err = %v, want callback error", err)
	}
	got, _ = s.GetDevice("C0:11:22:33:44:55")
	if got.Ases[0].ID != 3 {
		t.Errorf("ase id = %d after failed update, want 3", got.Ases[0].ID)
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDevice("FF:FF:FF:FF:FF:FF")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGroups(t *testing.T) {
	s := newTestStore(t)

	g := &Group{ID: 7, Members: []string{"C0:00:00:00:00:01", "C0:00:00:00:00:02"}, LastContext: "media"}
	if err := s.SaveGroup(g); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveGroup(&Group{ID: 8}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetGroup(7)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Members) != 2 || got.LastContext != "media" {
		t.Errorf("group = %+v", got)
	}

	list, err := s.ListGroups()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Errorf("groups = %d, want 2", len(list))
	}

	if err := s.DeleteGroup(7); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetGroup(7); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted group err = %v, want ErrNotFound", err)
	}
}
