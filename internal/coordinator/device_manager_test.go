package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"leaudio-groupd/internal/ascs"
	"leaudio-groupd/internal/codec"
	"leaudio-groupd/internal/group"
	"leaudio-groupd/internal/hci"
	"leaudio-groupd/internal/iso"
	"leaudio-groupd/internal/statemachine"
	"leaudio-groupd/internal/store"
)

type gattWrite struct {
	conn   uint16
	handle uint16
	value  []byte
}

// fakeTransport records requests and lets tests deliver controller events.
type fakeTransport struct {
	mu          sync.Mutex
	writes      []gattWrite
	cigs        []iso.CigParams
	removedCigs []uint8
	disconnects []uint16

	onCigCreated      func(iso.CigCreatedEvent)
	onCigRemoved      func(iso.CigRemovedEvent)
	onDataPathSetup   func(iso.DataPathEvent)
	onDataPathRemoved func(iso.DataPathEvent)
	onCisEstablished  func(iso.CisEstablishedEvent)
	onDisconnected    func(iso.DisconnectedEvent)
	onConnection      func(hci.ConnectionCompleteEvent)
	onNotification    func(hci.NotificationEvent)
	onLinkQuality     func(iso.LinkQuality)
}

func (f *fakeTransport) WriteCharacteristic(conn, handle uint16, value []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, gattWrite{conn, handle, append([]byte(nil), value...)})
}

func (f *fakeTransport) CreateCig(p iso.CigParams) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cigs = append(f.cigs, p)
}

func (f *fakeTransport) RemoveCig(id uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedCigs = append(f.removedCigs, id)
}

func (f *fakeTransport) Disconnect(h uint16, _ uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, h)
}

func (f *fakeTransport) EstablishCis([]iso.CisConnPair) {}
func (f *fakeTransport) DisconnectCis(h uint16, reason uint8) { f.Disconnect(h, reason) }
func (f *fakeTransport) SetupIsoDataPath(uint16, iso.DataPathParams) {}
func (f *fakeTransport) RemoveIsoDataPath(uint16, uint8) {}
func (f *fakeTransport) ReadIsoLinkQuality(uint16) {}
func (f *fakeTransport) OnCigCreated(h func(iso.CigCreatedEvent)) { f.onCigCreated = h }
func (f *fakeTransport) OnCigRemoved(h func(iso.CigRemovedEvent)) { f.onCigRemoved = h }
func (f *fakeTransport) OnDataPathSetup(h func(iso.DataPathEvent)) { f.onDataPathSetup = h }
func (f *fakeTransport) OnDataPathRemoved(h func(iso.DataPathEvent)) { f.onDataPathRemoved = h }
func (f *fakeTransport) OnCisEstablished(h func(iso.CisEstablishedEvent)) { f.onCisEstablished = h }
func (f *fakeTransport) OnDisconnected(h func(iso.DisconnectedEvent)) { f.onDisconnected = h }
func (f *fakeTransport) OnConnection(h func(hci.ConnectionCompleteEvent)) { f.onConnection = h }
func (f *fakeTransport) OnNotification(h func(hci.NotificationEvent)) { f.onNotification = h }
func (f *fakeTransport) OnLinkQuality(h func(iso.LinkQuality)) { f.onLinkQuality = h }

// lastWrite returns the last control point write carrying op.
func (f *fakeTransport) lastWrite(op uint8) (gattWrite, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.writes) - 1; i >= 0; i-- {
		if len(f.writes[i].value) > 0 && f.writes[i].value[0] == op {
			return f.writes[i], true
		}
	}
	return gattWrite{}, false
}

func (f *fakeTransport) cigCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cigs)
}

const (
	testAddr = "C0:00:00:00:00:01"
	testConn = 0x0040
	testCtp  = 0x0010
	testAse  = 0x0020
)

func testConfig() Config {
	return Config{
		Engine: statemachine.DefaultConfig(),
		Groups: []GroupConfig{{
			ID: 1,
			Devices: []DeviceConfig{{
				Address:      testAddr,
				ControlPoint: testCtp,
				Ases:         []AseConfig{{Handle: testAse, Direction: ascs.DirectionSink, ID: 1}},
			}},
		}},
	}
}

type coordHarness struct {
	t      *testing.T
	c      *Coordinator
	tr     *fakeTransport
	st     *store.BoltStore
	events chan Event
}

func newTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newCoordHarness(t *testing.T, cfg Config, st *store.BoltStore) *coordHarness {
	t.Helper()
	if st == nil {
		st = newTestStore(t)
	}
	tr := &fakeTransport{}
	bus := NewEventBus(newTestLogger())
	c := New(tr, st, codec.NewSelector(nil, newTestLogger()), bus, cfg, newTestLogger())
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}

	h := &coordHarness{t: t, c: c, tr: tr, st: st, events: make(chan Event, 64)}
	bus.OnAll(func(e Event) {
		select {
		case h.events <- e:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *coordHarness) waitEvent(typ string) Event {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-h.events:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			h.t.Fatalf("no %s event", typ)
		}
	}
}

func (h *coordHarness) waitWrite(op uint8) gattWrite {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w, ok := h.tr.lastWrite(op); ok {
			return w
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("no %s write", ascs.OpName(op))
	return gattWrite{}
}

// sync waits until every task posted so far has run.
func (h *coordHarness) sync() {
	h.t.Helper()
	if err := h.c.loop.Do(context.Background(), func() {}); err != nil {
		h.t.Fatal(err)
	}
}

func (h *coordHarness) connect() {
	h.t.Helper()
	h.tr.onConnection(hci.ConnectionCompleteEvent{ConnHandle: testConn, Address: testAddr})
	h.waitEvent(EventDeviceConnected)
}

func (h *coordHarness) snapshot() *GroupSnapshot {
	h.t.Helper()
	s, err := h.c.Group(context.Background(), 1)
	if err != nil {
		h.t.Fatal(err)
	}
	return s
}

func TestStartStreamUnknownGroup(t *testing.T) {
	h := newCoordHarness(t, testConfig(), nil)
	err := h.c.StartStream(context.Background(), 9, group.ContextMedia, -1)
	if !errors.Is(err, ErrUnknownGroup) {
		t.Errorf("err = %v, want ErrUnknownGroup", err)
	}
	if _, err := h.c.Group(context.Background(), 9); !errors.Is(err, ErrUnknownGroup) {
		t.Errorf("snapshot err = %v, want ErrUnknownGroup", err)
	}
}

func TestStartStreamRejectedWithoutConnection(t *testing.T) {
	h := newCoordHarness(t, testConfig(), nil)
	err := h.c.StartStream(context.Background(), 1, group.ContextMedia, -1)
	if !errors.Is(err, ErrRejected) {
		t.Errorf("err = %v, want ErrRejected", err)
	}
}

func TestConnectionBindsDevice(t *testing.T) {
	h := newCoordHarness(t, testConfig(), nil)
	h.connect()

	s := h.snapshot()
	if len(s.Devices) != 1 || !s.Devices[0].Connected || s.Devices[0].ConnHandle != testConn {
		t.Errorf("devices = %+v", s.Devices)
	}

	h.tr.onConnection(hci.ConnectionCompleteEvent{ConnHandle: 0x41, Address: "C0:FF:FF:FF:FF:FF"})
	h.sync()
	groups, err := h.c.Groups(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || len(groups[0].Devices) != 1 {
		t.Errorf("non-member connection changed groups: %+v", groups)
	}
}

func TestStartStreamRoutesNotifications(t *testing.T) {
	h := newCoordHarness(t, testConfig(), nil)
	h.connect()

	if err := h.c.StartStream(context.Background(), 1, group.ContextMedia, -1); err != nil {
		t.Fatal(err)
	}
	w := h.waitWrite(ascs.OpConfigCodec)
	if w.conn != testConn || w.handle != testCtp || w.value[2] != 1 {
		t.Fatalf("config codec write %+v", w)
	}

	// Echo the requested codec configuration back as CODEC_CONFIGURED.
	n := int(w.value[10])
	cfg := w.value[11 : 11+n]
	value := []byte{1, uint8(ascs.StateCodecConfigured),
		ascs.FramingUnframed, ascs.PhyBit2M, 2,
		20, 0,
		0x20, 0x4E, 0x00,
		0x40, 0x9C, 0x00,
		0x00, 0x00, 0x00,
		0x00, 0x00, 0x00,
	}
	value = append(value, w.value[5:10]...)
	value = append(value, uint8(n))
	value = append(value, cfg...)
	h.tr.onNotification(hci.NotificationEvent{ConnHandle: testConn, AttHandle: testAse, Value: value})

	e := h.waitEvent(EventAseState)
	if e.Data["state"] != ascs.StateCodecConfigured.String() || e.Data["ase_id"] != uint8(1) {
		t.Errorf("ase_state event %v", e.Data)
	}
	h.sync()
	if h.tr.cigCount() != 1 {
		t.Fatalf("cig requests = %d, want 1", h.tr.cigCount())
	}

	h.tr.mu.Lock()
	p := h.tr.cigs[0]
	h.tr.mu.Unlock()
	if p.CigID != 1 || len(p.Cis) == 0 {
		t.Fatalf("cig params %+v", p)
	}
	handles := make([]uint16, len(p.Cis))
	for i := range handles {
		handles[i] = 0x60 + uint16(i)
	}
	h.tr.onCigCreated(iso.CigCreatedEvent{CigID: 1, ConnHandles: handles})
	h.waitWrite(ascs.OpConfigQos)

	dev, err := h.st.GetDevice(testAddr)
	if err != nil {
		t.Fatal(err)
	}
	if dev.Ases[0].ID != 1 || dev.Ases[0].CodecFormat != ascs.CodingFormatLC3 || len(dev.Ases[0].CodecConfig) != n {
		t.Errorf("cached ase %+v", dev.Ases[0])
	}
	rec, err := h.st.GetGroup(1)
	if err != nil {
		t.Fatal(err)
	}
	if rec.LastContext != group.ContextMedia.String() {
		t.Errorf("last context = %q", rec.LastContext)
	}
}

func TestControlPointErrorEvent(t *testing.T) {
	h := newCoordHarness(t, testConfig(), nil)
	h.connect()

	h.tr.onNotification(hci.NotificationEvent{
		ConnHandle: testConn,
		AttHandle:  testCtp,
		Value:      []byte{ascs.OpConfigCodec, 1, 1, 0x03, 0x00},
	})
	e := h.waitEvent(EventControlPointError)
	if e.Data["op"] != "config_codec" || e.Data["ase_id"] != uint8(1) || e.Data["code"] != uint8(3) {
		t.Errorf("event %v", e.Data)
	}
}

func TestDisconnectionEmitsEvent(t *testing.T) {
	h := newCoordHarness(t, testConfig(), nil)
	h.connect()

	h.tr.onDisconnected(iso.DisconnectedEvent{ConnHandle: testConn, Reason: iso.ReasonConnectionTimeout})
	e := h.waitEvent(EventDeviceDisconnected)
	if e.Data["address"] != testAddr || e.Data["reason"] != iso.ReasonConnectionTimeout {
		t.Errorf("event %v", e.Data)
	}
	if s := h.snapshot(); s.Devices[0].Connected {
		t.Error("device still connected")
	}
}

func TestRemoveDevice(t *testing.T) {
	h := newCoordHarness(t, testConfig(), nil)
	h.connect()

	if err := h.c.RemoveDevice(context.Background(), testAddr); err != nil {
		t.Fatal(err)
	}
	h.waitEvent(EventDeviceRemoved)

	h.tr.mu.Lock()
	disc := append([]uint16(nil), h.tr.disconnects...)
	h.tr.mu.Unlock()
	if len(disc) != 1 || disc[0] != testConn {
		t.Errorf("disconnects = %v", disc)
	}
	if _, err := h.st.GetDevice(testAddr); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("stored device err = %v, want ErrNotFound", err)
	}
	rec, err := h.st.GetGroup(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Members) != 0 {
		t.Errorf("members = %v", rec.Members)
	}
	if s := h.snapshot(); len(s.Devices) != 0 {
		t.Errorf("devices = %+v", s.Devices)
	}

	err = h.c.RemoveDevice(context.Background(), testAddr)
	if !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("second remove err = %v, want ErrUnknownDevice", err)
	}
}

func TestLoadGroupsRestoresCachedAseID(t *testing.T) {
	st := newTestStore(t)
	err := st.SaveDevice(&store.Device{
		Address: testAddr,
		GroupID: 1,
		Ases:    []store.Ase{{ValueHandle: testAse, Direction: "sink", ID: 7}},
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.Groups[0].Devices[0].Ases[0].ID = 0
	h := newCoordHarness(t, cfg, st)

	if id := h.snapshot().Devices[0].Ases[0].ID; id != 7 {
		t.Errorf("ase id = %d, want 7", id)
	}
}

func TestLoadGroupsRestoresCodecCache(t *testing.T) {
	st := newTestStore(t)
	cached := store.Ase{
		ValueHandle:         testAse,
		Direction:           "sink",
		ID:                  7,
		CodecFormat:         ascs.LC3.Format,
		CodecConfig:         []byte{0x02, 0x01, 0x08},
		Framing:             1,
		PreferredPhy:        2,
		RetransmissionNum:   5,
		MaxTransportLatency: 40,
		PresDelayMinUs:      20000,
		PresDelayMaxUs:      40000,
	}
	if err := st.SaveDevice(&store.Device{Address: testAddr, GroupID: 1, Ases: []store.Ase{cached}}); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.Groups[0].Devices[0].Ases[0].ID = 0
	h := newCoordHarness(t, cfg, st)

	var got group.Ase
	err := h.c.loop.Do(context.Background(), func() {
		got = h.c.engine.Group(1).Device(0).Ases[0]
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != 7 || got.Codec != ascs.LC3 || string(got.CodecConfig) != string(cached.CodecConfig) {
		t.Errorf("codec = %d %+v % x", got.ID, got.Codec, got.CodecConfig)
	}
	if got.Framing != 1 || got.PreferredPhy != 2 || got.RetransmissionNum != 5 || got.MaxTransportLatency != 40 {
		t.Errorf("qos = %d %d %d %d", got.Framing, got.PreferredPhy, got.RetransmissionNum, got.MaxTransportLatency)
	}
	if got.PresDelayMinUs != 20000 || got.PresDelayMaxUs != 40000 {
		t.Errorf("presentation delay = %d..%d", got.PresDelayMinUs, got.PresDelayMaxUs)
	}

	// Loading persists the device again; the cache must survive it.
	rec, err := st.GetDevice(testAddr)
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Ases) != 1 || rec.Ases[0].CodecFormat != ascs.LC3.Format || rec.Ases[0].PresDelayMaxUs != 40000 {
		t.Errorf("stored ases = %+v", rec.Ases)
	}
}

func TestLoadGroupsRejectsDuplicates(t *testing.T) {
	tests := []struct {
		name   string
		groups []GroupConfig
	}{
		{"duplicate group", []GroupConfig{{ID: 1}, {ID: 1}}},
		{"device in two groups", []GroupConfig{
			{ID: 1, Devices: []DeviceConfig{{Address: testAddr}}},
			{ID: 2, Devices: []DeviceConfig{{Address: testAddr}}},
		}},
		{"device listed twice", []GroupConfig{
			{ID: 1, Devices: []DeviceConfig{{Address: testAddr}, {Address: testAddr}}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(&fakeTransport{}, newTestStore(t), codec.NewSelector(nil, newTestLogger()),
				NewEventBus(newTestLogger()), Config{Groups: tt.groups}, newTestLogger())
			if err := c.Start(); err == nil {
				t.Error("Start succeeded")
			}
		})
	}
}

func TestTransitionTimeoutStopsStream(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.TransitionTimeout = 30 * time.Millisecond
	h := newCoordHarness(t, cfg, nil)
	h.connect()

	if err := h.c.StartStream(context.Background(), 1, group.ContextMedia, -1); err != nil {
		t.Fatal(err)
	}
	e := h.waitEvent(EventTransitionTimeout)
	if e.Data["group"] != 1 {
		t.Errorf("event %v", e.Data)
	}
	h.waitWrite(ascs.OpRelease)
	s := h.waitEvent(EventGroupStatus)
	if s.Data["status"] != "releasing" {
		t.Errorf("status = %v, want releasing", s.Data["status"])
	}
}
