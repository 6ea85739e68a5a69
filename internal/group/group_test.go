package group

import (
	"errors"
	"testing"

	"leaudio-groupd/internal/ascs"
)

func newConnectedDevice(addr string, conn uint16, dirs ...ascs.Direction) Device {
	var ases []Ase
	for i, dir := range dirs {
		ases = append(ases, NewAse(uint16(0x20+i*3), dir))
	}
	d := NewDevice(addr, 0x10, ases)
	d.ConnHandle = conn
	return d
}

var media = &SetConfiguration{
	Name: "48_4",
	Sink: &DirectionConfig{
		AsesPerDevice:     1,
		Codec:             ascs.LC3,
		SamplingFrequency: ascs.Freq48000Hz,
		FrameDuration:     ascs.FrameDuration10000us,
		OctetsPerFrame:    120,
		TargetLatency:     ascs.TargetLatencyBalanced,
		TargetPhy:         ascs.TargetPhy2M,
		RetransmissionNum: 5,
	},
}

var conversational = &SetConfiguration{
	Name:   "16_2",
	Sink:   &DirectionConfig{AsesPerDevice: 1, Codec: ascs.LC3, SamplingFrequency: ascs.Freq16000Hz, FrameDuration: ascs.FrameDuration10000us, OctetsPerFrame: 40},
	Source: &DirectionConfig{AsesPerDevice: 1, Codec: ascs.LC3, SamplingFrequency: ascs.Freq16000Hz, FrameDuration: ascs.FrameDuration10000us, OctetsPerFrame: 40},
}

func TestConfigureTwoDevicesSplitsChannels(t *testing.T) {
	g := New(1)
	g.AddDevice(newConnectedDevice("AA", 1, ascs.DirectionSink, ascs.DirectionSource))
	g.AddDevice(newConnectedDevice("BB", 2, ascs.DirectionSink, ascs.DirectionSource))

	if !g.Configure(media, ContextMedia, 3) {
		t.Fatal("Configure returned false")
	}
	left, right := &g.Device(0).Ases[0], &g.Device(1).Ases[0]
	if !left.Active || !right.Active {
		t.Fatal("sink ases not active")
	}
	if g.Device(0).Ases[1].Active {
		t.Error("source ase activated for sink-only configuration")
	}
	if left.ChannelAllocation != LocationFrontLeft || right.ChannelAllocation != LocationFrontRight {
		t.Errorf("allocations = %#x, %#x", left.ChannelAllocation, right.ChannelAllocation)
	}
	if left.MaxSdu != 120 || left.SduIntervalUs != 10000 {
		t.Errorf("max sdu %d, sdu interval %d", left.MaxSdu, left.SduIntervalUs)
	}
	if g.IsMetadataChanged(ContextMedia, 3) {
		t.Error("metadata reported changed right after configure")
	}
	if !g.IsMetadataChanged(ContextGame, 3) {
		t.Error("metadata for another context not reported changed")
	}
}

func TestConfigureSingleDeviceStereo(t *testing.T) {
	g := New(1)
	g.AddDevice(newConnectedDevice("AA", 1, ascs.DirectionSink))
	if !g.Configure(media, ContextMedia, -1) {
		t.Fatal("Configure returned false")
	}
	a := &g.Device(0).Ases[0]
	if a.ChannelAllocation != LocationFrontLeft|LocationFrontRight {
		t.Errorf("allocation = %#x", a.ChannelAllocation)
	}
	if a.MaxSdu != 240 {
		t.Errorf("max sdu = %d, want 240", a.MaxSdu)
	}
}

func TestConfigureFailsWithoutEndpoints(t *testing.T) {
	g := New(1)
	g.AddDevice(newConnectedDevice("AA", 1, ascs.DirectionSink))
	if g.Configure(conversational, ContextConversational, -1) {
		t.Fatal("Configure succeeded without a source ase")
	}
	if g.FirstActiveDevice() != -1 {
		t.Error("failed configure left active endpoints")
	}

	empty := New(2)
	empty.AddDevice(NewDevice("CC", 0x10, []Ase{NewAse(0x20, ascs.DirectionSink)}))
	if empty.Configure(media, ContextMedia, -1) {
		t.Error("Configure succeeded with no connected device")
	}
}

func TestAssignCisIDsBidirectional(t *testing.T) {
	g := New(1)
	g.AddDevice(newConnectedDevice("AA", 1, ascs.DirectionSink, ascs.DirectionSource))
	g.AddDevice(newConnectedDevice("BB", 2, ascs.DirectionSink, ascs.DirectionSource))
	if !g.Configure(conversational, ContextConversational, -1) {
		t.Fatal("Configure returned false")
	}
	for i := 0; i < g.NumDevices(); i++ {
		if !g.AssignCisIDs(i) {
			t.Fatalf("AssignCisIDs(%d) failed", i)
		}
	}
	d0, d1 := g.Device(0), g.Device(1)
	if d0.Ases[0].CisID != d0.Ases[1].CisID {
		t.Errorf("device 0 sink/source cis ids = %d/%d, want shared", d0.Ases[0].CisID, d0.Ases[1].CisID)
	}
	if d1.Ases[0].CisID == d0.Ases[0].CisID {
		t.Error("devices share a CIS id")
	}
	g.ReleaseCisIDs()
	if d0.Ases[0].CisID != InvalidCisID {
		t.Error("ReleaseCisIDs kept an id")
	}
}

func TestAssignCisIDsPoolExhausted(t *testing.T) {
	g := New(1)
	g.MaxCis = 1
	g.AddDevice(newConnectedDevice("AA", 1, ascs.DirectionSink))
	g.AddDevice(newConnectedDevice("BB", 2, ascs.DirectionSink))
	g.Configure(media, ContextMedia, -1)
	if !g.AssignCisIDs(0) {
		t.Fatal("first device should get the only id")
	}
	if g.AssignCisIDs(1) {
		t.Error("second device got an id from an exhausted pool")
	}
}

func TestRefsGoStaleOnMembershipChange(t *testing.T) {
	g := New(7)
	g.AddDevice(newConnectedDevice("AA", 1, ascs.DirectionSink))
	ref, ok := g.FindAse(1, 0x20)
	if !ok {
		t.Fatal("FindAse did not resolve")
	}
	if _, _, err := g.ResolveAse(ref); err != nil {
		t.Fatalf("ResolveAse: %v", err)
	}
	g.AddDevice(newConnectedDevice("BB", 2, ascs.DirectionSink))
	if _, _, err := g.ResolveAse(ref); !errors.Is(err, ErrStaleRef) {
		t.Errorf("err = %v, want ErrStaleRef", err)
	}
	if _, ok := g.FindAse(3, 0x20); ok {
		t.Error("FindAse resolved an unknown connection")
	}
}

func TestActiveWalk(t *testing.T) {
	g := New(1)
	g.AddDevice(newConnectedDevice("AA", 1, ascs.DirectionSink))
	g.AddDevice(newConnectedDevice("BB", 2, ascs.DirectionSink))
	g.AddDevice(newConnectedDevice("CC", 3, ascs.DirectionSink))
	g.Device(0).Ases[0].Active = true
	g.Device(2).Ases[0].Active = true

	var got []int
	for i := g.FirstActiveDevice(); i >= 0; i = g.NextActiveDevice(i) {
		got = append(got, i)
	}
	if len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Errorf("active walk = %v, want [0 2]", got)
	}
}

func TestReadinessGates(t *testing.T) {
	d := newConnectedDevice("AA", 1, ascs.DirectionSink, ascs.DirectionSource)
	d.Ases[0].Active = true
	d.Ases[1].Active = true

	d.Ases[0].State = ascs.StateEnabling
	d.Ases[1].State = ascs.StateQosConfigured
	if d.IsReadyToCreateStream() {
		t.Error("ready to create with a QoS configured ase")
	}
	d.Ases[1].State = ascs.StateStreaming
	if !d.IsReadyToCreateStream() {
		t.Error("not ready to create with enabling+streaming")
	}

	d.Ases[0].State = ascs.StateQosConfigured
	d.Ases[1].State = ascs.StateDisabling
	if !d.IsReadyToSuspendStream() {
		t.Error("not ready to suspend with sink QoS + source disabling")
	}

	d.Ases[0].DataPath = CisEstablished
	d.Ases[1].DataPath = CisPending
	if d.HaveAllActiveAsesCisEst() || d.HaveAllActiveAsesCisDisc() {
		t.Error("pending CIS counted as established or disconnected")
	}
	d.Ases[1].DataPath = DataPathEstablished
	if !d.HaveAllActiveAsesCisEst() {
		t.Error("established CISes not detected")
	}
	d.Ases[0].DataPath = CisAssigned
	d.Ases[1].DataPath = CisAssigned
	if !d.HaveAllActiveAsesCisDisc() {
		t.Error("assigned CISes not counted as disconnected")
	}
}

func TestStreamConfiguration(t *testing.T) {
	g := New(1)
	g.AddStream(ascs.DirectionSink, 0x60, LocationFrontLeft)
	g.AddStream(ascs.DirectionSink, 0x60, LocationFrontLeft)
	g.AddStream(ascs.DirectionSink, 0x61, LocationFrontRight)
	g.AddStream(ascs.DirectionSource, 0x60, LocationFrontLeft)
	if len(g.StreamConf.Sink) != 2 {
		t.Fatalf("sink entries = %d, want 2", len(g.StreamConf.Sink))
	}
	g.RemoveStreams(0x60)
	if len(g.StreamConf.Sink) != 1 || g.StreamConf.Sink[0].ConnHandle != 0x61 {
		t.Errorf("sink after prune = %+v", g.StreamConf.Sink)
	}
	if len(g.StreamConf.Source) != 0 {
		t.Errorf("source after prune = %+v", g.StreamConf.Source)
	}
}

func TestPresentationDelay(t *testing.T) {
	tests := []struct {
		name   string
		ranges [][4]uint32 // min, max, prefMin, prefMax
		want   uint32
		ok     bool
	}{
		{"overlap uses max of mins", [][4]uint32{{10000, 40000, 0, 0}, {20000, 30000, 0, 0}}, 20000, true},
		{"preferred inside range", [][4]uint32{{10000, 40000, 25000, 30000}, {20000, 40000, 25000, 35000}}, 25000, true},
		{"disjoint", [][4]uint32{{10000, 15000, 0, 0}, {20000, 30000, 0, 0}}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(1)
			for i, r := range tt.ranges {
				d := newConnectedDevice(string(rune('A'+i)), uint16(i+1), ascs.DirectionSink)
				a := &d.Ases[0]
				a.Active = true
				a.PresDelayMinUs, a.PresDelayMaxUs = r[0], r[1]
				a.PreferredPresDelayMinUs, a.PreferredPresDelayMaxUs = r[2], r[3]
				g.AddDevice(d)
			}
			got, ok := g.PresentationDelay(ascs.DirectionSink)
			if ok != tt.ok || (ok && got != tt.want) {
				t.Errorf("PresentationDelay = %d, %v; want %d, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestPhySelection(t *testing.T) {
	g := New(1)
	d := newConnectedDevice("AA", 1, ascs.DirectionSink)
	d.Ases[0].Active = true
	d.Ases[0].PreferredPhy = ascs.PhyBit1M
	g.AddDevice(d)
	if got := g.Phy(ascs.DirectionSink); got != ascs.PhyBit1M {
		t.Errorf("Phy = %#x, want 1M", got)
	}
	if got := g.Phy(ascs.DirectionSource); got != ascs.PhyBit2M {
		t.Errorf("Phy for unused direction = %#x, want 2M", got)
	}
}

func TestParseContextType(t *testing.T) {
	c, err := ParseContextType("Media")
	if err != nil || c != ContextMedia {
		t.Errorf("ParseContextType = %v, %v", c, err)
	}
	if _, err := ParseContextType("karaoke"); err == nil {
		t.Error("unknown context accepted")
	}
	if s := (ContextMedia | ContextGame).String(); s != "game|media" {
		t.Errorf("String = %q", s)
	}
}
