package group

import (
	"errors"
	"fmt"

	"leaudio-groupd/internal/ascs"
)

// ErrStaleRef is returned when a reference was taken before the group
// membership changed.
var ErrStaleRef = errors.New("group: stale reference")

// DefaultMaxCis is the size of the per-group CIS id pool.
const DefaultMaxCis = 8

// DeviceRef identifies a member device by position, valid for one
// membership generation.
type DeviceRef struct {
	Group  int
	Device int
	Gen    uint32
}

// AseRef identifies one endpoint of a member device.
type AseRef struct {
	DeviceRef
	Ase int
}

// CisEntry maps a CIS id of the group's CIG to its connection handle.
type CisEntry struct {
	ID         uint8
	ConnHandle uint16
}

// StreamEntry is one established stream of the group.
type StreamEntry struct {
	ConnHandle uint16 `json:"conn_handle"`
	Allocation uint32 `json:"allocation"`
}

// StreamConfiguration lists the streams feeding the local audio path.
type StreamConfiguration struct {
	Sink                 []StreamEntry `json:"sink"`
	Source               []StreamEntry `json:"source"`
	PendingConfiguration bool          `json:"pending_configuration"`
}

// Group is a coordinated set of devices streaming together.
type Group struct {
	ID int

	State       ascs.AseState
	TargetState ascs.AseState
	Cig         CigState
	StreamConf  StreamConfiguration

	// Context is the audio context the group is configured for.
	Context ContextType
	CCID    int
	// Config is the set configuration last applied by Configure.
	Config *SetConfiguration

	// Cises lists the CISes of the created CIG in creation order.
	Cises []CisEntry

	MaxCis  int
	devices []Device
	gen     uint32
}

// New returns an empty idle group.
func New(id int) *Group {
	return &Group{ID: id, CCID: -1, MaxCis: DefaultMaxCis}
}

// AddDevice appends a member and invalidates outstanding references.
func (g *Group) AddDevice(d Device) int {
	g.devices = append(g.devices, d)
	g.gen++
	return len(g.devices) - 1
}

// RemoveDevice drops a member by address. It reports whether it was found.
func (g *Group) RemoveDevice(addr string) bool {
	i := g.DeviceByAddress(addr)
	if i < 0 {
		return false
	}
	g.devices[i].FreeLinkQualityPolls()
	g.devices = append(g.devices[:i], g.devices[i+1:]...)
	g.gen++
	return true
}

// NumDevices returns the member count.
func (g *Group) NumDevices() int { return len(g.devices) }

// Device returns the member at index i.
func (g *Group) Device(i int) *Device { return &g.devices[i] }

// DeviceByAddress returns the index of a member, or -1.
func (g *Group) DeviceByAddress(addr string) int {
	for i := range g.devices {
		if g.devices[i].Address == addr {
			return i
		}
	}
	return -1
}

// DeviceByConnHandle returns the index of the member on an ACL, or -1.
func (g *Group) DeviceByConnHandle(h uint16) int {
	if h == InvalidConnHandle {
		return -1
	}
	for i := range g.devices {
		if g.devices[i].ConnHandle == h {
			return i
		}
	}
	return -1
}

// DeviceByCisConnHandle returns the member owning a CIS, or -1.
func (g *Group) DeviceByCisConnHandle(h uint16) int {
	for i := range g.devices {
		for j := range g.devices[i].Ases {
			a := &g.devices[i].Ases[j]
			if a.CisConnHandle == h && a.DataPath != DataPathIdle {
				return i
			}
		}
	}
	return -1
}

// DeviceRef returns a reference to member i.
func (g *Group) DeviceRef(i int) DeviceRef {
	return DeviceRef{Group: g.ID, Device: i, Gen: g.gen}
}

// FindAse resolves a notification source to an endpoint reference.
func (g *Group) FindAse(connHandle, valueHandle uint16) (AseRef, bool) {
	i := g.DeviceByConnHandle(connHandle)
	if i < 0 {
		return AseRef{}, false
	}
	j := g.devices[i].AseByValueHandle(valueHandle)
	if j < 0 {
		return AseRef{}, false
	}
	return AseRef{DeviceRef: g.DeviceRef(i), Ase: j}, true
}

// ResolveDevice checks a reference against the current membership.
func (g *Group) ResolveDevice(ref DeviceRef) (*Device, error) {
	if ref.Group != g.ID || ref.Gen != g.gen || ref.Device < 0 || ref.Device >= len(g.devices) {
		return nil, fmt.Errorf("device %d of group %d: %w", ref.Device, ref.Group, ErrStaleRef)
	}
	return &g.devices[ref.Device], nil
}

// ResolveAse checks an endpoint reference against the current membership.
func (g *Group) ResolveAse(ref AseRef) (*Device, *Ase, error) {
	d, err := g.ResolveDevice(ref.DeviceRef)
	if err != nil {
		return nil, nil, err
	}
	if ref.Ase < 0 || ref.Ase >= len(d.Ases) {
		return nil, nil, fmt.Errorf("ase %d: %w", ref.Ase, ErrStaleRef)
	}
	return d, &d.Ases[ref.Ase], nil
}

// FirstActiveDevice returns the index of the first member with an active
// endpoint, or -1.
func (g *Group) FirstActiveDevice() int { return g.NextActiveDevice(-1) }

// NextActiveDevice returns the next member after i with an active endpoint.
func (g *Group) NextActiveDevice(i int) int {
	for j := i + 1; j < len(g.devices); j++ {
		if g.devices[j].HasActiveAse() {
			return j
		}
	}
	return -1
}

// HaveAllActiveDevicesAsesInState reports whether every active endpoint of
// the group is in s.
func (g *Group) HaveAllActiveDevicesAsesInState(s ascs.AseState) bool {
	for i := range g.devices {
		if !g.devices[i].HaveAllActiveAsesInState(s) {
			return false
		}
	}
	return true
}

// IsGroupStreamReady reports whether every active endpoint has its CIS up.
func (g *Group) IsGroupStreamReady() bool {
	for i := range g.devices {
		if !g.devices[i].HaveAllActiveAsesCisEst() {
			return false
		}
	}
	return true
}

// HaveAllActiveDevicesCisDisc reports whether no active endpoint of the
// group holds a live CIS.
func (g *Group) HaveAllActiveDevicesCisDisc() bool {
	for i := range g.devices {
		if !g.devices[i].HaveAllActiveAsesCisDisc() {
			return false
		}
	}
	return true
}

// IsAnyDeviceConnected reports whether any member is connected.
func (g *Group) IsAnyDeviceConnected() bool {
	for i := range g.devices {
		if g.devices[i].Connected() {
			return true
		}
	}
	return false
}

// IsReleasing reports whether a release of the group is under way.
func (g *Group) IsReleasing() bool {
	return g.TargetState == ascs.StateIdle
}

// IsMetadataChanged reports whether the metadata for ctx and ccid differs
// from what the active endpoints carry.
func (g *Group) IsMetadataChanged(ctx ContextType, ccid int) bool {
	meta := ascs.BuildMetadata(uint16(ctx), ccid)
	for i := range g.devices {
		if g.devices[i].MetadataChanged(meta) {
			return true
		}
	}
	return false
}

// Activate re-enables the endpoints that hold a configuration for ctx.
func (g *Group) Activate(ctx ContextType) {
	for i := range g.devices {
		d := &g.devices[i]
		if !d.Connected() {
			continue
		}
		for j := range d.Ases {
			if d.Ases[j].ConfiguredFor == ctx {
				d.Ases[j].Active = true
			}
		}
	}
}

// Deactivate clears the active flag of every endpoint.
func (g *Group) Deactivate() {
	for i := range g.devices {
		for j := range g.devices[i].Ases {
			g.devices[i].Ases[j].Active = false
		}
	}
}

func (g *Group) cisIDInUse(id uint8) bool {
	for i := range g.devices {
		for j := range g.devices[i].Ases {
			if g.devices[i].Ases[j].CisID == id {
				return true
			}
		}
	}
	return false
}

// allocateCisID returns the lowest free CIS id, or InvalidCisID.
func (g *Group) allocateCisID() uint8 {
	for id := 0; id < g.MaxCis && id < int(InvalidCisID); id++ {
		if !g.cisIDInUse(uint8(id)) {
			return uint8(id)
		}
	}
	return InvalidCisID
}

// AssignCisIDs gives every active endpoint of member i a CIS id, pairing a
// sink and a source endpoint on one bidirectional CIS when possible. It
// reports false when the pool is exhausted.
func (g *Group) AssignCisIDs(i int) bool {
	d := &g.devices[i]
	for j := range d.Ases {
		a := &d.Ases[j]
		if !a.Active || a.CisID != InvalidCisID {
			continue
		}
		if id := d.matchingBidirectionalCisID(j); id != InvalidCisID {
			a.CisID = id
			continue
		}
		id := g.allocateCisID()
		if id == InvalidCisID {
			return false
		}
		a.CisID = id
	}
	return true
}

// matchingBidirectionalCisID finds an opposite-direction endpoint whose CIS
// id is not yet shared.
func (d *Device) matchingBidirectionalCisID(j int) uint8 {
	a := &d.Ases[j]
	for k := range d.Ases {
		o := &d.Ases[k]
		if k == j || !o.Active || o.Direction == a.Direction || o.CisID == InvalidCisID {
			continue
		}
		shared := false
		for m := range d.Ases {
			if m != k && d.Ases[m].CisID == o.CisID {
				shared = true
				break
			}
		}
		if !shared {
			return o.CisID
		}
	}
	return InvalidCisID
}

// CisConnHandle returns the connection handle of a CIS id of the CIG.
func (g *Group) CisConnHandle(id uint8) (uint16, bool) {
	for _, c := range g.Cises {
		if c.ID == id {
			return c.ConnHandle, true
		}
	}
	return InvalidConnHandle, false
}

// AssignCisConnHandles binds the idle data paths of member i to the CIG's
// connection handles. It reports false when a CIS id has no handle.
func (g *Group) AssignCisConnHandles(i int) bool {
	ok := true
	d := &g.devices[i]
	for j := range d.Ases {
		a := &d.Ases[j]
		if !a.Active || a.DataPath != DataPathIdle {
			continue
		}
		h, found := g.CisConnHandle(a.CisID)
		if !found {
			ok = false
			continue
		}
		a.CisConnHandle = h
		a.DataPath = CisAssigned
	}
	return ok
}

// ReleaseCisIDs returns every CIS id of the group to the pool.
func (g *Group) ReleaseCisIDs() {
	for i := range g.devices {
		for j := range g.devices[i].Ases {
			g.devices[i].Ases[j].CisID = InvalidCisID
		}
	}
}

// ResetDataPaths sets every endpoint data path back to idle.
func (g *Group) ResetDataPaths() {
	for i := range g.devices {
		for j := range g.devices[i].Ases {
			a := &g.devices[i].Ases[j]
			a.DataPath = DataPathIdle
			a.CisConnHandle = InvalidConnHandle
		}
	}
}

// AddStream appends an established stream to the stream configuration.
func (g *Group) AddStream(dir ascs.Direction, connHandle uint16, allocation uint32) {
	e := StreamEntry{ConnHandle: connHandle, Allocation: allocation}
	if dir == ascs.DirectionSink {
		for _, s := range g.StreamConf.Sink {
			if s.ConnHandle == connHandle {
				return
			}
		}
		g.StreamConf.Sink = append(g.StreamConf.Sink, e)
		return
	}
	for _, s := range g.StreamConf.Source {
		if s.ConnHandle == connHandle {
			return
		}
	}
	g.StreamConf.Source = append(g.StreamConf.Source, e)
}

// RemoveStreams drops every stream configuration entry on a CIS.
func (g *Group) RemoveStreams(connHandle uint16) {
	g.StreamConf.Sink = pruneStreams(g.StreamConf.Sink, connHandle)
	g.StreamConf.Source = pruneStreams(g.StreamConf.Source, connHandle)
}

func pruneStreams(in []StreamEntry, connHandle uint16) []StreamEntry {
	out := in[:0]
	for _, e := range in {
		if e.ConnHandle != connHandle {
			out = append(out, e)
		}
	}
	return out
}

// RebuildStreams recomputes the stream configuration from the active
// endpoints whose data path is established.
func (g *Group) RebuildStreams() {
	g.StreamConf.Sink = nil
	g.StreamConf.Source = nil
	for i := range g.devices {
		for j := range g.devices[i].Ases {
			a := &g.devices[i].Ases[j]
			if a.Active && a.DataPath == DataPathEstablished {
				g.AddStream(a.Direction, a.CisConnHandle, a.ChannelAllocation)
			}
		}
	}
}
