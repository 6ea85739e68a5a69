package group

import (
	"bytes"

	"leaudio-groupd/internal/ascs"
)

// Ase is one audio stream endpoint of a remote device.
type Ase struct {
	ID          uint8
	Direction   ascs.Direction
	ValueHandle uint16

	State       ascs.AseState
	DataPath    DataPathState
	Active      bool
	Reconfigure bool
	// ConfiguredFor is the context the codec configuration was chosen for.
	ConfiguredFor ContextType

	CisID         uint8
	CisConnHandle uint16

	Codec             ascs.CodecID
	CodecConfig       []byte
	ChannelAllocation uint32
	TargetLatency     uint8
	TargetPhy         uint8

	Framing             uint8
	PreferredPhy        uint8
	RetransmissionNum   uint8
	MaxTransportLatency uint16
	MaxSdu              uint16
	SduIntervalUs       uint32

	PresDelayMinUs          uint32
	PresDelayMaxUs          uint32
	PreferredPresDelayMinUs uint32
	PreferredPresDelayMaxUs uint32

	Metadata []byte
}

// NewAse returns an idle, inactive endpoint bound to an ASE characteristic.
func NewAse(valueHandle uint16, dir ascs.Direction) Ase {
	return Ase{
		Direction:     dir,
		ValueHandle:   valueHandle,
		CisID:         InvalidCisID,
		CisConnHandle: InvalidConnHandle,
	}
}

// CacheCodecConfigured stores what the server reported in a
// CODEC_CONFIGURED notification. Latency and retransmission preferences
// only narrow what the local side already chose.
func (a *Ase) CacheCodecConfigured(p *ascs.CodecConfiguredParams) {
	a.Framing = p.Framing
	a.PreferredPhy = p.PreferredPhy
	if a.MaxTransportLatency == 0 || a.MaxTransportLatency > p.MaxTransportLatency {
		a.MaxTransportLatency = p.MaxTransportLatency
	}
	if a.RetransmissionNum == 0 || a.RetransmissionNum > p.PreferredRetransNum {
		a.RetransmissionNum = p.PreferredRetransNum
	}
	a.PresDelayMinUs = p.PresDelayMinUs
	a.PresDelayMaxUs = p.PresDelayMaxUs
	a.PreferredPresDelayMinUs = p.PreferredPresDelayMinUs
	a.PreferredPresDelayMaxUs = p.PreferredPresDelayMaxUs
	a.Codec = p.Codec
	a.CodecConfig = p.Config

	cc, err := ascs.DecodeCodecConfig(p.Config)
	if err != nil || cc.FrameDurationUs() == 0 {
		return
	}
	if cc.ChannelAllocation != 0 {
		a.ChannelAllocation = cc.ChannelAllocation
	}
	a.SduIntervalUs = cc.SduIntervalUs()
	if cc.OctetsPerFrame != 0 {
		blocks := int(cc.FrameBlocksPerSdu)
		if blocks == 0 {
			blocks = 1
		}
		a.MaxSdu = uint16(int(cc.OctetsPerFrame) * channelCount(a.ChannelAllocation) * blocks)
	}
}

// Stopper cancels a scheduled task.
type Stopper interface {
	Stop() bool
}

// Device is one member of a group.
type Device struct {
	Address    string
	ConnHandle uint16
	// CtpHandle is the value handle of the ASE control point.
	CtpHandle uint16
	Ases      []Ase

	linkQuality map[uint16]Stopper
}

// NewDevice returns a disconnected device.
func NewDevice(addr string, ctpHandle uint16, ases []Ase) Device {
	return Device{
		Address:    addr,
		ConnHandle: InvalidConnHandle,
		CtpHandle:  ctpHandle,
		Ases:       ases,
	}
}

// Connected reports whether the device has a live ACL connection.
func (d *Device) Connected() bool { return d.ConnHandle != InvalidConnHandle }

// HasActiveAse reports whether any endpoint takes part in the current stream.
func (d *Device) HasActiveAse() bool {
	return d.FirstActiveAse() >= 0
}

// FirstActiveAse returns the index of the first active endpoint, or -1.
func (d *Device) FirstActiveAse() int { return d.NextActiveAse(-1) }

// NextActiveAse returns the index of the next active endpoint after i, or -1.
func (d *Device) NextActiveAse(i int) int {
	for j := i + 1; j < len(d.Ases); j++ {
		if d.Ases[j].Active {
			return j
		}
	}
	return -1
}

// FirstActiveAseByDataPath returns the first active endpoint whose data path
// is in state s, or -1.
func (d *Device) FirstActiveAseByDataPath(s DataPathState) int {
	for i := range d.Ases {
		if d.Ases[i].Active && d.Ases[i].DataPath == s {
			return i
		}
	}
	return -1
}

// AseByValueHandle returns the endpoint index bound to a characteristic handle.
func (d *Device) AseByValueHandle(h uint16) int {
	for i := range d.Ases {
		if d.Ases[i].ValueHandle == h {
			return i
		}
	}
	return -1
}

// AseByID returns the endpoint index with the given server-assigned id.
func (d *Device) AseByID(id uint8) int {
	for i := range d.Ases {
		if d.Ases[i].ID == id {
			return i
		}
	}
	return -1
}

// AsesByCisConnHandle returns the active sink and source endpoints carried by
// a CIS, -1 for a missing direction.
func (d *Device) AsesByCisConnHandle(h uint16) (sink, source int) {
	return d.asesBy(func(a *Ase) bool { return a.CisConnHandle == h })
}

// AsesByCisID returns the active sink and source endpoints sharing a CIS id.
func (d *Device) AsesByCisID(id uint8) (sink, source int) {
	return d.asesBy(func(a *Ase) bool { return a.CisID == id })
}

func (d *Device) asesBy(match func(*Ase) bool) (sink, source int) {
	sink, source = -1, -1
	for i := range d.Ases {
		a := &d.Ases[i]
		if !a.Active || !match(a) {
			continue
		}
		switch {
		case a.Direction == ascs.DirectionSink && sink < 0:
			sink = i
		case a.Direction == ascs.DirectionSource && source < 0:
			source = i
		}
	}
	return sink, source
}

// Pair returns the endpoints of a sink/source index pair, skipping -1.
func (d *Device) Pair(sink, source int) []*Ase {
	var out []*Ase
	if sink >= 0 {
		out = append(out, &d.Ases[sink])
	}
	if source >= 0 {
		out = append(out, &d.Ases[source])
	}
	return out
}

// HaveAllActiveAsesInState reports whether every active endpoint is in s.
func (d *Device) HaveAllActiveAsesInState(s ascs.AseState) bool {
	for i := range d.Ases {
		if d.Ases[i].Active && d.Ases[i].State != s {
			return false
		}
	}
	return true
}

// HaveAnyUnconfiguredAses reports whether an active endpoint still waits
// for its codec configuration.
func (d *Device) HaveAnyUnconfiguredAses() bool {
	for i := range d.Ases {
		a := &d.Ases[i]
		if !a.Active {
			continue
		}
		if a.State == ascs.StateIdle || (a.State == ascs.StateCodecConfigured && a.Reconfigure) {
			return true
		}
	}
	return false
}

// IsReadyToCreateStream reports whether every active endpoint is enabling or
// already streaming.
func (d *Device) IsReadyToCreateStream() bool {
	for i := range d.Ases {
		a := &d.Ases[i]
		if a.Active && a.State != ascs.StateEnabling && a.State != ascs.StateStreaming {
			return false
		}
	}
	return true
}

// IsReadyToSuspendStream reports whether every active sink endpoint is back
// in QoS configured and every active source endpoint is disabling.
func (d *Device) IsReadyToSuspendStream() bool {
	for i := range d.Ases {
		a := &d.Ases[i]
		if !a.Active {
			continue
		}
		if a.Direction == ascs.DirectionSink && a.State != ascs.StateQosConfigured {
			return false
		}
		if a.Direction == ascs.DirectionSource && a.State != ascs.StateDisabling {
			return false
		}
	}
	return true
}

// HaveAllActiveAsesCisEst reports whether every active endpoint has its CIS up.
func (d *Device) HaveAllActiveAsesCisEst() bool {
	for i := range d.Ases {
		a := &d.Ases[i]
		if a.Active && a.DataPath != CisEstablished && a.DataPath != DataPathEstablished {
			return false
		}
	}
	return true
}

// HaveAllActiveAsesCisDisc reports whether no active endpoint holds a
// pending or established CIS.
func (d *Device) HaveAllActiveAsesCisDisc() bool {
	for i := range d.Ases {
		a := &d.Ases[i]
		if !a.Active {
			continue
		}
		switch a.DataPath {
		case CisPending, CisEstablished, DataPathEstablished, CisDisconnecting:
			return false
		}
	}
	return true
}

// SourceAseIDs returns the ids of the active source endpoints.
func (d *Device) SourceAseIDs() []uint8 {
	var ids []uint8
	for i := range d.Ases {
		a := &d.Ases[i]
		if a.Active && a.Direction == ascs.DirectionSource {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// DeactivateAllAses returns every endpoint to the idle, unassigned state.
func (d *Device) DeactivateAllAses() {
	for i := range d.Ases {
		a := &d.Ases[i]
		a.State = ascs.StateIdle
		a.DataPath = DataPathIdle
		a.Active = false
		a.CisID = InvalidCisID
		a.CisConnHandle = InvalidConnHandle
	}
}

// MetadataChanged reports whether any active endpoint carries metadata
// different from meta.
func (d *Device) MetadataChanged(meta []byte) bool {
	for i := range d.Ases {
		a := &d.Ases[i]
		if a.Active && !bytes.Equal(a.Metadata, meta) {
			return true
		}
	}
	return false
}

// SetLinkQualityPoll stores the poll of a CIS, stopping any previous one.
func (d *Device) SetLinkQualityPoll(cisHandle uint16, s Stopper) {
	if d.linkQuality == nil {
		d.linkQuality = make(map[uint16]Stopper)
	}
	if old, ok := d.linkQuality[cisHandle]; ok {
		old.Stop()
	}
	d.linkQuality[cisHandle] = s
}

// HasLinkQualityPoll reports whether a poll is registered for a CIS.
func (d *Device) HasLinkQualityPoll(cisHandle uint16) bool {
	_, ok := d.linkQuality[cisHandle]
	return ok
}

// StopLinkQualityPoll stops the poll of one CIS.
func (d *Device) StopLinkQualityPoll(cisHandle uint16) {
	if s, ok := d.linkQuality[cisHandle]; ok {
		s.Stop()
		delete(d.linkQuality, cisHandle)
	}
}

// FreeLinkQualityPolls stops every link quality poll of the device.
func (d *Device) FreeLinkQualityPolls() {
	for h, s := range d.linkQuality {
		s.Stop()
		delete(d.linkQuality, h)
	}
}
