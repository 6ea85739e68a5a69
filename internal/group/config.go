package group

import (
	"leaudio-groupd/internal/ascs"
)

// Audio location bits used for channel allocation.
const (
	LocationFrontLeft  uint32 = 0x00000001
	LocationFrontRight uint32 = 0x00000002
)

// DirectionConfig describes how each device's endpoints of one direction
// are configured.
type DirectionConfig struct {
	AsesPerDevice       int          `json:"ases_per_device"`
	Codec               ascs.CodecID `json:"codec"`
	SamplingFrequency   uint8        `json:"sampling_frequency"`
	FrameDuration       uint8        `json:"frame_duration"`
	OctetsPerFrame      uint16       `json:"octets_per_frame"`
	FrameBlocksPerSdu   uint8        `json:"frame_blocks_per_sdu"`
	TargetLatency       uint8        `json:"target_latency"`
	TargetPhy           uint8        `json:"target_phy"`
	RetransmissionNum   uint8        `json:"retransmission_number"`
	MaxTransportLatency uint16       `json:"max_transport_latency"`
	Framing             uint8        `json:"framing"`
}

// SetConfiguration is a codec and QoS choice for a whole group.
type SetConfiguration struct {
	Name   string           `json:"name"`
	Sink   *DirectionConfig `json:"sink,omitempty"`
	Source *DirectionConfig `json:"source,omitempty"`
}

// Configure applies cfg to every connected member for ctx. Endpoints not
// picked are deactivated. It reports false when a connected member lacks
// the endpoints cfg asks for or no member is connected.
func (g *Group) Configure(cfg *SetConfiguration, ctx ContextType, ccid int) bool {
	if cfg == nil || (cfg.Sink == nil && cfg.Source == nil) {
		return false
	}
	g.Deactivate()

	connected := 0
	for i := range g.devices {
		if g.devices[i].Connected() {
			connected++
		}
	}
	if connected == 0 {
		return false
	}

	pos := 0
	for i := range g.devices {
		if !g.devices[i].Connected() {
			continue
		}
		if !g.configureDevice(i, pos, connected, cfg, ctx, ccid) {
			g.Deactivate()
			return false
		}
		pos++
	}
	g.Context = ctx
	g.CCID = ccid
	g.Config = cfg
	return true
}

// ConfigureDevice applies the group's current configuration to member i,
// used when a device rejoins a running stream.
func (g *Group) ConfigureDevice(i int) bool {
	if g.Config == nil || !g.devices[i].Connected() {
		return false
	}
	pos, connected := 0, 0
	for j := range g.devices {
		if !g.devices[j].Connected() {
			continue
		}
		if j < i {
			pos++
		}
		connected++
	}
	return g.configureDevice(i, pos, connected, g.Config, g.Context, g.CCID)
}

func (g *Group) configureDevice(i, pos, connected int, cfg *SetConfiguration, ctx ContextType, ccid int) bool {
	d := &g.devices[i]
	for _, dc := range []struct {
		dir ascs.Direction
		cfg *DirectionConfig
	}{{ascs.DirectionSink, cfg.Sink}, {ascs.DirectionSource, cfg.Source}} {
		if dc.cfg == nil || dc.cfg.AsesPerDevice == 0 {
			continue
		}
		var picked []int
		for j := range d.Ases {
			if len(picked) == dc.cfg.AsesPerDevice {
				break
			}
			if d.Ases[j].Direction == dc.dir && !d.Ases[j].Active {
				picked = append(picked, j)
			}
		}
		if len(picked) < dc.cfg.AsesPerDevice {
			return false
		}
		for n, j := range picked {
			alloc := channelAllocation(pos, connected, n, len(picked))
			applyDirectionConfig(&d.Ases[j], dc.cfg, alloc, ctx, ccid)
		}
	}
	return true
}

// channelAllocation spreads left and right over the streams of the group:
// one device per side, one endpoint per side, or both on a single stream.
func channelAllocation(pos, connected, n, perDevice int) uint32 {
	switch {
	case connected > 1:
		if pos%2 == 0 {
			return LocationFrontLeft
		}
		return LocationFrontRight
	case perDevice > 1:
		if n%2 == 0 {
			return LocationFrontLeft
		}
		return LocationFrontRight
	}
	return LocationFrontLeft | LocationFrontRight
}

func channelCount(alloc uint32) int {
	n := 0
	for ; alloc != 0; alloc &= alloc - 1 {
		n++
	}
	if n == 0 {
		return 1
	}
	return n
}

func applyDirectionConfig(a *Ase, dc *DirectionConfig, alloc uint32, ctx ContextType, ccid int) {
	cc := ascs.CodecConfig{
		SamplingFrequency: dc.SamplingFrequency,
		FrameDuration:     dc.FrameDuration,
		ChannelAllocation: alloc,
		OctetsPerFrame:    dc.OctetsPerFrame,
		FrameBlocksPerSdu: dc.FrameBlocksPerSdu,
	}
	blocks := int(dc.FrameBlocksPerSdu)
	if blocks == 0 {
		blocks = 1
	}

	// An endpoint already holding a codec configuration must be configured
	// again before it counts as ready.
	a.Reconfigure = a.State == ascs.StateCodecConfigured
	a.Active = true
	a.ConfiguredFor = ctx
	a.Codec = dc.Codec
	a.CodecConfig = cc.Encode()
	a.ChannelAllocation = alloc
	a.TargetLatency = dc.TargetLatency
	a.TargetPhy = dc.TargetPhy
	a.RetransmissionNum = dc.RetransmissionNum
	a.MaxTransportLatency = dc.MaxTransportLatency
	a.Framing = dc.Framing
	a.MaxSdu = uint16(int(dc.OctetsPerFrame) * channelCount(alloc) * blocks)
	a.SduIntervalUs = cc.SduIntervalUs()
	a.Metadata = ascs.BuildMetadata(uint16(ctx), ccid)
}
