package group

import (
	"leaudio-groupd/internal/ascs"
)

func (g *Group) forActive(dir ascs.Direction, fn func(a *Ase)) {
	for i := range g.devices {
		for j := range g.devices[i].Ases {
			a := &g.devices[i].Ases[j]
			if a.Active && a.Direction == dir {
				fn(a)
			}
		}
	}
}

// SduInterval returns the SDU interval of the first active endpoint of dir,
// 0 when the direction is unused.
func (g *Group) SduInterval(dir ascs.Direction) uint32 {
	var v uint32
	g.forActive(dir, func(a *Ase) {
		if v == 0 {
			v = a.SduIntervalUs
		}
	})
	return v
}

// Framing returns framed when any active endpoint requires it.
func (g *Group) Framing() uint8 {
	f := ascs.FramingUnframed
	for _, dir := range []ascs.Direction{ascs.DirectionSink, ascs.DirectionSource} {
		g.forActive(dir, func(a *Ase) {
			if a.Framing == ascs.FramingFramed {
				f = ascs.FramingFramed
			}
		})
	}
	return f
}

// Phy returns the single PHY bit to use for dir: the fastest PHY every
// active endpoint prefers, 2M when nothing narrows the choice.
func (g *Group) Phy(dir ascs.Direction) uint8 {
	mask := ascs.PhyBit1M | ascs.PhyBit2M | ascs.PhyBitCoded
	g.forActive(dir, func(a *Ase) {
		if a.PreferredPhy != 0 && mask&a.PreferredPhy != 0 {
			mask &= a.PreferredPhy
		}
	})
	switch {
	case mask&ascs.PhyBit2M != 0:
		return ascs.PhyBit2M
	case mask&ascs.PhyBit1M != 0:
		return ascs.PhyBit1M
	}
	return ascs.PhyBitCoded
}

// RetransmissionNum returns the highest retransmission number of dir.
func (g *Group) RetransmissionNum(dir ascs.Direction) uint8 {
	var rtn uint8
	g.forActive(dir, func(a *Ase) {
		if a.RetransmissionNum > rtn {
			rtn = a.RetransmissionNum
		}
	})
	return rtn
}

// MaxTransportLatency returns the smallest non-zero max transport latency
// of dir in milliseconds.
func (g *Group) MaxTransportLatency(dir ascs.Direction) uint16 {
	var lat uint16
	g.forActive(dir, func(a *Ase) {
		if a.MaxTransportLatency != 0 && (lat == 0 || a.MaxTransportLatency < lat) {
			lat = a.MaxTransportLatency
		}
	})
	return lat
}

// PresentationDelay intersects the presentation delay ranges of dir and
// picks the preferred value when the servers agree on one. It reports false
// when the ranges do not overlap.
func (g *Group) PresentationDelay(dir ascs.Direction) (uint32, bool) {
	var lo, prefLo uint32
	hi, prefHi := ^uint32(0), ^uint32(0)
	found := false
	g.forActive(dir, func(a *Ase) {
		found = true
		if a.PresDelayMinUs > lo {
			lo = a.PresDelayMinUs
		}
		if a.PresDelayMaxUs != 0 && a.PresDelayMaxUs < hi {
			hi = a.PresDelayMaxUs
		}
		if a.PreferredPresDelayMinUs > prefLo {
			prefLo = a.PreferredPresDelayMinUs
		}
		if a.PreferredPresDelayMaxUs != 0 && a.PreferredPresDelayMaxUs < prefHi {
			prefHi = a.PreferredPresDelayMaxUs
		}
	})
	if !found {
		return 0, true
	}
	if lo > hi {
		return 0, false
	}
	if prefLo != 0 && prefLo >= lo && prefLo <= hi && prefLo <= prefHi {
		return prefLo, true
	}
	return lo, true
}
