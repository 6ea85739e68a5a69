// Package codec picks the LC3 codec and QoS configuration a group streams
// with for a given audio context.
package codec

import (
	"errors"
	"fmt"
	"log/slog"

	"leaudio-groupd/internal/ascs"
	"leaudio-groupd/internal/group"
)

// ErrNoConfiguration is returned when no profile fits the group.
var ErrNoConfiguration = errors.New("no usable codec configuration")

func lc3(freq, duration uint8, octets uint16) *group.DirectionConfig {
	return &group.DirectionConfig{
		AsesPerDevice:     1,
		Codec:             ascs.LC3,
		SamplingFrequency: freq,
		FrameDuration:     duration,
		OctetsPerFrame:    octets,
		TargetPhy:         ascs.TargetPhy2M,
	}
}

func lowLatency(dc *group.DirectionConfig) *group.DirectionConfig {
	dc.TargetLatency = ascs.TargetLatencyLower
	dc.RetransmissionNum = 2
	dc.MaxTransportLatency = 10
	return dc
}

func highReliability(dc *group.DirectionConfig) *group.DirectionConfig {
	dc.TargetLatency = ascs.TargetLatencyHigherReliability
	dc.RetransmissionNum = 13
	dc.MaxTransportLatency = 100
	return dc
}

// Builtin returns the built-in profiles keyed by context.
func Builtin() map[group.ContextType]*group.SetConfiguration {
	return map[group.ContextType]*group.SetConfiguration{
		group.ContextMedia: {
			Name: "48_4_1",
			Sink: highReliability(lc3(ascs.Freq48000Hz, ascs.FrameDuration10000us, 120)),
		},
		group.ContextConversational: {
			Name:   "16_2_1",
			Sink:   lowLatency(lc3(ascs.Freq16000Hz, ascs.FrameDuration10000us, 40)),
			Source: lowLatency(lc3(ascs.Freq16000Hz, ascs.FrameDuration10000us, 40)),
		},
		group.ContextGame: {
			Name:   "48_2_1+16_1_1",
			Sink:   lowLatency(lc3(ascs.Freq48000Hz, ascs.FrameDuration10000us, 100)),
			Source: lowLatency(lc3(ascs.Freq16000Hz, ascs.FrameDuration7500us, 30)),
		},
		group.ContextVoiceAssistants: {
			Name:   "32_2_1",
			Sink:   lowLatency(lc3(ascs.Freq32000Hz, ascs.FrameDuration10000us, 80)),
			Source: lowLatency(lc3(ascs.Freq32000Hz, ascs.FrameDuration10000us, 80)),
		},
		group.ContextRingtone: {
			Name: "24_2_1",
			Sink: highReliability(lc3(ascs.Freq24000Hz, ascs.FrameDuration10000us, 60)),
		},
	}
}

// Selector implements the state machine's codec selection from a profile
// table. Contexts without a profile fall back to the media profile.
type Selector struct {
	profiles map[group.ContextType]*group.SetConfiguration
	logger   *slog.Logger
}

// NewSelector returns a selector over the built-in profiles merged with
// overrides.
func NewSelector(overrides map[group.ContextType]*group.SetConfiguration, logger *slog.Logger) *Selector {
	s := &Selector{profiles: Builtin(), logger: logger.With("component", "codec")}
	for ctx, cfg := range overrides {
		s.profiles[ctx] = cfg
	}
	return s
}

// Profile returns the profile registered for exactly ctx.
func (s *Selector) Profile(ctx group.ContextType) (*group.SetConfiguration, bool) {
	cfg, ok := s.profiles[ctx]
	return cfg, ok
}

// Len returns the number of profiles.
func (s *Selector) Len() int { return len(s.profiles) }

// Select returns the configuration for ctx that the connected members of g
// can carry.
func (s *Selector) Select(g *group.Group, ctx group.ContextType) (*group.SetConfiguration, error) {
	for _, cand := range s.candidates(ctx) {
		if err := Supports(g, cand); err != nil {
			s.logger.Debug("profile rejected", "group", g.ID, "context", ctx, "profile", cand.Name, "err", err)
			continue
		}
		s.logger.Debug("profile selected", "group", g.ID, "context", ctx, "profile", cand.Name)
		return cand, nil
	}
	return nil, fmt.Errorf("group %d, context %s: %w", g.ID, ctx, ErrNoConfiguration)
}

// candidates lists the exact profile, then profiles of the individual
// context bits from lowest to highest, then media.
func (s *Selector) candidates(ctx group.ContextType) []*group.SetConfiguration {
	var out []*group.SetConfiguration
	seen := map[*group.SetConfiguration]bool{}
	add := func(c group.ContextType) {
		if cfg, ok := s.profiles[c]; ok && !seen[cfg] {
			seen[cfg] = true
			out = append(out, cfg)
		}
	}
	add(ctx)
	for bit := group.ContextType(1); bit != 0; bit <<= 1 {
		if ctx&bit != 0 {
			add(bit)
		}
	}
	add(group.ContextMedia)
	return out
}

// Supports checks that every connected member of g has enough endpoints
// for cfg.
func Supports(g *group.Group, cfg *group.SetConfiguration) error {
	if cfg == nil || (cfg.Sink == nil && cfg.Source == nil) {
		return errors.New("empty configuration")
	}
	if err := checkDirections(cfg); err != nil {
		return err
	}
	connected := 0
	for i := 0; i < g.NumDevices(); i++ {
		d := g.Device(i)
		if !d.Connected() {
			continue
		}
		connected++
		for _, dc := range []struct {
			dir ascs.Direction
			cfg *group.DirectionConfig
		}{{ascs.DirectionSink, cfg.Sink}, {ascs.DirectionSource, cfg.Source}} {
			if dc.cfg == nil {
				continue
			}
			n := 0
			for j := range d.Ases {
				if d.Ases[j].Direction == dc.dir {
					n++
				}
			}
			if n < dc.cfg.AsesPerDevice {
				return fmt.Errorf("device %s has %d %s endpoints, need %d", d.Address, n, dc.dir, dc.cfg.AsesPerDevice)
			}
		}
	}
	if connected == 0 {
		return errors.New("no connected device")
	}
	return nil
}

// checkDirections rejects direction configs that would activate no endpoint.
func checkDirections(cfg *group.SetConfiguration) error {
	if cfg.Sink != nil && cfg.Sink.AsesPerDevice <= 0 {
		return fmt.Errorf("profile %q: sink needs at least one ase per device", cfg.Name)
	}
	if cfg.Source != nil && cfg.Source.AsesPerDevice <= 0 {
		return fmt.Errorf("profile %q: source needs at least one ase per device", cfg.Name)
	}
	return nil
}
