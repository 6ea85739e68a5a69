package statemachine

import (
	"leaudio-groupd/internal/ascs"
	"leaudio-groupd/internal/group"
)

// AttachToStream brings a reconnected member into a group that is already
// streaming. Only that member receives control operations.
func (e *Engine) AttachToStream(ref group.DeviceRef) bool {
	g := e.lookup(ref.Group)
	if g == nil {
		return false
	}
	d, err := g.ResolveDevice(ref)
	if err != nil {
		e.logger.Warn("attach to stream", "group", g.ID, "err", err)
		return false
	}
	if g.State != ascs.StateStreaming || g.TargetState != ascs.StateStreaming {
		e.logger.Error("attach to stream: group not streaming", "group", g.ID, "device", d.Address,
			"state", g.State, "target", g.TargetState)
		return false
	}
	if !g.ConfigureDevice(ref.Device) {
		e.logger.Error("attach to stream: no configuration for device", "group", g.ID, "device", d.Address)
		return false
	}
	e.logger.Info("attaching device to stream", "group", g.ID, "device", d.Address)
	e.prepareAndSendCodecConfigure(g, ref.Device)
	return true
}

// ConfigureStream brings the group to codec configured for ctx without
// starting it. Completion is reported as StatusConfiguredByUser.
func (e *Engine) ConfigureStream(groupID int, ctx group.ContextType, ccid int) bool {
	g := e.lookup(groupID)
	if g == nil {
		return false
	}
	if g.State > ascs.StateCodecConfigured {
		e.logger.Error("configure stream: group already past codec configured", "group", g.ID, "state", g.State)
		return false
	}
	if !e.configure(g, ctx, ccid) {
		return false
	}
	g.StreamConf.PendingConfiguration = true
	e.setTargetState(g, ascs.StateCodecConfigured)
	e.prepareAndSendCodecConfigure(g, g.FirstActiveDevice())
	return true
}

// StartStream drives the group to streaming for ctx.
func (e *Engine) StartStream(groupID int, ctx group.ContextType, ccid int) bool {
	g := e.lookup(groupID)
	if g == nil {
		return false
	}
	e.logger.Info("start stream", "group", g.ID, "context", ctx, "ccid", ccid, "state", g.State)

	switch g.State {
	case ascs.StateCodecConfigured:
		if g.Context == ctx {
			g.Activate(ctx)
			if g.FirstActiveDevice() >= 0 {
				if !e.cigCreate(g) {
					e.logger.Error("start stream: cannot create CIG", "group", g.ID, "cig", g.Cig)
					return false
				}
				e.setTargetState(g, ascs.StateStreaming)
				return true
			}
		}
		fallthrough
	case ascs.StateIdle:
		if !e.configure(g, ctx, ccid) {
			return false
		}
		e.setTargetState(g, ascs.StateStreaming)
		e.prepareAndSendCodecConfigure(g, g.FirstActiveDevice())
		return true

	case ascs.StateQosConfigured:
		i := g.FirstActiveDevice()
		if i < 0 {
			e.logger.Error("start stream: no active device", "group", g.ID)
			return false
		}
		meta := ascs.BuildMetadata(uint16(ctx), ccid)
		for ; i >= 0; i = g.NextActiveDevice(i) {
			d := g.Device(i)
			for j := range d.Ases {
				if d.Ases[j].Active {
					d.Ases[j].Metadata = meta
				}
			}
		}
		e.setTargetState(g, ascs.StateStreaming)
		e.prepareAndSendEnable(g, g.FirstActiveDevice())
		return true

	case ascs.StateStreaming:
		if !g.IsMetadataChanged(ctx, ccid) {
			return true
		}
		meta := ascs.BuildMetadata(uint16(ctx), ccid)
		for i := g.FirstActiveDevice(); i >= 0; i = g.NextActiveDevice(i) {
			if g.Device(i).MetadataChanged(meta) {
				e.prepareAndSendUpdateMetadata(g, i, meta)
			}
		}
		return true
	}

	e.logger.Error("start stream: invalid group state", "group", g.ID, "state", g.State)
	return false
}

// SuspendStream takes a streaming group back to QoS configured.
func (e *Engine) SuspendStream(groupID int) bool {
	g := e.lookup(groupID)
	if g == nil {
		return false
	}
	i := g.FirstActiveDevice()
	if i < 0 {
		e.logger.Error("suspend stream: no active device", "group", g.ID)
		return false
	}
	e.setTargetState(g, ascs.StateQosConfigured)
	e.prepareAndSendDisable(g, i)
	e.report(g, StatusSuspending)
	return true
}

// StopStream releases every endpoint of the group. Calling it while a
// release is already under way has no effect.
func (e *Engine) StopStream(groupID int) {
	g := e.lookup(groupID)
	if g == nil {
		return
	}
	if g.IsReleasing() {
		e.logger.Info("stop stream: already releasing", "group", g.ID, "state", g.State)
		return
	}
	i := g.FirstActiveDevice()
	if i < 0 {
		e.logger.Info("stop stream: no active device", "group", g.ID)
		e.watchdog.CancelFor(g.ID)
		g.State = ascs.StateIdle
		g.TargetState = ascs.StateIdle
		e.report(g, StatusIdle)
		e.removeCig(g)
		return
	}
	e.setTargetState(g, ascs.StateIdle)
	e.prepareAndSendRelease(g, i)
	e.report(g, StatusReleasing)
}

func (e *Engine) configure(g *group.Group, ctx group.ContextType, ccid int) bool {
	cfg, err := e.codecs.Select(g, ctx)
	if err != nil {
		e.logger.Error("codec selection failed", "group", g.ID, "context", ctx, "err", err)
		return false
	}
	if cfg == nil {
		e.logger.Error("no codec configuration", "group", g.ID, "context", ctx)
		return false
	}
	if !g.Configure(cfg, ctx, ccid) {
		e.logger.Error("group cannot take configuration", "group", g.ID, "context", ctx, "config", cfg.Name)
		return false
	}
	if g.FirstActiveDevice() < 0 {
		e.logger.Error("configuration activates no device", "group", g.ID, "context", ctx, "config", cfg.Name)
		return false
	}
	return true
}
