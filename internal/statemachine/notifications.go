package statemachine

import (
	"fmt"

	"leaudio-groupd/internal/ascs"
	"leaudio-groupd/internal/group"
)

// ProcessNotification handles an ASE characteristic notification.
func (e *Engine) ProcessNotification(ref group.AseRef, value []byte) {
	g := e.lookup(ref.Group)
	if g == nil {
		return
	}
	d, a, err := g.ResolveAse(ref)
	if err != nil {
		e.logger.Warn("notification for unknown ase", "group", g.ID, "err", err)
		return
	}
	h, params, err := ascs.ParseHeader(value)
	if err != nil {
		e.logger.Error("malformed ase notification", "group", g.ID, "device", d.Address,
			"payload", fmt.Sprintf("%X", value), "err", err)
		e.StopStream(g.ID)
		return
	}
	e.logger.Debug("ase notification", "group", g.ID, "device", d.Address,
		"ase", h.AseID, "from", a.State, "to", h.State, "data_path", a.DataPath)

	i := ref.Device
	switch h.State {
	case ascs.StateIdle:
		e.processIdle(g, i, a, h.AseID)
	case ascs.StateCodecConfigured:
		e.processCodecConfigured(g, i, a, h.AseID, params)
	case ascs.StateQosConfigured:
		e.processQosConfigured(g, i, a, params)
	case ascs.StateEnabling:
		e.processEnabling(g, i, a, params)
	case ascs.StateStreaming:
		e.processStreaming(g, i, a, params)
	case ascs.StateDisabling:
		e.processDisabling(g, i, a, params)
	case ascs.StateReleasing:
		e.processReleasing(g, i, a)
	}
}

func (e *Engine) invalidTransition(g *group.Group, a *group.Ase, to ascs.AseState) {
	e.logger.Error("invalid ase transition", "group", g.ID, "ase", a.ID, "from", a.State, "to", to)
	e.StopStream(g.ID)
}

func (e *Engine) processIdle(g *group.Group, i int, a *group.Ase, id uint8) {
	d := g.Device(i)
	switch a.State {
	case ascs.StateIdle, ascs.StateCodecConfigured, ascs.StateQosConfigured:
		if a.ID == 0 {
			a.ID = id
		}

	case ascs.StateReleasing:
		a.State = ascs.StateIdle
		a.Active = false
		a.ConfiguredFor = 0

		if !d.HaveAllActiveAsesInState(ascs.StateIdle) {
			return
		}
		if g.TargetState != ascs.StateIdle {
			e.logger.Info("autonomous release", "group", g.ID, "device", d.Address)
			return
		}
		if next := g.NextActiveDevice(i); next >= 0 {
			e.prepareAndSendRelease(g, next)
			return
		}
		if g.FirstActiveDevice() >= 0 {
			return
		}
		e.watchdog.CancelFor(g.ID)
		g.State = ascs.StateIdle
		g.ReleaseCisIDs()
		delete(e.pendingSetup, g.ID)
		e.report(g, StatusIdle)

	default:
		e.invalidTransition(g, a, ascs.StateIdle)
	}
}

func (e *Engine) processCodecConfigured(g *group.Group, i int, a *group.Ase, id uint8, params []byte) {
	d := g.Device(i)
	switch a.State {
	case ascs.StateIdle, ascs.StateCodecConfigured:
		fromIdle := a.State == ascs.StateIdle
		if a.ID == 0 {
			a.ID = id
		}
		p, err := ascs.ParseCodecConfigured(params)
		if err != nil {
			e.logger.Error("codec configured params", "group", g.ID, "ase", a.ID, "err", err)
			e.StopStream(g.ID)
			return
		}
		a.CacheCodecConfigured(p)
		a.State = ascs.StateCodecConfigured
		a.Reconfigure = false

		if g.TargetState == ascs.StateIdle {
			e.logger.Info("autonomous codec configuration", "group", g.ID, "device", d.Address, "ase", a.ID)
			return
		}
		if d.HaveAnyUnconfiguredAses() {
			return
		}
		if g.State == ascs.StateStreaming {
			// Rejoining member: the CIG already exists.
			if !g.AssignCisConnHandles(i) {
				e.logger.Error("rejoin: CIS id outside of the CIG", "group", g.ID, "device", d.Address)
				return
			}
			e.prepareAndSendConfigQos(g, i)
			return
		}
		if next := g.NextActiveDevice(i); next >= 0 {
			e.prepareAndSendCodecConfigure(g, next)
			return
		}

		g.State = ascs.StateCodecConfigured
		switch {
		case g.TargetState == ascs.StateStreaming:
			if !e.cigCreate(g) {
				e.logger.Error("could not create CIG", "group", g.ID, "cig", g.Cig)
				e.StopStream(g.ID)
			}
		case g.TargetState == ascs.StateCodecConfigured && g.StreamConf.PendingConfiguration:
			e.watchdog.CancelFor(g.ID)
			g.StreamConf.PendingConfiguration = false
			e.report(g, StatusConfiguredByUser)
		case fromIdle:
			e.logger.Error("codec configured with unexpected target", "group", g.ID, "target", g.TargetState)
			e.StopStream(g.ID)
		default:
			e.logger.Warn("codec reconfigured with unexpected target", "group", g.ID, "target", g.TargetState)
		}

	case ascs.StateQosConfigured:
		// The server may fall back to codec configured on its own.
		e.logger.Debug("ase back to codec configured", "group", g.ID, "ase", a.ID)

	case ascs.StateReleasing:
		if p, err := ascs.ParseCodecConfigured(params); err == nil {
			a.CacheCodecConfigured(p)
		} else {
			e.logger.Warn("codec configured params after release", "group", g.ID, "ase", a.ID, "err", err)
		}
		a.State = ascs.StateCodecConfigured
		a.Active = false

		if !d.HaveAllActiveAsesInState(ascs.StateCodecConfigured) {
			return
		}
		if g.TargetState != ascs.StateIdle {
			e.logger.Info("autonomous release to codec configured", "group", g.ID, "device", d.Address)
			return
		}
		if next := g.NextActiveDevice(i); next >= 0 {
			e.prepareAndSendRelease(g, next)
			return
		}
		if g.FirstActiveDevice() >= 0 {
			return
		}
		e.watchdog.CancelFor(g.ID)
		g.State = ascs.StateCodecConfigured
		g.TargetState = ascs.StateCodecConfigured
		delete(e.pendingSetup, g.ID)
		e.report(g, StatusConfiguredAutonomous)

	default:
		e.invalidTransition(g, a, ascs.StateCodecConfigured)
	}
}

func (e *Engine) processQosConfigured(g *group.Group, i int, a *group.Ase, params []byte) {
	d := g.Device(i)
	switch a.State {
	case ascs.StateCodecConfigured:
		if _, err := ascs.ParseQosConfigured(params); err != nil {
			e.logger.Error("qos configured params", "group", g.ID, "ase", a.ID, "err", err)
			e.StopStream(g.ID)
			return
		}
		a.State = ascs.StateQosConfigured
		if !d.HaveAllActiveAsesInState(ascs.StateQosConfigured) {
			return
		}
		if g.State == ascs.StateStreaming {
			e.prepareAndSendEnable(g, i)
			return
		}
		if g.TargetState != ascs.StateStreaming {
			e.logger.Warn("qos configured for a group not heading to streaming", "group", g.ID, "target", g.TargetState)
			return
		}
		if next := g.NextActiveDevice(i); next >= 0 {
			e.prepareAndSendConfigQos(g, next)
			return
		}
		e.prepareAndSendEnable(g, g.FirstActiveDevice())

	case ascs.StateQosConfigured:
		e.logger.Debug("qos reconfigured", "group", g.ID, "ase", a.ID)

	case ascs.StateStreaming:
		if a.Direction == ascs.DirectionSource {
			e.invalidTransition(g, a, ascs.StateQosConfigured)
			return
		}
		a.State = ascs.StateQosConfigured
		if d.IsReadyToSuspendStream() {
			e.processGroupDisable(g, i)
		}

	case ascs.StateDisabling:
		a.State = ascs.StateQosConfigured
		if !g.HaveAllActiveDevicesAsesInState(ascs.StateQosConfigured) {
			return
		}
		g.State = ascs.StateQosConfigured
		if !g.HaveAllActiveDevicesCisDisc() {
			return
		}
		if g.TargetState == ascs.StateQosConfigured {
			e.watchdog.CancelFor(g.ID)
			e.report(g, StatusSuspended)
		} else {
			e.logger.Error("suspended while heading elsewhere", "group", g.ID, "target", g.TargetState)
			e.StopStream(g.ID)
		}

	default:
		e.invalidTransition(g, a, ascs.StateQosConfigured)
	}
}

func (e *Engine) processEnabling(g *group.Group, i int, a *group.Ase, params []byte) {
	d := g.Device(i)
	switch a.State {
	case ascs.StateQosConfigured:
		if _, err := ascs.ParseTransient(params); err != nil {
			e.logger.Error("enabling params", "group", g.ID, "ase", a.ID, "err", err)
			e.StopStream(g.ID)
			return
		}
		a.State = ascs.StateEnabling
		if !d.IsReadyToCreateStream() {
			return
		}
		if g.State == ascs.StateStreaming {
			e.cisCreateForDevice(g, i)
			return
		}
		e.processGroupEnable(g, i)

	case ascs.StateEnabling:
		e.logger.Debug("ase still enabling", "group", g.ID, "ase", a.ID)

	default:
		e.invalidTransition(g, a, ascs.StateEnabling)
	}
}

func (e *Engine) processStreaming(g *group.Group, i int, a *group.Ase, params []byte) {
	d := g.Device(i)
	switch a.State {
	case ascs.StateQosConfigured:
		if a.Direction != ascs.DirectionSink {
			e.invalidTransition(g, a, ascs.StateStreaming)
			return
		}
		a.State = ascs.StateStreaming
		if g.State == ascs.StateStreaming {
			return
		}
		if d.IsReadyToCreateStream() {
			e.processGroupEnable(g, i)
		}

	case ascs.StateEnabling:
		if _, err := ascs.ParseTransient(params); err != nil {
			e.logger.Error("streaming params", "group", g.ID, "ase", a.ID, "err", err)
			e.StopStream(g.ID)
			return
		}
		a.State = ascs.StateStreaming

		if g.State == ascs.StateStreaming {
			// Rejoining member.
			g.AddStream(a.Direction, a.CisConnHandle, a.ChannelAllocation)
			if d.HaveAllActiveAsesInState(ascs.StateStreaming) && d.FirstActiveAseByDataPath(group.CisEstablished) >= 0 &&
				g.IsGroupStreamReady() {
				e.prepareNextDataPath(g)
			}
			return
		}
		if !g.HaveAllActiveDevicesAsesInState(ascs.StateStreaming) {
			return
		}
		g.State = ascs.StateStreaming
		if !g.IsGroupStreamReady() {
			return
		}
		if g.TargetState != ascs.StateStreaming {
			e.logger.Error("streaming while heading elsewhere", "group", g.ID, "target", g.TargetState)
			e.StopStream(g.ID)
			return
		}
		e.watchdog.CancelFor(g.ID)
		e.prepareNextDataPath(g)

	case ascs.StateStreaming:
		p, err := ascs.ParseTransient(params)
		if err != nil {
			e.logger.Error("streaming params", "group", g.ID, "ase", a.ID, "err", err)
			e.StopStream(g.ID)
			return
		}
		if len(p.Metadata) > 0 {
			a.Metadata = p.Metadata
		}

	default:
		e.invalidTransition(g, a, ascs.StateStreaming)
	}
}

func (e *Engine) processDisabling(g *group.Group, i int, a *group.Ase, params []byte) {
	d := g.Device(i)
	if a.Direction == ascs.DirectionSink {
		e.logger.Error("sink ase cannot be disabling", "group", g.ID, "ase", a.ID)
		e.StopStream(g.ID)
		return
	}
	switch a.State {
	case ascs.StateEnabling, ascs.StateStreaming:
		if _, err := ascs.ParseTransient(params); err != nil {
			e.logger.Error("disabling params", "group", g.ID, "ase", a.ID, "err", err)
			e.StopStream(g.ID)
			return
		}
		a.State = ascs.StateDisabling
		if d.IsReadyToSuspendStream() {
			e.processGroupDisable(g, i)
		}

	default:
		e.invalidTransition(g, a, ascs.StateDisabling)
	}
}

func (e *Engine) processReleasing(g *group.Group, i int, a *group.Ase) {
	d := g.Device(i)
	switch a.State {
	case ascs.StateCodecConfigured, ascs.StateDisabling:
		a.State = ascs.StateReleasing

	case ascs.StateQosConfigured:
		e.removeCig(g)
		a.State = ascs.StateReleasing
		if g.HaveAllActiveDevicesAsesInState(ascs.StateReleasing) {
			g.State = ascs.StateReleasing
		}

	case ascs.StateEnabling, ascs.StateStreaming:
		a.State = ascs.StateReleasing
		switch a.DataPath {
		case group.DataPathEstablished:
			e.removeDataPath(d, a.CisConnHandle)
		case group.CisEstablished, group.CisPending:
			e.disconnectCis(d, a.CisConnHandle)
		}

	default:
		e.logger.Warn("unexpected release", "group", g.ID, "ase", a.ID, "from", a.State)
	}
}
