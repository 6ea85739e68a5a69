package statemachine

import (
	"leaudio-groupd/internal/ascs"
	"leaudio-groupd/internal/group"
	"leaudio-groupd/internal/iso"
)

// ProcessCigCreated handles completion of the CIG creation of a group.
func (e *Engine) ProcessCigCreated(groupID int, evt iso.CigCreatedEvent) {
	g := e.lookup(groupID)
	if g == nil {
		return
	}
	if g.Cig != group.CigCreating {
		e.logger.Warn("unexpected CIG created event", "group", g.ID, "cig", g.Cig)
	}
	if evt.Status != iso.StatusSuccess {
		e.logger.Error("CIG creation failed", "group", g.ID, "status", evt.Status)
		g.Cig = group.CigNone
		e.StopStream(g.ID)
		return
	}
	g.Cig = group.CigCreated

	// Handles come back in the order the CISes were requested.
	ids := e.requestedCisIDs(g)
	if len(ids) != len(evt.ConnHandles) {
		e.logger.Warn("CIS handle count mismatch", "group", g.ID, "requested", len(ids), "got", len(evt.ConnHandles))
	}
	g.Cises = g.Cises[:0]
	for k := 0; k < len(ids) && k < len(evt.ConnHandles); k++ {
		g.Cises = append(g.Cises, group.CisEntry{ID: ids[k], ConnHandle: evt.ConnHandles[k]})
	}
	for i := 0; i < g.NumDevices(); i++ {
		if !g.AssignCisConnHandles(i) {
			e.logger.Warn("ase without CIS handle", "group", g.ID, "device", g.Device(i).Address)
		}
	}

	g.State = ascs.StateQosConfigured
	if g.TargetState != ascs.StateStreaming {
		e.logger.Warn("CIG created for a group not heading to streaming", "group", g.ID, "target", g.TargetState)
		e.removeCig(g)
		e.StopStream(g.ID)
		return
	}
	e.startConfigQosForGroup(g)
}

// requestedCisIDs replays the CIS ordering cigCreate used.
func (e *Engine) requestedCisIDs(g *group.Group) []uint8 {
	seen := map[uint8]bool{}
	var ids []uint8
	for i := 0; i < g.NumDevices(); i++ {
		d := g.Device(i)
		for j := d.FirstActiveAse(); j >= 0; j = d.NextActiveAse(j) {
			id := d.Ases[j].CisID
			if id == group.InvalidCisID || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
	}
	want := g.NumDevices() * cisPerDevice(g.Config)
	for id := 0; len(ids) < want && id < g.MaxCis; id++ {
		if !seen[uint8(id)] {
			seen[uint8(id)] = true
			ids = append(ids, uint8(id))
		}
	}
	return ids
}

// ProcessCigRemoved handles completion of a CIG removal.
func (e *Engine) ProcessCigRemoved(groupID int, evt iso.CigRemovedEvent) {
	g := e.lookup(groupID)
	if g == nil {
		return
	}
	if evt.Status != iso.StatusSuccess {
		e.logger.Error("CIG removal failed", "group", g.ID, "status", evt.Status)
		g.Cig = group.CigCreated
		return
	}
	g.Cig = group.CigNone
	g.Cises = nil
	for i := 0; i < g.NumDevices(); i++ {
		g.Device(i).FreeLinkQualityPolls()
	}
	g.ResetDataPaths()
	delete(e.pendingSetup, g.ID)
}

// ProcessDataPathSetup handles completion of an ISO data path setup.
func (e *Engine) ProcessDataPathSetup(groupID int, evt iso.DataPathEvent) {
	g := e.lookup(groupID)
	if g == nil {
		return
	}
	delete(e.pendingSetup, g.ID)
	if evt.Status != iso.StatusSuccess {
		e.logger.Error("data path setup failed", "group", g.ID, "cis", evt.ConnHandle, "status", evt.Status)
		e.StopStream(g.ID)
		return
	}
	i := g.DeviceByCisConnHandle(evt.ConnHandle)
	if i < 0 {
		e.logger.Warn("data path setup for unknown CIS", "group", g.ID, "cis", evt.ConnHandle)
		return
	}
	d := g.Device(i)
	j := -1
	for k := range d.Ases {
		a := &d.Ases[k]
		if a.Active && a.DataPath == group.CisEstablished && a.CisConnHandle == evt.ConnHandle {
			j = k
			break
		}
	}
	if j < 0 {
		e.logger.Warn("data path setup without a pending endpoint", "group", g.ID, "cis", evt.ConnHandle)
		return
	}
	d.Ases[j].DataPath = group.DataPathEstablished

	if g.TargetState != ascs.StateStreaming {
		e.logger.Debug("data path up for a group no longer streaming", "group", g.ID, "target", g.TargetState)
		return
	}
	e.prepareNextDataPath(g)
}

// ProcessDataPathRemoved handles completion of an ISO data path removal
// and disconnects the CIS behind it.
func (e *Engine) ProcessDataPathRemoved(groupID int, evt iso.DataPathEvent) {
	g := e.lookup(groupID)
	if g == nil {
		return
	}
	delete(e.pendingRemove, evt.ConnHandle)
	if evt.Status != iso.StatusSuccess {
		e.logger.Error("data path removal failed", "group", g.ID, "cis", evt.ConnHandle, "status", evt.Status)
		e.StopStream(g.ID)
		return
	}
	i := g.DeviceByCisConnHandle(evt.ConnHandle)
	if i < 0 {
		return
	}
	d := g.Device(i)
	sink, source := d.AsesByCisConnHandle(evt.ConnHandle)
	removed := false
	for _, a := range d.Pair(sink, source) {
		if a.DataPath == group.DataPathEstablished {
			a.DataPath = group.CisDisconnecting
			removed = true
		}
	}
	if removed {
		e.iso.DisconnectCis(evt.ConnHandle, iso.ReasonRemoteUserTerminated)
	}
}

// ProcessCisEstablished handles the outcome of a CIS creation.
func (e *Engine) ProcessCisEstablished(groupID int, evt iso.CisEstablishedEvent) {
	g := e.lookup(groupID)
	if g == nil {
		return
	}
	i := g.DeviceByCisConnHandle(evt.ConnHandle)
	if i < 0 {
		e.logger.Warn("CIS established for unknown handle", "group", g.ID, "cis", evt.ConnHandle)
		return
	}
	d := g.Device(i)
	sink, source := d.AsesByCisConnHandle(evt.ConnHandle)
	pair := d.Pair(sink, source)

	if evt.Status != iso.StatusSuccess {
		e.logger.Error("CIS establishment failed", "group", g.ID, "device", d.Address,
			"cis", evt.ConnHandle, "status", evt.Status)
		for _, a := range pair {
			if a.DataPath == group.CisPending {
				a.DataPath = group.CisAssigned
			}
		}
		if g.HaveAllActiveDevicesCisDisc() {
			e.removeCig(g)
		}
		e.StopStream(g.ID)
		return
	}

	for _, a := range pair {
		a.DataPath = group.CisEstablished
	}
	if g.TargetState != ascs.StateStreaming {
		e.logger.Warn("CIS established for a group not heading to streaming", "group", g.ID, "target", g.TargetState)
		if g.IsReleasing() {
			e.disconnectCis(d, evt.ConnHandle)
			return
		}
		e.StopStream(g.ID)
		return
	}

	if e.cfg.LinkQualityReports {
		e.startLinkQualityPoll(g, d, evt.ConnHandle)
	}
	if !d.HaveAllActiveAsesCisEst() {
		return
	}
	var ids []uint8
	for j := d.FirstActiveAse(); j >= 0; j = d.NextActiveAse(j) {
		a := &d.Ases[j]
		if a.Direction == ascs.DirectionSource && a.State == ascs.StateEnabling {
			ids = append(ids, a.ID)
		}
	}
	if len(ids) > 0 {
		e.writeControlPoint(d, ascs.EncodeReceiverStartReady(ids))
		return
	}
	if g.State == ascs.StateStreaming && g.IsGroupStreamReady() {
		e.watchdog.CancelFor(g.ID)
		e.prepareNextDataPath(g)
	}
}

// ProcessCisDisconnected handles the loss or teardown of a CIS.
func (e *Engine) ProcessCisDisconnected(groupID int, evt iso.DisconnectedEvent) {
	g := e.lookup(groupID)
	if g == nil {
		return
	}
	delete(e.pendingRemove, evt.ConnHandle)
	if k, ok := e.pendingSetup[g.ID]; ok && k.handle == evt.ConnHandle {
		delete(e.pendingSetup, g.ID)
	}
	i := g.DeviceByCisConnHandle(evt.ConnHandle)
	if i < 0 {
		e.logger.Warn("CIS disconnected for unknown handle", "group", g.ID, "cis", evt.ConnHandle)
		return
	}
	d := g.Device(i)
	d.StopLinkQualityPoll(evt.ConnHandle)

	sink, source := d.AsesByCisConnHandle(evt.ConnHandle)
	for _, a := range d.Pair(sink, source) {
		a.DataPath = group.CisAssigned
	}
	g.RemoveStreams(evt.ConnHandle)
	e.logger.Info("CIS disconnected", "group", g.ID, "device", d.Address,
		"cis", evt.ConnHandle, "reason", evt.Reason, "target", g.TargetState)

	switch g.TargetState {
	case ascs.StateStreaming:
		if !g.HaveAllActiveDevicesCisDisc() {
			e.logger.Warn("lost one CIS, keep streaming on the rest", "group", g.ID, "cis", evt.ConnHandle)
			return
		}
		e.removeCig(g)
		e.watchdog.CancelFor(g.ID)
		g.State = ascs.StateIdle
		g.TargetState = ascs.StateIdle
		e.report(g, StatusIdle)
		return

	case ascs.StateQosConfigured:
		if g.State == ascs.StateQosConfigured && g.HaveAllActiveDevicesCisDisc() {
			e.watchdog.CancelFor(g.ID)
			e.report(g, StatusSuspended)
		}

	case ascs.StateIdle, ascs.StateCodecConfigured:
		if g.HaveAllActiveDevicesCisDisc() {
			e.removeCig(g)
			return
		}
	}

	if source >= 0 && d.Ases[source].State == ascs.StateDisabling {
		e.writeControlPoint(d, ascs.EncodeReceiverStopReady([]uint8{d.Ases[source].ID}))
	}

	for k := i; k >= 0; k = g.NextActiveDevice(k) {
		dd := g.Device(k)
		if j := dd.FirstActiveAseByDataPath(group.DataPathEstablished); j >= 0 {
			e.removeDataPath(dd, dd.Ases[j].CisConnHandle)
			return
		}
	}
}

// ProcessAclDisconnected handles the loss of a member's ACL connection.
func (e *Engine) ProcessAclDisconnected(ref group.DeviceRef) {
	g := e.lookup(ref.Group)
	if g == nil {
		return
	}
	d, err := g.ResolveDevice(ref)
	if err != nil {
		e.logger.Warn("ACL disconnected for unknown device", "group", g.ID, "err", err)
		return
	}
	d.FreeLinkQualityPolls()
	d.ConnHandle = group.InvalidConnHandle

	if g.State == ascs.StateIdle && g.TargetState == ascs.StateIdle {
		d.DeactivateAllAses()
		return
	}
	for j := range d.Ases {
		if h := d.Ases[j].CisConnHandle; h != group.InvalidConnHandle {
			g.RemoveStreams(h)
			delete(e.pendingRemove, h)
		}
	}
	d.DeactivateAllAses()

	if g.IsAnyDeviceConnected() && !g.HaveAllActiveDevicesCisDisc() {
		return
	}
	g.State = ascs.StateIdle
	g.TargetState = ascs.StateIdle
	e.watchdog.CancelFor(g.ID)
	g.ReleaseCisIDs()
	delete(e.pendingSetup, g.ID)
	e.report(g, StatusIdle)
	e.removeCig(g)
}

// ProcessLinkQuality logs a link quality read.
func (e *Engine) ProcessLinkQuality(groupID int, lq iso.LinkQuality) {
	e.logger.Debug("ISO link quality",
		"group", groupID,
		"cis", lq.ConnHandle,
		"status", lq.Status,
		"tx_unacked", lq.TxUnackedPackets,
		"tx_flushed", lq.TxFlushedPackets,
		"tx_last_subevent", lq.TxLastSubeventPackets,
		"retransmitted", lq.RetransmittedPackets,
		"crc_errors", lq.CrcErrorPackets,
		"rx_unreceived", lq.RxUnreceivedPackets,
		"duplicates", lq.DuplicatePackets)
}

func (e *Engine) startLinkQualityPoll(g *group.Group, d *group.Device, cisHandle uint16) {
	if d.HasLinkQualityPoll(cisHandle) {
		return
	}
	groupID, addr := g.ID, d.Address
	var poll func()
	poll = func() {
		g := e.groups[groupID]
		if g == nil {
			return
		}
		i := g.DeviceByAddress(addr)
		if i < 0 || !g.Device(i).HasLinkQualityPoll(cisHandle) {
			return
		}
		e.iso.ReadIsoLinkQuality(cisHandle)
		g.Device(i).SetLinkQualityPoll(cisHandle, e.sched.AfterFunc(e.cfg.LinkQualityInterval, poll))
	}
	d.SetLinkQualityPoll(cisHandle, e.sched.AfterFunc(e.cfg.LinkQualityInterval, poll))
}
