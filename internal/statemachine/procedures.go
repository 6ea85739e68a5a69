package statemachine

import (
	"fmt"

	"leaudio-groupd/internal/ascs"
	"leaudio-groupd/internal/group"
	"leaudio-groupd/internal/iso"
)

func (e *Engine) writeControlPoint(d *group.Device, value []byte) {
	e.logger.Debug("control point write",
		"device", d.Address,
		"op", ascs.OpName(value[0]),
		"ases", value[1],
		"payload", fmt.Sprintf("%X", value))
	e.gatt.WriteCharacteristic(d.ConnHandle, d.CtpHandle, value)
}

func (e *Engine) prepareAndSendCodecConfigure(g *group.Group, i int) {
	d := g.Device(i)
	if !g.AssignCisIDs(i) {
		e.logger.Error("no free CIS id", "group", g.ID, "device", d.Address)
		e.StopStream(g.ID)
		return
	}
	var reqs []ascs.CodecConfigRequest
	for j := d.FirstActiveAse(); j >= 0; j = d.NextActiveAse(j) {
		a := &d.Ases[j]
		reqs = append(reqs, ascs.CodecConfigRequest{
			AseID:         a.ID,
			TargetLatency: a.TargetLatency,
			TargetPhy:     a.TargetPhy,
			Codec:         a.Codec,
			Config:        a.CodecConfig,
		})
	}
	e.writeControlPoint(d, ascs.EncodeConfigCodec(reqs))
}

func (e *Engine) startConfigQosForGroup(g *group.Group) {
	i := g.FirstActiveDevice()
	if i < 0 {
		e.logger.Error("qos configure: no active device", "group", g.ID)
		e.StopStream(g.ID)
		return
	}
	e.prepareAndSendConfigQos(g, i)
}

func (e *Engine) prepareAndSendConfigQos(g *group.Group, i int) {
	d := g.Device(i)
	var reqs []ascs.QosConfigRequest
	for j := d.FirstActiveAse(); j >= 0; j = d.NextActiveAse(j) {
		a := &d.Ases[j]
		delay, ok := g.PresentationDelay(a.Direction)
		if !ok {
			e.logger.Error("presentation delay ranges do not overlap", "group", g.ID, "direction", a.Direction)
			e.StopStream(g.ID)
			return
		}
		if a.CisConnHandle == group.InvalidConnHandle {
			e.logger.Error("qos configure: ase has no CIS", "group", g.ID, "device", d.Address, "ase", a.ID)
			e.StopStream(g.ID)
			return
		}
		reqs = append(reqs, ascs.QosConfigRequest{
			AseID:               a.ID,
			CigID:               uint8(g.ID),
			CisID:               a.CisID,
			SduIntervalUs:       g.SduInterval(a.Direction),
			Framing:             g.Framing(),
			Phy:                 g.Phy(a.Direction),
			MaxSdu:              a.MaxSdu,
			RetransmissionNum:   a.RetransmissionNum,
			MaxTransportLatency: g.MaxTransportLatency(a.Direction),
			PresentationDelayUs: delay,
		})
	}
	e.writeControlPoint(d, ascs.EncodeConfigQos(reqs))
}

func (e *Engine) prepareAndSendEnable(g *group.Group, i int) {
	d := g.Device(i)
	var reqs []ascs.MetadataRequest
	for j := d.FirstActiveAse(); j >= 0; j = d.NextActiveAse(j) {
		reqs = append(reqs, ascs.MetadataRequest{AseID: d.Ases[j].ID, Metadata: d.Ases[j].Metadata})
	}
	e.writeControlPoint(d, ascs.EncodeEnable(reqs))
}

func (e *Engine) prepareAndSendUpdateMetadata(g *group.Group, i int, meta []byte) {
	d := g.Device(i)
	var reqs []ascs.MetadataRequest
	for j := d.FirstActiveAse(); j >= 0; j = d.NextActiveAse(j) {
		d.Ases[j].Metadata = meta
		reqs = append(reqs, ascs.MetadataRequest{AseID: d.Ases[j].ID, Metadata: meta})
	}
	e.writeControlPoint(d, ascs.EncodeUpdateMetadata(reqs))
}

func activeAseIDs(d *group.Device) []uint8 {
	var ids []uint8
	for j := d.FirstActiveAse(); j >= 0; j = d.NextActiveAse(j) {
		ids = append(ids, d.Ases[j].ID)
	}
	return ids
}

func (e *Engine) prepareAndSendDisable(g *group.Group, i int) {
	d := g.Device(i)
	e.writeControlPoint(d, ascs.EncodeDisable(activeAseIDs(d)))
}

func (e *Engine) prepareAndSendRelease(g *group.Group, i int) {
	d := g.Device(i)
	e.writeControlPoint(d, ascs.EncodeRelease(activeAseIDs(d)))
}

// cigCreate requests the CIG of the group. Members without active
// endpoints get CIS ids reserved so they can rejoin the running stream.
func (e *Engine) cigCreate(g *group.Group) bool {
	if g.Cig != group.CigNone {
		e.logger.Warn("CIG already exists", "group", g.ID, "cig", g.Cig)
		return false
	}

	params := iso.CigParams{
		CigID:                   uint8(g.ID),
		SduIntervalMtoS:         g.SduInterval(ascs.DirectionSink),
		SduIntervalStoM:         g.SduInterval(ascs.DirectionSource),
		SCA:                     0,
		Packing:                 0,
		Framing:                 g.Framing(),
		MaxTransportLatencyMtoS: g.MaxTransportLatency(ascs.DirectionSink),
		MaxTransportLatencyStoM: g.MaxTransportLatency(ascs.DirectionSource),
	}

	index := map[uint8]int{}
	for i := 0; i < g.NumDevices(); i++ {
		d := g.Device(i)
		for j := d.FirstActiveAse(); j >= 0; j = d.NextActiveAse(j) {
			a := &d.Ases[j]
			if a.CisID == group.InvalidCisID {
				continue
			}
			k, ok := index[a.CisID]
			if !ok {
				k = len(params.Cis)
				index[a.CisID] = k
				params.Cis = append(params.Cis, iso.CisConfig{CisID: a.CisID})
			}
			c := &params.Cis[k]
			if a.Direction == ascs.DirectionSink {
				c.MaxSduMtoS = a.MaxSdu
				c.RtnMtoS = a.RetransmissionNum
				c.PhyMtoS = g.Phy(ascs.DirectionSink)
			} else {
				c.MaxSduStoM = a.MaxSdu
				c.RtnStoM = a.RetransmissionNum
				c.PhyStoM = g.Phy(ascs.DirectionSource)
			}
		}
	}
	if len(params.Cis) == 0 {
		e.logger.Error("CIG create: no CIS to configure", "group", g.ID)
		return false
	}

	want := g.NumDevices() * cisPerDevice(g.Config)
	template := params.Cis[0]
	for id := 0; len(params.Cis) < want && id < g.MaxCis; id++ {
		if _, ok := index[uint8(id)]; ok {
			continue
		}
		c := template
		c.CisID = uint8(id)
		index[c.CisID] = len(params.Cis)
		params.Cis = append(params.Cis, c)
	}

	g.Cig = group.CigCreating
	e.logger.Info("creating CIG", "group", g.ID, "cis", len(params.Cis),
		"sdu_mtos", params.SduIntervalMtoS, "sdu_stom", params.SduIntervalStoM)
	e.iso.CreateCig(params)
	return true
}

func cisPerDevice(cfg *group.SetConfiguration) int {
	if cfg == nil {
		return 1
	}
	n := 0
	if cfg.Sink != nil {
		n = cfg.Sink.AsesPerDevice
	}
	if cfg.Source != nil && cfg.Source.AsesPerDevice > n {
		n = cfg.Source.AsesPerDevice
	}
	if n == 0 {
		n = 1
	}
	return n
}

func (e *Engine) removeCig(g *group.Group) {
	if g.Cig != group.CigCreated {
		e.logger.Debug("CIG not removable", "group", g.ID, "cig", g.Cig)
		return
	}
	g.Cig = group.CigRemoving
	e.iso.RemoveCig(uint8(g.ID))
}

func (e *Engine) cisCreateForDevice(g *group.Group, i int) {
	var pairs []iso.CisConnPair
	e.collectCisPairs(g.Device(i), &pairs)
	if len(pairs) > 0 {
		e.iso.EstablishCis(pairs)
	}
}

func (e *Engine) cisCreate(g *group.Group) {
	var pairs []iso.CisConnPair
	for i := g.FirstActiveDevice(); i >= 0; i = g.NextActiveDevice(i) {
		e.collectCisPairs(g.Device(i), &pairs)
	}
	if len(pairs) == 0 {
		e.logger.Error("CIS create: nothing to create", "group", g.ID)
		e.StopStream(g.ID)
		return
	}
	e.iso.EstablishCis(pairs)
}

func (e *Engine) collectCisPairs(d *group.Device, pairs *[]iso.CisConnPair) {
	for j := d.FirstActiveAse(); j >= 0; j = d.NextActiveAse(j) {
		a := &d.Ases[j]
		if a.DataPath != group.CisAssigned {
			continue
		}
		sink, source := d.AsesByCisConnHandle(a.CisConnHandle)
		for _, p := range d.Pair(sink, source) {
			p.DataPath = group.CisPending
		}
		*pairs = append(*pairs, iso.CisConnPair{CisConnHandle: a.CisConnHandle, AclConnHandle: d.ConnHandle})
	}
}

// prepareNextDataPath sets up the first established CIS still lacking a
// data path. When every data path is up the group is reported streaming.
func (e *Engine) prepareNextDataPath(g *group.Group) {
	if _, busy := e.pendingSetup[g.ID]; busy {
		return
	}
	for i := g.FirstActiveDevice(); i >= 0; i = g.NextActiveDevice(i) {
		d := g.Device(i)
		j := d.FirstActiveAseByDataPath(group.CisEstablished)
		if j < 0 {
			continue
		}
		e.prepareDataPath(g, &d.Ases[j])
		return
	}
	g.RebuildStreams()
	e.report(g, StatusStreaming)
}

func (e *Engine) prepareDataPath(g *group.Group, a *group.Ase) {
	p := iso.DataPathParams{
		Direction:    iso.DataPathInput,
		DataPathID:   iso.DataPathIDHCI,
		CodingFormat: ascs.CodingFormatTransparent,
	}
	if a.Direction == ascs.DirectionSource {
		p.Direction = iso.DataPathOutput
	}
	if e.cfg.CodecOffload {
		p.DataPathID = iso.DataPathIDPlatform
		p.CodingFormat = a.Codec.Format
		p.CompanyID = a.Codec.CompanyID
		p.VendorCodecID = a.Codec.VendorCodecID
		p.CodecConfig = a.CodecConfig
	}
	e.pendingSetup[g.ID] = pathKey{handle: a.CisConnHandle, dir: a.Direction}
	e.logger.Debug("setting up data path", "group", g.ID, "cis", a.CisConnHandle, "direction", a.Direction)
	e.iso.SetupIsoDataPath(a.CisConnHandle, p)
}

// removeDataPath removes the data paths of every established endpoint on
// a CIS in one request.
func (e *Engine) removeDataPath(d *group.Device, cisHandle uint16) {
	if _, busy := e.pendingRemove[cisHandle]; busy {
		return
	}
	var mask uint8
	sink, source := d.AsesByCisConnHandle(cisHandle)
	if sink >= 0 && d.Ases[sink].DataPath == group.DataPathEstablished {
		mask |= iso.RemoveInputDataPath
	}
	if source >= 0 && d.Ases[source].DataPath == group.DataPathEstablished {
		mask |= iso.RemoveOutputDataPath
	}
	if mask == 0 {
		return
	}
	e.pendingRemove[cisHandle] = struct{}{}
	e.iso.RemoveIsoDataPath(cisHandle, mask)
}

func (e *Engine) disconnectCis(d *group.Device, cisHandle uint16) {
	sink, source := d.AsesByCisConnHandle(cisHandle)
	pair := d.Pair(sink, source)
	for _, a := range pair {
		if a.DataPath == group.CisDisconnecting {
			return
		}
	}
	for _, a := range pair {
		a.DataPath = group.CisDisconnecting
	}
	e.iso.DisconnectCis(cisHandle, iso.ReasonRemoteUserTerminated)
}

// releaseDataPath starts the data path teardown of a suspending group.
func (e *Engine) releaseDataPath(g *group.Group) {
	for i := g.FirstActiveDevice(); i >= 0; i = g.NextActiveDevice(i) {
		d := g.Device(i)
		if j := d.FirstActiveAseByDataPath(group.DataPathEstablished); j >= 0 {
			e.removeDataPath(d, d.Ases[j].CisConnHandle)
			return
		}
	}
	for i := g.FirstActiveDevice(); i >= 0; i = g.NextActiveDevice(i) {
		d := g.Device(i)
		if j := d.FirstActiveAseByDataPath(group.CisEstablished); j >= 0 {
			e.disconnectCis(d, d.Ases[j].CisConnHandle)
			return
		}
	}
	e.logger.Debug("no data path to release", "group", g.ID)
}

func (e *Engine) processGroupEnable(g *group.Group, i int) {
	if next := g.NextActiveDevice(i); next >= 0 {
		e.prepareAndSendEnable(g, next)
		return
	}
	if g.HaveAllActiveDevicesAsesInState(ascs.StateStreaming) {
		g.State = ascs.StateStreaming
	} else {
		g.State = ascs.StateEnabling
	}
	if g.TargetState != ascs.StateStreaming {
		e.logger.Error("enable finished for a group not heading to streaming", "group", g.ID, "target", g.TargetState)
		e.StopStream(g.ID)
		return
	}
	e.cisCreate(g)
}

func (e *Engine) processGroupDisable(g *group.Group, i int) {
	if next := g.NextActiveDevice(i); next >= 0 {
		e.prepareAndSendDisable(g, next)
		return
	}
	if g.HaveAllActiveDevicesAsesInState(ascs.StateQosConfigured) {
		g.State = ascs.StateQosConfigured
	} else {
		g.State = ascs.StateDisabling
	}
	if g.TargetState != ascs.StateQosConfigured {
		e.logger.Error("disable finished for a group not suspending", "group", g.ID, "target", g.TargetState)
		e.StopStream(g.ID)
		return
	}
	e.releaseDataPath(g)
}
