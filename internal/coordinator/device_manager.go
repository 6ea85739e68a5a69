package coordinator

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"leaudio-groupd/internal/ascs"
	"leaudio-groupd/internal/group"
	"leaudio-groupd/internal/hci"
	"leaudio-groupd/internal/iso"
	"leaudio-groupd/internal/store"
)

// DeviceManager handles member device lifecycle: loading groups, binding
// connections, routing notifications and caching what was learned about
// each device. All methods except LoadGroups run on the engine loop.
type DeviceManager struct {
	coord  *Coordinator
	logger *slog.Logger

	// Last persisted record per address.
	saved map[string]*store.Device
}

// NewDeviceManager creates a new device manager.
func NewDeviceManager(coord *Coordinator) *DeviceManager {
	return &DeviceManager{
		coord:  coord,
		logger: coord.logger.With("component", "device_manager"),
		saved:  make(map[string]*store.Device),
	}
}

// LoadGroups registers the configured groups with the engine. ASE ids and
// the codec and QoS cache learned in earlier runs are restored from the
// store. It must be called
// before the loop runs.
func (dm *DeviceManager) LoadGroups(cfgs []GroupConfig) error {
	st := dm.coord.Store()
	eng := dm.coord.engine
	for _, gc := range cfgs {
		if eng.Group(gc.ID) != nil {
			return fmt.Errorf("group %d: duplicate id", gc.ID)
		}
		g := group.New(gc.ID)
		if dm.coord.cfg.MaxCis > 0 {
			g.MaxCis = dm.coord.cfg.MaxCis
		}
		members := make([]string, 0, len(gc.Devices))
		for _, dc := range gc.Devices {
			if i := dm.find(dc.Address); i.g != nil {
				return fmt.Errorf("device %s: already in group %d", dc.Address, i.g.ID)
			}
			if g.DeviceByAddress(dc.Address) >= 0 {
				return fmt.Errorf("device %s: listed twice in group %d", dc.Address, gc.ID)
			}
			cached, err := st.GetDevice(dc.Address)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				dm.logger.Warn("load cached device", "address", dc.Address, "err", err)
			}
			ases := make([]group.Ase, 0, len(dc.Ases))
			for _, ac := range dc.Ases {
				a := group.NewAse(ac.Handle, ac.Direction)
				a.ID = ac.ID
				if rec := cachedAse(cached, ac); rec != nil {
					restoreAse(&a, rec)
				}
				ases = append(ases, a)
			}
			i := g.AddDevice(group.NewDevice(dc.Address, dc.ControlPoint, ases))
			dm.persist(g, i)
			members = append(members, dc.Address)
		}

		rec, err := st.GetGroup(gc.ID)
		if err != nil {
			rec = &store.Group{ID: gc.ID}
		}
		rec.Members = members
		rec.UpdatedAt = time.Now()
		if err := st.SaveGroup(rec); err != nil {
			dm.logger.Error("save group", "group", gc.ID, "err", err)
		}
		eng.AddGroup(g)
		dm.logger.Info("group loaded", "group", gc.ID, "devices", len(members), "last_context", rec.LastContext)
	}
	return nil
}

func cachedAse(dev *store.Device, ac AseConfig) *store.Ase {
	if dev == nil {
		return nil
	}
	for k := range dev.Ases {
		a := &dev.Ases[k]
		if a.ValueHandle == ac.Handle && a.Direction == ac.Direction.String() {
			return a
		}
	}
	return nil
}

// restoreAse fills an endpoint from its cached record. A configured id
// wins over the cached one. The negotiated fields are overwritten by the
// next codec configuration.
func restoreAse(a *group.Ase, rec *store.Ase) {
	if a.ID == 0 {
		a.ID = rec.ID
	}
	a.Codec = ascs.CodecID{Format: rec.CodecFormat, CompanyID: rec.CompanyID, VendorCodecID: rec.VendorCodecID}
	a.CodecConfig = append([]byte(nil), rec.CodecConfig...)
	a.Framing = rec.Framing
	a.PreferredPhy = rec.PreferredPhy
	a.RetransmissionNum = rec.RetransmissionNum
	a.MaxTransportLatency = rec.MaxTransportLatency
	a.PresDelayMinUs = rec.PresDelayMinUs
	a.PresDelayMaxUs = rec.PresDelayMaxUs
}

// location is a member device position.
type location struct {
	g *group.Group
	i int
}

func (dm *DeviceManager) find(addr string) location {
	for _, g := range dm.coord.engine.Groups() {
		if i := g.DeviceByAddress(addr); i >= 0 {
			return location{g, i}
		}
	}
	return location{}
}

func (dm *DeviceManager) findByConn(handle uint16) location {
	for _, g := range dm.coord.engine.Groups() {
		if i := g.DeviceByConnHandle(handle); i >= 0 {
			return location{g, i}
		}
	}
	return location{}
}

// HandleConnection binds a new ACL to its member device and brings the
// device into a running stream.
func (dm *DeviceManager) HandleConnection(evt hci.ConnectionCompleteEvent) {
	if evt.Status != iso.StatusSuccess {
		dm.logger.Warn("connection failed", "address", evt.Address, "status", evt.Status)
		return
	}
	loc := dm.find(evt.Address)
	if loc.g == nil {
		dm.logger.Debug("connection from non-member", "address", evt.Address)
		return
	}
	g, d := loc.g, loc.g.Device(loc.i)
	d.ConnHandle = evt.ConnHandle
	dm.logger.Info("device connected", "group", g.ID, "address", d.Address, "handle", evt.ConnHandle)

	err := dm.coord.Store().UpdateDevice(d.Address, func(rec *store.Device) error {
		rec.LastSeen = time.Now()
		return nil
	})
	if err != nil {
		dm.logger.Warn("update last seen", "address", d.Address, "err", err)
	}

	dm.coord.emit(EventDeviceConnected, map[string]any{
		"group":       g.ID,
		"address":     d.Address,
		"conn_handle": evt.ConnHandle,
	})

	if g.State == ascs.StateStreaming && g.TargetState == ascs.StateStreaming {
		dm.coord.engine.AttachToStream(g.DeviceRef(loc.i))
	}
}

// HandleDisconnection routes a Disconnection Complete to the CIS or ACL
// handler of the owning group.
func (dm *DeviceManager) HandleDisconnection(evt iso.DisconnectedEvent) {
	eng := dm.coord.engine
	for _, g := range eng.Groups() {
		if g.DeviceByCisConnHandle(evt.ConnHandle) >= 0 {
			eng.ProcessCisDisconnected(g.ID, evt)
			return
		}
	}
	loc := dm.findByConn(evt.ConnHandle)
	if loc.g == nil {
		dm.logger.Debug("disconnection of unknown handle", "handle", evt.ConnHandle)
		return
	}
	g, addr := loc.g, loc.g.Device(loc.i).Address
	dm.logger.Info("device disconnected", "group", g.ID, "address", addr, "reason", evt.Reason)
	eng.ProcessAclDisconnected(g.DeviceRef(loc.i))
	dm.coord.emit(EventDeviceDisconnected, map[string]any{
		"group":   g.ID,
		"address": addr,
		"reason":  evt.Reason,
	})
}

// HandleNotification routes an ATT notification to the ASE or control
// point it belongs to.
func (dm *DeviceManager) HandleNotification(evt hci.NotificationEvent) {
	loc := dm.findByConn(evt.ConnHandle)
	if loc.g == nil {
		dm.logger.Debug("notification on unknown connection", "handle", evt.ConnHandle)
		return
	}
	g, d := loc.g, loc.g.Device(loc.i)
	if evt.AttHandle == d.CtpHandle {
		dm.handleControlPoint(g, d, evt.Value)
		return
	}
	ref, ok := g.FindAse(evt.ConnHandle, evt.AttHandle)
	if !ok {
		dm.logger.Debug("notification on unknown attribute", "address", d.Address, "att", evt.AttHandle)
		return
	}
	dm.coord.engine.ProcessNotification(ref, evt.Value)

	_, a, err := g.ResolveAse(ref)
	if err != nil {
		return
	}
	dm.coord.emit(EventAseState, map[string]any{
		"group":     g.ID,
		"address":   d.Address,
		"ase_id":    a.ID,
		"direction": a.Direction.String(),
		"state":     a.State.String(),
	})
	dm.persist(g, ref.Device)
}

func (dm *DeviceManager) handleControlPoint(g *group.Group, d *group.Device, value []byte) {
	resp, err := ascs.ParseControlPointResponse(value)
	if err != nil {
		dm.logger.Warn("malformed control point notification", "address", d.Address, "err", err)
		return
	}
	for _, f := range resp.Failed() {
		dm.logger.Warn("control point operation failed", "group", g.ID, "address", d.Address,
			"op", ascs.OpName(resp.Opcode), "ase", f.AseID, "code", f.Code, "reason", f.Reason)
		dm.coord.emit(EventControlPointError, map[string]any{
			"group":   g.ID,
			"address": d.Address,
			"op":      ascs.OpName(resp.Opcode),
			"ase_id":  f.AseID,
			"code":    f.Code,
			"reason":  f.Reason,
		})
	}
}

// Remove takes a device out of its group, tearing down its connection
// first, and deletes it from the store.
func (dm *DeviceManager) Remove(addr string) error {
	loc := dm.find(addr)
	if loc.g == nil {
		return fmt.Errorf("device %s: %w", addr, ErrUnknownDevice)
	}
	g, d := loc.g, loc.g.Device(loc.i)
	if d.Connected() {
		h := d.ConnHandle
		dm.coord.engine.ProcessAclDisconnected(g.DeviceRef(loc.i))
		dm.coord.transport.Disconnect(h, iso.ReasonRemoteUserTerminated)
	}
	g.RemoveDevice(addr)
	delete(dm.saved, addr)

	st := dm.coord.Store()
	if err := st.DeleteDevice(addr); err != nil {
		dm.logger.Error("delete device", "address", addr, "err", err)
	}
	if rec, err := st.GetGroup(g.ID); err == nil {
		rec.Members = slices.DeleteFunc(rec.Members, func(m string) bool { return m == addr })
		rec.UpdatedAt = time.Now()
		if err := st.SaveGroup(rec); err != nil {
			dm.logger.Error("save group", "group", g.ID, "err", err)
		}
	}

	dm.logger.Info("device removed", "group", g.ID, "address", addr)
	dm.coord.emit(EventDeviceRemoved, map[string]any{"group": g.ID, "address": addr})
	return nil
}

func (dm *DeviceManager) saveLastContext(groupID int, ctx group.ContextType) {
	st := dm.coord.Store()
	rec, err := st.GetGroup(groupID)
	if err != nil {
		rec = &store.Group{ID: groupID}
	}
	rec.LastContext = ctx.String()
	rec.UpdatedAt = time.Now()
	if err := st.SaveGroup(rec); err != nil {
		dm.logger.Error("save group", "group", groupID, "err", err)
	}
}

// persist saves the device record when its endpoint cache changed.
func (dm *DeviceManager) persist(g *group.Group, i int) {
	d := g.Device(i)
	rec := deviceRecord(g.ID, d)
	if prev, ok := dm.saved[d.Address]; ok && prev.GroupID == rec.GroupID && sameAses(prev.Ases, rec.Ases) {
		return
	}
	rec.LastSeen = time.Now()
	if err := dm.coord.Store().SaveDevice(rec); err != nil {
		dm.logger.Error("save device", "address", d.Address, "err", err)
		return
	}
	dm.saved[d.Address] = rec
}

func deviceRecord(groupID int, d *group.Device) *store.Device {
	rec := &store.Device{
		Address:            d.Address,
		GroupID:            groupID,
		ControlPointHandle: d.CtpHandle,
		Ases:               make([]store.Ase, 0, len(d.Ases)),
	}
	for j := range d.Ases {
		a := &d.Ases[j]
		rec.Ases = append(rec.Ases, store.Ase{
			ValueHandle:         a.ValueHandle,
			Direction:           a.Direction.String(),
			ID:                  a.ID,
			CodecFormat:         a.Codec.Format,
			CompanyID:           a.Codec.CompanyID,
			VendorCodecID:       a.Codec.VendorCodecID,
			CodecConfig:         append([]byte(nil), a.CodecConfig...),
			Framing:             a.Framing,
			PreferredPhy:        a.PreferredPhy,
			RetransmissionNum:   a.RetransmissionNum,
			MaxTransportLatency: a.MaxTransportLatency,
			PresDelayMinUs:      a.PresDelayMinUs,
			PresDelayMaxUs:      a.PresDelayMaxUs,
		})
	}
	return rec
}

func sameAses(a, b []store.Ase) bool {
	return slices.EqualFunc(a, b, func(x, y store.Ase) bool {
		return x.ValueHandle == y.ValueHandle &&
			x.ID == y.ID &&
			x.CodecFormat == y.CodecFormat &&
			bytes.Equal(x.CodecConfig, y.CodecConfig) &&
			x.PresDelayMinUs == y.PresDelayMinUs &&
			x.PresDelayMaxUs == y.PresDelayMaxUs
	})
}
