package hci

import (
	"encoding/binary"
	"fmt"

	"leaudio-groupd/internal/iso"
)

// CreateCig issues LE Set CIG Parameters.
func (c *Controller) CreateCig(p iso.CigParams) {
	buf := make([]byte, 15, 15+len(p.Cis)*9)
	buf[0] = p.CigID
	putUint24(buf[1:4], p.SduIntervalMtoS)
	putUint24(buf[4:7], p.SduIntervalStoM)
	buf[7] = p.SCA
	buf[8] = p.Packing
	buf[9] = p.Framing
	binary.LittleEndian.PutUint16(buf[10:12], p.MaxTransportLatencyMtoS)
	binary.LittleEndian.PutUint16(buf[12:14], p.MaxTransportLatencyStoM)
	buf[14] = uint8(len(p.Cis))
	for _, cis := range p.Cis {
		rec := make([]byte, 9)
		rec[0] = cis.CisID
		binary.LittleEndian.PutUint16(rec[1:3], cis.MaxSduMtoS)
		binary.LittleEndian.PutUint16(rec[3:5], cis.MaxSduStoM)
		rec[5] = cis.PhyMtoS
		rec[6] = cis.PhyStoM
		rec[7] = cis.RtnMtoS
		rec[8] = cis.RtnStoM
		buf = append(buf, rec...)
	}
	c.send(opLESetCigParams, buf, func() {
		c.emitCigCreated(iso.CigCreatedEvent{Status: StatusUnspecified, CigID: p.CigID})
	})
}

// RemoveCig issues LE Remove CIG.
func (c *Controller) RemoveCig(cigID uint8) {
	c.send(opLERemoveCig, []byte{cigID}, func() {
		c.emitCigRemoved(iso.CigRemovedEvent{Status: StatusUnspecified, CigID: cigID})
	})
}

// EstablishCis issues LE Create CIS for every pair.
func (c *Controller) EstablishCis(pairs []iso.CisConnPair) {
	buf := make([]byte, 1, 1+len(pairs)*4)
	buf[0] = uint8(len(pairs))
	handles := make([]uint16, 0, len(pairs))
	for _, p := range pairs {
		buf = binary.LittleEndian.AppendUint16(buf, p.CisConnHandle)
		buf = binary.LittleEndian.AppendUint16(buf, p.AclConnHandle)
		handles = append(handles, p.CisConnHandle)
	}

	c.pendingMu.Lock()
	c.createCis = append(c.createCis, handles)
	c.pendingMu.Unlock()

	c.send(opLECreateCis, buf, func() {
		c.takeCreateCis()
		c.failCis(handles, StatusUnspecified)
	})
}

// DisconnectCis issues Disconnect on a CIS handle.
func (c *Controller) DisconnectCis(connHandle uint16, reason uint8) {
	c.Disconnect(connHandle, reason)
}

// Disconnect issues Disconnect on any connection handle.
func (c *Controller) Disconnect(connHandle uint16, reason uint8) {
	buf := make([]byte, 3)
	binary.LittleEndian.PutUint16(buf[0:2], connHandle)
	buf[2] = reason
	c.send(opDisconnect, buf, func() {
		c.emitDisconnected(iso.DisconnectedEvent{Status: StatusUnspecified, ConnHandle: connHandle, Reason: iso.ReasonLocalHostTerminated})
	})
}

// SetupIsoDataPath issues LE Setup ISO Data Path.
func (c *Controller) SetupIsoDataPath(connHandle uint16, p iso.DataPathParams) {
	buf := make([]byte, 13, 13+len(p.CodecConfig))
	binary.LittleEndian.PutUint16(buf[0:2], connHandle)
	buf[2] = p.Direction
	buf[3] = p.DataPathID
	buf[4] = p.CodingFormat
	binary.LittleEndian.PutUint16(buf[5:7], p.CompanyID)
	binary.LittleEndian.PutUint16(buf[7:9], p.VendorCodecID)
	putUint24(buf[9:12], p.ControllerDelay)
	buf[12] = uint8(len(p.CodecConfig))
	buf = append(buf, p.CodecConfig...)
	c.send(opLESetupDataPath, buf, func() {
		c.emitDataPath(opLESetupDataPath, iso.DataPathEvent{Status: StatusUnspecified, ConnHandle: connHandle})
	})
}

// RemoveIsoDataPath issues LE Remove ISO Data Path.
func (c *Controller) RemoveIsoDataPath(connHandle uint16, directionMask uint8) {
	buf := make([]byte, 3)
	binary.LittleEndian.PutUint16(buf[0:2], connHandle)
	buf[2] = directionMask
	c.send(opLERemoveDataPath, buf, func() {
		c.emitDataPath(opLERemoveDataPath, iso.DataPathEvent{Status: StatusUnspecified, ConnHandle: connHandle})
	})
}

// ReadIsoLinkQuality issues LE Read ISO Link Quality.
func (c *Controller) ReadIsoLinkQuality(connHandle uint16) {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, connHandle)
	c.send(opLEReadLinkQuality, buf, nil)
}

func (c *Controller) handleAsyncComplete(op uint16, ret []byte) {
	if len(ret) == 0 {
		return
	}
	status := ret[0]
	switch op {
	case opLESetCigParams:
		// status(1) + cig_id(1) + cis_count(1) + handles
		evt := iso.CigCreatedEvent{Status: status}
		if len(ret) >= 2 {
			evt.CigID = ret[1]
		}
		if status == iso.StatusSuccess && len(ret) >= 3 {
			n := int(ret[2])
			if len(ret) < 3+n*2 {
				c.logger.Warn("short CIG parameters result", "ret", fmt.Sprintf("%X", ret))
				evt.Status = StatusUnspecified
			} else {
				for i := 0; i < n; i++ {
					evt.ConnHandles = append(evt.ConnHandles, binary.LittleEndian.Uint16(ret[3+i*2:]))
				}
			}
		}
		c.emitCigCreated(evt)

	case opLERemoveCig:
		evt := iso.CigRemovedEvent{Status: status}
		if len(ret) >= 2 {
			evt.CigID = ret[1]
		}
		c.emitCigRemoved(evt)

	case opLESetupDataPath, opLERemoveDataPath:
		evt := iso.DataPathEvent{Status: status}
		if len(ret) >= 3 {
			evt.ConnHandle = binary.LittleEndian.Uint16(ret[1:3])
		}
		c.emitDataPath(op, evt)

	case opLEReadLinkQuality:
		lq, err := parseLinkQuality(ret)
		if err != nil {
			c.logger.Warn("link quality result", "err", err)
			return
		}
		c.handlerMu.RLock()
		h := c.onLinkQuality
		c.handlerMu.RUnlock()
		if h != nil {
			h(lq)
		}

	default:
		if status != iso.StatusSuccess {
			c.logger.Warn("command failed", "cmd", opName(op), "status", status)
		}
	}
}

func (c *Controller) handleCommandStatus(op uint16, status uint8) {
	switch op {
	case opLECreateCis:
		handles := c.takeCreateCis()
		if status != iso.StatusSuccess {
			c.logger.Error("LE Create CIS rejected", "status", status, "cis", handles)
			c.failCis(handles, status)
		}
	case opDisconnect:
		if status != iso.StatusSuccess {
			c.logger.Warn("disconnect rejected", "status", status)
		}
	default:
		if status != iso.StatusSuccess {
			c.logger.Warn("command rejected", "cmd", opName(op), "status", status)
		}
	}
}

func (c *Controller) takeCreateCis() []uint16 {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if len(c.createCis) == 0 {
		return nil
	}
	h := c.createCis[0]
	c.createCis = c.createCis[1:]
	return h
}

func (c *Controller) failCis(handles []uint16, status uint8) {
	for _, h := range handles {
		c.emitCisEstablished(iso.CisEstablishedEvent{Status: status, ConnHandle: h})
	}
}

func (c *Controller) emitCigCreated(evt iso.CigCreatedEvent) {
	c.handlerMu.RLock()
	h := c.onCigCreated
	c.handlerMu.RUnlock()
	if h != nil {
		h(evt)
	}
}

func (c *Controller) emitCigRemoved(evt iso.CigRemovedEvent) {
	c.handlerMu.RLock()
	h := c.onCigRemoved
	c.handlerMu.RUnlock()
	if h != nil {
		h(evt)
	}
}

func (c *Controller) emitDataPath(op uint16, evt iso.DataPathEvent) {
	c.handlerMu.RLock()
	h := c.onDataPathSetup
	if op == opLERemoveDataPath {
		h = c.onDataPathRemoved
	}
	c.handlerMu.RUnlock()
	if h != nil {
		h(evt)
	}
}

func (c *Controller) emitCisEstablished(evt iso.CisEstablishedEvent) {
	c.handlerMu.RLock()
	h := c.onCisEstablished
	c.handlerMu.RUnlock()
	if h != nil {
		h(evt)
	}
}

func (c *Controller) emitDisconnected(evt iso.DisconnectedEvent) {
	c.handlerMu.RLock()
	h := c.onDisconnected
	c.handlerMu.RUnlock()
	if h != nil {
		h(evt)
	}
}

// parseCisEstablished decodes the LE CIS Established subevent parameters.
func parseCisEstablished(p []byte) (iso.CisEstablishedEvent, error) {
	if len(p) < 28 {
		return iso.CisEstablishedEvent{}, fmt.Errorf("CIS established (len %d): %w", len(p), ErrShortPacket)
	}
	return iso.CisEstablishedEvent{
		Status:           p[0],
		ConnHandle:       binary.LittleEndian.Uint16(p[1:3]) & 0x0FFF,
		CigSyncDelayUs:   uint24(p[3:6]),
		CisSyncDelayUs:   uint24(p[6:9]),
		TransportLatMtoS: uint24(p[9:12]),
		TransportLatStoM: uint24(p[12:15]),
		PhyMtoS:          p[15],
		PhyStoM:          p[16],
		Nse:              p[17],
		BnMtoS:           p[18],
		BnStoM:           p[19],
		FtMtoS:           p[20],
		FtStoM:           p[21],
		MaxPduMtoS:       binary.LittleEndian.Uint16(p[22:24]),
		MaxPduStoM:       binary.LittleEndian.Uint16(p[24:26]),
		IsoInterval:      binary.LittleEndian.Uint16(p[26:28]),
	}, nil
}

// parseLinkQuality decodes LE Read ISO Link Quality return parameters.
func parseLinkQuality(ret []byte) (iso.LinkQuality, error) {
	if len(ret) < 3 {
		return iso.LinkQuality{}, fmt.Errorf("link quality (len %d): %w", len(ret), ErrShortPacket)
	}
	lq := iso.LinkQuality{Status: ret[0], ConnHandle: binary.LittleEndian.Uint16(ret[1:3])}
	if lq.Status != iso.StatusSuccess {
		return lq, nil
	}
	if len(ret) < 31 {
		return lq, fmt.Errorf("link quality counters (len %d): %w", len(ret), ErrShortPacket)
	}
	counters := []*uint32{
		&lq.TxUnackedPackets, &lq.TxFlushedPackets, &lq.TxLastSubeventPackets,
		&lq.RetransmittedPackets, &lq.CrcErrorPackets, &lq.RxUnreceivedPackets, &lq.DuplicatePackets,
	}
	for i, v := range counters {
		*v = binary.LittleEndian.Uint32(ret[3+i*4:])
	}
	return lq, nil
}
