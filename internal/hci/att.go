package hci

import (
	"encoding/binary"
	"fmt"
)

const (
	cidATT uint16 = 0x0004

	attWriteCommand       uint8 = 0x52
	attHandleValueNotify  uint8 = 0x1B
	attHandleValueInd     uint8 = 0x1D
	attHandleValueConfirm uint8 = 0x1E
)

type aclReassembly struct {
	want int
	buf  []byte
}

// WriteCharacteristic sends an ATT Write Command. Delivery is not
// acknowledged by the peer.
func (c *Controller) WriteCharacteristic(connHandle, valueHandle uint16, value []byte) {
	pdu := make([]byte, 3, 3+len(value))
	pdu[0] = attWriteCommand
	binary.LittleEndian.PutUint16(pdu[1:3], valueHandle)
	pdu = append(pdu, value...)
	if err := c.sendL2CAP(connHandle, cidATT, pdu); err != nil {
		c.logger.Error("ATT write failed", "handle", connHandle, "att", fmt.Sprintf("0x%04X", valueHandle), "err", err)
	}
}

// sendL2CAP frames an L2CAP basic frame and fragments it to the ACL MTU.
func (c *Controller) sendL2CAP(connHandle, cid uint16, pdu []byte) error {
	frame := make([]byte, 4, 4+len(pdu))
	binary.LittleEndian.PutUint16(frame[0:2], uint16(len(pdu)))
	binary.LittleEndian.PutUint16(frame[2:4], cid)
	frame = append(frame, pdu...)

	mtu := c.ACLMTU()
	pb := pbFirstNonFlushable
	for len(frame) > 0 {
		n := len(frame)
		if n > mtu {
			n = mtu
		}
		if err := c.write(encodeACL(connHandle, pb, frame[:n])); err != nil {
			return err
		}
		frame = frame[n:]
		pb = pbContinuing
	}
	return nil
}

// handleACL reassembles L2CAP frames and dispatches ATT PDUs.
func (c *Controller) handleACL(data []byte) {
	if len(data) < 4 {
		return
	}
	hdr := binary.LittleEndian.Uint16(data[0:2])
	handle := hdr & 0x0FFF
	pb := hdr & 0x3000
	payload := data[4:]

	c.aclMu.Lock()
	var frame []byte
	if pb == pbContinuing {
		r := c.rx[handle]
		if r == nil {
			c.aclMu.Unlock()
			c.logger.Debug("ACL continuation without start", "handle", handle)
			return
		}
		r.buf = append(r.buf, payload...)
		if len(r.buf) >= r.want {
			frame = r.buf[:r.want]
			delete(c.rx, handle)
		}
	} else {
		if len(payload) < 4 {
			c.aclMu.Unlock()
			return
		}
		want := 4 + int(binary.LittleEndian.Uint16(payload[0:2]))
		if len(payload) >= want {
			frame = payload[:want]
			delete(c.rx, handle)
		} else {
			c.rx[handle] = &aclReassembly{want: want, buf: append([]byte(nil), payload...)}
		}
	}
	c.aclMu.Unlock()

	if frame == nil {
		return
	}
	cid := binary.LittleEndian.Uint16(frame[2:4])
	if cid != cidATT {
		c.logger.Debug("L2CAP frame dropped", "handle", handle, "cid", cid)
		return
	}
	c.handleATT(handle, frame[4:])
}

func (c *Controller) handleATT(connHandle uint16, pdu []byte) {
	if len(pdu) < 3 {
		return
	}
	switch pdu[0] {
	case attHandleValueNotify, attHandleValueInd:
		evt := NotificationEvent{
			ConnHandle: connHandle,
			AttHandle:  binary.LittleEndian.Uint16(pdu[1:3]),
			Value:      append([]byte(nil), pdu[3:]...),
		}
		if pdu[0] == attHandleValueInd {
			if err := c.sendL2CAP(connHandle, cidATT, []byte{attHandleValueConfirm}); err != nil {
				c.logger.Warn("ATT confirmation failed", "handle", connHandle, "err", err)
			}
		}
		c.handlerMu.RLock()
		h := c.onNotification
		c.handlerMu.RUnlock()
		if h != nil {
			h(evt)
		}
	default:
		c.logger.Debug("ATT PDU ignored", "handle", connHandle, "opcode", fmt.Sprintf("0x%02X", pdu[0]))
	}
}
