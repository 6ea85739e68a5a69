// Package hci drives a Bluetooth LE controller over an H4 UART. It carries
// the isochronous channel requests of the group state machine and the ATT
// traffic to the audio stream endpoints of connected devices.
package hci

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// H4 packet indicators.
const (
	h4Command uint8 = 0x01
	h4ACL     uint8 = 0x02
	h4SCO     uint8 = 0x03
	h4Event   uint8 = 0x04
	h4ISO     uint8 = 0x05
)

// Command opcodes.
const (
	opDisconnect        uint16 = 0x0406
	opReset             uint16 = 0x0C03
	opSetEventMask      uint16 = 0x0C01
	opLESetEventMask    uint16 = 0x2001
	opLEReadBufferSize  uint16 = 0x2002
	opLESetCigParams    uint16 = 0x2062
	opLECreateCis       uint16 = 0x2064
	opLERemoveCig       uint16 = 0x2065
	opLESetupDataPath   uint16 = 0x206E
	opLERemoveDataPath  uint16 = 0x206F
	opLEReadLinkQuality uint16 = 0x2075
)

// Event codes.
const (
	evtDisconnectionComplete uint8 = 0x05
	evtCommandComplete       uint8 = 0x0E
	evtCommandStatus         uint8 = 0x0F
	evtNumCompletedPackets   uint8 = 0x13
	evtLEMeta                uint8 = 0x3E
)

// LE meta subevents.
const (
	subevtConnectionComplete         uint8 = 0x01
	subevtEnhancedConnectionComplete uint8 = 0x0A
	subevtCisEstablished             uint8 = 0x19
)

// StatusUnspecified is reported in synthesized events when a command could
// not be sent.
const StatusUnspecified uint8 = 0x1F

var (
	// ErrClosed is returned once the controller has been closed.
	ErrClosed = errors.New("hci: closed")
	// ErrShortPacket is returned for a truncated packet or event.
	ErrShortPacket = errors.New("hci: short packet")
)

func opName(op uint16) string {
	switch op {
	case opDisconnect:
		return "Disconnect"
	case opReset:
		return "Reset"
	case opSetEventMask:
		return "SetEventMask"
	case opLESetEventMask:
		return "LESetEventMask"
	case opLEReadBufferSize:
		return "LEReadBufferSize"
	case opLESetCigParams:
		return "LESetCigParameters"
	case opLECreateCis:
		return "LECreateCis"
	case opLERemoveCig:
		return "LERemoveCig"
	case opLESetupDataPath:
		return "LESetupIsoDataPath"
	case opLERemoveDataPath:
		return "LERemoveIsoDataPath"
	case opLEReadLinkQuality:
		return "LEReadIsoLinkQuality"
	}
	return fmt.Sprintf("op(0x%04X)", op)
}

// encodeCommand builds an H4 command packet.
func encodeCommand(op uint16, params []byte) []byte {
	buf := make([]byte, 4, 4+len(params))
	buf[0] = h4Command
	binary.LittleEndian.PutUint16(buf[1:3], op)
	buf[3] = uint8(len(params))
	return append(buf, params...)
}

// ACL packet boundary flags.
const (
	pbFirstNonFlushable uint16 = 0x0000
	pbContinuing        uint16 = 0x1000
	pbFirstFlushable    uint16 = 0x2000
)

// encodeACL builds an H4 ACL packet.
func encodeACL(handle, pb uint16, data []byte) []byte {
	buf := make([]byte, 5, 5+len(data))
	buf[0] = h4ACL
	binary.LittleEndian.PutUint16(buf[1:3], handle&0x0FFF|pb)
	binary.LittleEndian.PutUint16(buf[3:5], uint16(len(data)))
	return append(buf, data...)
}

// packet is one H4 packet without its indicator.
type packet struct {
	kind uint8
	data []byte
}

// readPacket reads one H4 packet. Unknown indicators are reported as errors
// and resynchronize on the next byte.
func readPacket(r *bufio.Reader) (packet, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return packet{}, err
	}
	var hdr []byte
	var length int
	switch kind {
	case h4Event:
		hdr = make([]byte, 2)
		if _, err := io.ReadFull(r, hdr); err != nil {
			return packet{}, err
		}
		length = int(hdr[1])
	case h4ACL, h4ISO:
		hdr = make([]byte, 4)
		if _, err := io.ReadFull(r, hdr); err != nil {
			return packet{}, err
		}
		length = int(binary.LittleEndian.Uint16(hdr[2:4]))
		if kind == h4ISO {
			length &= 0x3FFF
		}
	case h4SCO:
		hdr = make([]byte, 3)
		if _, err := io.ReadFull(r, hdr); err != nil {
			return packet{}, err
		}
		length = int(hdr[2])
	default:
		return packet{}, fmt.Errorf("hci: unknown packet indicator 0x%02X", kind)
	}
	data := make([]byte, len(hdr)+length)
	copy(data, hdr)
	if _, err := io.ReadFull(r, data[len(hdr):]); err != nil {
		return packet{}, err
	}
	return packet{kind: kind, data: data}, nil
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

func uint24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

// formatAddress renders a little-endian device address.
func formatAddress(b []byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[5], b[4], b[3], b[2], b[1], b[0])
}

// ConnectionCompleteEvent reports a new LE ACL connection.
type ConnectionCompleteEvent struct {
	Status      uint8
	ConnHandle  uint16
	Role        uint8
	AddressType uint8
	Address     string
}

// NotificationEvent is an ATT Handle Value Notification or Indication.
type NotificationEvent struct {
	ConnHandle uint16
	AttHandle  uint16
	Value      []byte
}
