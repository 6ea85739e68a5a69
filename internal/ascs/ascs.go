// Package ascs encodes Audio Stream Control Service control point
// operations and decodes ASE characteristic notifications.
package ascs

import (
	"errors"
	"fmt"
)

// AseState is the state of an audio stream endpoint as notified by the server.
type AseState uint8

const (
	StateIdle            AseState = 0x00
	StateCodecConfigured AseState = 0x01
	StateQosConfigured   AseState = 0x02
	StateEnabling        AseState = 0x03
	StateStreaming       AseState = 0x04
	StateDisabling       AseState = 0x05
	StateReleasing       AseState = 0x06
)

func (s AseState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateCodecConfigured:
		return "CODEC_CONFIGURED"
	case StateQosConfigured:
		return "QOS_CONFIGURED"
	case StateEnabling:
		return "ENABLING"
	case StateStreaming:
		return "STREAMING"
	case StateDisabling:
		return "DISABLING"
	case StateReleasing:
		return "RELEASING"
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(s))
}

// Valid reports whether s is one of the seven defined ASE states.
func (s AseState) Valid() bool { return s <= StateReleasing }

// Direction is the audio direction of an ASE, seen from the server.
type Direction uint8

const (
	DirectionSink   Direction = 0x01
	DirectionSource Direction = 0x02
)

func (d Direction) String() string {
	switch d {
	case DirectionSink:
		return "sink"
	case DirectionSource:
		return "source"
	}
	return fmt.Sprintf("direction(%d)", uint8(d))
}

// ParseDirection maps "sink"/"source" to a Direction.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "sink":
		return DirectionSink, nil
	case "source":
		return DirectionSource, nil
	}
	return 0, fmt.Errorf("unknown ase direction %q", s)
}

// Control point opcodes.
const (
	OpConfigCodec        uint8 = 0x01
	OpConfigQos          uint8 = 0x02
	OpEnable             uint8 = 0x03
	OpReceiverStartReady uint8 = 0x04
	OpDisable            uint8 = 0x05
	OpReceiverStopReady  uint8 = 0x06
	OpUpdateMetadata     uint8 = 0x07
	OpRelease            uint8 = 0x08
)

// OpName returns a printable control point opcode name.
func OpName(op uint8) string {
	switch op {
	case OpConfigCodec:
		return "config_codec"
	case OpConfigQos:
		return "config_qos"
	case OpEnable:
		return "enable"
	case OpReceiverStartReady:
		return "receiver_start_ready"
	case OpDisable:
		return "disable"
	case OpReceiverStopReady:
		return "receiver_stop_ready"
	case OpUpdateMetadata:
		return "update_metadata"
	case OpRelease:
		return "release"
	}
	return fmt.Sprintf("op(0x%02X)", op)
}

// Target latency values for Config Codec.
const (
	TargetLatencyLower             uint8 = 0x01
	TargetLatencyBalanced          uint8 = 0x02
	TargetLatencyHigherReliability uint8 = 0x03
)

// Target PHY values for Config Codec.
const (
	TargetPhy1M    uint8 = 0x01
	TargetPhy2M    uint8 = 0x02
	TargetPhyCoded uint8 = 0x03
)

// PHY bitmask values used in QoS parameters.
const (
	PhyBit1M    uint8 = 0x01
	PhyBit2M    uint8 = 0x02
	PhyBitCoded uint8 = 0x04
)

// Framing values.
const (
	FramingUnframed uint8 = 0x00
	FramingFramed   uint8 = 0x01
)

// Coding formats.
const (
	CodingFormatTransparent uint8 = 0x03
	CodingFormatLC3         uint8 = 0x06
	CodingFormatVendor      uint8 = 0xFF
)

// CodecID identifies a codec as carried on the wire.
type CodecID struct {
	Format        uint8  `json:"format"`
	CompanyID     uint16 `json:"company_id"`
	VendorCodecID uint16 `json:"vendor_codec_id"`
}

// LC3 is the codec id of the LC3 codec.
var LC3 = CodecID{Format: CodingFormatLC3}

// IsLC3 reports whether the codec id names LC3.
func (c CodecID) IsLC3() bool { return c.Format == CodingFormatLC3 }

var (
	// ErrShortPayload is returned when a notification is truncated.
	ErrShortPayload = errors.New("ascs: short payload")
	// ErrInvalidState is returned for a notification carrying an unknown ASE state.
	ErrInvalidState = errors.New("ascs: invalid ase state")
)
