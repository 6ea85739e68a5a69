package ascs

import (
	"encoding/binary"
	"fmt"
)

// Header is the fixed prefix of every ASE characteristic value.
type Header struct {
	AseID uint8
	State AseState
}

// CodecConfiguredParams are the additional parameters of a
// CODEC_CONFIGURED ASE notification.
type CodecConfiguredParams struct {
	Framing                 uint8
	PreferredPhy            uint8
	PreferredRetransNum     uint8
	MaxTransportLatency     uint16
	PresDelayMinUs          uint32
	PresDelayMaxUs          uint32
	PreferredPresDelayMinUs uint32
	PreferredPresDelayMaxUs uint32
	Codec                   CodecID
	Config                  []byte
}

// QosConfiguredParams are the additional parameters of a QOS_CONFIGURED
// ASE notification.
type QosConfiguredParams struct {
	CigID               uint8
	CisID               uint8
	SduIntervalUs       uint32
	Framing             uint8
	Phy                 uint8
	MaxSdu              uint16
	RetransmissionNum   uint8
	MaxTransportLatency uint16
	PresentationDelayUs uint32
}

// TransientParams are the additional parameters of ENABLING, STREAMING
// and DISABLING ASE notifications.
type TransientParams struct {
	CigID    uint8
	CisID    uint8
	Metadata []byte
}

const (
	headerLen          = 2
	codecConfiguredLen = 23
	qosConfiguredLen   = 15
	transientLen       = 3
)

// ParseHeader decodes the ASE id and state of a notification and returns
// the remaining state-specific parameters.
func ParseHeader(value []byte) (Header, []byte, error) {
	if len(value) < headerLen {
		return Header{}, nil, fmt.Errorf("ase header: %w (len %d)", ErrShortPayload, len(value))
	}
	h := Header{AseID: value[0], State: AseState(value[1])}
	if !h.State.Valid() {
		return h, nil, fmt.Errorf("ase %d: %w 0x%02X", h.AseID, ErrInvalidState, value[1])
	}
	return h, value[headerLen:], nil
}

// ParseCodecConfigured decodes CODEC_CONFIGURED parameters.
func ParseCodecConfigured(p []byte) (*CodecConfiguredParams, error) {
	if len(p) < codecConfiguredLen {
		return nil, fmt.Errorf("codec configured params: %w (len %d)", ErrShortPayload, len(p))
	}
	c := &CodecConfiguredParams{
		Framing:                 p[0],
		PreferredPhy:            p[1],
		PreferredRetransNum:     p[2],
		MaxTransportLatency:     binary.LittleEndian.Uint16(p[3:5]),
		PresDelayMinUs:          uint24(p[5:8]),
		PresDelayMaxUs:          uint24(p[8:11]),
		PreferredPresDelayMinUs: uint24(p[11:14]),
		PreferredPresDelayMaxUs: uint24(p[14:17]),
		Codec: CodecID{
			Format:        p[17],
			CompanyID:     binary.LittleEndian.Uint16(p[18:20]),
			VendorCodecID: binary.LittleEndian.Uint16(p[20:22]),
		},
	}
	cfgLen := int(p[22])
	if len(p) < codecConfiguredLen+cfgLen {
		return nil, fmt.Errorf("codec configured config (want %d): %w", cfgLen, ErrShortPayload)
	}
	c.Config = append([]byte(nil), p[codecConfiguredLen:codecConfiguredLen+cfgLen]...)
	return c, nil
}

// ParseQosConfigured decodes QOS_CONFIGURED parameters.
func ParseQosConfigured(p []byte) (*QosConfiguredParams, error) {
	if len(p) < qosConfiguredLen {
		return nil, fmt.Errorf("qos configured params: %w (len %d)", ErrShortPayload, len(p))
	}
	return &QosConfiguredParams{
		CigID:               p[0],
		CisID:               p[1],
		SduIntervalUs:       uint24(p[2:5]),
		Framing:             p[5],
		Phy:                 p[6],
		MaxSdu:              binary.LittleEndian.Uint16(p[7:9]),
		RetransmissionNum:   p[9],
		MaxTransportLatency: binary.LittleEndian.Uint16(p[10:12]),
		PresentationDelayUs: uint24(p[12:15]),
	}, nil
}

// ParseTransient decodes ENABLING, STREAMING and DISABLING parameters.
func ParseTransient(p []byte) (*TransientParams, error) {
	if len(p) < transientLen {
		return nil, fmt.Errorf("transient params: %w (len %d)", ErrShortPayload, len(p))
	}
	metaLen := int(p[2])
	if len(p) < transientLen+metaLen {
		return nil, fmt.Errorf("transient metadata (want %d): %w", metaLen, ErrShortPayload)
	}
	return &TransientParams{
		CigID:    p[0],
		CisID:    p[1],
		Metadata: append([]byte(nil), p[transientLen:transientLen+metaLen]...),
	}, nil
}

// Control point response codes.
const (
	ResponseSuccess               uint8 = 0x00
	ResponseUnsupportedOpcode     uint8 = 0x01
	ResponseInvalidLength         uint8 = 0x02
	ResponseInvalidAseID          uint8 = 0x03
	ResponseInvalidStateMachine   uint8 = 0x04
	ResponseInvalidDirection      uint8 = 0x05
	ResponseUnsupportedAudioCap   uint8 = 0x06
	ResponseUnsupportedConfig     uint8 = 0x07
	ResponseRejectedConfig        uint8 = 0x08
	ResponseInvalidConfig         uint8 = 0x09
	ResponseUnsupportedMetadata   uint8 = 0x0A
	ResponseRejectedMetadata      uint8 = 0x0B
	ResponseInvalidMetadata       uint8 = 0x0C
	ResponseInsufficientResources uint8 = 0x0D
	ResponseUnspecifiedError      uint8 = 0x0E
)

// AseResponse is the outcome of a control point operation for one ASE.
type AseResponse struct {
	AseID  uint8
	Code   uint8
	Reason uint8
}

// ControlPointResponse is a notification of the ASE control point.
type ControlPointResponse struct {
	Opcode uint8
	Ases   []AseResponse
}

// Failed returns the per-ASE entries with a non-success response code.
func (r *ControlPointResponse) Failed() []AseResponse {
	var out []AseResponse
	for _, a := range r.Ases {
		if a.Code != ResponseSuccess {
			out = append(out, a)
		}
	}
	return out
}

// ParseControlPointResponse decodes an ASE control point notification.
func ParseControlPointResponse(value []byte) (*ControlPointResponse, error) {
	if len(value) < 2 {
		return nil, fmt.Errorf("control point response: %w (len %d)", ErrShortPayload, len(value))
	}
	n := int(value[1])
	// 0xFF is used when the opcode itself was rejected.
	if n == 0xFF {
		n = 1
	}
	if len(value) < 2+3*n {
		return nil, fmt.Errorf("control point response (%d ases): %w", n, ErrShortPayload)
	}
	resp := &ControlPointResponse{Opcode: value[0], Ases: make([]AseResponse, 0, n)}
	for i := 0; i < n; i++ {
		off := 2 + 3*i
		resp.Ases = append(resp.Ases, AseResponse{AseID: value[off], Code: value[off+1], Reason: value[off+2]})
	}
	return resp, nil
}
