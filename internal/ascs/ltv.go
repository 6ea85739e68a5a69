package ascs

import (
	"encoding/binary"
	"fmt"
)

// Codec specific configuration LTV types (LC3).
const (
	LtvSamplingFrequency      uint8 = 0x01
	LtvFrameDuration          uint8 = 0x02
	LtvAudioChannelAllocation uint8 = 0x03
	LtvOctetsPerCodecFrame    uint8 = 0x04
	LtvCodecFrameBlocksPerSdu uint8 = 0x05
)

// Metadata LTV types.
const (
	MetaPreferredAudioContexts uint8 = 0x01
	MetaStreamingAudioContexts uint8 = 0x02
	MetaCCIDList               uint8 = 0x05
)

// Sampling frequency codes.
const (
	Freq8000Hz  uint8 = 0x01
	Freq16000Hz uint8 = 0x03
	Freq24000Hz uint8 = 0x05
	Freq32000Hz uint8 = 0x06
	Freq44100Hz uint8 = 0x07
	Freq48000Hz uint8 = 0x08
)

// Frame duration codes.
const (
	FrameDuration7500us  uint8 = 0x00
	FrameDuration10000us uint8 = 0x01
)

// LTV is a decoded length-type-value list keyed by type.
type LTV map[uint8][]byte

// ParseLTV decodes a length-type-value list. A zero length entry is skipped.
func ParseLTV(b []byte) (LTV, error) {
	out := LTV{}
	for len(b) > 0 {
		l := int(b[0])
		if l == 0 {
			b = b[1:]
			continue
		}
		if len(b) < 1+l {
			return out, fmt.Errorf("ltv entry (len %d, have %d): %w", l, len(b)-1, ErrShortPayload)
		}
		out[b[1]] = append([]byte(nil), b[2:1+l]...)
		b = b[1+l:]
	}
	return out, nil
}

// AppendLTV appends one LTV entry to b.
func AppendLTV(b []byte, typ uint8, value []byte) []byte {
	b = append(b, uint8(len(value)+1), typ)
	return append(b, value...)
}

// Uint returns the little endian integer value of an entry, or false.
func (l LTV) Uint(typ uint8) (uint32, bool) {
	v, ok := l[typ]
	if !ok || len(v) == 0 || len(v) > 4 {
		return 0, false
	}
	var buf [4]byte
	copy(buf[:], v)
	return binary.LittleEndian.Uint32(buf[:]), true
}

// CodecConfig is the decoded LC3 codec specific configuration.
type CodecConfig struct {
	SamplingFrequency uint8
	FrameDuration     uint8
	ChannelAllocation uint32
	OctetsPerFrame    uint16
	FrameBlocksPerSdu uint8
}

// Encode serializes the configuration as LTV entries. Zero fields other
// than SamplingFrequency and FrameDuration are omitted.
func (c CodecConfig) Encode() []byte {
	var b []byte
	b = AppendLTV(b, LtvSamplingFrequency, []byte{c.SamplingFrequency})
	b = AppendLTV(b, LtvFrameDuration, []byte{c.FrameDuration})
	if c.ChannelAllocation != 0 {
		v := make([]byte, 4)
		binary.LittleEndian.PutUint32(v, c.ChannelAllocation)
		b = AppendLTV(b, LtvAudioChannelAllocation, v)
	}
	if c.OctetsPerFrame != 0 {
		v := make([]byte, 2)
		binary.LittleEndian.PutUint16(v, c.OctetsPerFrame)
		b = AppendLTV(b, LtvOctetsPerCodecFrame, v)
	}
	if c.FrameBlocksPerSdu != 0 {
		b = AppendLTV(b, LtvCodecFrameBlocksPerSdu, []byte{c.FrameBlocksPerSdu})
	}
	return b
}

// DecodeCodecConfig parses LC3 codec specific configuration bytes.
func DecodeCodecConfig(b []byte) (CodecConfig, error) {
	ltv, err := ParseLTV(b)
	if err != nil {
		return CodecConfig{}, err
	}
	var c CodecConfig
	if v, ok := ltv.Uint(LtvSamplingFrequency); ok {
		c.SamplingFrequency = uint8(v)
	}
	if v, ok := ltv.Uint(LtvFrameDuration); ok {
		c.FrameDuration = uint8(v)
	}
	if v, ok := ltv.Uint(LtvAudioChannelAllocation); ok {
		c.ChannelAllocation = v
	}
	if v, ok := ltv.Uint(LtvOctetsPerCodecFrame); ok {
		c.OctetsPerFrame = uint16(v)
	}
	if v, ok := ltv.Uint(LtvCodecFrameBlocksPerSdu); ok {
		c.FrameBlocksPerSdu = uint8(v)
	}
	return c, nil
}

// FrameDurationUs returns the frame duration in microseconds, or 0.
func (c CodecConfig) FrameDurationUs() uint32 {
	switch c.FrameDuration {
	case FrameDuration7500us:
		return 7500
	case FrameDuration10000us:
		return 10000
	}
	return 0
}

// SduIntervalUs returns the SDU interval implied by the configuration.
func (c CodecConfig) SduIntervalUs() uint32 {
	blocks := uint32(c.FrameBlocksPerSdu)
	if blocks == 0 {
		blocks = 1
	}
	return c.FrameDurationUs() * blocks
}

// SamplingFrequencyHz maps a sampling frequency code to Hz, or 0.
func SamplingFrequencyHz(code uint8) uint32 {
	switch code {
	case Freq8000Hz:
		return 8000
	case Freq16000Hz:
		return 16000
	case Freq24000Hz:
		return 24000
	case Freq32000Hz:
		return 32000
	case Freq44100Hz:
		return 44100
	case Freq48000Hz:
		return 48000
	}
	return 0
}

// BuildMetadata encodes the streaming audio contexts and, when ccid is not
// negative, a single entry CCID list.
func BuildMetadata(contexts uint16, ccid int) []byte {
	v := make([]byte, 2)
	binary.LittleEndian.PutUint16(v, contexts)
	b := AppendLTV(nil, MetaStreamingAudioContexts, v)
	if ccid >= 0 {
		b = AppendLTV(b, MetaCCIDList, []byte{uint8(ccid)})
	}
	return b
}
