package ascs

import "encoding/binary"

// CodecConfigRequest is one ASE record of a Config Codec operation.
type CodecConfigRequest struct {
	AseID         uint8
	TargetLatency uint8
	TargetPhy     uint8
	Codec         CodecID
	Config        []byte
}

// QosConfigRequest is one ASE record of a Config QoS operation.
type QosConfigRequest struct {
	AseID               uint8
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

// MetadataRequest is one ASE record of an Enable or Update Metadata operation.
type MetadataRequest struct {
	AseID    uint8
	Metadata []byte
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

func uint24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

// EncodeConfigCodec builds a Config Codec control point write.
func EncodeConfigCodec(reqs []CodecConfigRequest) []byte {
	buf := []byte{OpConfigCodec, uint8(len(reqs))}
	for _, r := range reqs {
		rec := make([]byte, 9)
		rec[0] = r.AseID
		rec[1] = r.TargetLatency
		rec[2] = r.TargetPhy
		rec[3] = r.Codec.Format
		binary.LittleEndian.PutUint16(rec[4:6], r.Codec.CompanyID)
		binary.LittleEndian.PutUint16(rec[6:8], r.Codec.VendorCodecID)
		rec[8] = uint8(len(r.Config))
		buf = append(buf, rec...)
		buf = append(buf, r.Config...)
	}
	return buf
}

// EncodeConfigQos builds a Config QoS control point write.
func EncodeConfigQos(reqs []QosConfigRequest) []byte {
	buf := []byte{OpConfigQos, uint8(len(reqs))}
	for _, r := range reqs {
		rec := make([]byte, 16)
		rec[0] = r.AseID
		rec[1] = r.CigID
		rec[2] = r.CisID
		putUint24(rec[3:6], r.SduIntervalUs)
		rec[6] = r.Framing
		rec[7] = r.Phy
		binary.LittleEndian.PutUint16(rec[8:10], r.MaxSdu)
		rec[10] = r.RetransmissionNum
		binary.LittleEndian.PutUint16(rec[11:13], r.MaxTransportLatency)
		putUint24(rec[13:16], r.PresentationDelayUs)
		buf = append(buf, rec...)
	}
	return buf
}

func encodeMetadataOp(op uint8, reqs []MetadataRequest) []byte {
	buf := []byte{op, uint8(len(reqs))}
	for _, r := range reqs {
		buf = append(buf, r.AseID, uint8(len(r.Metadata)))
		buf = append(buf, r.Metadata...)
	}
	return buf
}

// EncodeEnable builds an Enable control point write.
func EncodeEnable(reqs []MetadataRequest) []byte {
	return encodeMetadataOp(OpEnable, reqs)
}

// EncodeUpdateMetadata builds an Update Metadata control point write.
func EncodeUpdateMetadata(reqs []MetadataRequest) []byte {
	return encodeMetadataOp(OpUpdateMetadata, reqs)
}

func encodeIDOp(op uint8, ids []uint8) []byte {
	buf := make([]byte, 0, 2+len(ids))
	buf = append(buf, op, uint8(len(ids)))
	return append(buf, ids...)
}

// EncodeReceiverStartReady builds a Receiver Start Ready control point write.
func EncodeReceiverStartReady(ids []uint8) []byte { return encodeIDOp(OpReceiverStartReady, ids) }

// EncodeDisable builds a Disable control point write.
func EncodeDisable(ids []uint8) []byte { return encodeIDOp(OpDisable, ids) }

// EncodeReceiverStopReady builds a Receiver Stop Ready control point write.
func EncodeReceiverStopReady(ids []uint8) []byte { return encodeIDOp(OpReceiverStopReady, ids) }

// EncodeRelease builds a Release control point write.
func EncodeRelease(ids []uint8) []byte { return encodeIDOp(OpRelease, ids) }
