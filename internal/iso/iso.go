// Package iso holds the isochronous channel request and event types shared
// by the group state machine and the HCI transport.
package iso

import "fmt"

// HCI status and disconnect reason codes used by the state machine.
const (
	StatusSuccess              uint8 = 0x00
	ReasonConnectionTimeout    uint8 = 0x08
	ReasonRemoteUserTerminated uint8 = 0x13
	ReasonLocalHostTerminated  uint8 = 0x16
)

// Data path directions for LE Setup ISO Data Path.
const (
	DataPathInput  uint8 = 0x00 // host to controller
	DataPathOutput uint8 = 0x01 // controller to host
)

// Direction bits for LE Remove ISO Data Path.
const (
	RemoveInputDataPath  uint8 = 0x01
	RemoveOutputDataPath uint8 = 0x02
)

// Data path ids.
const (
	DataPathIDHCI      uint8 = 0x00
	DataPathIDPlatform uint8 = 0x01
)

// CisConfig is the per-CIS part of LE Set CIG Parameters.
type CisConfig struct {
	CisID      uint8
	MaxSduMtoS uint16
	MaxSduStoM uint16
	PhyMtoS    uint8
	PhyStoM    uint8
	RtnMtoS    uint8
	RtnStoM    uint8
}

// CigParams is a full LE Set CIG Parameters request.
type CigParams struct {
	CigID                   uint8
	SduIntervalMtoS         uint32
	SduIntervalStoM         uint32
	SCA                     uint8
	Packing                 uint8
	Framing                 uint8
	MaxTransportLatencyMtoS uint16
	MaxTransportLatencyStoM uint16
	Cis                     []CisConfig
}

// CisConnPair links a CIS handle to the ACL it is created on.
type CisConnPair struct {
	CisConnHandle uint16
	AclConnHandle uint16
}

// DataPathParams is an LE Setup ISO Data Path request.
type DataPathParams struct {
	Direction       uint8
	DataPathID      uint8
	CodingFormat    uint8
	CompanyID       uint16
	VendorCodecID   uint16
	ControllerDelay uint32
	CodecConfig     []byte
}

// CigCreatedEvent completes LE Set CIG Parameters.
type CigCreatedEvent struct {
	Status      uint8
	CigID       uint8
	ConnHandles []uint16
}

// CigRemovedEvent completes LE Remove CIG.
type CigRemovedEvent struct {
	Status uint8
	CigID  uint8
}

// DataPathEvent completes LE Setup or Remove ISO Data Path.
type DataPathEvent struct {
	Status     uint8
	ConnHandle uint16
}

// CisEstablishedEvent reports the outcome of a CIS creation.
type CisEstablishedEvent struct {
	Status           uint8
	ConnHandle       uint16
	CigSyncDelayUs   uint32
	CisSyncDelayUs   uint32
	TransportLatMtoS uint32
	TransportLatStoM uint32
	PhyMtoS          uint8
	PhyStoM          uint8
	Nse              uint8
	BnMtoS           uint8
	BnStoM           uint8
	FtMtoS           uint8
	FtStoM           uint8
	MaxPduMtoS       uint16
	MaxPduStoM       uint16
	IsoInterval      uint16
}

// DisconnectedEvent is an HCI Disconnection Complete for a CIS or ACL.
type DisconnectedEvent struct {
	Status     uint8
	ConnHandle uint16
	Reason     uint8
}

// LinkQuality is the result of LE Read ISO Link Quality.
type LinkQuality struct {
	Status                uint8  `json:"status"`
	ConnHandle            uint16 `json:"conn_handle"`
	TxUnackedPackets      uint32 `json:"tx_unacked_packets"`
	TxFlushedPackets      uint32 `json:"tx_flushed_packets"`
	TxLastSubeventPackets uint32 `json:"tx_last_subevent_packets"`
	RetransmittedPackets  uint32 `json:"retransmitted_packets"`
	CrcErrorPackets       uint32 `json:"crc_error_packets"`
	RxUnreceivedPackets   uint32 `json:"rx_unreceived_packets"`
	DuplicatePackets      uint32 `json:"duplicate_packets"`
}

// StatusError describes a non-zero HCI status.
func StatusError(status uint8) error {
	if status == StatusSuccess {
		return nil
	}
	return fmt.Errorf("hci status 0x%02X", status)
}
