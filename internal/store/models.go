package store

import "time"

// Group is the persisted membership of a coordinated set.
type Group struct {
	ID      int      `json:"id"`
	Members []string `json:"members"`
	// LastContext is the name of the audio context last streamed.
	LastContext string    `json:"last_context,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Device is a group member with its discovered endpoints.
type Device struct {
	Address            string    `json:"address"`
	GroupID            int       `json:"group_id"`
	ControlPointHandle uint16    `json:"control_point_handle"`
	Ases               []Ase     `json:"ases"`
	LastSeen           time.Time `json:"last_seen"`
}

// Ase is a cached endpoint negotiation. Codec fields are filled once the
// server has reported a codec configuration.
type Ase struct {
	ValueHandle uint16 `json:"value_handle"`
	Direction   string `json:"direction"`
	ID          uint8  `json:"id,omitempty"`

	CodecFormat   uint8  `json:"codec_format,omitempty"`
	CompanyID     uint16 `json:"company_id,omitempty"`
	VendorCodecID uint16 `json:"vendor_codec_id,omitempty"`
	CodecConfig   []byte `json:"codec_config,omitempty"`

	Framing             uint8  `json:"framing,omitempty"`
	PreferredPhy        uint8  `json:"preferred_phy,omitempty"`
	RetransmissionNum   uint8  `json:"retransmission_number,omitempty"`
	MaxTransportLatency uint16 `json:"max_transport_latency,omitempty"`
	PresDelayMinUs      uint32 `json:"pres_delay_min_us,omitempty"`
	PresDelayMaxUs      uint32 `json:"pres_delay_max_us,omitempty"`
}
