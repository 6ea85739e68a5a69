package coordinator

import (
	"leaudio-groupd/internal/group"
)

// AseSnapshot is a read-only view of one endpoint.
type AseSnapshot struct {
	ID            uint8  `json:"id"`
	Direction     string `json:"direction"`
	State         string `json:"state"`
	Active        bool   `json:"active"`
	DataPath      string `json:"data_path"`
	CisID         uint8  `json:"cis_id"`
	CisConnHandle uint16 `json:"cis_conn_handle"`
	Allocation    uint32 `json:"channel_allocation,omitempty"`
}

// DeviceSnapshot is a read-only view of one member device.
type DeviceSnapshot struct {
	Address    string        `json:"address"`
	Connected  bool          `json:"connected"`
	ConnHandle uint16        `json:"conn_handle"`
	Ases       []AseSnapshot `json:"ases"`
}

// GroupSnapshot is a read-only view of a group, safe to use off the loop.
type GroupSnapshot struct {
	ID          int                       `json:"id"`
	State       string                    `json:"state"`
	TargetState string                    `json:"target_state"`
	Cig         string                    `json:"cig"`
	Context     string                    `json:"context"`
	Config      string                    `json:"config,omitempty"`
	Streams     group.StreamConfiguration `json:"streams"`
	Devices     []DeviceSnapshot          `json:"devices"`
}

func snapshotGroup(g *group.Group) *GroupSnapshot {
	s := &GroupSnapshot{
		ID:          g.ID,
		State:       g.State.String(),
		TargetState: g.TargetState.String(),
		Cig:         g.Cig.String(),
		Context:     g.Context.String(),
		Streams: group.StreamConfiguration{
			Sink:                 append([]group.StreamEntry(nil), g.StreamConf.Sink...),
			Source:               append([]group.StreamEntry(nil), g.StreamConf.Source...),
			PendingConfiguration: g.StreamConf.PendingConfiguration,
		},
		Devices: make([]DeviceSnapshot, 0, g.NumDevices()),
	}
	if g.Config != nil {
		s.Config = g.Config.Name
	}
	for i := 0; i < g.NumDevices(); i++ {
		d := g.Device(i)
		ds := DeviceSnapshot{
			Address:    d.Address,
			Connected:  d.Connected(),
			ConnHandle: d.ConnHandle,
			Ases:       make([]AseSnapshot, 0, len(d.Ases)),
		}
		for j := range d.Ases {
			a := &d.Ases[j]
			ds.Ases = append(ds.Ases, AseSnapshot{
				ID:            a.ID,
				Direction:     a.Direction.String(),
				State:         a.State.String(),
				Active:        a.Active,
				DataPath:      a.DataPath.String(),
				CisID:         a.CisID,
				CisConnHandle: a.CisConnHandle,
				Allocation:    a.ChannelAllocation,
			})
		}
		s.Devices = append(s.Devices, ds)
	}
	return s
}
