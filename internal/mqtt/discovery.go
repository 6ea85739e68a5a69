//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strconv"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/leaudio_group_1/status/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	StateOn           string   `json:"state_on,omitempty"`
	StateOff          string   `json:"state_off,omitempty"`
	Device            haDevice `json:"device"`
}

// groupIdentifier returns the unique identifier for the HA device registry.
func groupIdentifier(id int) string {
	return "leaudio_group_" + strconv.Itoa(id)
}

func groupDevice(id int) haDevice {
	return haDevice{
		Identifiers:  []string{groupIdentifier(id)},
		Manufacturer: "leaudio-groupd",
		Model:        "LE Audio group",
		Name:         fmt.Sprintf("LE Audio group %d", id),
	}
}

type sensorDef struct {
	key      string
	name     string
	template string
	icon     string
}

var groupSensors = []sensorDef{
	{"status", "Status", "{{ value_json.status }}", "mdi:speaker-multiple"},
	{"state", "State", "{{ value_json.state }}", "mdi:state-machine"},
	{"context", "Audio context", "{{ value_json.context }}", "mdi:music-note"},
}

// buildDiscovery generates HA discovery messages for one group: status
// sensors and a stream switch.
func buildDiscovery(id int, prefix string) []discoveryMsg {
	stateTopic := groupTopic(prefix, id)
	avail := prefix + "/bridge/state"
	dev := groupDevice(id)
	ident := groupIdentifier(id)

	msgs := make([]discoveryMsg, 0, len(groupSensors)+1)
	for _, s := range groupSensors {
		msgs = append(msgs, discoveryMsg{
			Topic: fmt.Sprintf("homeassistant/sensor/%s/%s/config", ident, s.key),
			Payload: mustJSON(haDiscovery{
				Name:              s.name,
				UniqueID:          ident + "_" + s.key,
				StateTopic:        stateTopic,
				AvailabilityTopic: avail,
				ValueTemplate:     s.template,
				Icon:              s.icon,
				Device:            dev,
			}),
		})
	}

	msgs = append(msgs, discoveryMsg{
		Topic: fmt.Sprintf("homeassistant/switch/%s/stream/config", ident),
		Payload: mustJSON(haDiscovery{
			Name:              "Stream",
			UniqueID:          ident + "_stream",
			StateTopic:        stateTopic,
			CommandTopic:      stateTopic + "/set",
			AvailabilityTopic: avail,
			ValueTemplate:     "{{ 'ON' if value_json.status == 'streaming' else 'OFF' }}",
			PayloadOn:         `{"action":"start","context":"media"}`,
			PayloadOff:        `{"action":"stop"}`,
			StateOn:           "ON",
			StateOff:          "OFF",
			Icon:              "mdi:play-network",
			Device:            dev,
		}),
	})
	return msgs
}
