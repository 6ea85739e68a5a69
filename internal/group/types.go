// Package group holds the in-memory records of LE Audio unicast groups:
// member devices, their audio stream endpoints and the group wide stream
// bookkeeping the state machine works on.
package group

import (
	"fmt"
	"sort"
	"strings"
)

// Sentinel identifiers.
const (
	InvalidCisID      uint8  = 0xFF
	InvalidConnHandle uint16 = 0xFFFF
)

// DataPathState tracks the isochronous channel behind an ASE.
type DataPathState uint8

const (
	DataPathIdle DataPathState = iota
	CisAssigned
	CisPending
	CisEstablished
	DataPathEstablished
	CisDisconnecting
)

func (s DataPathState) String() string {
	switch s {
	case DataPathIdle:
		return "IDLE"
	case CisAssigned:
		return "CIS_ASSIGNED"
	case CisPending:
		return "CIS_PENDING"
	case CisEstablished:
		return "CIS_ESTABLISHED"
	case DataPathEstablished:
		return "DATA_PATH_ESTABLISHED"
	case CisDisconnecting:
		return "CIS_DISCONNECTING"
	}
	return fmt.Sprintf("DataPathState(%d)", uint8(s))
}

// CigState tracks the connected isochronous group of a Group.
type CigState uint8

const (
	CigNone CigState = iota
	CigCreating
	CigCreated
	CigRemoving
)

func (s CigState) String() string {
	switch s {
	case CigNone:
		return "NONE"
	case CigCreating:
		return "CREATING"
	case CigCreated:
		return "CREATED"
	case CigRemoving:
		return "REMOVING"
	}
	return fmt.Sprintf("CigState(%d)", uint8(s))
}

// ContextType is a bitmask of audio contexts.
type ContextType uint16

const (
	ContextUnspecified     ContextType = 0x0001
	ContextConversational  ContextType = 0x0002
	ContextMedia           ContextType = 0x0004
	ContextGame            ContextType = 0x0008
	ContextInstructional   ContextType = 0x0010
	ContextVoiceAssistants ContextType = 0x0020
	ContextLive            ContextType = 0x0040
	ContextSoundEffects    ContextType = 0x0080
	ContextNotifications   ContextType = 0x0100
	ContextRingtone        ContextType = 0x0200
	ContextAlerts          ContextType = 0x0400
	ContextEmergencyAlarm  ContextType = 0x0800
)

var contextNames = map[string]ContextType{
	"unspecified":      ContextUnspecified,
	"conversational":   ContextConversational,
	"media":            ContextMedia,
	"game":             ContextGame,
	"instructional":    ContextInstructional,
	"voice_assistants": ContextVoiceAssistants,
	"live":             ContextLive,
	"sound_effects":    ContextSoundEffects,
	"notifications":    ContextNotifications,
	"ringtone":         ContextRingtone,
	"alerts":           ContextAlerts,
	"emergency_alarm":  ContextEmergencyAlarm,
}

// ParseContextType maps a lower-case context name to its bit.
func ParseContextType(name string) (ContextType, error) {
	c, ok := contextNames[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("unknown audio context %q", name)
	}
	return c, nil
}

func (c ContextType) String() string {
	if c == 0 {
		return "none"
	}
	var names []string
	for name, bit := range contextNames {
		if c&bit != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return fmt.Sprintf("context(0x%04X)", uint16(c))
	}
	sort.Strings(names)
	return strings.Join(names, "|")
}
