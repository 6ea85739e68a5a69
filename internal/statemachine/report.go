package statemachine

import "fmt"

// Status is a group level stream status reported to the upper layer.
type Status uint8

const (
	StatusIdle Status = iota
	StatusStreaming
	StatusReleasing
	StatusSuspending
	StatusSuspended
	StatusConfiguredAutonomous
	StatusConfiguredByUser
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusStreaming:
		return "streaming"
	case StatusReleasing:
		return "releasing"
	case StatusSuspending:
		return "suspending"
	case StatusSuspended:
		return "suspended"
	case StatusConfiguredAutonomous:
		return "configured_autonomous"
	case StatusConfiguredByUser:
		return "configured_by_user"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Report is an outbound engine notification. It is either a StatusReport
// or a TransitionTimeout.
type Report interface {
	isReport()
}

// StatusReport announces a group stream status change.
type StatusReport struct {
	GroupID int
	Status  Status
}

// TransitionTimeout announces that a group missed its transition budget.
type TransitionTimeout struct {
	GroupID int
}

func (StatusReport) isReport()      {}
func (TransitionTimeout) isReport() {}
