// Package statemachine drives the audio stream endpoints of every member of
// an LE Audio unicast group through configuration, enabling, streaming,
// suspension and release.
//
// An Engine is not safe for concurrent use. All operations and event
// handlers must run on one goroutine; collaborators deliver completions by
// calling the Process* methods from that same goroutine.
package statemachine

import (
	"log/slog"
	"sort"
	"time"

	"leaudio-groupd/internal/ascs"
	"leaudio-groupd/internal/group"
	"leaudio-groupd/internal/iso"
)

// GattWriter writes an attribute value without waiting for a response.
type GattWriter interface {
	WriteCharacteristic(connHandle, valueHandle uint16, value []byte)
}

// IsoManager issues isochronous channel requests to the controller. Every
// call completes asynchronously through the matching Process* handler.
type IsoManager interface {
	CreateCig(p iso.CigParams)
	RemoveCig(cigID uint8)
	EstablishCis(pairs []iso.CisConnPair)
	DisconnectCis(connHandle uint16, reason uint8)
	SetupIsoDataPath(connHandle uint16, p iso.DataPathParams)
	RemoveIsoDataPath(connHandle uint16, directionMask uint8)
	ReadIsoLinkQuality(connHandle uint16)
}

// CodecSelector picks the codec and QoS configuration of a group for an
// audio context.
type CodecSelector interface {
	Select(g *group.Group, ctx group.ContextType) (*group.SetConfiguration, error)
}

// Scheduler runs fn after d on the engine's goroutine.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) group.Stopper
}

// Config holds engine tunables.
type Config struct {
	// TransitionTimeout bounds every group wide transition.
	TransitionTimeout time.Duration
	// LinkQualityReports enables periodic link quality reads per CIS.
	LinkQualityReports  bool
	LinkQualityInterval time.Duration
	// CodecOffload routes audio through the controller's codec instead of
	// transparent HCI data paths.
	CodecOffload bool
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		TransitionTimeout:   3500 * time.Millisecond,
		LinkQualityInterval: 4000 * time.Millisecond,
	}
}

type pathKey struct {
	handle uint16
	dir    ascs.Direction
}

// Engine is the group state machine.
type Engine struct {
	cfg      Config
	gatt     GattWriter
	iso      IsoManager
	codecs   CodecSelector
	sched    Scheduler
	watchdog *Watchdog
	logger   *slog.Logger

	groups  map[int]*group.Group
	reports []Report

	// Data path requests in flight.
	pendingSetup  map[int]pathKey
	pendingRemove map[uint16]struct{}
}

// New creates an engine.
func New(cfg Config, gatt GattWriter, isoMgr IsoManager, codecs CodecSelector, sched Scheduler, logger *slog.Logger) *Engine {
	if cfg.TransitionTimeout <= 0 {
		cfg.TransitionTimeout = DefaultConfig().TransitionTimeout
	}
	if cfg.LinkQualityInterval <= 0 {
		cfg.LinkQualityInterval = DefaultConfig().LinkQualityInterval
	}
	e := &Engine{
		cfg:           cfg,
		gatt:          gatt,
		iso:           isoMgr,
		codecs:        codecs,
		sched:         sched,
		logger:        logger.With("component", "statemachine"),
		groups:        make(map[int]*group.Group),
		pendingSetup:  make(map[int]pathKey),
		pendingRemove: make(map[uint16]struct{}),
	}
	e.watchdog = NewWatchdog(sched, cfg.TransitionTimeout, e.onTransitionTimeout)
	return e
}

// AddGroup registers a group with the engine.
func (e *Engine) AddGroup(g *group.Group) { e.groups[g.ID] = g }

// RemoveGroup forgets a group.
func (e *Engine) RemoveGroup(id int) {
	if g, ok := e.groups[id]; ok {
		for i := 0; i < g.NumDevices(); i++ {
			g.Device(i).FreeLinkQualityPolls()
		}
	}
	delete(e.groups, id)
	delete(e.pendingSetup, id)
}

// Group returns a registered group, or nil.
func (e *Engine) Group(id int) *group.Group { return e.groups[id] }

// Groups returns the registered groups ordered by id.
func (e *Engine) Groups() []*group.Group {
	out := make([]*group.Group, 0, len(e.groups))
	for _, g := range e.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Watchdog returns the engine's transition watchdog.
func (e *Engine) Watchdog() *Watchdog { return e.watchdog }

// DrainReports returns and clears the queued reports.
func (e *Engine) DrainReports() []Report {
	r := e.reports
	e.reports = nil
	return r
}

func (e *Engine) report(g *group.Group, s Status) {
	e.logger.Info("group status", "group", g.ID, "status", s, "state", g.State, "target", g.TargetState)
	e.reports = append(e.reports, StatusReport{GroupID: g.ID, Status: s})
}

func (e *Engine) onTransitionTimeout(groupID int) {
	g := e.groups[groupID]
	if g != nil {
		e.logger.Warn("state transition timeout", "group", groupID, "state", g.State, "target", g.TargetState)
	}
	e.reports = append(e.reports, TransitionTimeout{GroupID: groupID})
}

func (e *Engine) setTargetState(g *group.Group, s ascs.AseState) {
	e.logger.Debug("target state", "group", g.ID, "from", g.TargetState, "to", s)
	g.TargetState = s
	e.watchdog.Arm(g.ID)
}

func (e *Engine) lookup(id int) *group.Group {
	g := e.groups[id]
	if g == nil {
		e.logger.Warn("unknown group", "group", id)
	}
	return g
}
