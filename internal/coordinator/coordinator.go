// Package coordinator owns the group state machine at runtime. It runs the
// engine on a single event loop, routes controller events to the right
// group, persists what was learned about member devices and publishes
// group events to the rest of the daemon.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"leaudio-groupd/internal/ascs"
	"leaudio-groupd/internal/group"
	"leaudio-groupd/internal/hci"
	"leaudio-groupd/internal/iso"
	"leaudio-groupd/internal/statemachine"
	"leaudio-groupd/internal/store"
)

var (
	// ErrUnknownGroup is returned for a group id that is not configured.
	ErrUnknownGroup = errors.New("unknown group")
	// ErrUnknownDevice is returned for an address that is in no group.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrRejected is returned when the state machine refuses an operation.
	ErrRejected = errors.New("operation rejected")
)

// Transport is the controller the coordinator drives and listens to.
type Transport interface {
	statemachine.GattWriter
	statemachine.IsoManager
	Disconnect(connHandle uint16, reason uint8)

	OnCigCreated(func(iso.CigCreatedEvent))
	OnCigRemoved(func(iso.CigRemovedEvent))
	OnDataPathSetup(func(iso.DataPathEvent))
	OnDataPathRemoved(func(iso.DataPathEvent))
	OnCisEstablished(func(iso.CisEstablishedEvent))
	OnDisconnected(func(iso.DisconnectedEvent))
	OnConnection(func(hci.ConnectionCompleteEvent))
	OnNotification(func(hci.NotificationEvent))
	OnLinkQuality(func(iso.LinkQuality))
}

var _ Transport = (*hci.Controller)(nil)

// AseConfig declares one ASE characteristic of a device.
type AseConfig struct {
	Handle    uint16
	Direction ascs.Direction
	// ID is the ASE id when known up front; 0 leaves it to be learned.
	ID uint8
}

// DeviceConfig declares one member device.
type DeviceConfig struct {
	Address      string
	ControlPoint uint16
	Ases         []AseConfig
}

// GroupConfig declares one coordinated set.
type GroupConfig struct {
	ID      int
	Devices []DeviceConfig
}

// Config holds coordinator configuration.
type Config struct {
	Engine statemachine.Config
	MaxCis int
	Groups []GroupConfig
}

// Coordinator runs the group state machine against a transport.
type Coordinator struct {
	transport Transport
	store     store.Store
	events    *EventBus
	engine    *statemachine.Engine
	loop      *Loop
	// notifier publishes events off the engine loop so that subscribers
	// may call back into the coordinator.
	notifier *Loop
	devices  *DeviceManager
	logger   *slog.Logger
	cfg      Config
}

// New creates a coordinator. Groups are loaded by Start.
func New(transport Transport, st store.Store, codecs statemachine.CodecSelector, events *EventBus, cfg Config, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		transport: transport,
		store:     st,
		events:    events,
		logger:    logger.With("component", "coordinator"),
		cfg:       cfg,
	}
	c.loop = NewLoop(c.logger, c.drainReports)
	c.notifier = NewLoop(c.logger, nil)
	c.engine = statemachine.New(cfg.Engine, transport, transport, codecs, c.loop, logger)
	c.devices = NewDeviceManager(c)
	c.registerTransportHandlers()
	return c
}

// Start loads the configured groups, merging cached device state.
func (c *Coordinator) Start() error {
	if err := c.devices.LoadGroups(c.cfg.Groups); err != nil {
		return fmt.Errorf("load groups: %w", err)
	}
	c.logger.Info("coordinator started", "groups", len(c.cfg.Groups))
	return nil
}

// Run drives the engine loop and event publication until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.loop.Run(ctx) })
	g.Go(func() error { return c.notifier.Run(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Store returns the store.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Devices returns the device manager.
func (c *Coordinator) Devices() *DeviceManager {
	return c.devices
}

func (c *Coordinator) emit(eventType string, data map[string]any) {
	evt := Event{Type: eventType, Data: data}
	c.notifier.Post(func() { c.events.Emit(evt) })
}

// drainReports turns engine reports into events. It runs after every loop task.
func (c *Coordinator) drainReports() {
	// Stopping a stream on timeout queues further reports.
	for reports := c.engine.DrainReports(); len(reports) > 0; reports = c.engine.DrainReports() {
		for _, r := range reports {
			switch r := r.(type) {
			case statemachine.StatusReport:
				c.onStatus(r)
			case statemachine.TransitionTimeout:
				c.onTransitionTimeout(r)
			}
		}
	}
}

func (c *Coordinator) onStatus(r statemachine.StatusReport) {
	data := map[string]any{
		"group":  r.GroupID,
		"status": r.Status.String(),
	}
	if g := c.engine.Group(r.GroupID); g != nil {
		data["state"] = g.State.String()
		data["target_state"] = g.TargetState.String()
		data["context"] = g.Context.String()
	}
	c.emit(EventGroupStatus, data)
}

func (c *Coordinator) onTransitionTimeout(r statemachine.TransitionTimeout) {
	data := map[string]any{"group": r.GroupID}
	if g := c.engine.Group(r.GroupID); g != nil {
		data["state"] = g.State.String()
		data["target_state"] = g.TargetState.String()
	}
	c.logger.Error("group transition timed out, stopping stream", "group", r.GroupID)
	c.emit(EventTransitionTimeout, data)
	c.engine.StopStream(r.GroupID)
}

// do runs fn on the engine loop with the group resolved.
func (c *Coordinator) do(ctx context.Context, groupID int, fn func(g *group.Group) error) error {
	var opErr error
	err := c.loop.Do(ctx, func() {
		g := c.engine.Group(groupID)
		if g == nil {
			opErr = fmt.Errorf("group %d: %w", groupID, ErrUnknownGroup)
			return
		}
		opErr = fn(g)
	})
	if err != nil {
		return err
	}
	return opErr
}

// StartStream drives a group to streaming for an audio context.
func (c *Coordinator) StartStream(ctx context.Context, groupID int, audio group.ContextType, ccid int) error {
	return c.do(ctx, groupID, func(g *group.Group) error {
		if !c.engine.StartStream(groupID, audio, ccid) {
			return fmt.Errorf("start stream on group %d: %w", groupID, ErrRejected)
		}
		c.devices.saveLastContext(g.ID, audio)
		return nil
	})
}

// ConfigureStream brings a group to codec configured without streaming.
func (c *Coordinator) ConfigureStream(ctx context.Context, groupID int, audio group.ContextType, ccid int) error {
	return c.do(ctx, groupID, func(*group.Group) error {
		if !c.engine.ConfigureStream(groupID, audio, ccid) {
			return fmt.Errorf("configure stream on group %d: %w", groupID, ErrRejected)
		}
		return nil
	})
}

// SuspendStream suspends a streaming group.
func (c *Coordinator) SuspendStream(ctx context.Context, groupID int) error {
	return c.do(ctx, groupID, func(*group.Group) error {
		if !c.engine.SuspendStream(groupID) {
			return fmt.Errorf("suspend stream on group %d: %w", groupID, ErrRejected)
		}
		return nil
	})
}

// StopStream releases every endpoint of a group.
func (c *Coordinator) StopStream(ctx context.Context, groupID int) error {
	return c.do(ctx, groupID, func(*group.Group) error {
		c.engine.StopStream(groupID)
		return nil
	})
}

// Group returns a snapshot of one group.
func (c *Coordinator) Group(ctx context.Context, groupID int) (*GroupSnapshot, error) {
	var snap *GroupSnapshot
	err := c.do(ctx, groupID, func(g *group.Group) error {
		snap = snapshotGroup(g)
		return nil
	})
	return snap, err
}

// Groups returns snapshots of all groups ordered by id.
func (c *Coordinator) Groups(ctx context.Context) ([]*GroupSnapshot, error) {
	var out []*GroupSnapshot
	err := c.loop.Do(ctx, func() {
		for _, g := range c.engine.Groups() {
			out = append(out, snapshotGroup(g))
		}
	})
	return out, err
}

// RemoveDevice takes a device out of its group and forgets it.
func (c *Coordinator) RemoveDevice(ctx context.Context, addr string) error {
	var opErr error
	err := c.loop.Do(ctx, func() {
		opErr = c.devices.Remove(addr)
	})
	if err != nil {
		return err
	}
	return opErr
}

func (c *Coordinator) registerTransportHandlers() {
	t := c.transport
	t.OnCigCreated(func(evt iso.CigCreatedEvent) {
		c.loop.Post(func() { c.engine.ProcessCigCreated(int(evt.CigID), evt) })
	})
	t.OnCigRemoved(func(evt iso.CigRemovedEvent) {
		c.loop.Post(func() { c.engine.ProcessCigRemoved(int(evt.CigID), evt) })
	})
	t.OnDataPathSetup(func(evt iso.DataPathEvent) {
		c.loop.Post(func() {
			if id, ok := c.groupByCis(evt.ConnHandle); ok {
				c.engine.ProcessDataPathSetup(id, evt)
			}
		})
	})
	t.OnDataPathRemoved(func(evt iso.DataPathEvent) {
		c.loop.Post(func() {
			if id, ok := c.groupByCis(evt.ConnHandle); ok {
				c.engine.ProcessDataPathRemoved(id, evt)
			}
		})
	})
	t.OnCisEstablished(func(evt iso.CisEstablishedEvent) {
		c.loop.Post(func() {
			if id, ok := c.groupByCis(evt.ConnHandle); ok {
				c.engine.ProcessCisEstablished(id, evt)
			}
		})
	})
	t.OnDisconnected(func(evt iso.DisconnectedEvent) {
		c.loop.Post(func() { c.devices.HandleDisconnection(evt) })
	})
	t.OnConnection(func(evt hci.ConnectionCompleteEvent) {
		c.loop.Post(func() { c.devices.HandleConnection(evt) })
	})
	t.OnNotification(func(evt hci.NotificationEvent) {
		c.loop.Post(func() { c.devices.HandleNotification(evt) })
	})
	t.OnLinkQuality(func(lq iso.LinkQuality) {
		c.loop.Post(func() { c.handleLinkQuality(lq) })
	})
}

// groupByCis finds the group owning a CIS handle.
func (c *Coordinator) groupByCis(handle uint16) (int, bool) {
	for _, g := range c.engine.Groups() {
		if g.DeviceByCisConnHandle(handle) >= 0 {
			return g.ID, true
		}
	}
	c.logger.Debug("event for unknown CIS", "cis", handle)
	return 0, false
}

func (c *Coordinator) handleLinkQuality(lq iso.LinkQuality) {
	id, ok := c.groupByCis(lq.ConnHandle)
	if !ok {
		return
	}
	c.engine.ProcessLinkQuality(id, lq)
	c.emit(EventLinkQuality, map[string]any{
		"group":            id,
		"cis":              lq.ConnHandle,
		"status":           lq.Status,
		"tx_unacked":       lq.TxUnackedPackets,
		"tx_flushed":       lq.TxFlushedPackets,
		"tx_last_subevent": lq.TxLastSubeventPackets,
		"retransmitted":    lq.RetransmittedPackets,
		"crc_errors":       lq.CrcErrorPackets,
		"rx_unreceived":    lq.RxUnreceivedPackets,
		"duplicates":       lq.DuplicatePackets,
		"time":             time.Now().Format(time.RFC3339),
	})
}
