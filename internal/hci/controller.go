package hci

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"leaudio-groupd/internal/iso"
)

const (
	defaultACLMTU = 27
	cmdTimeout    = 5 * time.Second
)

// Controller is an LE controller attached over H4. Requests may be issued
// from any goroutine; callbacks run on the read loop goroutine.
type Controller struct {
	port   io.ReadWriteCloser
	reader *bufio.Reader
	logger *slog.Logger

	writeMu sync.Mutex

	// Synchronous commands awaiting Command Complete, keyed by opcode.
	pendingMu sync.Mutex
	pending   map[uint16]chan []byte
	// Handles of LE Create CIS requests awaiting Command Status, in order.
	createCis [][]uint16

	aclMu  sync.Mutex
	aclMTU int
	rx     map[uint16]*aclReassembly

	handlerMu         sync.RWMutex
	onCigCreated      func(iso.CigCreatedEvent)
	onCigRemoved      func(iso.CigRemovedEvent)
	onDataPathSetup   func(iso.DataPathEvent)
	onDataPathRemoved func(iso.DataPathEvent)
	onCisEstablished  func(iso.CisEstablishedEvent)
	onDisconnected    func(iso.DisconnectedEvent)
	onConnection      func(ConnectionCompleteEvent)
	onNotification    func(NotificationEvent)
	onLinkQuality     func(iso.LinkQuality)

	lifecycleMu sync.Mutex
	done        chan struct{}
	closed      bool
	wg          sync.WaitGroup
}

// Open opens a serial port and starts a controller on it.
func Open(portName string, baudRate int, logger *slog.Logger) (*Controller, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("hci: open %s: %w", portName, err)
	}
	_ = port.SetRTS(true)
	return New(port, logger), nil
}

// New starts a controller over an already open transport.
func New(port io.ReadWriteCloser, logger *slog.Logger) *Controller {
	c := &Controller{
		port:    port,
		reader:  bufio.NewReader(port),
		logger:  logger.With("component", "hci"),
		pending: make(map[uint16]chan []byte),
		aclMTU:  defaultACLMTU,
		rx:      make(map[uint16]*aclReassembly),
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c
}

// Init resets the controller, enables the LE events the state machine
// consumes and reads the ACL buffer size.
func (c *Controller) Init(ctx context.Context) error {
	if _, err := c.request(ctx, opReset, nil); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	// Disconnection Complete and LE Meta events.
	mask := []byte{0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x20}
	if _, err := c.request(ctx, opSetEventMask, mask); err != nil {
		return fmt.Errorf("set event mask: %w", err)
	}
	leMask := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x0F, 0x00, 0x00, 0x00}
	if _, err := c.request(ctx, opLESetEventMask, leMask); err != nil {
		return fmt.Errorf("set LE event mask: %w", err)
	}
	ret, err := c.request(ctx, opLEReadBufferSize, nil)
	if err != nil {
		return fmt.Errorf("read buffer size: %w", err)
	}
	if len(ret) >= 4 {
		if mtu := int(binary.LittleEndian.Uint16(ret[1:3])); mtu > 0 {
			c.SetACLMTU(mtu)
		}
		c.logger.Info("controller ready", "acl_mtu", c.ACLMTU(), "acl_buffers", ret[3])
	}
	return nil
}

// SetACLMTU overrides the ACL fragment size.
func (c *Controller) SetACLMTU(n int) {
	c.aclMu.Lock()
	c.aclMTU = n
	c.aclMu.Unlock()
}

// ACLMTU returns the ACL fragment size.
func (c *Controller) ACLMTU() int {
	c.aclMu.Lock()
	defer c.aclMu.Unlock()
	return c.aclMTU
}

func (c *Controller) write(b []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	_, err := c.port.Write(b)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("hci write: %w", err)
	}
	return nil
}

// request sends a command and waits for its Command Complete. The returned
// parameters start with the status byte.
func (c *Controller) request(ctx context.Context, op uint16, params []byte) ([]byte, error) {
	ch := make(chan []byte, 1)
	c.pendingMu.Lock()
	c.pending[op] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, op)
		c.pendingMu.Unlock()
	}()

	if err := c.write(encodeCommand(op, params)); err != nil {
		return nil, fmt.Errorf("%s: %w", opName(op), err)
	}
	c.logger.Debug("hci TX", "cmd", opName(op), "params", fmt.Sprintf("%X", params))

	ctx, cancel := context.WithTimeout(ctx, cmdTimeout)
	defer cancel()
	select {
	case ret, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if len(ret) == 0 {
			return nil, fmt.Errorf("%s: %w", opName(op), ErrShortPacket)
		}
		if err := iso.StatusError(ret[0]); err != nil {
			return ret, fmt.Errorf("%s: %w", opName(op), err)
		}
		return ret, nil
	case <-ctx.Done():
		c.logger.Warn("hci command timeout", "cmd", opName(op), "err", ctx.Err())
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// send issues a command whose completion arrives as an event. fail runs
// when the command cannot be written.
func (c *Controller) send(op uint16, params []byte, fail func()) {
	if err := c.write(encodeCommand(op, params)); err != nil {
		c.logger.Error("hci send failed", "cmd", opName(op), "err", err)
		if fail != nil {
			fail()
		}
		return
	}
	c.logger.Debug("hci TX", "cmd", opName(op), "params", fmt.Sprintf("%X", params))
}

func (c *Controller) readLoop() {
	defer c.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-c.done:
			return
		default:
		}

		p, err := readPacket(c.reader)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				c.logger.Error("hci read error", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-c.done:
				return
			}
			if backoff < maxBackoff {
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}
		backoff = 10 * time.Millisecond

		switch p.kind {
		case h4Event:
			c.handleEvent(p.data[0], p.data[2:])
		case h4ACL:
			c.handleACL(p.data)
		default:
			c.logger.Debug("hci packet dropped", "kind", p.kind, "len", len(p.data))
		}
	}
}

func (c *Controller) handleEvent(code uint8, params []byte) {
	switch code {
	case evtCommandComplete:
		// num_hci_command_packets(1) + opcode(2) + return parameters
		if len(params) < 3 {
			c.logger.Warn("short command complete", "payload", fmt.Sprintf("%X", params))
			return
		}
		op := binary.LittleEndian.Uint16(params[1:3])
		ret := append([]byte(nil), params[3:]...)
		c.logger.Debug("hci RX complete", "cmd", opName(op), "ret", fmt.Sprintf("%X", ret))

		c.pendingMu.Lock()
		ch, ok := c.pending[op]
		c.pendingMu.Unlock()
		if ok {
			select {
			case ch <- ret:
			default:
			}
			return
		}
		c.handleAsyncComplete(op, ret)

	case evtCommandStatus:
		// status(1) + num_hci_command_packets(1) + opcode(2)
		if len(params) < 4 {
			return
		}
		status := params[0]
		op := binary.LittleEndian.Uint16(params[2:4])
		c.handleCommandStatus(op, status)

	case evtDisconnectionComplete:
		// status(1) + handle(2) + reason(1)
		if len(params) < 4 {
			return
		}
		evt := iso.DisconnectedEvent{
			Status:     params[0],
			ConnHandle: binary.LittleEndian.Uint16(params[1:3]) & 0x0FFF,
			Reason:     params[3],
		}
		c.aclMu.Lock()
		delete(c.rx, evt.ConnHandle)
		c.aclMu.Unlock()
		c.logger.Info("disconnection complete", "handle", evt.ConnHandle, "reason", evt.Reason)
		c.handlerMu.RLock()
		h := c.onDisconnected
		c.handlerMu.RUnlock()
		if h != nil {
			h(evt)
		}

	case evtLEMeta:
		if len(params) < 1 {
			return
		}
		c.handleLEMeta(params[0], params[1:])

	case evtNumCompletedPackets:
		// Flow control credits are not tracked.

	default:
		c.logger.Debug("hci unhandled event", "code", fmt.Sprintf("0x%02X", code), "payload", fmt.Sprintf("%X", params))
	}
}

func (c *Controller) handleLEMeta(sub uint8, p []byte) {
	switch sub {
	case subevtConnectionComplete, subevtEnhancedConnectionComplete:
		// status(1) + handle(2) + role(1) + peer_addr_type(1) + peer_addr(6)
		if len(p) < 11 {
			return
		}
		evt := ConnectionCompleteEvent{
			Status:      p[0],
			ConnHandle:  binary.LittleEndian.Uint16(p[1:3]) & 0x0FFF,
			Role:        p[3],
			AddressType: p[4],
			Address:     formatAddress(p[5:11]),
		}
		c.logger.Info("LE connection complete", "status", evt.Status, "handle", evt.ConnHandle, "address", evt.Address)
		c.handlerMu.RLock()
		h := c.onConnection
		c.handlerMu.RUnlock()
		if h != nil {
			h(evt)
		}

	case subevtCisEstablished:
		evt, err := parseCisEstablished(p)
		if err != nil {
			c.logger.Warn("CIS established", "err", err)
			return
		}
		c.emitCisEstablished(evt)

	default:
		c.logger.Debug("hci unhandled LE subevent", "subevent", fmt.Sprintf("0x%02X", sub))
	}
}

// OnCigCreated registers the LE Set CIG Parameters completion handler.
func (c *Controller) OnCigCreated(h func(iso.CigCreatedEvent)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onCigCreated = h
}

// OnCigRemoved registers the LE Remove CIG completion handler.
func (c *Controller) OnCigRemoved(h func(iso.CigRemovedEvent)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onCigRemoved = h
}

// OnDataPathSetup registers the LE Setup ISO Data Path completion handler.
func (c *Controller) OnDataPathSetup(h func(iso.DataPathEvent)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onDataPathSetup = h
}

// OnDataPathRemoved registers the LE Remove ISO Data Path completion handler.
func (c *Controller) OnDataPathRemoved(h func(iso.DataPathEvent)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onDataPathRemoved = h
}

// OnCisEstablished registers the CIS established handler.
func (c *Controller) OnCisEstablished(h func(iso.CisEstablishedEvent)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onCisEstablished = h
}

// OnDisconnected registers the Disconnection Complete handler for both
// CIS and ACL handles.
func (c *Controller) OnDisconnected(h func(iso.DisconnectedEvent)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onDisconnected = h
}

// OnConnection registers the LE connection complete handler.
func (c *Controller) OnConnection(h func(ConnectionCompleteEvent)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onConnection = h
}

// OnNotification registers the ATT notification handler.
func (c *Controller) OnNotification(h func(NotificationEvent)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onNotification = h
}

// OnLinkQuality registers the LE Read ISO Link Quality result handler.
func (c *Controller) OnLinkQuality(h func(iso.LinkQuality)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onLinkQuality = h
}

// Close stops the controller and waits for the read loop to exit.
func (c *Controller) Close() error {
	c.lifecycleMu.Lock()
	if c.closed {
		c.lifecycleMu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	err := c.port.Close()
	c.lifecycleMu.Unlock()

	c.wg.Wait()

	c.pendingMu.Lock()
	for op, ch := range c.pending {
		close(ch)
		delete(c.pending, op)
	}
	c.pendingMu.Unlock()
	return err
}
