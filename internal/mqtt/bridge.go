//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"leaudio-groupd/internal/coordinator"
	"leaudio-groupd/internal/group"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// Coordinator is the part of the coordinator the bridge drives.
type Coordinator interface {
	Events() *coordinator.EventBus
	Groups(ctx context.Context) ([]*coordinator.GroupSnapshot, error)
	StartStream(ctx context.Context, groupID int, audio group.ContextType, ccid int) error
	ConfigureStream(ctx context.Context, groupID int, audio group.ContextType, ccid int) error
	SuspendStream(ctx context.Context, groupID int) error
	StopStream(ctx context.Context, groupID int) error
}

// publisher is satisfied by pahomqtt.Client.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

const commandTimeout = 10 * time.Second

// Bridge publishes group status to MQTT with HA autodiscovery and accepts
// stream commands.
type Bridge struct {
	client pahomqtt.Client
	pub    publisher
	coord  Coordinator
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc

	// Last published state per group.
	mu     sync.Mutex
	states map[int]groupState
}

// groupState is the retained payload of a group topic.
type groupState struct {
	Status      string `json:"status"`
	State       string `json:"state"`
	TargetState string `json:"target_state"`
	Context     string `json:"context"`
}

// command is the payload of a group set topic.
type command struct {
	Action  string `json:"action"`
	Context string `json:"context"`
	CCID    int    `json:"ccid"`
}

func newBridge(coord Coordinator, prefix string, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		coord:  coord,
		prefix: prefix,
		logger: logger.With("component", "mqtt"),
		states: make(map[int]groupState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(coord, cfg.TopicPrefix, logger)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "leaudio-groupd"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			go b.publishAll()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	b.pub = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventGroupStatus:
		b.handleGroupStatus(event)
	case coordinator.EventTransitionTimeout:
		id, ok := event.Group()
		if !ok {
			return
		}
		b.publish(b.groupTopic(id)+"/timeout", mustJSON(event.Data), false)
	}
}

func (b *Bridge) handleGroupStatus(event coordinator.Event) {
	id, ok := event.Group()
	if !ok {
		return
	}
	b.mu.Lock()
	st := b.states[id]
	if v, ok := event.Data["status"].(string); ok {
		st.Status = v
	}
	if v, ok := event.Data["state"].(string); ok {
		st.State = v
	}
	if v, ok := event.Data["target_state"].(string); ok {
		st.TargetState = v
	}
	if v, ok := event.Data["context"].(string); ok {
		st.Context = v
	}
	b.states[id] = st
	b.mu.Unlock()

	b.publish(b.groupTopic(id), mustJSON(st), true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

// publishAll publishes discovery and the current state of every group.
func (b *Bridge) publishAll() {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()
	groups, err := b.coord.Groups(ctx)
	if err != nil {
		b.logger.Error("list groups for discovery", "err", err)
		return
	}
	for _, g := range groups {
		for _, msg := range buildDiscovery(g.ID, b.prefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
		b.mu.Lock()
		st := b.states[g.ID]
		st.State = g.State
		st.TargetState = g.TargetState
		st.Context = g.Context
		if st.Status == "" {
			st.Status = statusFromState(st.State)
		}
		b.states[g.ID] = st
		b.mu.Unlock()
		b.publish(b.groupTopic(g.ID), mustJSON(st), true)
	}
	b.logger.Info("published HA discovery", "groups", len(groups))
}

// statusFromState gives an initial status for a group not yet reported on.
func statusFromState(state string) string {
	switch state {
	case "STREAMING":
		return "streaming"
	case "CODEC_CONFIGURED", "QOS_CONFIGURED":
		return "configured_by_user"
	default:
		return "idle"
	}
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/group/+/set"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		id, ok := b.parseSetTopic(msg.Topic())
		if !ok {
			b.logger.Warn("command on malformed topic", "topic", msg.Topic())
			return
		}
		if err := b.handleCommand(id, msg.Payload()); err != nil {
			b.logger.Warn("group command failed", "group", id, "err", err)
		}
	})
}

// parseSetTopic extracts the group id from <prefix>/group/<id>/set.
func (b *Bridge) parseSetTopic(topic string) (int, bool) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/group/")
	if !ok {
		return 0, false
	}
	idStr, ok := strings.CutSuffix(rest, "/set")
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return 0, false
	}
	return id, true
}

var errBadCommand = errors.New("invalid command")

func parseCommand(payload []byte) (command, group.ContextType, error) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return cmd, 0, fmt.Errorf("%w: %v", errBadCommand, err)
	}
	cmd.Action = strings.ToLower(cmd.Action)
	switch cmd.Action {
	case "start", "configure":
		name := cmd.Context
		if name == "" {
			name = "media"
		}
		audio, err := group.ParseContextType(strings.ToLower(name))
		if err != nil {
			return cmd, 0, fmt.Errorf("%w: %v", errBadCommand, err)
		}
		return cmd, audio, nil
	case "suspend", "stop":
		return cmd, 0, nil
	default:
		return cmd, 0, fmt.Errorf("%w: unknown action %q", errBadCommand, cmd.Action)
	}
}

func (b *Bridge) handleCommand(groupID int, payload []byte) error {
	cmd, audio, err := parseCommand(payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	b.logger.Info("group command", "group", groupID, "action", cmd.Action, "context", cmd.Context)
	switch cmd.Action {
	case "start":
		return b.coord.StartStream(ctx, groupID, audio, cmd.CCID)
	case "configure":
		return b.coord.ConfigureStream(ctx, groupID, audio, cmd.CCID)
	case "suspend":
		return b.coord.SuspendStream(ctx, groupID)
	default:
		return b.coord.StopStream(ctx, groupID)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.pub.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func (b *Bridge) groupTopic(id int) string {
	return groupTopic(b.prefix, id)
}

func groupTopic(prefix string, id int) string {
	return prefix + "/group/" + strconv.Itoa(id)
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
