//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"leaudio-groupd/internal/coordinator"
	"leaudio-groupd/internal/group"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *fakePublisher) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	var b []byte
	switch v := payload.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	}
	p.msgs = append(p.msgs, published{topic, b, retained})
	return doneToken{}
}

func (p *fakePublisher) last(topic string) (published, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.msgs) - 1; i >= 0; i-- {
		if p.msgs[i].topic == topic {
			return p.msgs[i], true
		}
	}
	return published{}, false
}

type call struct {
	op    string
	group int
	audio group.ContextType
	ccid  int
}

type fakeCoordinator struct {
	events *coordinator.EventBus
	groups []*coordinator.GroupSnapshot
	calls  []call
	err    error
}

func (f *fakeCoordinator) Events() *coordinator.EventBus { return f.events }

func (f *fakeCoordinator) Groups(context.Context) ([]*coordinator.GroupSnapshot, error) {
	return f.groups, nil
}

func (f *fakeCoordinator) StartStream(_ context.Context, id int, audio group.ContextType, ccid int) error {
	f.calls = append(f.calls, call{"start", id, audio, ccid})
	return f.err
}

func (f *fakeCoordinator) ConfigureStream(_ context.Context, id int, audio group.ContextType, ccid int) error {
	f.calls = append(f.calls, call{"configure", id, audio, ccid})
	return f.err
}

func (f *fakeCoordinator) SuspendStream(_ context.Context, id int) error {
	f.calls = append(f.calls, call{"suspend", id, 0, 0})
	return f.err
}

func (f *fakeCoordinator) StopStream(_ context.Context, id int) error {
	f.calls = append(f.calls, call{"stop", id, 0, 0})
	return f.err
}

func newTestBridge(t *testing.T) (*Bridge, *fakeCoordinator, *fakePublisher) {
	t.Helper()
	coord := &fakeCoordinator{events: coordinator.NewEventBus(newTestLogger())}
	pub := &fakePublisher{}
	b := newBridge(coord, "leaudio", newTestLogger())
	b.pub = pub
	t.Cleanup(b.cancel)
	return b, coord, pub
}

func TestDiscoveryStatusSensor(t *testing.T) {
	msgs := buildDiscovery(3, "leaudio")
	topics := extractTopics(msgs)
	for _, want := range []string{
		"homeassistant/sensor/leaudio_group_3/status/config",
		"homeassistant/sensor/leaudio_group_3/state/config",
		"homeassistant/sensor/leaudio_group_3/context/config",
		"homeassistant/switch/leaudio_group_3/stream/config",
	} {
		if !topics[want] {
			t.Errorf("missing discovery topic %s", want)
		}
	}

	var payload haDiscovery
	for _, m := range msgs {
		if m.Topic == "homeassistant/sensor/leaudio_group_3/status/config" {
			if err := json.Unmarshal(m.Payload, &payload); err != nil {
				t.Fatalf("unmarshal payload: %v", err)
			}
		}
	}
	if payload.StateTopic != "leaudio/group/3" {
		t.Errorf("state_topic = %q", payload.StateTopic)
	}
	if payload.AvailabilityTopic != "leaudio/bridge/state" {
		t.Errorf("availability_topic = %q", payload.AvailabilityTopic)
	}
	if payload.UniqueID != "leaudio_group_3_status" {
		t.Errorf("unique_id = %q", payload.UniqueID)
	}
	if len(payload.Device.Identifiers) != 1 || payload.Device.Identifiers[0] != "leaudio_group_3" {
		t.Errorf("identifiers = %v", payload.Device.Identifiers)
	}
}

func TestDiscoveryStreamSwitch(t *testing.T) {
	var sw haDiscovery
	for _, m := range buildDiscovery(1, "leaudio") {
		if m.Topic == "homeassistant/switch/leaudio_group_1/stream/config" {
			if err := json.Unmarshal(m.Payload, &sw); err != nil {
				t.Fatal(err)
			}
		}
	}
	if sw.CommandTopic != "leaudio/group/1/set" {
		t.Errorf("command_topic = %q", sw.CommandTopic)
	}
	if _, _, err := parseCommand([]byte(sw.PayloadOn)); err != nil {
		t.Errorf("payload_on is not a valid command: %v", err)
	}
	if _, _, err := parseCommand([]byte(sw.PayloadOff)); err != nil {
		t.Errorf("payload_off is not a valid command: %v", err)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		action    string
		audio     group.ContextType
		ccid      int
		wantError bool
	}{
		{"start media", `{"action":"start","context":"media","ccid":1}`, "start", group.ContextMedia, 1, false},
		{"start default context", `{"action":"start"}`, "start", group.ContextMedia, 0, false},
		{"configure conversational", `{"action":"configure","context":"conversational"}`, "configure", group.ContextConversational, 0, false},
		{"upper case action", `{"action":"STOP"}`, "stop", 0, 0, false},
		{"suspend", `{"action":"suspend"}`, "suspend", 0, 0, false},
		{"unknown action", `{"action":"pause"}`, "", 0, 0, true},
		{"unknown context", `{"action":"start","context":"karaoke"}`, "", 0, 0, true},
		{"bad json", `{`, "", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, audio, err := parseCommand([]byte(tt.payload))
			if tt.wantError {
				if !errors.Is(err, errBadCommand) {
					t.Errorf("err = %v, want errBadCommand", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if cmd.Action != tt.action || audio != tt.audio || cmd.CCID != tt.ccid {
				t.Errorf("got %q %v %d, want %q %v %d", cmd.Action, audio, cmd.CCID, tt.action, tt.audio, tt.ccid)
			}
		})
	}
}

func TestParseSetTopic(t *testing.T) {
	b, _, _ := newTestBridge(t)
	tests := []struct {
		topic string
		id    int
		ok    bool
	}{
		{"leaudio/group/7/set", 7, true},
		{"leaudio/group/x/set", 0, false},
		{"leaudio/group/7", 0, false},
		{"other/group/7/set", 0, false},
	}
	for _, tt := range tests {
		id, ok := b.parseSetTopic(tt.topic)
		if id != tt.id || ok != tt.ok {
			t.Errorf("parseSetTopic(%q) = %d, %v", tt.topic, id, ok)
		}
	}
}

func TestHandleCommandDispatch(t *testing.T) {
	b, coord, _ := newTestBridge(t)

	if err := b.handleCommand(2, []byte(`{"action":"start","context":"game","ccid":4}`)); err != nil {
		t.Fatal(err)
	}
	if err := b.handleCommand(2, []byte(`{"action":"suspend"}`)); err != nil {
		t.Fatal(err)
	}
	if err := b.handleCommand(2, []byte(`{"action":"stop"}`)); err != nil {
		t.Fatal(err)
	}

	want := []call{
		{"start", 2, group.ContextGame, 4},
		{"suspend", 2, 0, 0},
		{"stop", 2, 0, 0},
	}
	if len(coord.calls) != len(want) {
		t.Fatalf("calls = %v", coord.calls)
	}
	for i := range want {
		if coord.calls[i] != want[i] {
			t.Errorf("call %d = %+v, want %+v", i, coord.calls[i], want[i])
		}
	}
}

func TestHandleCommandError(t *testing.T) {
	b, coord, _ := newTestBridge(t)
	coord.err = coordinator.ErrRejected
	err := b.handleCommand(1, []byte(`{"action":"start"}`))
	if !errors.Is(err, coordinator.ErrRejected) {
		t.Errorf("err = %v, want ErrRejected", err)
	}
}

func TestGroupStatusPublishesRetainedState(t *testing.T) {
	b, coord, pub := newTestBridge(t)
	b.Start()

	coord.events.Emit(coordinator.Event{Type: coordinator.EventGroupStatus, Data: map[string]any{
		"group":        1,
		"status":       "streaming",
		"state":        "STREAMING",
		"target_state": "STREAMING",
		"context":      "media",
	}})

	msg, ok := pub.last("leaudio/group/1")
	if !ok {
		t.Fatal("no state published")
	}
	if !msg.retained {
		t.Error("group state should be retained")
	}
	var st groupState
	if err := json.Unmarshal(msg.payload, &st); err != nil {
		t.Fatal(err)
	}
	if st.Status != "streaming" || st.State != "STREAMING" || st.Context != "media" {
		t.Errorf("state = %+v", st)
	}

	// A partial update keeps earlier fields.
	coord.events.Emit(coordinator.Event{Type: coordinator.EventGroupStatus, Data: map[string]any{
		"group":  1,
		"status": "suspending",
	}})
	msg, _ = pub.last("leaudio/group/1")
	if err := json.Unmarshal(msg.payload, &st); err != nil {
		t.Fatal(err)
	}
	if st.Status != "suspending" || st.Context != "media" {
		t.Errorf("merged state = %+v", st)
	}
}

func TestTransitionTimeoutPublished(t *testing.T) {
	b, coord, pub := newTestBridge(t)
	b.Start()
	coord.events.Emit(coordinator.Event{Type: coordinator.EventTransitionTimeout, Data: map[string]any{"group": 5}})
	msg, ok := pub.last("leaudio/group/5/timeout")
	if !ok {
		t.Fatal("timeout not published")
	}
	if msg.retained {
		t.Error("timeout should not be retained")
	}
}

func TestPublishAll(t *testing.T) {
	b, coord, pub := newTestBridge(t)
	coord.groups = []*coordinator.GroupSnapshot{
		{ID: 1, State: "IDLE", TargetState: "IDLE", Context: "none"},
		{ID: 2, State: "STREAMING", TargetState: "STREAMING", Context: "media"},
	}
	b.publishAll()

	if _, ok := pub.last("homeassistant/sensor/leaudio_group_2/status/config"); !ok {
		t.Error("discovery for group 2 not published")
	}
	msg, ok := pub.last("leaudio/group/2")
	if !ok {
		t.Fatal("state for group 2 not published")
	}
	var st groupState
	if err := json.Unmarshal(msg.payload, &st); err != nil {
		t.Fatal(err)
	}
	if st.Status != "streaming" {
		t.Errorf("status = %q, want streaming", st.Status)
	}
}

func TestMustJSON(t *testing.T) {
	result := mustJSON(map[string]string{"hello": "world"})
	var parsed map[string]string
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("mustJSON output not valid JSON: %v", err)
	}
	if parsed["hello"] != "world" {
		t.Errorf("parsed value = %q", parsed["hello"])
	}
	if string(mustJSON(make(chan int))) != "{}" {
		t.Error("unmarshalable value should give {}")
	}
}

func extractTopics(msgs []discoveryMsg) map[string]bool {
	topics := make(map[string]bool)
	for _, m := range msgs {
		topics[m.Topic] = true
	}
	return topics
}
