package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/lobbyhub/internal/config"
	"github.com/energizer-project/lobbyhub/internal/events"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic string
	body  map[string]interface{}
}

// fakeClient records publishes. Methods not overridden panic through the
// nil embedded interface.
type fakeClient struct {
	mqtt.Client

	mu           sync.Mutex
	connected    bool
	disconnected bool
	messages     []published
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return doneToken{}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected = true
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var body map[string]interface{}
	if err := json.Unmarshal(payload.([]byte), &body); err != nil {
		return doneToken{err: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, published{topic: topic, body: body})
	return doneToken{}
}

func (c *fakeClient) byTopic(topic string) []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []published
	for _, m := range c.messages {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func newTestHandler(bus *events.EventBus) (*MQTTHandler, *fakeClient) {
	client := &fakeClient{connected: true}
	h := newHandler(config.MQTTConfig{Enabled: true, BrokerURL: "broker", Port: 1883}, bus,
		map[string]interface{}{"hub": "test-hub"})
	h.client = client
	return h, client
}

func TestMQTTHandler_PublishesMatchEvents(t *testing.T) {
	bus := events.NewEventBus()
	h, client := newTestHandler(bus)
	h.subscribeEvents()

	bus.Emit(context.Background(), events.Event{
		Type:    events.EventMatchCreated,
		Payload: events.MatchPayload{MatchID: "m-1", State: "waiting_for_players", Players: 1},
	})
	bus.Emit(context.Background(), events.Event{
		Type:    events.EventHubStatus,
		Payload: events.StatusPayload{Matches: 3},
	})
	bus.Emit(context.Background(), events.Event{
		Type:    events.EventBeaconGateChanged,
		Payload: events.GatePayload{Gate: "paused"},
	})
	bus.Wait()

	matches := client.byTopic(TopicMatch)
	require.Len(t, matches, 1)
	assert.Equal(t, "test-hub", matches[0].body["hub"])
	assert.NotEmpty(t, matches[0].body["timestamp"])
	payload := matches[0].body["payload"].(map[string]interface{})
	assert.Equal(t, "match_created", payload["event"])
	assert.Equal(t, "m-1", payload["data"].(map[string]interface{})["match_id"])

	status := client.byTopic(TopicStatus)
	require.Len(t, status, 1)
	assert.EqualValues(t, 3, status[0].body["payload"].(map[string]interface{})["matches"])

	admin := client.byTopic(TopicAdmin)
	require.Len(t, admin, 1)
	assert.Equal(t, "beacon_gate_changed", admin[0].body["payload"].(map[string]interface{})["event"])
}

func TestMQTTHandler_SkipsWhenDisconnected(t *testing.T) {
	h, client := newTestHandler(events.NewEventBus())
	client.connected = false

	h.publish(TopicMatch, map[string]interface{}{"event": "x"})
	assert.Empty(t, client.messages)
}

func TestMQTTHandler_StartAndShutdown(t *testing.T) {
	bus := events.NewEventBus()
	h, client := newTestHandler(bus)
	client.connected = false

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.Start(ctx))

	assert.True(t, client.disconnected)
	assert.Equal(t, 1, bus.HandlerCount(events.EventMatchRemoved))
	admin := client.byTopic(TopicAdmin)
	require.Len(t, admin, 1)
	assert.Equal(t, "shutdown", admin[0].body["payload"].(map[string]interface{})["event"])
}

func TestNewMQTTHandler_Disabled(t *testing.T) {
	_, err := NewMQTTHandler(config.MQTTConfig{}, "hub", events.NewEventBus())
	assert.Error(t, err)
}
