package reg

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// doneToken is an already-completed mqtt.Token.
type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// stalledToken never completes, as when the broker stops acknowledging.
type stalledToken struct{}

func (stalledToken) Wait() bool                     { return false }
func (stalledToken) WaitTimeout(time.Duration) bool { return false }
func (stalledToken) Error() error                   { return nil }
func (stalledToken) Done() <-chan struct{}          { return make(chan struct{}) }

// MockMessage is one message captured by MockClient.
type MockMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// MockClient is an in-memory mqtt.Client for tests of outcome publishing.
// It starts disconnected; Connect succeeds unless SetConnectError was called.
type MockClient struct {
	mu         sync.RWMutex
	connected  bool
	connectErr error
	publishErr error
	stalled    bool
	messages   []MockMessage
}

// NewMockClient creates a disconnected mock MQTT client
func NewMockClient() *MockClient {
	return &MockClient{}
}

func (c *MockClient) SetConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
}

func (c *MockClient) SetConnectError(err error) {
	c.mu.Lock()
	c.connectErr = err
	c.mu.Unlock()
}

func (c *MockClient) SetPublishError(err error) {
	c.mu.Lock()
	c.publishErr = err
	c.mu.Unlock()
}

// SetStalled makes subsequent publishes never complete.
func (c *MockClient) SetStalled(stalled bool) {
	c.mu.Lock()
	c.stalled = stalled
	c.mu.Unlock()
}

// GetPublishedMessages returns a copy of every message in publish order.
func (c *MockClient) GetPublishedMessages() []MockMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]MockMessage(nil), c.messages...)
}

// LastOutcome decodes the most recent outcome published on topic.
func (c *MockClient) LastOutcome(topic string) (OutcomeRecord, error) {
	msgs := c.GetPublishedMessages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Topic != topic {
			continue
		}
		var rec OutcomeRecord
		if err := json.Unmarshal(msgs[i].Payload, &rec); err != nil {
			return OutcomeRecord{}, fmt.Errorf("decoding outcome on %s: %w", topic, err)
		}
		return rec, nil
	}
	return OutcomeRecord{}, fmt.Errorf("nothing published on %s", topic)
}

func (c *MockClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *MockClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *MockClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = c.connectErr == nil
	return doneToken{c.connectErr}
}

func (c *MockClient) Disconnect(uint) { c.SetConnected(false) }

func (c *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.connected:
		return doneToken{mqtt.ErrNotConnected}
	case c.publishErr != nil:
		return doneToken{c.publishErr}
	case c.stalled:
		return stalledToken{}
	}

	msg := MockMessage{Topic: topic, QoS: qos, Retain: retained}
	switch v := payload.(type) {
	case []byte:
		msg.Payload = v
	case string:
		msg.Payload = []byte(v)
	default:
		return doneToken{fmt.Errorf("unsupported payload type %T", payload)}
	}
	c.messages = append(c.messages, msg)
	return doneToken{}
}

// The publisher never subscribes; these satisfy mqtt.Client.

func (c *MockClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token {
	return doneToken{}
}

func (c *MockClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return doneToken{}
}

func (c *MockClient) Unsubscribe(...string) mqtt.Token       { return doneToken{} }
func (c *MockClient) AddRoute(string, mqtt.MessageHandler)    {}
func (c *MockClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }
