package mqtt

import (
	"errors"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

var errFakeRefused = errors.New("fake: connection refused")

type doneToken struct {
	err error
}

func (tok doneToken) Wait() bool                     { return true }
func (tok doneToken) WaitTimeout(time.Duration) bool { return true }
func (tok doneToken) Error() error                   { return tok.err }

func (tok doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// fakeBroker routes publications to subscribers with an exact topic match
// and records the client IDs it saw.
type fakeBroker struct {
	lk      sync.Mutex
	subs    map[string]map[*fakeClient]paho.MessageHandler
	ids     []string
	refuse  bool
	history []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{subs: make(map[string]map[*fakeClient]paho.MessageHandler)}
}

func (b *fakeBroker) factory(opts *paho.ClientOptions) paho.Client {
	b.lk.Lock()
	defer b.lk.Unlock()
	b.ids = append(b.ids, opts.ClientID)
	return &fakeClient{broker: b}
}

func (b *fakeBroker) topics() []string {
	b.lk.Lock()
	defer b.lk.Unlock()
	var topics []string
	for topic, subs := range b.subs {
		if len(subs) > 0 {
			topics = append(topics, topic)
		}
	}
	return topics
}

type fakeClient struct {
	broker    *fakeBroker
	lk        sync.Mutex
	connected bool
}

var _ paho.Client = (*fakeClient)(nil)

func (c *fakeClient) IsConnected() bool {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() paho.Token {
	c.broker.lk.Lock()
	refuse := c.broker.refuse
	c.broker.lk.Unlock()
	if refuse {
		return doneToken{err: errFakeRefused}
	}

	c.lk.Lock()
	defer c.lk.Unlock()
	c.connected = true
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.lk.Lock()
	c.connected = false
	c.lk.Unlock()

	c.broker.lk.Lock()
	defer c.broker.lk.Unlock()
	for _, subs := range c.broker.subs {
		delete(subs, c)
	}
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) paho.Token {
	if !c.IsConnected() {
		return doneToken{err: paho.ErrNotConnected}
	}

	c.broker.lk.Lock()
	c.broker.history = append(c.broker.history, topic)
	handlers := make([]paho.MessageHandler, 0, len(c.broker.subs[topic]))
	for _, h := range c.broker.subs[topic] {
		handlers = append(handlers, h)
	}
	c.broker.lk.Unlock()

	data := append([]byte{}, payload.([]byte)...)
	for _, h := range handlers {
		h(c, fakeMessage{topic: topic, payload: data})
	}
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token {
	return c.SubscribeMultiple(map[string]byte{topic: qos}, callback)
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback paho.MessageHandler) paho.Token {
	c.broker.lk.Lock()
	defer c.broker.lk.Unlock()
	for topic := range filters {
		if c.broker.subs[topic] == nil {
			c.broker.subs[topic] = make(map[*fakeClient]paho.MessageHandler)
		}
		c.broker.subs[topic][c] = callback
	}
	return doneToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) paho.Token {
	c.broker.lk.Lock()
	defer c.broker.lk.Unlock()
	for _, topic := range topics {
		delete(c.broker.subs[topic], c)
	}
	return doneToken{}
}

func (c *fakeClient) AddRoute(string, paho.MessageHandler) {}

func (c *fakeClient) OptionsReader() paho.ClientOptionsReader {
	return paho.ClientOptionsReader{}
}
