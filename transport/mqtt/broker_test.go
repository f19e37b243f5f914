package mqtt

import (
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// fakeBroker is an in-process paho.Client that keeps retained messages and
// hands them to subscribers, which is all the store relies on.
type fakeBroker struct {
	mu        sync.Mutex
	retained  map[string][]byte
	publishes map[string]int
}

var _ paho.Client = (*fakeBroker)(nil)

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		retained:  make(map[string][]byte),
		publishes: make(map[string]int),
	}
}

// connectedStore returns a store wired to b without dialing a broker.
func connectedStore(b *fakeBroker) *Store {
	s := New(Config{Broker: "tcp://fake:1883", RetainedWait: 20 * time.Millisecond})
	s.client = b
	s.connected = true
	return s
}

func (b *fakeBroker) put(topic string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retained[topic] = payload
}

func (b *fakeBroker) published(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.publishes[topic]
}

func (b *fakeBroker) IsConnected() bool { return true }
func (b *fakeBroker) IsConnectionOpen() bool { return true }
func (b *fakeBroker) Connect() paho.Token { return doneToken() }
func (b *fakeBroker) Disconnect(uint) {}

func (b *fakeBroker) Publish(topic string, _ byte, retained bool, payload interface{}) paho.Token {
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = append([]byte(nil), p...)
	case string:
		data = []byte(p)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishes[topic]++
	if retained {
		b.retained[topic] = data
	}
	return doneToken()
}

func (b *fakeBroker) Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token {
	b.mu.Lock()
	payload, ok := b.retained[topic]
	b.mu.Unlock()
	if ok && callback != nil {
		callback(b, &fakeMessage{topic: topic, qos: qos, payload: payload})
	}
	return doneToken()
}

func (b *fakeBroker) SubscribeMultiple(filters map[string]byte, callback paho.MessageHandler) paho.Token {
	for topic, qos := range filters {
		b.Subscribe(topic, qos, callback)
	}
	return doneToken()
}

func (b *fakeBroker) Unsubscribe(...string) paho.Token { return doneToken() }
func (b *fakeBroker) AddRoute(string, paho.MessageHandler) {}
func (b *fakeBroker) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }

type fakeToken struct {
	done chan struct{}
}

func doneToken() *fakeToken {
	t := &fakeToken{done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error { return nil }

type fakeMessage struct {
	topic   string
	qos     byte
	payload []byte
}

func (m *fakeMessage) Duplicate() bool { return false }
func (m *fakeMessage) Qos() byte { return m.qos }
func (m *fakeMessage) Retained() bool { return true }
func (m *fakeMessage) Topic() string { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte { return m.payload }
func (m *fakeMessage) Ack() {}
