package eventbus

import (
	"sync"
)

// PublishedMessage records one PublishSync call for test inspection.
type PublishedMessage struct {
	Topic   string
	Key     []byte
	Headers map[string][]byte
	Payload []byte
}

// MockProducer is an in-memory Producer for tests and local development.
// FailNext schedules errors for upcoming publishes.
type MockProducer struct {
	mu       sync.Mutex
	messages []PublishedMessage
	failures []error
	ready    bool
}

// NewMockProducer constructs a ready mock producer.
func NewMockProducer() *MockProducer {
	return &MockProducer{ready: true}
}

// FailNext queues errors returned by the next publishes, in order.
func (m *MockProducer) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// SetReady flips the readiness flag.
func (m *MockProducer) SetReady(ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = ready
}

// Messages returns a copy of everything published so far.
func (m *MockProducer) Messages() []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PublishedMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

// PublishSync implements Producer.
func (m *MockProducer) PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		if err != nil {
			return err
		}
	}
	m.messages = append(m.messages, PublishedMessage{
		Topic:   topic,
		Key:     append([]byte(nil), key...),
		Headers: headers,
		Payload: append([]byte(nil), payload...),
	})
	return nil
}

// IsReady implements Producer.
func (m *MockProducer) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}
