package bus

import (
	"context"
	"sync"
)

// Message is one payload recorded by Memory, already encoded.
type Message struct {
	Topic   string
	Key     string
	Payload []byte
}

// Memory records published messages in order. FailWith, when set, is called
// before each publish and its error is returned instead of recording.
type Memory struct {
	mu       sync.Mutex
	messages []Message

	FailWith func(topic, key string) error
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Publish(_ context.Context, topic, key string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		if err := m.FailWith(topic, key); err != nil {
			return err
		}
	}
	raw, err := encode(payload)
	if err != nil {
		return err
	}
	m.messages = append(m.messages, Message{Topic: topic, Key: key, Payload: raw})
	return nil
}

func (m *Memory) Close() error { return nil }

// Messages returns a copy of everything published so far.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// Decode unmarshals a recorded payload.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}
