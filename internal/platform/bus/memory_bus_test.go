package bus

import (
	"context"
	"errors"
	"testing"
)

type sample struct {
	Source string `json:"source"`
	Count  int    `json:"count"`
}

func TestMemoryRecordsEncodedPayloads(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.Publish(ctx, "topic-a", "k1", sample{Source: "S1", Count: 3}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := m.Publish(ctx, "topic-a", "k2", []byte(`{"source":"S2","count":1}`)); err != nil {
		t.Fatalf("Publish raw: %v", err)
	}

	msgs := m.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages: want=2 got=%d", len(msgs))
	}
	var got sample
	if err := msgs[0].Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Source != "S1" || got.Count != 3 {
		t.Fatalf("decoded: got=%+v", got)
	}
	if msgs[1].Key != "k2" || string(msgs[1].Payload) != `{"source":"S2","count":1}` {
		t.Fatalf("raw payload not passed through: %+v", msgs[1])
	}
}

func TestMemoryFailWith(t *testing.T) {
	boom := errors.New("broker down")
	m := NewMemory()
	m.FailWith = func(topic, key string) error {
		if key == "bad" {
			return boom
		}
		return nil
	}
	if err := m.Publish(context.Background(), "t", "bad", sample{}); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if err := m.Publish(context.Background(), "t", "good", sample{}); err != nil {
		t.Fatalf("Publish good: %v", err)
	}
	if n := len(m.Messages()); n != 1 {
		t.Fatalf("messages: want=1 got=%d", n)
	}
}
