package bus

import (
	"context"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Publisher is the fire-and-forget, at-least-once outbound channel.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
	Close() error
}

func encode(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return json.Marshal(payload)
	}
}
