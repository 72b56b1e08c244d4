package notify

import (
	"context"
	"sync"
)

type Published struct {
	Topic   string
	Key     string
	Payload []byte
}

// MemoryPublisher records publishes. Err, when set, fails every publish.
type MemoryPublisher struct {
	mu   sync.Mutex
	msgs []Published
	Err  error
}

func (p *MemoryPublisher) Publish(_ context.Context, topic, key string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.msgs = append(p.msgs, Published{Topic: topic, Key: key, Payload: append([]byte(nil), payload...)})
	return nil
}

// On returns the messages published to topic, oldest first.
func (p *MemoryPublisher) On(topic string) []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Published
	for _, m := range p.msgs {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
