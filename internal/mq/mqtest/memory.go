// Package mqtest provides an in-process mq backend for tests.
package mqtest

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/taskdesk/server/internal/mq"
)

// MemoryBackend delivers messages in process. Messages published before a
// subscriber attaches are buffered per channel. A handler error redelivers
// the message once.
type MemoryBackend struct {
	mu     sync.Mutex
	queues map[string]chan memoryDelivery
	closed bool
}

type memoryDelivery struct {
	msg         mq.Message
	redelivered bool
}

const memoryQueueSize = 256

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{queues: make(map[string]chan memoryDelivery)}
}

func (b *MemoryBackend) queue(channel string) (chan memoryDelivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("memory backend closed")
	}
	q, ok := b.queues[channel]
	if !ok {
		q = make(chan memoryDelivery, memoryQueueSize)
		b.queues[channel] = q
	}
	return q, nil
}

func (b *MemoryBackend) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	q, err := b.queue(channel)
	if err != nil {
		return "", err
	}
	msg := mq.Message{ID: uuid.NewString(), Data: data, Attributes: attrs}
	select {
	case q <- memoryDelivery{msg: msg}:
		return msg.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Subscribe blocks until ctx is done.
func (b *MemoryBackend) Subscribe(ctx context.Context, channel string, handler mq.Handler) error {
	q, err := b.queue(channel)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-q:
			if err := handler(ctx, d.msg); err != nil && !d.redelivered {
				d.redelivered = true
				select {
				case q <- d:
				default:
				}
			}
		}
	}
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
