package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/taskdesk/server/internal/logger"
	"github.com/taskdesk/server/internal/mq"
	"go.uber.org/zap"
)

// QueueSender publishes messages for the delivery worker instead of sending
// them from the web process.
type QueueSender struct {
	queue *mq.MQ
	name  string
}

func NewQueueSender(queue *mq.MQ, name string) *QueueSender {
	return &QueueSender{queue: queue, name: name}
}

func (s *QueueSender) Send(ctx context.Context, msg Message) error {
	if _, err := s.queue.PublishJSON(ctx, s.name, msg, map[string]string{mq.AttrKind: msg.Kind}); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// Worker consumes queued messages and delivers them through a Sender.
type Worker struct {
	queue  *mq.MQ
	name   string
	sender Sender
}

func NewWorker(queue *mq.MQ, name string, sender Sender) *Worker {
	return &Worker{queue: queue, name: name, sender: sender}
}

// Run blocks until ctx is cancelled or the subscription fails.
func (w *Worker) Run(ctx context.Context) error {
	log := logger.From(ctx).With(logger.Component("notify_worker"))
	log.Info("notification worker started", zap.String("queue", w.name))
	return w.queue.Subscribe(ctx, w.name, func(ctx context.Context, m mq.Message) error {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			// Undecodable payloads are dropped rather than redelivered.
			log.Warn("dropping malformed notification", zap.String("message_id", m.ID), logger.Err(err))
			return nil
		}
		if err := w.sender.Send(ctx, msg); err != nil {
			recordResult(msg.Kind, err)
			log.Error("notification delivery failed",
				zap.String("message_id", m.ID),
				zap.String("kind", msg.Kind),
				logger.Err(err),
			)
			return err
		}
		recordResult(msg.Kind, nil)
		return nil
	})
}
