package notify

import (
	"context"
	"sync"
	"time"

	"github.com/taskdesk/server/internal/logger"
	"github.com/taskdesk/server/internal/metrics"
	"go.uber.org/zap"
)

const asyncSendTimeout = 30 * time.Second

// AsyncSender hands each message to a goroutine and returns immediately.
// Failures are logged. Wait blocks until in-flight sends finish.
type AsyncSender struct {
	next Sender
	wg   sync.WaitGroup
}

func NewAsyncSender(next Sender) *AsyncSender {
	return &AsyncSender{next: next}
}

func (s *AsyncSender) Send(ctx context.Context, msg Message) error {
	log := logger.From(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sendCtx, cancel := context.WithTimeout(logger.ToContext(context.Background(), log), asyncSendTimeout)
		defer cancel()

		err := s.next.Send(sendCtx, msg)
		recordResult(msg.Kind, err)
		if err != nil {
			log.Error("notification delivery failed",
				logger.Component("notify"),
				zap.String("kind", msg.Kind),
				logger.Err(err),
			)
		}
	}()
	return nil
}

// Wait blocks until every in-flight send has returned.
func (s *AsyncSender) Wait() {
	s.wg.Wait()
}

func recordResult(kind string, err error) {
	result := "sent"
	if err != nil {
		result = "failed"
	}
	metrics.Notifications.WithLabelValues(kind, result).Inc()
}
