package notify

import (
	"context"
	"fmt"

	"github.com/taskdesk/server/config"
	"github.com/taskdesk/server/internal/logger"
	"github.com/taskdesk/server/internal/mq"
)

// OpenSender builds the Sender used by the web process. The inline backend
// sends over SMTP from a goroutine; rabbitmq and pubsub hand messages to the
// worker. The returned close func flushes or disconnects the transport.
func OpenSender(ctx context.Context, cfg config.Config) (Sender, func() error, error) {
	switch cfg.Notify.Backend {
	case "inline", "":
		if !cfg.Mail.Enabled {
			logger.From(ctx).Warn("mail disabled, notifications will be dropped", logger.Component("notify"))
			return NopSender{}, func() error { return nil }, nil
		}
		smtp, err := NewSMTPSender(cfg.Mail)
		if err != nil {
			return nil, nil, err
		}
		async := NewAsyncSender(smtp)
		return async, func() error { async.Wait(); return nil }, nil
	case "rabbitmq", "pubsub":
		queue, err := mq.Open(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return NewQueueSender(queue, cfg.Notify.Queue), queue.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported notify backend %q", cfg.Notify.Backend)
	}
}
