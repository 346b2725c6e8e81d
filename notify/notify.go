// Package notify delivers reorder engine notifications to users.
package notify

import (
	"context"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"pov-board/reorder"
)

// Log writes notifications as log lines. Error notifications are logged at
// warning level; they describe a reverted change, not a process failure.
type Log struct {
	Logger *log.Logger
}

func (l Log) Notify(ctx context.Context, n reorder.Notification) {
	logger := l.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	entry := logger.WithFields(log.Fields{"phase": n.PhaseID, "title": n.Title})
	if n.Level == reorder.LevelError {
		entry.Warn(n.Message)
		return
	}
	entry.Info(n.Message)
}

// Redis publishes notifications as JSON so a UI gateway can show them as
// toasts.
type Redis struct {
	client  *redis.Client
	channel string
	logger  *log.Logger
}

// NewRedis creates a notifier publishing on channel.
func NewRedis(client *redis.Client, channel string, logger *log.Logger) *Redis {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Redis{client: client, channel: channel, logger: logger}
}

func (r *Redis) Notify(ctx context.Context, n reorder.Notification) {
	data, err := sonic.Marshal(n)
	if err != nil {
		r.logger.WithError(err).Error("encode notification")
		return
	}
	if err := r.client.Publish(context.WithoutCancel(ctx), r.channel, data).Err(); err != nil {
		r.logger.WithError(err).WithField("phase", n.PhaseID).Warn("publish notification failed")
	}
}

// Multi sends every notification to each notifier in turn.
type Multi []reorder.Notifier

func (m Multi) Notify(ctx context.Context, n reorder.Notification) {
	for _, nt := range m {
		nt.Notify(ctx, n)
	}
}
