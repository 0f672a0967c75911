package notify

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/zeromicro/go-zero/core/logx"
	"go.uber.org/multierr"
)

// LogSink writes notifications to the service log.
type LogSink struct{}

func (LogSink) Send(ctx context.Context, n Notification) error {
	switch n.Level {
	case LevelCritical:
		logx.WithContext(ctx).Errorf("notify: [CRITICAL] %s: %s source=%s fields=%v", n.Title, n.Message, n.Source, n.Fields)
	case LevelWarning:
		logx.WithContext(ctx).Errorf("notify: [WARN] %s: %s source=%s fields=%v", n.Title, n.Message, n.Source, n.Fields)
	default:
		logx.WithContext(ctx).Infof("notify: %s: %s source=%s fields=%v", n.Title, n.Message, n.Source, n.Fields)
	}
	return nil
}

// RedisSink publishes notifications as JSON on a channel for downstream delivery services.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisSink(client redis.UniversalClient, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", s.channel, err)
	}
	return nil
}

// MultiSink fans a notification out to every sink and combines their errors.
type MultiSink []Sink

func (m MultiSink) Send(ctx context.Context, n Notification) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Send(ctx, n))
	}
	return err
}
