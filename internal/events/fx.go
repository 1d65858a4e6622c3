package events

import (
	"context"

	"github.com/smallbiznis/pagebill/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(NewPublisher),
)

// NewPublisher connects to the configured broker, or returns a noop publisher
// when AMQP_URL is unset.
func NewPublisher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (Publisher, error) {
	log = log.Named("events.publisher")
	if cfg.AMQPURL == "" {
		log.Info("amqp not configured, events disabled")
		return NewNoopPublisher(log), nil
	}

	pub, err := NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return pub.Close()
		},
	})
	return pub, nil
}
