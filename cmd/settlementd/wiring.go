package main

import (
	"context"
	"fmt"

	"OpenMCP-Settlement/internal/config"
	"OpenMCP-Settlement/internal/credit"
	"OpenMCP-Settlement/internal/events"
	"OpenMCP-Settlement/internal/observability/metrics"
	"OpenMCP-Settlement/pkg/logger"
)

func creditConfig(c config.CreditConfig) credit.Config {
	out := credit.Config{
		DefaultScore:        c.DefaultScore,
		DefaultTier:         credit.Tier(c.DefaultTier),
		DefaultLimit:        c.DefaultLimit,
		DefaultDailyLimit:   c.DefaultDailyLimit,
		DefaultMonthlyLimit: c.DefaultMonthlyLimit,
		CollateralFactor:    c.CollateralFactor,
		TierLimits:          make(map[credit.Tier]float64, len(c.TierLimits)),
		TierDiscounts:       make(map[credit.Tier]float64, len(c.TierDiscounts)),
	}
	for k, v := range c.TierLimits {
		out.TierLimits[credit.Tier(k)] = v
	}
	for k, v := range c.TierDiscounts {
		out.TierDiscounts[credit.Tier(k)] = v
	}
	return out
}

// buildSinks 按驱动创建事件出口，memory 驱动只在进程内分发。
func buildSinks(ctx context.Context, cfg config.EventsConfig, reg *metrics.Registry) ([]events.Sink, error) {
	switch cfg.Driver {
	case "", "memory":
		return nil, nil
	case "log":
		return []events.Sink{metered("log", events.LogSink{Logger: logger.Named("events")}, reg)}, nil
	case "redis":
		sink, err := events.NewRedisSink(ctx, events.RedisSinkConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		})
		if err != nil {
			return nil, err
		}
		return []events.Sink{metered("redis", sink, reg)}, nil
	case "rabbitmq":
		sink, err := events.NewRabbitMQSink(events.RabbitMQSinkConfig{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
			Durable:  cfg.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, err
		}
		return []events.Sink{metered("rabbitmq", sink, reg)}, nil
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Driver)
	}
}

// pumpOptions 把因队列已满而丢弃的事件计入对应 sink 的投递指标。
func pumpOptions(cfg config.EventsConfig, reg *metrics.Registry) events.PumpOptions {
	return events.PumpOptions{
		QueueSize:      cfg.QueueSize,
		DeliverTimeout: cfg.DeliverTimeout,
		OnDrop: func(sink events.Sink, _ events.Event) {
			name := "unknown"
			if m, ok := sink.(*meteredSink); ok {
				name = m.name
			}
			reg.ObserveSinkDelivery(name, metrics.ResultDropped)
		},
	}
}

// meteredSink 记录每次投递的结果。
type meteredSink struct {
	name string
	sink events.Sink
	reg  *metrics.Registry
}

func metered(name string, sink events.Sink, reg *metrics.Registry) events.Sink {
	return &meteredSink{name: name, sink: sink, reg: reg}
}

func (s *meteredSink) Deliver(ctx context.Context, evt events.Event) error {
	err := s.sink.Deliver(ctx, evt)
	result := metrics.ResultOK
	if err != nil {
		result = metrics.ResultFailed
	}
	s.reg.ObserveSinkDelivery(s.name, result)
	return err
}

func (s *meteredSink) Close() error {
	return s.sink.Close()
}
