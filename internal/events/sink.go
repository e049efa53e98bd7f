package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"OpenMCP-Settlement/pkg/logger"
)

// Sink 把事件投递到进程外部。
type Sink interface {
	Deliver(ctx context.Context, evt Event) error
	Close() error
}

const (
	defaultQueueSize      = 1024
	defaultDeliverTimeout = 5 * time.Second
)

// PumpOptions 控制事件出口的排队与超时。
type PumpOptions struct {
	// QueueSize 是每个 sink 的待投递队列长度，队列满时丢弃新事件。
	QueueSize int
	// DeliverTimeout 限制单次 Deliver 的耗时。
	DeliverTimeout time.Duration
	// OnDrop 在事件因队列已满被丢弃时调用。
	OnDrop func(sink Sink, evt Event)
}

// Pump 使用默认参数调用 PumpWith。
func Pump(ctx context.Context, src Source, sinks ...Sink) error {
	return PumpWith(ctx, src, PumpOptions{}, sinks...)
}

// PumpWith 订阅 src 并把事件投递给所有 sink。
// 每个 sink 有独立的有界队列和投递协程，订阅侧从不等待 sink，
// 因此外部队列卡住不会反压到发布事件的管理器。单个 sink 失败只记录日志。
func PumpWith(ctx context.Context, src Source, opts PumpOptions, sinks ...Sink) error {
	if src == nil {
		return errors.New("事件来源为空")
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.DeliverTimeout <= 0 {
		opts.DeliverTimeout = defaultDeliverTimeout
	}

	var (
		wg     sync.WaitGroup
		queues []chan Event
		active []Sink
	)
	for _, sink := range sinks {
		if sink == nil {
			continue
		}
		q := make(chan Event, opts.QueueSize)
		queues = append(queues, q)
		active = append(active, sink)
		wg.Add(1)
		go func(sink Sink, q <-chan Event) {
			defer wg.Done()
			drain(ctx, sink, q, opts.DeliverTimeout)
		}(sink, q)
	}

	err := Relay(ctx, src, 256, func(evt Event) {
		for i, q := range queues {
			select {
			case q <- evt:
			default:
				logger.L().Warn("事件队列已满，丢弃事件",
					slog.String("type", evt.Type),
					slog.String("subject", evt.Subject),
				)
				if opts.OnDrop != nil {
					opts.OnDrop(active[i], evt)
				}
			}
		}
	})
	for _, q := range queues {
		close(q)
	}

	// 不理会 context 的 sink 可能一直卡住，最多再等一个投递超时。
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(opts.DeliverTimeout):
		logger.L().Warn("事件出口未在超时内退出")
	}
	return err
}

func drain(ctx context.Context, sink Sink, q <-chan Event, timeout time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-q:
			if !ok {
				return
			}
			dctx, cancel := context.WithTimeout(ctx, timeout)
			err := sink.Deliver(dctx, evt)
			cancel()
			if err != nil {
				logger.L().Warn("事件投递失败",
					slog.String("type", evt.Type),
					slog.String("subject", evt.Subject),
					slog.Any("error", err),
				)
			}
		}
	}
}

// LogSink 将事件写入结构化日志。
type LogSink struct {
	Logger *slog.Logger
}

// Deliver 实现 Sink。
func (s LogSink) Deliver(_ context.Context, evt Event) error {
	l := s.Logger
	if l == nil {
		l = logger.L()
	}
	l.Debug("settlement event",
		slog.String("source", evt.Source),
		slog.String("type", evt.Type),
		slog.String("subject", evt.Subject),
		slog.Time("occurred_at", evt.OccurredAt),
	)
	return nil
}

// Close 实现 Sink。
func (LogSink) Close() error { return nil }

// MemorySink 在内存中保留收到的事件，主要用于测试。
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

// NewMemorySink 创建 MemorySink。
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Deliver 实现 Sink。
func (s *MemorySink) Deliver(_ context.Context, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory sink closed")
	}
	s.events = append(s.events, evt)
	return nil
}

// Events 返回已收到事件的副本。
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Types 返回已收到事件的类型序列。
func (s *MemorySink) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, evt := range s.events {
		out[i] = evt.Type
	}
	return out
}

// Close 实现 Sink。
func (s *MemorySink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
