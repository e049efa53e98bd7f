package events

import (
	"context"
	"time"

	gethevent "github.com/ethereum/go-ethereum/event"
)

// AggregateType 是聚合流上每个事件额外发送的兜底类型。
const AggregateType = "aggregate:event"

// Event 描述结算层内某个组件发出的一次状态变化。
type Event struct {
	Source     string    `json:"source"`
	Type       string    `json:"type"`
	Subject    string    `json:"subject,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Source 可以被订阅的事件来源。
type Source interface {
	Subscribe(ch chan<- Event) gethevent.Subscription
}

// Publisher 发布事件。
type Publisher interface {
	Publish(evt Event)
}

// Bus 基于 go-ethereum event.Feed 的类型化发布订阅。
// Feed.Send 会阻塞直到所有订阅者收到事件，订阅方应使用带缓冲的 channel 并持续消费。
type Bus struct {
	source string
	feed   gethevent.Feed
	now    func() time.Time
}

// NewBus 创建以 source 命名的事件总线。
func NewBus(source string) *Bus {
	return &Bus{source: source, now: time.Now}
}

// Name 返回总线的来源名称。
func (b *Bus) Name() string {
	if b == nil {
		return ""
	}
	return b.source
}

// Publish 补全来源和时间后广播事件。
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.Source == "" {
		evt.Source = b.source
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = b.now()
	}
	b.feed.Send(evt)
}

// Emit 是 Publish 的便捷形式。
func (b *Bus) Emit(eventType, subject string, payload any) {
	b.Publish(Event{Type: eventType, Subject: subject, Payload: payload})
}

// Subscribe 实现 Source。
func (b *Bus) Subscribe(ch chan<- Event) gethevent.Subscription {
	return b.feed.Subscribe(ch)
}

// Relay 订阅 src 并把每个事件交给 fn，直到 ctx 取消或订阅出错。
func Relay(ctx context.Context, src Source, buffer int, fn func(Event)) error {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	sub := src.Subscribe(ch)
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-sub.Err():
			if !ok {
				return nil
			}
			return err
		case evt := <-ch:
			fn(evt)
		}
	}
}

var _ Source = (*Bus)(nil)
var _ Publisher = (*Bus)(nil)
