package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const (
	ChannelPaymentEvents = "payment_events"
)

// 事件类型
const (
	EventPaymentCompleted      = "payment_completed"
	EventPaymentFailed         = "payment_failed"
	EventRenewalCharged        = "renewal_charged"
	EventRenewalDeclined       = "renewal_declined"
	EventSubscriptionSuspended = "subscription_suspended"
)

// PaymentEvent 支付生命周期事件，供下游（推送网关、报表）订阅
type PaymentEvent struct {
	Type          string  `json:"type"`
	CorrelationID string  `json:"correlation_id,omitempty"`
	UserID        int64   `json:"user_id,omitempty"`
	PlanID        string  `json:"plan_id,omitempty"`
	Amount        float64 `json:"amount,omitempty"`
	Message       string  `json:"message,omitempty"`
}

// Publisher Redis 发布者
type Publisher struct {
	client *redis.Client
}

// NewPublisher 创建发布者
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish 发布支付事件
func (p *Publisher) Publish(ctx context.Context, event *PaymentEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal payment event: %w", err)
	}

	return p.client.Publish(ctx, ChannelPaymentEvents, data).Err()
}

// Subscriber Redis 订阅者
type Subscriber struct {
	client *redis.Client
}

// NewSubscriber 创建订阅者
func NewSubscriber(client *redis.Client) *Subscriber {
	return &Subscriber{client: client}
}

// Subscribe 订阅支付事件
func (s *Subscriber) Subscribe(ctx context.Context, handler func(*PaymentEvent)) error {
	pubsub := s.client.Subscribe(ctx, ChannelPaymentEvents)
	defer pubsub.Close()

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var event PaymentEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue // 忽略解析错误
			}

			handler(&event)
		}
	}
}
