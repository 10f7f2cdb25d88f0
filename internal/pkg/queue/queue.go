package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ChargeMessage 续费扣款任务
type ChargeMessage struct {
	SubscriptionID int64   `json:"subscription_id"`
	UserID         int64   `json:"user_id"`
	PlanID         string  `json:"plan_id"`
	Amount         float64 `json:"amount"`
	Currency       string  `json:"currency"`
	SweepAt        int64   `json:"sweep_at"` // 本轮扫描时间戳，同轮不重试
}

// ChargeQueue 续费扣款队列
type ChargeQueue struct {
	client    *redis.Client
	queueName string
}

func NewChargeQueue(client *redis.Client, queueName string) *ChargeQueue {
	return &ChargeQueue{
		client:    client,
		queueName: queueName,
	}
}

// Push 将扣款任务加入队列
func (q *ChargeQueue) Push(ctx context.Context, msg *ChargeMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return q.client.LPush(ctx, q.queueName, data).Err()
}

// Pop 从队列获取扣款任务（阻塞）
func (q *ChargeQueue) Pop(ctx context.Context, timeout time.Duration) (*ChargeMessage, error) {
	result, err := q.client.BRPop(ctx, timeout, q.queueName).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // 超时，无任务
		}
		return nil, fmt.Errorf("failed to pop from queue: %w", err)
	}

	if len(result) < 2 {
		return nil, nil
	}

	var msg ChargeMessage
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	return &msg, nil
}

// Length 获取队列长度
func (q *ChargeQueue) Length(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queueName).Result()
}
