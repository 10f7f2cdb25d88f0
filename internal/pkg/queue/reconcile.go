package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// 对账原因
const (
	ReconcileUnattributed  = "unattributed_payment" // 归属链全部落空
	ReconcileInternalError = "internal_error"       // webhook 已应答但内部处理失败
)

// ReconcileEntry 人工对账侧日志条目。
// webhook 必须始终应答 200 防止网关重试风暴，处理不了的问题记到这里而不是返回给网关。
type ReconcileEntry struct {
	Reason        string `json:"reason"`
	CorrelationID string `json:"correlation_id"`
	Detail        string `json:"detail,omitempty"`
	RawPayload    string `json:"raw_payload,omitempty"`
	RecordedAt    int64  `json:"recorded_at"`
}

// ReconcileLog 基于 Redis list 的对账队列
type ReconcileLog struct {
	client    *redis.Client
	queueName string
}

func NewReconcileLog(client *redis.Client, queueName string) *ReconcileLog {
	return &ReconcileLog{
		client:    client,
		queueName: queueName,
	}
}

// Push 记录一条对账条目
func (l *ReconcileLog) Push(ctx context.Context, entry *ReconcileEntry) error {
	if entry.RecordedAt == 0 {
		entry.RecordedAt = time.Now().Unix()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal reconcile entry: %w", err)
	}

	return l.client.LPush(ctx, l.queueName, data).Err()
}

// Pop 取出一条对账条目（非阻塞，供运维工具消费）
func (l *ReconcileLog) Pop(ctx context.Context) (*ReconcileEntry, error) {
	result, err := l.client.RPop(ctx, l.queueName).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop reconcile entry: %w", err)
	}

	var entry ReconcileEntry
	if err := json.Unmarshal([]byte(result), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reconcile entry: %w", err)
	}

	return &entry, nil
}

// Length 待对账条目数
func (l *ReconcileLog) Length(ctx context.Context) (int64, error) {
	return l.client.LLen(ctx, l.queueName).Result()
}
