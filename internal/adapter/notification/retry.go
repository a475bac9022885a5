package notification

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RetryNotifier 带重试的通知装饰器
// 通知是尽力而为的旁路: 固定间隔重试, 重试耗尽只告警, 永不向编排流程抛错
type RetryNotifier struct {
	inner      Notifier
	retryCount int
	backoff    time.Duration
	logger     *zap.Logger
}

// NewRetryNotifier 创建带重试的通知器
func NewRetryNotifier(inner Notifier, retryCount int, backoff time.Duration, logger *zap.Logger) *RetryNotifier {
	if retryCount < 0 {
		retryCount = 0
	}
	return &RetryNotifier{
		inner:      inner,
		retryCount: retryCount,
		backoff:    backoff,
		logger:     logger,
	}
}

// Send 发送通知, 失败按固定间隔重试
func (r *RetryNotifier) Send(ctx context.Context, msg *NotificationMessage) error {
	var lastErr error
	for attempt := 0; attempt <= r.retryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.backoff):
			case <-ctx.Done():
				r.logger.Warn("通知重试被取消", zap.String("type", string(msg.Type)))
				return nil
			}
		}
		if lastErr = r.inner.Send(ctx, msg); lastErr == nil {
			return nil
		}
		r.logger.Warn("通知发送失败",
			zap.String("type", string(msg.Type)),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}

	r.logger.Error("通知重试耗尽, 放弃投递",
		zap.String("type", string(msg.Type)),
		zap.Int("retries", r.retryCount),
		zap.Error(lastErr))
	return nil
}

func (r *RetryNotifier) PatchStarted(ctx context.Context, serverName, quarter string, scheduledTime time.Time) error {
	return r.Send(ctx, patchStartedMessage(serverName, quarter, scheduledTime))
}

func (r *RetryNotifier) PatchCompleted(ctx context.Context, event *PatchOutcomeEvent) error {
	return r.Send(ctx, patchCompletedMessage(event))
}

func (r *RetryNotifier) RollbackNotification(ctx context.Context, serverName, reason, status string) error {
	return r.Send(ctx, rollbackMessage(serverName, reason, status))
}

func (r *RetryNotifier) BatchSummary(ctx context.Context, event *BatchSummaryEvent) error {
	return r.Send(ctx, batchSummaryMessage(event))
}
