package notification

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// flakyNotifier 前failUntil次调用失败
type flakyNotifier struct {
	calls     int
	failUntil int
	messages  []*NotificationMessage
}

func (f *flakyNotifier) Send(ctx context.Context, msg *NotificationMessage) error {
	f.calls++
	if f.calls <= f.failUntil {
		return fmt.Errorf("webhook unavailable (call %d)", f.calls)
	}
	f.messages = append(f.messages, msg)
	return nil
}

func (f *flakyNotifier) PatchStarted(ctx context.Context, serverName, quarter string, scheduledTime time.Time) error {
	return f.Send(ctx, patchStartedMessage(serverName, quarter, scheduledTime))
}
func (f *flakyNotifier) PatchCompleted(ctx context.Context, event *PatchOutcomeEvent) error {
	return f.Send(ctx, patchCompletedMessage(event))
}
func (f *flakyNotifier) RollbackNotification(ctx context.Context, serverName, reason, status string) error {
	return f.Send(ctx, rollbackMessage(serverName, reason, status))
}
func (f *flakyNotifier) BatchSummary(ctx context.Context, event *BatchSummaryEvent) error {
	return f.Send(ctx, batchSummaryMessage(event))
}

func TestRetryNotifierRecovers(t *testing.T) {
	inner := &flakyNotifier{failUntil: 2}
	r := NewRetryNotifier(inner, 3, time.Millisecond, zap.NewNop())

	err := r.PatchStarted(context.Background(), "web01", "Q3", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls)
	require.Len(t, inner.messages, 1)
	assert.Equal(t, NotifyPatchStarted, inner.messages[0].Type)
}

func TestRetryNotifierExhaustionIsSilent(t *testing.T) {
	inner := &flakyNotifier{failUntil: 100}
	r := NewRetryNotifier(inner, 2, time.Millisecond, zap.NewNop())

	// 通知失败不向调用方抛错
	err := r.Send(context.Background(), batchSummaryMessage(&BatchSummaryEvent{Quarter: "Q3"}))
	assert.NoError(t, err)
	assert.Equal(t, 3, inner.calls) // 1次 + 2次重试
}

func TestRetryNotifierContextCancel(t *testing.T) {
	inner := &flakyNotifier{failUntil: 100}
	r := NewRetryNotifier(inner, 5, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Send(ctx, rollbackMessage("web01", "bad patch", "success"))
	assert.NoError(t, err)
	assert.Equal(t, 1, inner.calls) // 取消后不再重试
}

func TestPatchCompletedMessageRendersFailure(t *testing.T) {
	msg := patchCompletedMessage(&PatchOutcomeEvent{
		ServerName: "db01", Quarter: "Q3", Status: "failed",
		Duration: 2 * time.Minute, Error: "upgrade exit 1",
	})
	assert.Equal(t, NotifyPatchFailed, msg.Type)
	assert.Contains(t, msg.Content, "db01")
	assert.Contains(t, msg.Content, "upgrade exit 1")

	msg = patchCompletedMessage(&PatchOutcomeEvent{
		ServerName: "db01", Quarter: "Q3", Status: "success",
		RebootRequired: true, RebootCompleted: true,
	})
	assert.Equal(t, NotifyPatchCompleted, msg.Type)
	assert.Contains(t, msg.Content, "completed=true")
}
