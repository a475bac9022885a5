package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// NotificationType 通知类型
type NotificationType string

const (
	NotifyPatchStarted   NotificationType = "patch_started"   // 补丁开始
	NotifyPatchCompleted NotificationType = "patch_completed" // 补丁成功
	NotifyPatchFailed    NotificationType = "patch_failed"    // 补丁失败
	NotifyRollback       NotificationType = "rollback"        // 回滚
	NotifyBatchSummary   NotificationType = "batch_summary"   // 批次汇总
)

// NotificationMessage 通知消息
type NotificationMessage struct {
	Type      NotificationType       `json:"type"`
	Title     string                 `json:"title"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Extra     map[string]interface{} `json:"extra,omitempty"` // 额外信息
}

// PatchOutcomeEvent 单机补丁结束事件
type PatchOutcomeEvent struct {
	ServerName      string        `json:"server_name"`
	Quarter         string        `json:"quarter"`
	Status          string        `json:"status"` // success/failed
	Duration        time.Duration `json:"duration"`
	PackagesUpdated int           `json:"packages_updated"`
	RebootRequired  bool          `json:"reboot_required"`
	RebootCompleted bool          `json:"reboot_completed"`
	Error           string        `json:"error,omitempty"`
}

// BatchSummaryEvent 批次汇总事件
type BatchSummaryEvent struct {
	Quarter     string  `json:"quarter"`
	Operator    string  `json:"operator"`
	Total       int     `json:"total"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

// Notifier 通知器接口
type Notifier interface {
	// Send 发送通知
	Send(ctx context.Context, msg *NotificationMessage) error

	// PatchStarted 补丁工作流开始
	PatchStarted(ctx context.Context, serverName, quarter string, scheduledTime time.Time) error

	// PatchCompleted 补丁工作流结束(成功或失败)
	PatchCompleted(ctx context.Context, event *PatchOutcomeEvent) error

	// RollbackNotification 回滚事件
	RollbackNotification(ctx context.Context, serverName, reason, status string) error

	// BatchSummary 批次汇总
	BatchSummary(ctx context.Context, event *BatchSummaryEvent) error
}

// ============= 消息构造 =============

func patchStartedMessage(serverName, quarter string, scheduledTime time.Time) *NotificationMessage {
	return &NotificationMessage{
		Type:      NotifyPatchStarted,
		Title:     "🚀 补丁开始",
		Content:   fmt.Sprintf("**服务器**: %s\n**季度**: %s\n**计划时间**: %s", serverName, quarter, scheduledTime.Format("2006-01-02 15:04")),
		Timestamp: time.Now(),
		Extra: map[string]interface{}{
			"server_name": serverName,
			"quarter":     quarter,
		},
	}
}

func patchCompletedMessage(event *PatchOutcomeEvent) *NotificationMessage {
	msgType := NotifyPatchCompleted
	title := "✅ 补丁完成"
	if event.Status != "success" {
		msgType = NotifyPatchFailed
		title = "❌ 补丁失败"
	}

	content := fmt.Sprintf("**服务器**: %s\n**季度**: %s\n**耗时**: %s\n**升级包数**: %d",
		event.ServerName, event.Quarter, event.Duration.Round(time.Second), event.PackagesUpdated)
	if event.RebootRequired {
		content += fmt.Sprintf("\n**重启**: required, completed=%v", event.RebootCompleted)
	}
	if event.Error != "" {
		content += fmt.Sprintf("\n**错误**: %s", event.Error)
	}

	return &NotificationMessage{
		Type:      msgType,
		Title:     title,
		Content:   content,
		Timestamp: time.Now(),
		Extra: map[string]interface{}{
			"server_name": event.ServerName,
			"quarter":     event.Quarter,
			"status":      event.Status,
		},
	}
}

func rollbackMessage(serverName, reason, status string) *NotificationMessage {
	return &NotificationMessage{
		Type:      NotifyRollback,
		Title:     "⏪ 服务器回滚",
		Content:   fmt.Sprintf("**服务器**: %s\n**原因**: %s\n**状态**: %s", serverName, reason, status),
		Timestamp: time.Now(),
		Extra: map[string]interface{}{
			"server_name": serverName,
			"status":      status,
		},
	}
}

func batchSummaryMessage(event *BatchSummaryEvent) *NotificationMessage {
	return &NotificationMessage{
		Type:  NotifyBatchSummary,
		Title: "📋 补丁批次汇总",
		Content: fmt.Sprintf("**季度**: %s\n**操作人**: %s\n**总数**: %d\n**成功**: %d\n**失败**: %d\n**成功率**: %.1f%%",
			event.Quarter, event.Operator, event.Total, event.Succeeded, event.Failed, event.SuccessRate),
		Timestamp: time.Now(),
		Extra: map[string]interface{}{
			"quarter":  event.Quarter,
			"operator": event.Operator,
		},
	}
}

// ============= Log 通知适配器 =============

// LogNotifier 仅写日志的通知器, 通知未启用时使用
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, msg *NotificationMessage) error {
	n.logger.Info("通知事件",
		zap.String("type", string(msg.Type)),
		zap.String("title", msg.Title),
		zap.String("content", msg.Content))
	return nil
}

func (n *LogNotifier) PatchStarted(ctx context.Context, serverName, quarter string, scheduledTime time.Time) error {
	return n.Send(ctx, patchStartedMessage(serverName, quarter, scheduledTime))
}

func (n *LogNotifier) PatchCompleted(ctx context.Context, event *PatchOutcomeEvent) error {
	return n.Send(ctx, patchCompletedMessage(event))
}

func (n *LogNotifier) RollbackNotification(ctx context.Context, serverName, reason, status string) error {
	return n.Send(ctx, rollbackMessage(serverName, reason, status))
}

func (n *LogNotifier) BatchSummary(ctx context.Context, event *BatchSummaryEvent) error {
	return n.Send(ctx, batchSummaryMessage(event))
}

// ============= Lark 通知适配器 =============

// LarkNotifier Lark通知器
type LarkNotifier struct {
	webhookURL string
	enabled    bool
	logger     *zap.Logger
	client     *http.Client
}

// NewLarkNotifier 创建Lark通知器
func NewLarkNotifier(webhookURL string, enabled bool, logger *zap.Logger) *LarkNotifier {
	return &LarkNotifier{
		webhookURL: webhookURL,
		enabled:    enabled,
		logger:     logger,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Send 发送通知
func (n *LarkNotifier) Send(ctx context.Context, msg *NotificationMessage) error {
	if !n.enabled {
		n.logger.Debug("通知已禁用,跳过发送")
		return nil
	}

	if n.webhookURL == "" {
		n.logger.Warn("Lark Webhook URL未配置")
		return nil
	}

	larkMsg := map[string]interface{}{
		"msg_type": "interactive",
		"card": map[string]interface{}{
			"header": map[string]interface{}{
				"title": map[string]interface{}{
					"tag":     "plain_text",
					"content": msg.Title,
				},
			},
			"elements": []map[string]interface{}{
				{
					"tag": "markdown",
					"content": fmt.Sprintf("%s\n\n*%s*",
						msg.Content, msg.Timestamp.Format("2006-01-02 15:04:05")),
				},
			},
		},
	}

	jsonData, err := json.Marshal(larkMsg)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", n.webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Lark API返回错误状态码: %d", resp.StatusCode)
	}

	n.logger.Info("Lark通知发送成功",
		zap.String("type", string(msg.Type)),
		zap.String("title", msg.Title))

	return nil
}

func (n *LarkNotifier) PatchStarted(ctx context.Context, serverName, quarter string, scheduledTime time.Time) error {
	return n.Send(ctx, patchStartedMessage(serverName, quarter, scheduledTime))
}

func (n *LarkNotifier) PatchCompleted(ctx context.Context, event *PatchOutcomeEvent) error {
	return n.Send(ctx, patchCompletedMessage(event))
}

func (n *LarkNotifier) RollbackNotification(ctx context.Context, serverName, reason, status string) error {
	return n.Send(ctx, rollbackMessage(serverName, reason, status))
}

func (n *LarkNotifier) BatchSummary(ctx context.Context, event *BatchSummaryEvent) error {
	return n.Send(ctx, batchSummaryMessage(event))
}
