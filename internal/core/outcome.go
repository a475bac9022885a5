package core

import (
	"time"

	"fleet-patch/internal/adapter/remote"
	"fleet-patch/pkg/errors"
)

// CheckStatus 工作流中单阶段检查的记录值
const (
	CheckPassed  = "passed"
	CheckFailed  = "failed"
	CheckSkipped = "skipped"
)

// PatchOutcome 单机补丁工作流的最终结果
type PatchOutcome struct {
	ServerName      string             `json:"server_name"`
	Quarter         string             `json:"quarter"`
	Status          string             `json:"status"` // success/failed
	StartTime       time.Time          `json:"start_time"`
	EndTime         time.Time          `json:"end_time"`
	PackagesUpdated int                `json:"packages_updated"`
	RebootRequired  bool               `json:"reboot_required"`
	RebootCompleted bool               `json:"reboot_completed"`
	PreCheckStatus  string             `json:"pre_check_status"`
	PostCheckStatus string             `json:"post_check_status"`
	Steps           []remote.PatchStep `json:"steps,omitempty"`
	DryRun          bool               `json:"dry_run,omitempty"`
	Error           string             `json:"error,omitempty"`
	ErrorKind       errors.Kind        `json:"error_kind,omitempty"`
}

// Succeeded 是否成功
func (o PatchOutcome) Succeeded() bool {
	return o.Status == "success"
}

// Duration 工作流耗时
func (o PatchOutcome) Duration() time.Duration {
	if o.EndTime.IsZero() {
		return 0
	}
	return o.EndTime.Sub(o.StartTime)
}

// PrecheckOutcome 前置检查的汇总结果
type PrecheckOutcome struct {
	ServerName string                        `json:"server_name"`
	Quarter    string                        `json:"quarter"`
	Passed     bool                          `json:"passed"`
	Issues     []string                      `json:"issues"` // 失败检查项
	Checks     map[string]remote.CheckResult `json:"checks"`
}

// RollbackOutcome 回滚工作流的结果
type RollbackOutcome struct {
	ServerName string      `json:"server_name"`
	Status     string      `json:"status"` // success/failed
	Error      string      `json:"error,omitempty"`
	ErrorKind  errors.Kind `json:"error_kind,omitempty"`
}

// GroupStats 按主机组的统计
type GroupStats struct {
	Total       int     `json:"total"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

// Stats 季度汇总统计, 只统计active服务器
type Stats struct {
	Quarter          string                `json:"quarter"`
	TotalActive      int                   `json:"total_active"`
	PendingApproval  int                   `json:"pending_approval"`
	Approved         int                   `json:"approved"`
	Scheduled        int                   `json:"scheduled"`
	InProgress       int                   `json:"in_progress"`
	Completed        int                   `json:"completed"`
	Failed           int                   `json:"failed"`
	RolledBack       int                   `json:"rolled_back"`
	ActiveOperations int                   `json:"active_operations"`
	SuccessRate      float64               `json:"success_rate"`
	Groups           map[string]GroupStats `json:"groups"`
}
