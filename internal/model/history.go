package model

import "time"

// PatchHistoryEntry 一次补丁执行的最终结果, 追加后不再修改
type PatchHistoryEntry struct {
	ServerName      string    `json:"server_name"`
	Quarter         string    `json:"quarter"`
	Status          string    `json:"status"` // success/failed
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	DurationSeconds int64     `json:"duration_seconds"`
	PackagesUpdated int       `json:"packages_updated"`
	RebootRequired  bool      `json:"reboot_required"`
	RebootCompleted bool      `json:"reboot_completed"`
	PreCheckStatus  string    `json:"pre_check_status"`  // passed/failed/skipped
	PostCheckStatus string    `json:"post_check_status"` // passed/failed/skipped
	Operator        string    `json:"operator"`
	ErrorMessage    string    `json:"error_message"`
}

// ApprovalRecord 一条审批决定, 追加后不再修改
type ApprovalRecord struct {
	ID            string    `json:"id"`
	ServerName    string    `json:"server_name"`
	Quarter       string    `json:"quarter"`
	Requester     string    `json:"requester"`
	Approver      string    `json:"approver"`
	Decision      string    `json:"decision"` // approved/auto-approved/rejected
	Timestamp     time.Time `json:"timestamp"`
	Justification string    `json:"justification"`
	RollbackPlan  string    `json:"rollback_plan"`
}

// PrecheckResult 一条前置检查结果, 每个失败项一行
type PrecheckResult struct {
	ServerName string    `json:"server_name"`
	Quarter    string    `json:"quarter"`
	CheckName  string    `json:"check_name"`
	Status     string    `json:"status"` // passed/failed
	Message    string    `json:"message"`
	Severity   string    `json:"severity"` // critical/warning
	Timestamp  time.Time `json:"timestamp"`
}

// RollbackRecord 一次回滚尝试, 追加后不再修改
type RollbackRecord struct {
	ServerName    string    `json:"server_name"`
	TriggerReason string    `json:"trigger_reason"`
	Status        string    `json:"status"` // success/failed
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Operator      string    `json:"operator"`
	RootCause     string    `json:"root_cause"`
}
