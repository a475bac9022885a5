package constants

import "fmt"

// QuarterStatus 服务器当季补丁状态
const (
	QuarterStatusPending    = "pending"     // 待排期
	QuarterStatusScheduled  = "scheduled"   // 已排期
	QuarterStatusInProgress = "in_progress" // 补丁执行中
	QuarterStatusCompleted  = "completed"   // 已完成
	QuarterStatusFailed     = "failed"      // 已失败
	QuarterStatusRolledBack = "rolled_back" // 已回滚
)

// quarterStatusTransitions 合法的状态流转表
var quarterStatusTransitions = map[string][]string{
	QuarterStatusPending:    {QuarterStatusScheduled},
	QuarterStatusScheduled:  {QuarterStatusInProgress},
	QuarterStatusInProgress: {QuarterStatusCompleted, QuarterStatusFailed},
	QuarterStatusCompleted:  {QuarterStatusRolledBack},
	QuarterStatusFailed:     {QuarterStatusRolledBack},
	QuarterStatusRolledBack: {}, // 回滚后无自动流转
}

// CanTransition 判断状态流转是否合法
func CanTransition(from, to string) bool {
	for _, next := range quarterStatusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ApprovalStatus 审批状态
const (
	ApprovalStatusPending      = "pending"
	ApprovalStatusApproved     = "approved"
	ApprovalStatusAutoApproved = "auto-approved"
	ApprovalStatusRejected     = "rejected"
)

// IsApproved 审批状态是否允许执行补丁
func IsApproved(status string) bool {
	return status == ApprovalStatusApproved || status == ApprovalStatusAutoApproved
}

// ActiveStatus 服务器启用状态
const (
	ActiveStatusActive   = "active"
	ActiveStatusInactive = "inactive"
)

// 季度窗口
const (
	QuarterQ1 = "Q1"
	QuarterQ2 = "Q2"
	QuarterQ3 = "Q3"
	QuarterQ4 = "Q4"
)

// Quarters 全部季度, 按顺序
var Quarters = []string{QuarterQ1, QuarterQ2, QuarterQ3, QuarterQ4}

// ValidQuarter 判断季度是否合法
func ValidQuarter(quarter string) bool {
	for _, q := range Quarters {
		if q == quarter {
			return true
		}
	}
	return false
}

// OSFamily 操作系统家族
const (
	OSFamilyDebian = "debian" // ubuntu/debian
	OSFamilyRedHat = "redhat" // centos/rhel/fedora
)

// osFamilyMap operating_system → 家族
var osFamilyMap = map[string]string{
	"ubuntu": OSFamilyDebian,
	"debian": OSFamilyDebian,
	"centos": OSFamilyRedHat,
	"rhel":   OSFamilyRedHat,
	"fedora": OSFamilyRedHat,
}

// OSFamilyOf 解析操作系统家族, 不支持的系统返回错误
func OSFamilyOf(operatingSystem string) (string, error) {
	if family, ok := osFamilyMap[operatingSystem]; ok {
		return family, nil
	}
	return "", fmt.Errorf("不支持的操作系统: %s", operatingSystem)
}

// 前置检查项
const (
	CheckConnectivity    = "connectivity"
	CheckSudo            = "sudo_access"
	CheckDiskSpace       = "disk_space"
	CheckLoadAverage     = "load_average"
	CheckMemory          = "memory_usage"
	CheckPackageManager  = "package_manager"
	CheckCriticalService = "critical_service"
)

// 前置检查阈值
const (
	DiskUsageThreshold   = 80.0 // 磁盘使用率上限(%)
	LoadAverageThreshold = 10.0 // 1分钟负载上限
	MemoryUsageThreshold = 95.0 // 内存使用率上限(%)
)

// CheckStatus 检查结果状态
const (
	CheckStatusPassed = "passed"
	CheckStatusFailed = "failed"
)

// CheckSeverity 检查项严重级别
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// PatchResult 补丁执行结果
const (
	PatchResultSuccess = "success"
	PatchResultFailed  = "failed"
)

// OperationType 运行中操作的类型
const (
	OperationTypePatch    = "patch"
	OperationTypeRollback = "rollback"
)

// OperationStatus 运行中操作的状态
const (
	OperationStatusRunning   = "running"
	OperationStatusCancelled = "cancelled"
)
