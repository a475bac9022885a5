package model

import (
	"time"

	"fleet-patch/pkg/constants"
)

// QuarterSchedule 单季度的排期与审批信息
type QuarterSchedule struct {
	PatchDate      string `json:"patch_date"`      // YYYY-MM-DD, 空表示未排期
	PatchTime      string `json:"patch_time"`      // HH:MM
	ApprovalStatus string `json:"approval_status"` // pending/approved/auto-approved/rejected
}

// ServerRecord 服务器清单记录
type ServerRecord struct {
	ServerName           string                     `json:"server_name" validate:"required"` // 唯一键
	HostGroup            string                     `json:"host_group"`
	OperatingSystem      string                     `json:"operating_system" validate:"required,oneof=ubuntu debian centos rhel fedora"`
	Environment          string                     `json:"environment"`
	ServerTimezone       string                     `json:"server_timezone"`
	PrimaryOwner         string                     `json:"primary_owner"`
	SecondaryOwner       string                     `json:"secondary_owner"`
	RemoteUser           string                     `json:"remote_user"`
	RemotePort           int                        `json:"remote_port"`
	Quarters             map[string]QuarterSchedule `json:"quarters"`
	CurrentQuarterStatus string                     `json:"current_quarter_status"`
	ActiveStatus         string                     `json:"active_status" validate:"omitempty,oneof=active inactive"`
	CriticalServices     []string                   `json:"critical_services"`
	LastSyncDate         string                     `json:"last_sync_date"`
	SyncStatus           string                     `json:"sync_status"`
	UpdatedAt            time.Time                  `json:"updated_at"` // Upsert时由存储层写入
}

// Quarter 读取指定季度的排期, 不存在返回零值
func (s *ServerRecord) Quarter(quarter string) QuarterSchedule {
	if s.Quarters == nil {
		return QuarterSchedule{}
	}
	return s.Quarters[quarter]
}

// SetQuarter 写入指定季度的排期
func (s *ServerRecord) SetQuarter(quarter string, sched QuarterSchedule) {
	if s.Quarters == nil {
		s.Quarters = make(map[string]QuarterSchedule, len(constants.Quarters))
	}
	s.Quarters[quarter] = sched
}

// IsActive 服务器是否启用
func (s *ServerRecord) IsActive() bool {
	return s.ActiveStatus == constants.ActiveStatusActive
}

// SSHPort 远程端口, 未配置时回落到22
func (s *ServerRecord) SSHPort() int {
	if s.RemotePort > 0 {
		return s.RemotePort
	}
	return 22
}

// ServerPatch Upsert的增量更新字段, nil表示不修改
type ServerPatch struct {
	CurrentQuarterStatus *string
	ActiveStatus         *string
	LastSyncDate         *string
	SyncStatus           *string

	// 按季度更新审批状态
	QuarterApproval *QuarterApprovalPatch
	// 按季度更新排期时间
	QuarterSchedule *QuarterSchedulePatch
}

// QuarterApprovalPatch 季度审批状态更新
type QuarterApprovalPatch struct {
	Quarter string
	Status  string
}

// QuarterSchedulePatch 季度排期更新
type QuarterSchedulePatch struct {
	Quarter   string
	PatchDate string
	PatchTime string
}

// Apply 将增量字段合并到记录上
func (p *ServerPatch) Apply(rec *ServerRecord) {
	if p.CurrentQuarterStatus != nil {
		rec.CurrentQuarterStatus = *p.CurrentQuarterStatus
	}
	if p.ActiveStatus != nil {
		rec.ActiveStatus = *p.ActiveStatus
	}
	if p.LastSyncDate != nil {
		rec.LastSyncDate = *p.LastSyncDate
	}
	if p.SyncStatus != nil {
		rec.SyncStatus = *p.SyncStatus
	}
	if p.QuarterApproval != nil {
		sched := rec.Quarter(p.QuarterApproval.Quarter)
		sched.ApprovalStatus = p.QuarterApproval.Status
		rec.SetQuarter(p.QuarterApproval.Quarter, sched)
	}
	if p.QuarterSchedule != nil {
		sched := rec.Quarter(p.QuarterSchedule.Quarter)
		sched.PatchDate = p.QuarterSchedule.PatchDate
		sched.PatchTime = p.QuarterSchedule.PatchTime
		rec.SetQuarter(p.QuarterSchedule.Quarter, sched)
	}
}
