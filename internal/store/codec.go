package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"fleet-patch/internal/model"
	"fleet-patch/pkg/constants"
)

const (
	timeLayout = "2006-01-02 15:04:05"
	listSep    = ";" // critical_services 列内分隔符
)

// ServerHeader 服务器清单文件的表头, 季度列为 Q{n} Patch Date/Time/Approval Status
var ServerHeader = buildServerHeader()

func buildServerHeader() []string {
	header := []string{
		"server_name", "host_group", "operating_system", "environment",
		"server_timezone", "primary_owner", "secondary_owner",
		"remote_user", "remote_port",
	}
	for _, q := range constants.Quarters {
		header = append(header,
			fmt.Sprintf("%s Patch Date", q),
			fmt.Sprintf("%s Patch Time", q),
			fmt.Sprintf("%s Approval Status", q),
		)
	}
	header = append(header,
		"current_quarter_status", "active_status", "critical_services",
		"last_sync_date", "sync_status", "updated_at",
	)
	return header
}

// HistoryHeader 补丁历史表头
var HistoryHeader = []string{
	"server_name", "quarter", "status", "start_time", "end_time",
	"duration_seconds", "packages_updated", "reboot_required",
	"reboot_completed", "pre_check_status", "post_check_status",
	"operator", "error_message",
}

// PrecheckHeader 前置检查历史表头
var PrecheckHeader = []string{
	"server_name", "quarter", "check_name", "status", "message",
	"severity", "timestamp",
}

// RollbackHeader 回滚历史表头
var RollbackHeader = []string{
	"server_name", "trigger_reason", "status", "start_time", "end_time",
	"operator", "root_cause",
}

// ApprovalHeader 审批历史表头
var ApprovalHeader = []string{
	"id", "server_name", "quarter", "requester", "approver", "decision",
	"timestamp", "justification", "rollback_plan",
}

// headerIndex 表头名 → 列下标
func headerIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(name)] = i
	}
	return idx
}

// cell 按表头名取列值, 缺列返回空串
func cell(idx map[string]int, row []string, name string) string {
	i, ok := idx[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeLayout)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation(timeLayout, value, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatBool(b bool) string {
	return strconv.FormatBool(b)
}

func parseBool(value string) bool {
	b, _ := strconv.ParseBool(value)
	return b
}

func parseInt(value string) int {
	n, _ := strconv.Atoi(value)
	return n
}

// serverToRow 服务器记录 → CSV行, 列序与ServerHeader一致
func serverToRow(rec *model.ServerRecord) []string {
	row := []string{
		rec.ServerName, rec.HostGroup, rec.OperatingSystem, rec.Environment,
		rec.ServerTimezone, rec.PrimaryOwner, rec.SecondaryOwner,
		rec.RemoteUser, strconv.Itoa(rec.RemotePort),
	}
	for _, q := range constants.Quarters {
		sched := rec.Quarter(q)
		row = append(row, sched.PatchDate, sched.PatchTime, sched.ApprovalStatus)
	}
	row = append(row,
		rec.CurrentQuarterStatus, rec.ActiveStatus,
		strings.Join(rec.CriticalServices, listSep),
		rec.LastSyncDate, rec.SyncStatus, formatTime(rec.UpdatedAt),
	)
	return row
}

// serverFromRow CSV行 → 服务器记录, server_name缺失视为坏行
func serverFromRow(idx map[string]int, row []string) (model.ServerRecord, error) {
	name := cell(idx, row, "server_name")
	if name == "" {
		return model.ServerRecord{}, fmt.Errorf("缺少server_name")
	}

	rec := model.ServerRecord{
		ServerName:           name,
		HostGroup:            cell(idx, row, "host_group"),
		OperatingSystem:      cell(idx, row, "operating_system"),
		Environment:          cell(idx, row, "environment"),
		ServerTimezone:       cell(idx, row, "server_timezone"),
		PrimaryOwner:         cell(idx, row, "primary_owner"),
		SecondaryOwner:       cell(idx, row, "secondary_owner"),
		RemoteUser:           cell(idx, row, "remote_user"),
		RemotePort:           parseInt(cell(idx, row, "remote_port")),
		CurrentQuarterStatus: cell(idx, row, "current_quarter_status"),
		ActiveStatus:         cell(idx, row, "active_status"),
		LastSyncDate:         cell(idx, row, "last_sync_date"),
		SyncStatus:           cell(idx, row, "sync_status"),
		UpdatedAt:            parseTime(cell(idx, row, "updated_at")),
	}

	for _, q := range constants.Quarters {
		rec.SetQuarter(q, model.QuarterSchedule{
			PatchDate:      cell(idx, row, fmt.Sprintf("%s Patch Date", q)),
			PatchTime:      cell(idx, row, fmt.Sprintf("%s Patch Time", q)),
			ApprovalStatus: cell(idx, row, fmt.Sprintf("%s Approval Status", q)),
		})
	}

	if services := cell(idx, row, "critical_services"); services != "" {
		for _, svc := range strings.Split(services, listSep) {
			if svc = strings.TrimSpace(svc); svc != "" {
				rec.CriticalServices = append(rec.CriticalServices, svc)
			}
		}
	}

	return rec, nil
}

// fieldValue 按规范字段名取值, 用于精确匹配过滤
func fieldValue(rec *model.ServerRecord, field string) string {
	switch field {
	case "server_name":
		return rec.ServerName
	case "host_group":
		return rec.HostGroup
	case "operating_system":
		return rec.OperatingSystem
	case "environment":
		return rec.Environment
	case "server_timezone":
		return rec.ServerTimezone
	case "primary_owner":
		return rec.PrimaryOwner
	case "secondary_owner":
		return rec.SecondaryOwner
	case "remote_user":
		return rec.RemoteUser
	case "remote_port":
		return strconv.Itoa(rec.RemotePort)
	case "current_quarter_status":
		return rec.CurrentQuarterStatus
	case "active_status":
		return rec.ActiveStatus
	case "last_sync_date":
		return rec.LastSyncDate
	case "sync_status":
		return rec.SyncStatus
	default:
		// 季度列: "Q1 Approval Status" 等
		for _, q := range constants.Quarters {
			sched := rec.Quarter(q)
			switch field {
			case fmt.Sprintf("%s Patch Date", q):
				return sched.PatchDate
			case fmt.Sprintf("%s Patch Time", q):
				return sched.PatchTime
			case fmt.Sprintf("%s Approval Status", q):
				return sched.ApprovalStatus
			}
		}
	}
	return ""
}

// historyToRow 补丁历史 → CSV行
func historyToRow(e *model.PatchHistoryEntry) []string {
	return []string{
		e.ServerName, e.Quarter, e.Status,
		formatTime(e.StartTime), formatTime(e.EndTime),
		strconv.FormatInt(e.DurationSeconds, 10),
		strconv.Itoa(e.PackagesUpdated),
		formatBool(e.RebootRequired), formatBool(e.RebootCompleted),
		e.PreCheckStatus, e.PostCheckStatus, e.Operator, e.ErrorMessage,
	}
}

func historyFromRow(idx map[string]int, row []string) model.PatchHistoryEntry {
	return model.PatchHistoryEntry{
		ServerName:      cell(idx, row, "server_name"),
		Quarter:         cell(idx, row, "quarter"),
		Status:          cell(idx, row, "status"),
		StartTime:       parseTime(cell(idx, row, "start_time")),
		EndTime:         parseTime(cell(idx, row, "end_time")),
		DurationSeconds: int64(parseInt(cell(idx, row, "duration_seconds"))),
		PackagesUpdated: parseInt(cell(idx, row, "packages_updated")),
		RebootRequired:  parseBool(cell(idx, row, "reboot_required")),
		RebootCompleted: parseBool(cell(idx, row, "reboot_completed")),
		PreCheckStatus:  cell(idx, row, "pre_check_status"),
		PostCheckStatus: cell(idx, row, "post_check_status"),
		Operator:        cell(idx, row, "operator"),
		ErrorMessage:    cell(idx, row, "error_message"),
	}
}

// precheckToRow 前置检查结果 → CSV行
func precheckToRow(r *model.PrecheckResult) []string {
	return []string{
		r.ServerName, r.Quarter, r.CheckName, r.Status, r.Message,
		r.Severity, formatTime(r.Timestamp),
	}
}

func precheckFromRow(idx map[string]int, row []string) model.PrecheckResult {
	return model.PrecheckResult{
		ServerName: cell(idx, row, "server_name"),
		Quarter:    cell(idx, row, "quarter"),
		CheckName:  cell(idx, row, "check_name"),
		Status:     cell(idx, row, "status"),
		Message:    cell(idx, row, "message"),
		Severity:   cell(idx, row, "severity"),
		Timestamp:  parseTime(cell(idx, row, "timestamp")),
	}
}

// rollbackToRow 回滚记录 → CSV行
func rollbackToRow(r *model.RollbackRecord) []string {
	return []string{
		r.ServerName, r.TriggerReason, r.Status,
		formatTime(r.StartTime), formatTime(r.EndTime),
		r.Operator, r.RootCause,
	}
}

func rollbackFromRow(idx map[string]int, row []string) model.RollbackRecord {
	return model.RollbackRecord{
		ServerName:    cell(idx, row, "server_name"),
		TriggerReason: cell(idx, row, "trigger_reason"),
		Status:        cell(idx, row, "status"),
		StartTime:     parseTime(cell(idx, row, "start_time")),
		EndTime:       parseTime(cell(idx, row, "end_time")),
		Operator:      cell(idx, row, "operator"),
		RootCause:     cell(idx, row, "root_cause"),
	}
}

// approvalToRow 审批记录 → CSV行
func approvalToRow(r *model.ApprovalRecord) []string {
	return []string{
		r.ID, r.ServerName, r.Quarter, r.Requester, r.Approver,
		r.Decision, formatTime(r.Timestamp), r.Justification, r.RollbackPlan,
	}
}

func approvalFromRow(idx map[string]int, row []string) model.ApprovalRecord {
	return model.ApprovalRecord{
		ID:            cell(idx, row, "id"),
		ServerName:    cell(idx, row, "server_name"),
		Quarter:       cell(idx, row, "quarter"),
		Requester:     cell(idx, row, "requester"),
		Approver:      cell(idx, row, "approver"),
		Decision:      cell(idx, row, "decision"),
		Timestamp:     parseTime(cell(idx, row, "timestamp")),
		Justification: cell(idx, row, "justification"),
		RollbackPlan:  cell(idx, row, "rollback_plan"),
	}
}
