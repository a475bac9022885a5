package ingest

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"fleet-patch/internal/model"
	"fleet-patch/internal/store"
	"fleet-patch/pkg/constants"
)

// RowError 单行导入失败的记录
type RowError struct {
	Line   int    `json:"line"` // 文件行号(含表头)
	Server string `json:"server,omitempty"`
	Reason string `json:"reason"`
}

// ImportResult 一次导入的汇总
type ImportResult struct {
	Total    int        `json:"total"`    // 数据行总数
	Imported int        `json:"imported"` // 新增
	Updated  int        `json:"updated"`  // 覆盖已有记录
	Skipped  int        `json:"skipped"`  // 校验失败跳过
	Unknown  []string   `json:"unknown_columns,omitempty"`
	Errors   []RowError `json:"errors,omitempty"`
}

// Importer 清单导入器
// 解析任意列名的CSV清单, 归一化为规范字段后合并进存储
type Importer struct {
	store    *store.InventoryStore
	registry *Registry
	validate *validator.Validate
	logger   *zap.Logger
}

func NewImporter(st *store.InventoryStore, registry *Registry, logger *zap.Logger) *Importer {
	return &Importer{
		store:    st,
		registry: registry,
		validate: validator.New(),
		logger:   logger,
	}
}

// ImportFile 导入清单文件并与现有清单合并
// 以server_name为键覆盖; 导入行未携带的运行时字段(当季状态等)保留原值
func (im *Importer) ImportFile(path string) (*ImportResult, error) {
	records, result, err := im.parseFile(path)
	if err != nil {
		return nil, err
	}

	existing, err := im.store.ReadAll(nil)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]int, len(existing))
	for i := range existing {
		byName[existing[i].ServerName] = i
	}

	syncDate := time.Now().Format("2006-01-02")
	for i := range records {
		rec := &records[i]
		rec.LastSyncDate = syncDate
		rec.SyncStatus = "synced"

		if j, ok := byName[rec.ServerName]; ok {
			// 运行时字段不由导入行决定
			if rec.CurrentQuarterStatus == "" {
				rec.CurrentQuarterStatus = existing[j].CurrentQuarterStatus
			}
			existing[j] = *rec
			result.Updated++
		} else {
			existing = append(existing, *rec)
			byName[rec.ServerName] = len(existing) - 1
			result.Imported++
		}
	}

	if err := im.store.WriteAll(existing); err != nil {
		return nil, err
	}

	im.logger.Info("清单导入完成",
		zap.String("file", path),
		zap.Int("total", result.Total),
		zap.Int("imported", result.Imported),
		zap.Int("updated", result.Updated),
		zap.Int("skipped", result.Skipped))
	return result, nil
}

// parseFile 读取并归一化清单文件, 不触碰存储
func (im *Importer) parseFile(path string) ([]model.ServerRecord, *ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("打开清单文件失败: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("解析清单文件失败: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("清单文件为空: %s", path)
	}

	resolved, unknown := im.registry.Resolve(rows[0])
	if _, ok := resolved["server_name"]; !ok {
		return nil, nil, fmt.Errorf("清单文件缺少server_name列(或其同义列): %s", path)
	}
	if len(unknown) > 0 {
		im.logger.Warn("清单文件存在无法识别的列, 已忽略",
			zap.String("file", path),
			zap.Strings("columns", unknown))
	}

	result := &ImportResult{Unknown: unknown}
	var records []model.ServerRecord
	seen := make(map[string]bool)

	for i, row := range rows[1:] {
		line := i + 2
		result.Total++

		rec := rowToRecord(resolved, row)
		if rec.ServerName == "" {
			result.Skipped++
			result.Errors = append(result.Errors, RowError{Line: line, Reason: "server_name为空"})
			continue
		}
		if seen[rec.ServerName] {
			result.Skipped++
			result.Errors = append(result.Errors, RowError{
				Line: line, Server: rec.ServerName, Reason: "重复的server_name",
			})
			continue
		}

		if err := im.validate.Struct(&rec); err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, RowError{
				Line: line, Server: rec.ServerName, Reason: err.Error(),
			})
			continue
		}

		seen[rec.ServerName] = true
		records = append(records, rec)
	}
	return records, result, nil
}

// rowToRecord 按解析出的列映射构造服务器记录
func rowToRecord(resolved map[string]int, row []string) model.ServerRecord {
	get := func(field string) string {
		i, ok := resolved[field]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	port, _ := strconv.Atoi(get("remote_port"))

	rec := model.ServerRecord{
		ServerName:           get("server_name"),
		HostGroup:            get("host_group"),
		OperatingSystem:      strings.ToLower(get("operating_system")),
		Environment:          get("environment"),
		ServerTimezone:       get("server_timezone"),
		PrimaryOwner:         get("primary_owner"),
		SecondaryOwner:       get("secondary_owner"),
		RemoteUser:           get("remote_user"),
		RemotePort:           port,
		CurrentQuarterStatus: get("current_quarter_status"),
		ActiveStatus:         get("active_status"),
		LastSyncDate:         get("last_sync_date"),
		SyncStatus:           get("sync_status"),
	}
	if rec.ActiveStatus == "" {
		rec.ActiveStatus = constants.ActiveStatusActive
	}

	if services := get("critical_services"); services != "" {
		for _, svc := range strings.Split(services, ";") {
			if svc = strings.TrimSpace(svc); svc != "" {
				rec.CriticalServices = append(rec.CriticalServices, svc)
			}
		}
	}

	for _, q := range constants.Quarters {
		lq := strings.ToLower(q)
		sched := model.QuarterSchedule{
			PatchDate:      get(lq + "_patch_date"),
			PatchTime:      get(lq + "_patch_time"),
			ApprovalStatus: get(lq + "_approval_status"),
		}
		if sched.PatchDate == "" && sched.PatchTime == "" && sched.ApprovalStatus == "" {
			continue
		}
		if sched.ApprovalStatus == "" {
			sched.ApprovalStatus = constants.ApprovalStatusPending
		}
		rec.SetQuarter(q, sched)
	}
	return rec
}
