package store

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"fleet-patch/internal/model"
	"fleet-patch/internal/pkg/config"
	"fleet-patch/pkg/errors"
)

// InventoryStore 服务器清单与历史记录的文件存储
// 服务器清单为全量重写(带备份), 四类历史为只追加日志
type InventoryStore struct {
	serverPath   string
	historyPath  string
	precheckPath string
	rollbackPath string
	approvalPath string
	backupDir    string

	logger *zap.Logger

	mu         sync.RWMutex // 服务器清单: 单写多读
	historyMu  sync.Mutex
	precheckMu sync.Mutex
	rollbackMu sync.Mutex
	approvalMu sync.Mutex
}

// NewInventoryStore 创建清单存储, 保证数据目录与备份目录存在
func NewInventoryStore(cfg *config.StoreConfig, logger *zap.Logger) (*InventoryStore, error) {
	backupDir := cfg.BackupDir
	if backupDir == "" {
		backupDir = filepath.Join(cfg.DataDir, "backups")
	}

	for _, dir := range []string{cfg.DataDir, backupDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
	}

	return &InventoryStore{
		serverPath:   filepath.Join(cfg.DataDir, cfg.ServerFile),
		historyPath:  filepath.Join(cfg.DataDir, cfg.HistoryFile),
		precheckPath: filepath.Join(cfg.DataDir, cfg.PrecheckFile),
		rollbackPath: filepath.Join(cfg.DataDir, cfg.RollbackFile),
		approvalPath: filepath.Join(cfg.DataDir, cfg.ApprovalFile),
		backupDir:    backupDir,
		logger:       logger,
	}, nil
}

// Exists 显式检查清单文件是否可用, 不可用返回StoreUnavailable
func (s *InventoryStore) Exists() error {
	if _, err := os.Stat(s.serverPath); err != nil {
		return errors.Wrap(errors.KindStoreUnavailable, "清单文件不可用", err)
	}
	return nil
}

// ReadAll 读取全部服务器记录, 可选按字段精确匹配过滤
// 文件缺失或损坏时返回空结果并告警, 不视为硬错误
func (s *InventoryStore) ReadAll(filter map[string]string) ([]model.ServerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.readServersLocked()

	if len(filter) == 0 {
		return records, nil
	}

	filtered := make([]model.ServerRecord, 0, len(records))
	for i := range records {
		match := true
		for field, want := range filter {
			if fieldValue(&records[i], field) != want {
				match = false
				break
			}
		}
		if match {
			filtered = append(filtered, records[i])
		}
	}
	return filtered, nil
}

// GetServer 按名称读取单条记录
func (s *InventoryStore) GetServer(name string) (*model.ServerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.readServersLocked() {
		if rec.ServerName == name {
			r := rec
			return &r, nil
		}
	}
	return nil, errors.Newf(errors.KindNotFound, "服务器 %s 不存在", name)
}

// Upsert 按名称合并增量字段, 记录不存在返回NotFound
// 每次更新都会刷新updated_at
func (s *InventoryStore) Upsert(name string, patch *model.ServerPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.readServersLocked()

	found := false
	for i := range records {
		if records[i].ServerName == name {
			patch.Apply(&records[i])
			records[i].UpdatedAt = time.Now()
			found = true
			break
		}
	}
	if !found {
		return errors.Newf(errors.KindNotFound, "服务器 %s 不存在", name)
	}

	return s.writeServersLocked(records)
}

// WriteAll 原子替换全部服务器记录
// 覆盖前把旧文件复制到带时间戳的备份位置; 写失败不破坏主文件
func (s *InventoryStore) WriteAll(servers []model.ServerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeServersLocked(servers)
}

// readServersLocked 调用方需持有读锁或写锁
func (s *InventoryStore) readServersLocked() []model.ServerRecord {
	idx, rows, err := readCSV(s.serverPath)
	if err != nil {
		s.logger.Warn("读取清单文件失败, 按空清单处理",
			zap.String("path", s.serverPath), zap.Error(err))
		return []model.ServerRecord{}
	}

	records := make([]model.ServerRecord, 0, len(rows))
	for i, row := range rows {
		rec, err := serverFromRow(idx, row)
		if err != nil {
			s.logger.Warn("跳过损坏的清单行",
				zap.Int("line", i+2), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records
}

// writeServersLocked 备份旧文件后临时文件+rename原子落盘
func (s *InventoryStore) writeServersLocked(servers []model.ServerRecord) error {
	if _, err := os.Stat(s.serverPath); err == nil {
		backupPath := filepath.Join(s.backupDir,
			fmt.Sprintf("servers_%s.csv", time.Now().Format("20060102_150405")))
		if err := copyFile(s.serverPath, backupPath); err != nil {
			return errors.Wrap(errors.KindStoreUnavailable, "备份清单文件失败", err)
		}
		s.logger.Debug("清单文件已备份", zap.String("backup", backupPath))
	}

	rows := make([][]string, 0, len(servers))
	for i := range servers {
		rows = append(rows, serverToRow(&servers[i]))
	}

	if err := writeCSVAtomic(s.serverPath, ServerHeader, rows); err != nil {
		return errors.Wrap(errors.KindStoreUnavailable, "写入清单文件失败", err)
	}
	return nil
}

// AppendHistory 追加一条补丁历史
func (s *InventoryStore) AppendHistory(entry *model.PatchHistoryEntry) error {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	return appendCSV(s.historyPath, HistoryHeader, historyToRow(entry))
}

// AppendPrecheck 追加一条前置检查结果
func (s *InventoryStore) AppendPrecheck(result *model.PrecheckResult) error {
	s.precheckMu.Lock()
	defer s.precheckMu.Unlock()
	return appendCSV(s.precheckPath, PrecheckHeader, precheckToRow(result))
}

// AppendRollback 追加一条回滚记录
func (s *InventoryStore) AppendRollback(record *model.RollbackRecord) error {
	s.rollbackMu.Lock()
	defer s.rollbackMu.Unlock()
	return appendCSV(s.rollbackPath, RollbackHeader, rollbackToRow(record))
}

// AppendApproval 追加一条审批记录
func (s *InventoryStore) AppendApproval(record *model.ApprovalRecord) error {
	s.approvalMu.Lock()
	defer s.approvalMu.Unlock()
	return appendCSV(s.approvalPath, ApprovalHeader, approvalToRow(record))
}

// ReadHistory 读取全部补丁历史
func (s *InventoryStore) ReadHistory() ([]model.PatchHistoryEntry, error) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	idx, rows, err := readCSV(s.historyPath)
	if err != nil {
		return []model.PatchHistoryEntry{}, nil
	}
	entries := make([]model.PatchHistoryEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, historyFromRow(idx, row))
	}
	return entries, nil
}

// ReadPrechecks 读取全部前置检查历史
func (s *InventoryStore) ReadPrechecks() ([]model.PrecheckResult, error) {
	s.precheckMu.Lock()
	defer s.precheckMu.Unlock()

	idx, rows, err := readCSV(s.precheckPath)
	if err != nil {
		return []model.PrecheckResult{}, nil
	}
	results := make([]model.PrecheckResult, 0, len(rows))
	for _, row := range rows {
		results = append(results, precheckFromRow(idx, row))
	}
	return results, nil
}

// ReadRollbacks 读取全部回滚历史
func (s *InventoryStore) ReadRollbacks() ([]model.RollbackRecord, error) {
	s.rollbackMu.Lock()
	defer s.rollbackMu.Unlock()

	idx, rows, err := readCSV(s.rollbackPath)
	if err != nil {
		return []model.RollbackRecord{}, nil
	}
	records := make([]model.RollbackRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, rollbackFromRow(idx, row))
	}
	return records, nil
}

// ReadApprovals 读取全部审批历史
func (s *InventoryStore) ReadApprovals() ([]model.ApprovalRecord, error) {
	s.approvalMu.Lock()
	defer s.approvalMu.Unlock()

	idx, rows, err := readCSV(s.approvalPath)
	if err != nil {
		return []model.ApprovalRecord{}, nil
	}
	records := make([]model.ApprovalRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, approvalFromRow(idx, row))
	}
	return records, nil
}

// PruneHistories 清理早于cutoff的历史行, 返回各文件清理行数
func (s *InventoryStore) PruneHistories(cutoff time.Time) (map[string]int, error) {
	pruned := make(map[string]int, 4)

	targets := []struct {
		name      string
		path      string
		mu        *sync.Mutex
		header    []string
		timeField string
	}{
		{"patch_history", s.historyPath, &s.historyMu, HistoryHeader, "end_time"},
		{"precheck_history", s.precheckPath, &s.precheckMu, PrecheckHeader, "timestamp"},
		{"rollback_history", s.rollbackPath, &s.rollbackMu, RollbackHeader, "end_time"},
		{"approval_history", s.approvalPath, &s.approvalMu, ApprovalHeader, "timestamp"},
	}

	for _, t := range targets {
		n, err := pruneCSV(t.path, t.mu, t.header, t.timeField, cutoff)
		if err != nil {
			return pruned, fmt.Errorf("清理 %s 失败: %w", t.name, err)
		}
		if n > 0 {
			s.logger.Info("历史记录清理完成",
				zap.String("file", t.name), zap.Int("pruned", n))
		}
		pruned[t.name] = n
	}
	return pruned, nil
}

// ================= 文件级辅助 =================

// readCSV 读取表头与数据行
func readCSV(path string) (map[string]int, [][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1 // 行宽不齐按坏行处理, 不整体失败

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("读取表头失败: %w", err)
	}

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("读取数据行失败: %w", err)
	}
	return headerIndex(header), rows, nil
}

// writeCSVAtomic 临时文件+rename, 并发读方不会看到半写状态
func writeCSVAtomic(path string, header []string, rows [][]string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	writer := csv.NewWriter(tmp)
	if err := writer.Write(header); err != nil {
		tmp.Close()
		return err
	}
	if err := writer.WriteAll(rows); err != nil {
		tmp.Close()
		return err
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// appendCSV 追加一行, 文件不存在时先写表头
func appendCSV(path string, header []string, row []string) error {
	_, statErr := os.Stat(path)
	newFile := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(errors.KindStoreUnavailable, "打开历史文件失败", err)
	}
	defer f.Close()

	writer := csv.NewWriter(f)
	if newFile {
		if err := writer.Write(header); err != nil {
			return err
		}
	}
	if err := writer.Write(row); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

// pruneCSV 重写日志文件, 丢弃时间列早于cutoff的行
func pruneCSV(path string, mu *sync.Mutex, header []string, timeField string, cutoff time.Time) (int, error) {
	mu.Lock()
	defer mu.Unlock()

	idx, rows, err := readCSV(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	kept := make([][]string, 0, len(rows))
	pruned := 0
	for _, row := range rows {
		ts := parseTime(cell(idx, row, timeField))
		// 无法解析时间的行保留, 避免误删
		if !ts.IsZero() && ts.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, row)
	}

	if pruned == 0 {
		return 0, nil
	}
	if err := writeCSVAtomic(path, header, kept); err != nil {
		return 0, err
	}
	return pruned, nil
}

// copyFile 复制文件内容
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
