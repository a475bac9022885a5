package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"fleet-patch/internal/core"
	"fleet-patch/internal/pkg/config"
	"fleet-patch/internal/store"
	"fleet-patch/pkg/constants"
)

// Scheduler 调度器
// 定时扫描到期批次, 并周期性清理历史与陈旧操作
type Scheduler struct {
	cron          *cron.Cron
	logger        *zap.Logger
	orchestrator  *core.PatchOrchestrator
	store         *store.InventoryStore
	cfg           *config.Config
	cronSchedules map[string]cron.EntryID // 存储任务ID, 便于管理
}

// NewScheduler 创建调度器
func NewScheduler(orchestrator *core.PatchOrchestrator, st *store.InventoryStore,
	logger *zap.Logger, cfg *config.Config) *Scheduler {

	// 创建 cron 实例(带秒级支持)
	c := cron.New(cron.WithSeconds())

	return &Scheduler{
		cron:          c,
		logger:        logger,
		orchestrator:  orchestrator,
		store:         st,
		cfg:           cfg,
		cronSchedules: make(map[string]cron.EntryID),
	}
}

// Start 启动调度器
func (s *Scheduler) Start() error {
	log := s.logger.Sugar()

	log.Info("启动定时任务调度器...")

	// cron 表达式格式: 秒 分 时 日 月 周
	patchCron := s.cfg.Schedule.PatchCron
	if patchCron == "" {
		patchCron = "0 0 2 * * *" // 默认: 每天凌晨2点
		log.Warnw("未配置schedule.patch_cron, 使用默认值", "cron", patchCron)
	}

	entryID, err := s.cron.AddFunc(patchCron, s.runScheduledBatch)
	if err != nil {
		log.Errorf("注册补丁批次任务失败: %v cron=%s", err, patchCron)
		return err
	}
	s.cronSchedules["patch_batch"] = entryID
	log.Infof("补丁批次扫描任务已注册: %s entry_id=%d", patchCron, entryID)

	cleanupCron := s.cfg.Schedule.CleanupCron
	if cleanupCron == "" {
		cleanupCron = "0 30 3 * * *"
	}
	entryID, err = s.cron.AddFunc(cleanupCron, s.runCleanup)
	if err != nil {
		log.Errorf("注册清理任务失败: %v cron=%s", err, cleanupCron)
		return err
	}
	s.cronSchedules["cleanup"] = entryID
	log.Infof("清理任务已注册: %s entry_id=%d", cleanupCron, entryID)

	// 启动 cron
	s.cron.Start()
	log.Info("定时任务调度器启动成功")

	return nil
}

// Stop 停止调度器
func (s *Scheduler) Stop() {
	s.logger.Info("正在停止定时任务调度器...")

	// 停止 cron(等待正在执行的任务完成)
	ctx := s.cron.Stop()
	<-ctx.Done()

	s.logger.Info("定时任务调度器已停止")
}

// TriggerBatch 手动触发当前季度批次(用于测试或手动触发)
func (s *Scheduler) TriggerBatch() {
	s.logger.Info("手动触发补丁批次")
	s.runScheduledBatch()
}

// runScheduledBatch 扫描当前季度的到期服务器并按配置执行
func (s *Scheduler) runScheduledBatch() {
	quarter := CurrentQuarter(time.Now())
	log := s.logger.Sugar()

	if !s.cfg.Schedule.AutoPatch {
		// 未开启自动补丁时只报告到期数量
		eligible, err := s.orchestrator.SelectEligible(
			quarter, s.cfg.Schedule.Group, s.cfg.Schedule.Environment, true)
		if err != nil {
			log.Errorf("到期批次扫描失败: %v", err)
			return
		}
		if len(eligible) > 0 {
			log.Infow("存在到期待执行的服务器, 自动补丁未开启",
				"quarter", quarter, "count", len(eligible))
		}
		return
	}

	log.Infow("执行定时任务: 补丁批次", "quarter", quarter)
	results, err := s.orchestrator.PatchBatch(context.Background(), core.BatchOptions{
		Quarter:     quarter,
		Group:       s.cfg.Schedule.Group,
		Environment: s.cfg.Schedule.Environment,
		Operator:    "scheduler",
		MaxParallel: s.cfg.Schedule.DefaultParallel,
	})
	if err != nil {
		log.Errorf("定时补丁批次执行失败: %v", err)
		return
	}
	log.Infow("定时补丁批次执行完成", "quarter", quarter, "servers", len(results))
}

// runCleanup 历史保留清理与陈旧操作清理
func (s *Scheduler) runCleanup() {
	log := s.logger.Sugar()

	if days := s.cfg.Retention.MaxAgeDays; days > 0 {
		cutoff := time.Now().AddDate(0, 0, -days)
		removed, err := s.store.PruneHistories(cutoff)
		if err != nil {
			log.Errorf("历史保留清理失败: %v", err)
		} else {
			log.Infow("历史保留清理完成", "cutoff", cutoff.Format("2006-01-02"), "removed", removed)
		}
	}

	maxAge := config.Duration(s.cfg.Patch.OperationMaxAge, 4*time.Hour)
	if stale := s.orchestrator.Operations().CleanupStale(maxAge); stale > 0 {
		log.Warnw("清理陈旧操作记录", "count", stale, "max_age", maxAge)
	}
}

// CurrentQuarter 当前时间所属季度
func CurrentQuarter(t time.Time) string {
	return constants.Quarters[(int(t.Month())-1)/3]
}
