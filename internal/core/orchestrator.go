package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"fleet-patch/internal/adapter/notification"
	"fleet-patch/internal/adapter/remote"
	"fleet-patch/internal/model"
	"fleet-patch/internal/pkg/config"
	"fleet-patch/internal/store"
	"fleet-patch/pkg/constants"
	"fleet-patch/pkg/errors"
)

// Restorer 回滚时的实际恢复能力, 由外部注入(快照恢复/重装等)
// 未注入时回滚只做状态标记与记录
type Restorer interface {
	Restore(ctx context.Context, server *model.ServerRecord, reason string) error
}

// PatchOrchestrator 补丁编排引擎
// 驱动单机工作流 precheck → execute → reboot → postcheck → record,
// 并在有界并发下运行批次
type PatchOrchestrator struct {
	store    *store.InventoryStore
	executor remote.Executor
	notifier notification.Notifier
	restorer Restorer
	logger   *zap.Logger
	ops      *OperationTracker

	maxParallel   int
	rebootTimeout time.Duration

	cancelled atomic.Bool
}

// PatchOptions 单机工作流选项
type PatchOptions struct {
	Force         bool // 跳过审批门, 且前置检查失败不阻断
	SkipPrecheck  bool
	SkipPostcheck bool
	DryRun        bool // 只列出可用更新, 不落历史不改状态
}

// BatchOptions 批次选项
type BatchOptions struct {
	Servers     []string // 显式服务器列表; 为空时按条件选取
	Quarter     string
	Group       string
	Environment string
	Operator    string
	MaxParallel int
	Force       bool
	DryRun      bool
}

// NewPatchOrchestrator 创建编排引擎
func NewPatchOrchestrator(st *store.InventoryStore, executor remote.Executor,
	notifier notification.Notifier, cfg *config.PatchConfig, logger *zap.Logger) *PatchOrchestrator {

	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 5
	}

	return &PatchOrchestrator{
		store:         st,
		executor:      executor,
		notifier:      notifier,
		logger:        logger,
		ops:           NewOperationTracker(),
		maxParallel:   maxParallel,
		rebootTimeout: config.Duration(cfg.RebootTimeout, 10*time.Minute),
	}
}

// SetRestorer 注入回滚恢复能力
func (o *PatchOrchestrator) SetRestorer(r Restorer) {
	o.restorer = r
}

// Operations 操作跟踪器(供定时清理与状态统计)
func (o *PatchOrchestrator) Operations() *OperationTracker {
	return o.ops
}

// Cancel 协作式取消: 只阻止批次中尚未开始的单机工作流
func (o *PatchOrchestrator) Cancel() {
	o.cancelled.Store(true)
}

// SelectEligible 选取指定季度的可执行服务器
// 条件: active / 当季补丁日期非空且不晚于今天 / (approvedOnly时)审批通过
func (o *PatchOrchestrator) SelectEligible(quarter, group, environment string, approvedOnly bool) ([]model.ServerRecord, error) {
	if !constants.ValidQuarter(quarter) {
		return nil, errors.Newf(errors.KindInternal, "非法季度: %s", quarter)
	}
	if err := o.store.Exists(); err != nil {
		return nil, err
	}

	servers, err := o.store.ReadAll(nil)
	if err != nil {
		return nil, err
	}

	today := time.Now()
	eligible := lo.Filter(servers, func(rec model.ServerRecord, _ int) bool {
		if !rec.IsActive() {
			return false
		}
		if group != "" && rec.HostGroup != group {
			return false
		}
		if environment != "" && rec.Environment != environment {
			return false
		}

		sched := rec.Quarter(quarter)
		if sched.PatchDate == "" {
			return false
		}
		patchDate, err := time.ParseInLocation("2006-01-02", sched.PatchDate, time.Local)
		if err != nil {
			o.logger.Warn("补丁日期无法解析, 跳过该服务器",
				zap.String("server", rec.ServerName),
				zap.String("patch_date", sched.PatchDate))
			return false
		}
		if patchDate.After(today) {
			return false
		}

		if approvedOnly && !constants.IsApproved(sched.ApprovalStatus) {
			return false
		}
		return true
	})

	o.logger.Debug("可执行服务器选取完成",
		zap.String("quarter", quarter),
		zap.Int("total", len(servers)),
		zap.Int("eligible", len(eligible)))
	return eligible, nil
}

// RunPrecheck 执行前置检查并把失败项落入历史
func (o *PatchOrchestrator) RunPrecheck(ctx context.Context, serverName, quarter, operator string) (*PrecheckOutcome, error) {
	rec, err := o.store.GetServer(serverName)
	if err != nil {
		return nil, err
	}
	return o.runPrecheck(ctx, rec, quarter), nil
}

func (o *PatchOrchestrator) runPrecheck(ctx context.Context, rec *model.ServerRecord, quarter string) *PrecheckOutcome {
	report := o.executor.CheckPrerequisites(ctx, rec.ServerName, rec.RemoteUser, rec.SSHPort(), rec.CriticalServices)

	outcome := &PrecheckOutcome{
		ServerName: rec.ServerName,
		Quarter:    quarter,
		Passed:     report.Passed,
		Checks:     report.Checks,
	}

	// 失败项逐条落历史, 便于审计(force绕过时也要有记录)
	for name, check := range report.Checks {
		if check.Status == constants.CheckStatusPassed {
			continue
		}
		outcome.Issues = append(outcome.Issues, name)
		result := &model.PrecheckResult{
			ServerName: rec.ServerName,
			Quarter:    quarter,
			CheckName:  name,
			Status:     constants.CheckStatusFailed,
			Message:    check.Message,
			Severity:   check.Severity,
			Timestamp:  time.Now(),
		}
		if err := o.store.AppendPrecheck(result); err != nil {
			o.logger.Error("写入前置检查历史失败",
				zap.String("server", rec.ServerName), zap.Error(err))
		}
	}
	return outcome
}

// PatchOne 单机补丁工作流
// 工作流一旦开始, 无论哪一步失败都保证恰好落一条补丁历史并更新状态
func (o *PatchOrchestrator) PatchOne(ctx context.Context, serverName, quarter, operator string, opts PatchOptions) *PatchOutcome {
	outcome := &PatchOutcome{
		ServerName:      serverName,
		Quarter:         quarter,
		Status:          constants.PatchResultFailed,
		StartTime:       time.Now(),
		PreCheckStatus:  CheckSkipped,
		PostCheckStatus: CheckSkipped,
		DryRun:          opts.DryRun,
	}

	// 1. 加载记录; 不存在视为工作流未开始, 不落历史
	rec, err := o.store.GetServer(serverName)
	if err != nil {
		outcome.EndTime = time.Now()
		outcome.Error = err.Error()
		outcome.ErrorKind = errors.KindOf(err)
		return outcome
	}

	// 2. 审批门
	sched := rec.Quarter(quarter)
	if !opts.Force && !constants.IsApproved(sched.ApprovalStatus) {
		outcome.EndTime = time.Now()
		outcome.Error = fmt.Sprintf("季度 %s 审批状态为 %s, 不允许执行", quarter, sched.ApprovalStatus)
		outcome.ErrorKind = errors.KindNotApproved
		return outcome
	}

	// 工作流正式开始
	opID := o.ops.Begin(constants.OperationTypePatch, serverName, operator)
	defer o.ops.End(opID)

	if !opts.DryRun {
		o.transition(serverName, constants.QuarterStatusInProgress)
		_ = o.notifier.PatchStarted(ctx, serverName, quarter, scheduledTime(sched))
	}

	// 任何内部异常都转成失败结果, 保证批次隔离与落账
	func() {
		defer func() {
			if r := recover(); r != nil {
				outcome.Status = constants.PatchResultFailed
				outcome.Error = fmt.Sprintf("工作流内部异常: %v", r)
				outcome.ErrorKind = errors.KindInternal
				o.logger.Error("补丁工作流panic",
					zap.String("server", serverName), zap.Any("panic", r))
			}
		}()
		o.runWorkflow(ctx, rec, quarter, opts, outcome)
	}()

	outcome.EndTime = time.Now()
	if !opts.DryRun {
		o.recordOutcome(ctx, outcome, operator)
	}
	return outcome
}

// runWorkflow 步骤3-6: 前置检查/补丁序列/重启/健康检查
func (o *PatchOrchestrator) runWorkflow(ctx context.Context, rec *model.ServerRecord, quarter string, opts PatchOptions, outcome *PatchOutcome) {
	osFamily, err := constants.OSFamilyOf(rec.OperatingSystem)
	if err != nil {
		outcome.Error = err.Error()
		outcome.ErrorKind = errors.KindInternal
		return
	}

	host, user, port := rec.ServerName, rec.RemoteUser, rec.SSHPort()

	// 3. 前置检查
	if !opts.SkipPrecheck {
		pc := o.runPrecheck(ctx, rec, quarter)
		if pc.Passed {
			outcome.PreCheckStatus = CheckPassed
		} else {
			outcome.PreCheckStatus = CheckFailed
			if !opts.Force {
				outcome.Error = fmt.Sprintf("前置检查失败: %s", strings.Join(pc.Issues, ","))
				// 主机不可达与"可达但不健康"在错误分类上区分开
				if check, ok := pc.Checks[constants.CheckConnectivity]; ok && check.Status != constants.CheckStatusPassed {
					outcome.ErrorKind = errors.KindConnectivityFailed
				} else {
					outcome.ErrorKind = errors.KindPrecheckFailed
				}
				return
			}
			o.logger.Warn("前置检查失败, force模式继续执行",
				zap.String("server", host),
				zap.Strings("issues", pc.Issues))
		}
	}

	// 4. 补丁序列; 失败立即中止, 不做重启与健康检查
	report := o.executor.RunPatchSequence(ctx, host, osFamily, user, port, opts.DryRun)
	outcome.Steps = report.Steps
	outcome.PackagesUpdated = report.PackagesUpdated

	if report.Err != nil || !report.Success {
		outcome.Error = patchFailureMessage(&report)
		if report.Err != nil {
			outcome.ErrorKind = errors.KindOf(report.Err)
		} else {
			outcome.ErrorKind = errors.KindCommandFailed
		}
		return
	}

	if opts.DryRun {
		outcome.Status = constants.PatchResultSuccess
		return
	}

	// 5. 重启必要性与重启等待; 超时按警告处理, 不判失败
	required, err := o.executor.RebootRequired(ctx, host, osFamily, user, port)
	if err != nil {
		o.logger.Warn("重启必要性检查失败, 按无需重启处理",
			zap.String("server", host), zap.Error(err))
	}
	outcome.RebootRequired = required

	if required {
		rb := o.executor.RebootAndWait(ctx, host, user, port, o.rebootTimeout)
		outcome.RebootCompleted = rb.Completed
		if !rb.Completed {
			outcome.Error = fmt.Sprintf("重启未在 %s 内完成", o.rebootTimeout)
			outcome.ErrorKind = errors.KindRebootIncomplete
			o.logger.Warn("重启等待超时",
				zap.String("server", host),
				zap.Duration("elapsed", rb.Elapsed))
		}
	}

	// 6. 健康检查; 结果只记录, 不翻转补丁结果
	if !opts.SkipPostcheck && (!required || outcome.RebootCompleted) {
		hc := o.executor.CheckHealth(ctx, host, user, port, rec.CriticalServices)
		if hc.Passed {
			outcome.PostCheckStatus = CheckPassed
		} else {
			outcome.PostCheckStatus = CheckFailed
			o.logger.Warn("补丁后健康检查未通过",
				zap.String("server", host),
				zap.Strings("issues", hc.FailedChecks()))
		}
	}

	outcome.Status = constants.PatchResultSuccess
}

// recordOutcome 步骤7: 落历史/更新状态/发通知
func (o *PatchOrchestrator) recordOutcome(ctx context.Context, outcome *PatchOutcome, operator string) {
	entry := &model.PatchHistoryEntry{
		ServerName:      outcome.ServerName,
		Quarter:         outcome.Quarter,
		Status:          outcome.Status,
		StartTime:       outcome.StartTime,
		EndTime:         outcome.EndTime,
		DurationSeconds: int64(outcome.Duration().Seconds()),
		PackagesUpdated: outcome.PackagesUpdated,
		RebootRequired:  outcome.RebootRequired,
		RebootCompleted: outcome.RebootCompleted,
		PreCheckStatus:  outcome.PreCheckStatus,
		PostCheckStatus: outcome.PostCheckStatus,
		Operator:        operator,
		ErrorMessage:    outcome.Error,
	}
	if err := o.store.AppendHistory(entry); err != nil {
		o.logger.Error("写入补丁历史失败",
			zap.String("server", outcome.ServerName), zap.Error(err))
	}

	status := constants.QuarterStatusFailed
	if outcome.Succeeded() {
		status = constants.QuarterStatusCompleted
	}
	o.transition(outcome.ServerName, status)

	_ = o.notifier.PatchCompleted(ctx, &notification.PatchOutcomeEvent{
		ServerName:      outcome.ServerName,
		Quarter:         outcome.Quarter,
		Status:          outcome.Status,
		Duration:        outcome.Duration(),
		PackagesUpdated: outcome.PackagesUpdated,
		RebootRequired:  outcome.RebootRequired,
		RebootCompleted: outcome.RebootCompleted,
		Error:           outcome.Error,
	})
}

// transition 更新服务器当季状态
// 不在流转表内的跳转仍然落盘(人工干预场景), 但留告警便于审计
func (o *PatchOrchestrator) transition(serverName, status string) {
	if rec, err := o.store.GetServer(serverName); err == nil {
		if !constants.CanTransition(rec.CurrentQuarterStatus, status) {
			o.logger.Warn("状态流转不在流转表内",
				zap.String("server", serverName),
				zap.String("from", rec.CurrentQuarterStatus),
				zap.String("to", status))
		}
	}

	patch := &model.ServerPatch{CurrentQuarterStatus: &status}
	if err := o.store.Upsert(serverName, patch); err != nil {
		o.logger.Error("更新服务器状态失败",
			zap.String("server", serverName),
			zap.String("status", status), zap.Error(err))
	}
}

// PatchBatch 批次执行: 有界并发, 单机失败互相隔离
func (o *PatchOrchestrator) PatchBatch(ctx context.Context, opts BatchOptions) ([]PatchOutcome, error) {
	o.cancelled.Store(false)

	var names []string
	if len(opts.Servers) > 0 {
		names = opts.Servers
	} else {
		eligible, err := o.SelectEligible(opts.Quarter, opts.Group, opts.Environment, !opts.Force)
		if err != nil {
			return nil, err
		}
		names = lo.Map(eligible, func(rec model.ServerRecord, _ int) string { return rec.ServerName })
	}

	// 同名主机去重: 同一服务器不允许并发跑两个工作流
	names = lo.Uniq(names)

	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = o.maxParallel
	}

	o.logger.Info("补丁批次开始",
		zap.String("quarter", opts.Quarter),
		zap.Int("servers", len(names)),
		zap.Int("max_parallel", maxParallel),
		zap.Bool("dry_run", opts.DryRun))

	patchOpts := PatchOptions{Force: opts.Force, DryRun: opts.DryRun}

	results := make([]PatchOutcome, len(names))
	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup

	for i, name := range names {
		// 协作式取消: 只拦截尚未派发的工作流
		if o.cancelled.Load() {
			results[i] = PatchOutcome{
				ServerName: name,
				Quarter:    opts.Quarter,
				Status:     constants.PatchResultFailed,
				Error:      "批次已取消, 工作流未开始",
			}
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(i int, name string) {
			defer func() {
				// 单机panic不拖垮批次
				if r := recover(); r != nil {
					results[i] = PatchOutcome{
						ServerName: name,
						Quarter:    opts.Quarter,
						Status:     constants.PatchResultFailed,
						Error:      fmt.Sprintf("工作流内部异常: %v", r),
						ErrorKind:  errors.KindInternal,
					}
				}
				<-sem
				wg.Done()
			}()
			results[i] = *o.PatchOne(ctx, name, opts.Quarter, opts.Operator, patchOpts)
		}(i, name)
	}

	wg.Wait()

	succeeded := lo.CountBy(results, func(out PatchOutcome) bool { return out.Succeeded() })
	failed := len(results) - succeeded
	rate := 0.0
	if len(results) > 0 {
		rate = float64(succeeded) / float64(len(results)) * 100
	}

	o.logger.Info("补丁批次结束",
		zap.String("quarter", opts.Quarter),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed))

	if !opts.DryRun {
		_ = o.notifier.BatchSummary(ctx, &notification.BatchSummaryEvent{
			Quarter:     opts.Quarter,
			Operator:    opts.Operator,
			Total:       len(results),
			Succeeded:   succeeded,
			Failed:      failed,
			SuccessRate: rate,
		})
	}
	return results, nil
}

// Rollback 回滚工作流: 标记状态并记录; 实际恢复由注入的Restorer承担
// 重复调用会追加多条回滚记录, 服务器状态保持rolled_back
func (o *PatchOrchestrator) Rollback(ctx context.Context, serverName, reason, operator string) *RollbackOutcome {
	outcome := &RollbackOutcome{
		ServerName: serverName,
		Status:     constants.PatchResultSuccess,
	}

	rec, err := o.store.GetServer(serverName)
	if err != nil {
		outcome.Status = constants.PatchResultFailed
		outcome.Error = err.Error()
		outcome.ErrorKind = errors.KindOf(err)
		return outcome
	}

	opID := o.ops.Begin(constants.OperationTypeRollback, serverName, operator)
	defer o.ops.End(opID)

	start := time.Now()
	rootCause := ""

	if o.restorer != nil {
		if err := o.restorer.Restore(ctx, rec, reason); err != nil {
			outcome.Status = constants.PatchResultFailed
			outcome.Error = fmt.Sprintf("恢复操作失败: %v", err)
			outcome.ErrorKind = errors.KindInternal
			rootCause = err.Error()
			o.logger.Error("回滚恢复失败",
				zap.String("server", serverName), zap.Error(err))
		}
	}

	o.transition(serverName, constants.QuarterStatusRolledBack)

	record := &model.RollbackRecord{
		ServerName:    serverName,
		TriggerReason: reason,
		Status:        outcome.Status,
		StartTime:     start,
		EndTime:       time.Now(),
		Operator:      operator,
		RootCause:     rootCause,
	}
	if err := o.store.AppendRollback(record); err != nil {
		o.logger.Error("写入回滚历史失败",
			zap.String("server", serverName), zap.Error(err))
	}

	_ = o.notifier.RollbackNotification(ctx, serverName, reason, outcome.Status)

	o.logger.Info("回滚完成",
		zap.String("server", serverName),
		zap.String("reason", reason),
		zap.String("status", outcome.Status))
	return outcome
}

// RecordApproval 记录一次审批决定并同步季度审批状态
func (o *PatchOrchestrator) RecordApproval(record *model.ApprovalRecord) error {
	patch := &model.ServerPatch{
		QuarterApproval: &model.QuarterApprovalPatch{
			Quarter: record.Quarter,
			Status:  record.Decision,
		},
	}
	if err := o.store.Upsert(record.ServerName, patch); err != nil {
		return err
	}
	return o.store.AppendApproval(record)
}

// Status 季度汇总统计, 只统计active服务器
// 清单不可读时向上抛StoreUnavailable
func (o *PatchOrchestrator) Status(quarter string) (*Stats, error) {
	if err := o.store.Exists(); err != nil {
		return nil, err
	}

	servers, err := o.store.ReadAll(nil)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Quarter:          quarter,
		ActiveOperations: o.ops.ActiveCount(),
		Groups:           make(map[string]GroupStats),
	}

	for i := range servers {
		rec := &servers[i]
		if !rec.IsActive() {
			continue
		}
		stats.TotalActive++

		switch rec.Quarter(quarter).ApprovalStatus {
		case constants.ApprovalStatusPending:
			stats.PendingApproval++
		case constants.ApprovalStatusApproved, constants.ApprovalStatusAutoApproved:
			stats.Approved++
		}

		group := rec.HostGroup
		gs := stats.Groups[group]
		gs.Total++

		switch rec.CurrentQuarterStatus {
		case constants.QuarterStatusScheduled:
			stats.Scheduled++
		case constants.QuarterStatusInProgress:
			stats.InProgress++
		case constants.QuarterStatusCompleted:
			stats.Completed++
			gs.Completed++
		case constants.QuarterStatusFailed:
			stats.Failed++
			gs.Failed++
		case constants.QuarterStatusRolledBack:
			stats.RolledBack++
		}
		stats.Groups[group] = gs
	}

	if done := stats.Completed + stats.Failed; done > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(done) * 100
	}
	for group, gs := range stats.Groups {
		if done := gs.Completed + gs.Failed; done > 0 {
			gs.SuccessRate = float64(gs.Completed) / float64(done) * 100
			stats.Groups[group] = gs
		}
	}
	return stats, nil
}

// scheduledTime 解析季度排期的计划时间, 解析失败回落到当前时间
func scheduledTime(sched model.QuarterSchedule) time.Time {
	if sched.PatchDate == "" {
		return time.Now()
	}
	layout, value := "2006-01-02", sched.PatchDate
	if sched.PatchTime != "" {
		layout, value = "2006-01-02 15:04", sched.PatchDate+" "+sched.PatchTime
	}
	t, err := time.ParseInLocation(layout, value, time.Local)
	if err != nil {
		return time.Now()
	}
	return t
}

// patchFailureMessage 提取补丁序列失败的可读描述
func patchFailureMessage(report *remote.PatchReport) string {
	if report.Err != nil {
		return report.Err.Error()
	}
	for _, step := range report.Steps {
		if !step.Success {
			return fmt.Sprintf("补丁步骤 %s 失败: %s", step.Step, firstLine(step.Output))
		}
	}
	return "补丁序列失败"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
