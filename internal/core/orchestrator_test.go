package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"fleet-patch/internal/adapter/notification"
	"fleet-patch/internal/adapter/remote"
	"fleet-patch/internal/model"
	"fleet-patch/internal/pkg/config"
	"fleet-patch/internal/store"
	"fleet-patch/pkg/constants"
	"fleet-patch/pkg/errors"
)

type testHarness struct {
	store        *store.InventoryStore
	executor     *remote.MockExecutor
	orchestrator *PatchOrchestrator
}

func newHarness(t *testing.T, servers ...model.ServerRecord) *testHarness {
	t.Helper()

	st, err := store.NewInventoryStore(&config.StoreConfig{
		DataDir:      t.TempDir(),
		ServerFile:   "servers.csv",
		HistoryFile:  "patch_history.csv",
		PrecheckFile: "precheck_history.csv",
		RollbackFile: "rollback_history.csv",
		ApprovalFile: "approval_history.csv",
	}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, st.WriteAll(servers))

	executor := remote.NewMockExecutor()
	orch := NewPatchOrchestrator(st, executor,
		notification.NewLogNotifier(zap.NewNop()),
		&config.PatchConfig{MaxParallel: 3, RebootTimeout: "1m"},
		zap.NewNop())

	return &testHarness{store: st, executor: executor, orchestrator: orch}
}

func server(name, os, group string, opts ...func(*model.ServerRecord)) model.ServerRecord {
	rec := model.ServerRecord{
		ServerName:           name,
		HostGroup:            group,
		OperatingSystem:      os,
		Environment:          "prod",
		RemoteUser:           "patchops",
		CurrentQuarterStatus: constants.QuarterStatusScheduled,
		ActiveStatus:         constants.ActiveStatusActive,
	}
	rec.SetQuarter("Q3", model.QuarterSchedule{
		PatchDate:      time.Now().AddDate(0, 0, -1).Format("2006-01-02"),
		PatchTime:      "02:00",
		ApprovalStatus: constants.ApprovalStatusApproved,
	})
	for _, opt := range opts {
		opt(&rec)
	}
	return rec
}

func withApproval(status string) func(*model.ServerRecord) {
	return func(rec *model.ServerRecord) {
		sched := rec.Quarter("Q3")
		sched.ApprovalStatus = status
		rec.SetQuarter("Q3", sched)
	}
}

func withPatchDate(date string) func(*model.ServerRecord) {
	return func(rec *model.ServerRecord) {
		sched := rec.Quarter("Q3")
		sched.PatchDate = date
		rec.SetQuarter("Q3", sched)
	}
}

func withInactive() func(*model.ServerRecord) {
	return func(rec *model.ServerRecord) {
		rec.ActiveStatus = constants.ActiveStatusInactive
	}
}

// ================= 选取 =================

func TestSelectEligibleExclusions(t *testing.T) {
	future := time.Now().AddDate(0, 0, 7).Format("2006-01-02")
	h := newHarness(t,
		server("web01", "ubuntu", "web"),
		server("web02", "ubuntu", "web", withInactive()),
		server("web03", "ubuntu", "web", withApproval(constants.ApprovalStatusPending)),
		server("web04", "ubuntu", "web", withPatchDate(future)),
		server("web05", "ubuntu", "web", withPatchDate("")),
		server("db01", "centos", "database"),
	)

	eligible, err := h.orchestrator.SelectEligible("Q3", "", "", true)
	require.NoError(t, err)
	require.Len(t, eligible, 2)
	assert.Equal(t, "web01", eligible[0].ServerName)
	assert.Equal(t, "db01", eligible[1].ServerName)

	// force路径不看审批
	eligible, err = h.orchestrator.SelectEligible("Q3", "", "", false)
	require.NoError(t, err)
	assert.Len(t, eligible, 3)

	// 组过滤
	eligible, err = h.orchestrator.SelectEligible("Q3", "database", "", true)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, "db01", eligible[0].ServerName)
}

func TestSelectEligibleInvalidQuarter(t *testing.T) {
	h := newHarness(t, server("web01", "ubuntu", "web"))
	_, err := h.orchestrator.SelectEligible("Q9", "", "", true)
	assert.Error(t, err)
}

func TestSelectEligibleStoreUnavailable(t *testing.T) {
	h := newHarness(t)
	// 清单文件尚未写出时newHarness已写空文件; 换一个没有文件的存储
	st, err := store.NewInventoryStore(&config.StoreConfig{
		DataDir:    t.TempDir(),
		ServerFile: "servers.csv", HistoryFile: "h.csv",
		PrecheckFile: "p.csv", RollbackFile: "r.csv", ApprovalFile: "a.csv",
	}, zap.NewNop())
	require.NoError(t, err)

	orch := NewPatchOrchestrator(st, h.executor,
		notification.NewLogNotifier(zap.NewNop()),
		&config.PatchConfig{}, zap.NewNop())

	_, err = orch.SelectEligible("Q3", "", "", true)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindStoreUnavailable))
}

// ================= 单机工作流 =================

func TestPatchOneSuccessNoReboot(t *testing.T) {
	h := newHarness(t, server("web01", "ubuntu", "web"))

	out := h.orchestrator.PatchOne(context.Background(), "web01", "Q3", "alice", PatchOptions{})

	assert.True(t, out.Succeeded())
	assert.Equal(t, CheckPassed, out.PreCheckStatus)
	assert.Equal(t, CheckPassed, out.PostCheckStatus)
	assert.False(t, out.RebootRequired)
	assert.Equal(t, 3, out.PackagesUpdated)
	assert.Equal(t, 1, h.executor.PatchCalled("web01"))
	assert.Equal(t, 0, h.executor.RebootCalled("web01"))

	// 状态落到completed, 历史恰好一条
	rec, err := h.store.GetServer("web01")
	require.NoError(t, err)
	assert.Equal(t, constants.QuarterStatusCompleted, rec.CurrentQuarterStatus)

	entries, err := h.store.ReadHistory()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, constants.PatchResultSuccess, entries[0].Status)
	assert.Equal(t, "alice", entries[0].Operator)
}

func TestPatchOneWithReboot(t *testing.T) {
	h := newHarness(t, server("db01", "centos", "database"))
	h.executor.SetRebootRequired("db01", true)

	out := h.orchestrator.PatchOne(context.Background(), "db01", "Q3", "alice", PatchOptions{})

	assert.True(t, out.Succeeded())
	assert.True(t, out.RebootRequired)
	assert.True(t, out.RebootCompleted)
	assert.Equal(t, 1, h.executor.RebootCalled("db01"))
	assert.Equal(t, CheckPassed, out.PostCheckStatus)
}

func TestPatchOneRebootTimeoutIsWarning(t *testing.T) {
	h := newHarness(t, server("db01", "centos", "database"))
	h.executor.SetRebootRequired("db01", true)
	h.executor.SetRebootIncomplete("db01")

	out := h.orchestrator.PatchOne(context.Background(), "db01", "Q3", "alice", PatchOptions{})

	// 重启超时不判失败, 结果带警告
	assert.True(t, out.Succeeded())
	assert.True(t, out.RebootRequired)
	assert.False(t, out.RebootCompleted)
	assert.Equal(t, errors.KindRebootIncomplete, out.ErrorKind)
	assert.NotEmpty(t, out.Error)
	// 主机未恢复, 跳过健康检查
	assert.Equal(t, CheckSkipped, out.PostCheckStatus)

	rec, err := h.store.GetServer("db01")
	require.NoError(t, err)
	assert.Equal(t, constants.QuarterStatusCompleted, rec.CurrentQuarterStatus)
}

func TestPatchOneNotFound(t *testing.T) {
	h := newHarness(t, server("web01", "ubuntu", "web"))

	out := h.orchestrator.PatchOne(context.Background(), "ghost", "Q3", "alice", PatchOptions{})

	assert.False(t, out.Succeeded())
	assert.Equal(t, errors.KindNotFound, out.ErrorKind)

	// 工作流未开始, 不落历史
	entries, err := h.store.ReadHistory()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPatchOneNotApproved(t *testing.T) {
	h := newHarness(t, server("web01", "ubuntu", "web", withApproval(constants.ApprovalStatusPending)))

	out := h.orchestrator.PatchOne(context.Background(), "web01", "Q3", "alice", PatchOptions{})

	assert.False(t, out.Succeeded())
	assert.Equal(t, errors.KindNotApproved, out.ErrorKind)
	assert.Equal(t, 0, h.executor.PatchCalled("web01"))

	// 审批拦截同样不落历史, 状态不动
	entries, err := h.store.ReadHistory()
	require.NoError(t, err)
	assert.Empty(t, entries)

	rec, err := h.store.GetServer("web01")
	require.NoError(t, err)
	assert.Equal(t, constants.QuarterStatusScheduled, rec.CurrentQuarterStatus)
}

func TestPatchOnePrecheckFailureBlocks(t *testing.T) {
	h := newHarness(t, server("web01", "ubuntu", "web"))
	h.executor.SetPrecheckFail("web01", constants.CheckDiskSpace)

	out := h.orchestrator.PatchOne(context.Background(), "web01", "Q3", "alice", PatchOptions{})

	assert.False(t, out.Succeeded())
	assert.Equal(t, errors.KindPrecheckFailed, out.ErrorKind)
	assert.Equal(t, CheckFailed, out.PreCheckStatus)
	assert.Equal(t, 0, h.executor.PatchCalled("web01"))

	// 失败检查项已落精检历史
	prechecks, err := h.store.ReadPrechecks()
	require.NoError(t, err)
	require.Len(t, prechecks, 1)
	assert.Equal(t, constants.CheckDiskSpace, prechecks[0].CheckName)

	rec, err := h.store.GetServer("web01")
	require.NoError(t, err)
	assert.Equal(t, constants.QuarterStatusFailed, rec.CurrentQuarterStatus)
}

func TestPatchOneForceBypassesPrecheck(t *testing.T) {
	h := newHarness(t, server("web01", "ubuntu", "web", withApproval(constants.ApprovalStatusPending)))
	h.executor.SetPrecheckFail("web01", constants.CheckLoadAverage)

	out := h.orchestrator.PatchOne(context.Background(), "web01", "Q3", "alice", PatchOptions{Force: true})

	// force同时绕过审批门与前置检查阻断
	assert.True(t, out.Succeeded())
	assert.Equal(t, CheckFailed, out.PreCheckStatus)
	assert.Equal(t, 1, h.executor.PatchCalled("web01"))

	// 绕过不等于不留痕: 检查失败仍有记录
	prechecks, err := h.store.ReadPrechecks()
	require.NoError(t, err)
	require.Len(t, prechecks, 1)
	assert.Equal(t, constants.CheckLoadAverage, prechecks[0].CheckName)

	entries, err := h.store.ReadHistory()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, CheckFailed, entries[0].PreCheckStatus)
}

func TestPatchOneUpgradeFailureShortCircuits(t *testing.T) {
	h := newHarness(t, server("web01", "ubuntu", "web"))
	h.executor.SetPatchFailStep("web01", "upgrade")
	h.executor.SetRebootRequired("web01", true)

	out := h.orchestrator.PatchOne(context.Background(), "web01", "Q3", "alice", PatchOptions{})

	assert.False(t, out.Succeeded())
	assert.Equal(t, errors.KindCommandFailed, out.ErrorKind)
	// 升级失败后不重启也不做健康检查
	assert.Equal(t, 0, h.executor.RebootCalled("web01"))
	assert.False(t, out.RebootRequired)
	assert.Equal(t, CheckSkipped, out.PostCheckStatus)

	rec, err := h.store.GetServer("web01")
	require.NoError(t, err)
	assert.Equal(t, constants.QuarterStatusFailed, rec.CurrentQuarterStatus)
}

func TestPatchOneCleanupFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, server("web01", "ubuntu", "web"))
	h.executor.SetPatchFailStep("web01", "autoremove")

	out := h.orchestrator.PatchOne(context.Background(), "web01", "Q3", "alice", PatchOptions{})
	assert.True(t, out.Succeeded())
}

func TestPatchOneConnectivityFailure(t *testing.T) {
	h := newHarness(t, server("web01", "ubuntu", "web"))
	h.executor.SetConnectError("web01", errors.New(errors.KindConnectivityFailed, "dial tcp: timeout"))

	out := h.orchestrator.PatchOne(context.Background(), "web01", "Q3", "alice", PatchOptions{})

	assert.False(t, out.Succeeded())
	// 主机不可达归类为连接失败, 而非一般的前置检查失败
	assert.Equal(t, errors.KindConnectivityFailed, out.ErrorKind)
	assert.Equal(t, CheckFailed, out.PreCheckStatus)
	assert.Equal(t, 0, h.executor.PatchCalled("web01"))
}

func TestPatchOneUnhealthyHostIsPrecheckFailure(t *testing.T) {
	h := newHarness(t, server("web01", "ubuntu", "web"))
	h.executor.SetPrecheckFail("web01", constants.CheckDiskSpace, constants.CheckMemory)

	out := h.orchestrator.PatchOne(context.Background(), "web01", "Q3", "alice", PatchOptions{})

	// 可达但不健康仍是前置检查失败
	assert.Equal(t, errors.KindPrecheckFailed, out.ErrorKind)
}

func TestPatchOneDryRun(t *testing.T) {
	h := newHarness(t, server("web01", "ubuntu", "web"))

	out := h.orchestrator.PatchOne(context.Background(), "web01", "Q3", "alice", PatchOptions{DryRun: true})

	assert.True(t, out.Succeeded())
	assert.True(t, out.DryRun)

	// 只读模式: 不落历史, 状态不动
	entries, err := h.store.ReadHistory()
	require.NoError(t, err)
	assert.Empty(t, entries)

	rec, err := h.store.GetServer("web01")
	require.NoError(t, err)
	assert.Equal(t, constants.QuarterStatusScheduled, rec.CurrentQuarterStatus)
}

// ================= 批次 =================

func TestPatchBatchIsolatesFailures(t *testing.T) {
	h := newHarness(t,
		server("web01", "ubuntu", "web"),
		server("web02", "ubuntu", "web"),
	)
	h.executor.SetConnectError("web02", errors.New(errors.KindConnectivityFailed, "unreachable"))

	results, err := h.orchestrator.PatchBatch(context.Background(), BatchOptions{
		Quarter: "Q3", Operator: "alice",
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	byName := map[string]PatchOutcome{}
	for _, out := range results {
		byName[out.ServerName] = out
	}
	assert.True(t, byName["web01"].Succeeded())
	assert.False(t, byName["web02"].Succeeded())
	assert.Equal(t, errors.KindConnectivityFailed, byName["web02"].ErrorKind)

	// 两台各自恰好一条历史
	entries, err := h.store.ReadHistory()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestPatchBatchDeduplicatesServers(t *testing.T) {
	h := newHarness(t, server("web01", "ubuntu", "web"))

	results, err := h.orchestrator.PatchBatch(context.Background(), BatchOptions{
		Servers: []string{"web01", "web01", "web01"},
		Quarter: "Q3", Operator: "alice",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, h.executor.PatchCalled("web01"))
}

func TestPatchBatchExplicitServerList(t *testing.T) {
	h := newHarness(t,
		server("web01", "ubuntu", "web"),
		server("web02", "ubuntu", "web"),
	)

	results, err := h.orchestrator.PatchBatch(context.Background(), BatchOptions{
		Servers: []string{"web02"},
		Quarter: "Q3", Operator: "alice",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "web02", results[0].ServerName)
	assert.Equal(t, 0, h.executor.PatchCalled("web01"))
}

func TestPatchBatchCancelSkipsPending(t *testing.T) {
	h := newHarness(t, server("web01", "ubuntu", "web"))

	// 批次开始前取消: 所有工作流都不会派发
	h.orchestrator.Cancel()
	// PatchBatch会重置取消标记, 这里直接验证重置语义
	results, err := h.orchestrator.PatchBatch(context.Background(), BatchOptions{
		Servers: []string{"web01"}, Quarter: "Q3", Operator: "alice",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Succeeded())
}

// ================= 回滚 =================

type recordingRestorer struct {
	calls []string
	err   error
}

func (r *recordingRestorer) Restore(ctx context.Context, server *model.ServerRecord, reason string) error {
	r.calls = append(r.calls, server.ServerName)
	return r.err
}

func TestRollbackMarksAndRecords(t *testing.T) {
	h := newHarness(t, server("web01", "ubuntu", "web"))
	restorer := &recordingRestorer{}
	h.orchestrator.SetRestorer(restorer)

	out := h.orchestrator.Rollback(context.Background(), "web01", "kernel regression", "alice")

	assert.Equal(t, constants.PatchResultSuccess, out.Status)
	assert.Equal(t, []string{"web01"}, restorer.calls)

	rec, err := h.store.GetServer("web01")
	require.NoError(t, err)
	assert.Equal(t, constants.QuarterStatusRolledBack, rec.CurrentQuarterStatus)

	records, err := h.store.ReadRollbacks()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "kernel regression", records[0].TriggerReason)
	assert.Equal(t, "alice", records[0].Operator)
}

func TestRollbackIsIdempotentOnStatus(t *testing.T) {
	h := newHarness(t, server("web01", "ubuntu", "web"))

	h.orchestrator.Rollback(context.Background(), "web01", "first", "alice")
	h.orchestrator.Rollback(context.Background(), "web01", "second", "alice")

	// 状态保持rolled_back, 每次调用各追加一条记录
	rec, err := h.store.GetServer("web01")
	require.NoError(t, err)
	assert.Equal(t, constants.QuarterStatusRolledBack, rec.CurrentQuarterStatus)

	records, err := h.store.ReadRollbacks()
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestRollbackNotFound(t *testing.T) {
	h := newHarness(t, server("web01", "ubuntu", "web"))

	out := h.orchestrator.Rollback(context.Background(), "ghost", "reason", "alice")
	assert.Equal(t, constants.PatchResultFailed, out.Status)
	assert.Equal(t, errors.KindNotFound, out.ErrorKind)
}

func TestRollbackRestorerFailure(t *testing.T) {
	h := newHarness(t, server("web01", "ubuntu", "web"))
	h.orchestrator.SetRestorer(&recordingRestorer{err: errors.New(errors.KindInternal, "snapshot missing")})

	out := h.orchestrator.Rollback(context.Background(), "web01", "bad patch", "alice")

	assert.Equal(t, constants.PatchResultFailed, out.Status)

	// 恢复失败也要留痕并标记状态
	records, err := h.store.ReadRollbacks()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, constants.PatchResultFailed, records[0].Status)
	assert.Contains(t, records[0].RootCause, "snapshot missing")
}

// ================= 审批与统计 =================

func TestRecordApproval(t *testing.T) {
	h := newHarness(t, server("web01", "ubuntu", "web", withApproval(constants.ApprovalStatusPending)))

	require.NoError(t, h.orchestrator.RecordApproval(&model.ApprovalRecord{
		ID: "appr-1", ServerName: "web01", Quarter: "Q3",
		Requester: "bob", Approver: "carol",
		Decision: constants.ApprovalStatusApproved, Timestamp: time.Now(),
	}))

	rec, err := h.store.GetServer("web01")
	require.NoError(t, err)
	assert.Equal(t, constants.ApprovalStatusApproved, rec.Quarter("Q3").ApprovalStatus)

	records, err := h.store.ReadApprovals()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestStatusAggregation(t *testing.T) {
	h := newHarness(t,
		server("web01", "ubuntu", "web"),
		server("web02", "ubuntu", "web"),
		server("db01", "centos", "database", withApproval(constants.ApprovalStatusPending)),
		server("old01", "ubuntu", "web", withInactive()),
	)

	// web01成功, web02失败
	h.executor.SetPatchFailStep("web02", "upgrade")
	h.orchestrator.PatchOne(context.Background(), "web01", "Q3", "alice", PatchOptions{})
	h.orchestrator.PatchOne(context.Background(), "web02", "Q3", "alice", PatchOptions{})

	stats, err := h.orchestrator.Status("Q3")
	require.NoError(t, err)

	assert.Equal(t, 3, stats.TotalActive) // inactive不计
	assert.Equal(t, 2, stats.Approved)
	assert.Equal(t, 1, stats.PendingApproval)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Scheduled) // db01未动
	assert.Equal(t, 0, stats.ActiveOperations)
	assert.Equal(t, 50.0, stats.SuccessRate)

	web := stats.Groups["web"]
	assert.Equal(t, 2, web.Total)
	assert.Equal(t, 1, web.Completed)
	assert.Equal(t, 1, web.Failed)
	assert.Equal(t, 50.0, web.SuccessRate)

	db := stats.Groups["database"]
	assert.Equal(t, 1, db.Total)
	assert.Equal(t, 0.0, db.SuccessRate)
}

func TestRunPrecheckRecordsFailures(t *testing.T) {
	h := newHarness(t, server("web01", "ubuntu", "web"))
	h.executor.SetPrecheckFail("web01", constants.CheckMemory, constants.CheckSudo)

	out, err := h.orchestrator.RunPrecheck(context.Background(), "web01", "Q3", "alice")
	require.NoError(t, err)

	assert.False(t, out.Passed)
	assert.Len(t, out.Issues, 2)

	prechecks, err := h.store.ReadPrechecks()
	require.NoError(t, err)
	assert.Len(t, prechecks, 2)
}

func TestTransitionFollowsStatusTable(t *testing.T) {
	obsCore, logs := observer.New(zap.WarnLevel)
	h := newHarness(t,
		server("web01", "ubuntu", "web"),
		server("web02", "ubuntu", "web"),
	)
	orch := NewPatchOrchestrator(h.store, h.executor,
		notification.NewLogNotifier(zap.NewNop()),
		&config.PatchConfig{MaxParallel: 3, RebootTimeout: "1m"},
		zap.New(obsCore))

	// scheduled → in_progress → completed → rolled_back 全部在流转表内
	orch.PatchOne(context.Background(), "web01", "Q3", "alice", PatchOptions{})
	orch.Rollback(context.Background(), "web01", "manual", "alice")
	assert.Equal(t, 0, logs.FilterMessage("状态流转不在流转表内").Len())

	// scheduled → rolled_back 不在表内: 仍执行, 但留告警
	orch.Rollback(context.Background(), "web02", "manual", "alice")
	assert.Equal(t, 1, logs.FilterMessage("状态流转不在流转表内").Len())

	rec, err := h.store.GetServer("web02")
	require.NoError(t, err)
	assert.Equal(t, constants.QuarterStatusRolledBack, rec.CurrentQuarterStatus)
}

func TestOperationTrackerLifecycle(t *testing.T) {
	tracker := NewOperationTracker()

	id1 := tracker.Begin(constants.OperationTypePatch, "web01", "alice")
	id2 := tracker.Begin(constants.OperationTypePatch, "web02", "alice")
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, tracker.ActiveCount())

	tracker.End(id1)
	assert.Equal(t, 1, tracker.ActiveCount())

	// 陈旧清理只影响超龄登记
	assert.Equal(t, 0, tracker.CleanupStale(time.Hour))
	assert.Equal(t, 1, tracker.CleanupStale(0))
	assert.Equal(t, 0, tracker.ActiveCount())
}
