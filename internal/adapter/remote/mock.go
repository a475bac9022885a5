package remote

import (
	"context"
	"sync"
	"time"

	"fleet-patch/pkg/constants"
	"fleet-patch/pkg/errors"
)

// MockExecutor 模拟远程执行器, 用于测试
// 默认全部成功; 可按主机注入失败行为
type MockExecutor struct {
	mu sync.Mutex

	// 可控行为
	connectErr       map[string]error      // 主机 → 连接错误(所有操作均失败)
	precheckFails    map[string][]string   // 主机 → 失败的检查项
	postcheckFails   map[string][]string   // 主机 → 健康检查失败项
	patchFailStep    map[string]string     // 主机 → 补丁序列失败的步骤
	rebootRequired   map[string]bool       // 主机 → 是否需要重启
	rebootIncomplete map[string]bool       // 主机 → 重启等待超时
	packagesUpdated  int                   // 模拟的升级包数量
	execResults      map[string]ExecResult // 命令 → 固定结果

	// 调用计数
	precheckCalled map[string]int
	patchCalled    map[string]int
	rebootCalled   map[string]int
	execCalled     []string
}

func NewMockExecutor() *MockExecutor {
	return &MockExecutor{
		connectErr:       make(map[string]error),
		precheckFails:    make(map[string][]string),
		postcheckFails:   make(map[string][]string),
		patchFailStep:    make(map[string]string),
		rebootRequired:   make(map[string]bool),
		rebootIncomplete: make(map[string]bool),
		packagesUpdated:  3,
		execResults:      make(map[string]ExecResult),
		precheckCalled:   make(map[string]int),
		patchCalled:      make(map[string]int),
		rebootCalled:     make(map[string]int),
	}
}

// === 配置方法 ===

func (m *MockExecutor) SetConnectError(host string, err error) *MockExecutor {
	m.connectErr[host] = err
	return m
}

func (m *MockExecutor) SetPrecheckFail(host string, checks ...string) *MockExecutor {
	m.precheckFails[host] = checks
	return m
}

func (m *MockExecutor) SetPostcheckFail(host string, checks ...string) *MockExecutor {
	m.postcheckFails[host] = checks
	return m
}

func (m *MockExecutor) SetPatchFailStep(host, step string) *MockExecutor {
	m.patchFailStep[host] = step
	return m
}

func (m *MockExecutor) SetRebootRequired(host string, required bool) *MockExecutor {
	m.rebootRequired[host] = required
	return m
}

func (m *MockExecutor) SetRebootIncomplete(host string) *MockExecutor {
	m.rebootIncomplete[host] = true
	return m
}

func (m *MockExecutor) SetExecResult(command string, result ExecResult) *MockExecutor {
	m.execResults[command] = result
	return m
}

// === 接口实现 ===

func (m *MockExecutor) Execute(ctx context.Context, host, command string, opts ExecOptions) ExecResult {
	m.mu.Lock()
	m.execCalled = append(m.execCalled, host+": "+command)
	connectErr := m.connectErr[host]
	fixed, hasFixed := m.execResults[command]
	m.mu.Unlock()

	if connectErr != nil {
		return ExecResult{Success: false, ExitCode: -1, Err: connectErr}
	}
	if hasFixed {
		return fixed
	}
	return ExecResult{Success: true, Stdout: "ok"}
}

func (m *MockExecutor) CheckPrerequisites(ctx context.Context, host, user string, port int, criticalServices []string) PrecheckReport {
	m.mu.Lock()
	m.precheckCalled[host]++
	connectErr := m.connectErr[host]
	fails := m.precheckFails[host]
	m.mu.Unlock()

	report := PrecheckReport{Passed: true, Checks: make(map[string]CheckResult)}

	if connectErr != nil {
		report.Passed = false
		report.Checks[constants.CheckConnectivity] = CheckResult{
			Status: constants.CheckStatusFailed, Message: connectErr.Error(),
			Severity: constants.SeverityCritical,
		}
		return report
	}

	allChecks := []string{
		constants.CheckConnectivity, constants.CheckSudo, constants.CheckDiskSpace,
		constants.CheckLoadAverage, constants.CheckMemory,
		constants.CheckPackageManager, constants.CheckCriticalService,
	}
	for _, name := range allChecks {
		status := constants.CheckStatusPassed
		message := "ok"
		for _, failed := range fails {
			if failed == name {
				status = constants.CheckStatusFailed
				message = "mock failure"
				report.Passed = false
			}
		}
		report.Checks[name] = CheckResult{Status: status, Message: message, Severity: constants.SeverityCritical}
	}
	return report
}

func (m *MockExecutor) CheckHealth(ctx context.Context, host, user string, port int, criticalServices []string) PrecheckReport {
	m.mu.Lock()
	connectErr := m.connectErr[host]
	fails := m.postcheckFails[host]
	m.mu.Unlock()

	report := PrecheckReport{Passed: true, Checks: make(map[string]CheckResult)}

	if connectErr != nil {
		report.Passed = false
		report.Checks[constants.CheckConnectivity] = CheckResult{
			Status: constants.CheckStatusFailed, Message: connectErr.Error(),
			Severity: constants.SeverityCritical,
		}
		return report
	}

	for _, name := range []string{constants.CheckConnectivity, constants.CheckCriticalService, constants.CheckLoadAverage} {
		status := constants.CheckStatusPassed
		for _, failed := range fails {
			if failed == name {
				status = constants.CheckStatusFailed
				report.Passed = false
			}
		}
		report.Checks[name] = CheckResult{Status: status, Message: "ok", Severity: constants.SeverityCritical}
	}
	return report
}

func (m *MockExecutor) RunPatchSequence(ctx context.Context, host, osFamily, user string, port int, dryRun bool) PatchReport {
	m.mu.Lock()
	m.patchCalled[host]++
	connectErr := m.connectErr[host]
	failStep := m.patchFailStep[host]
	packages := m.packagesUpdated
	m.mu.Unlock()

	if connectErr != nil {
		return PatchReport{Success: false, Err: connectErr}
	}

	sequence, ok := patchSequences[osFamily]
	if !ok {
		return PatchReport{Err: errors.Newf(errors.KindInternal, "不支持的操作系统家族: %s", osFamily)}
	}

	report := PatchReport{Success: true}
	if dryRun {
		report.Steps = []PatchStep{{Step: "check_updates", Success: true, Output: "mock updates"}}
		report.PackagesUpdated = packages
		return report
	}

	for _, cmd := range sequence {
		step := PatchStep{Step: cmd.step, Command: cmd.command, Success: true, Output: "mock"}
		if cmd.step == failStep {
			step.Success = false
			report.Steps = append(report.Steps, step)
			if cmd.cleanup {
				continue
			}
			report.Success = false
			return report
		}
		report.Steps = append(report.Steps, step)
		if cmd.step == "upgrade" {
			report.PackagesUpdated = packages
		}
	}
	return report
}

func (m *MockExecutor) RebootRequired(ctx context.Context, host, osFamily, user string, port int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.connectErr[host]; err != nil {
		return false, err
	}
	return m.rebootRequired[host], nil
}

func (m *MockExecutor) RebootAndWait(ctx context.Context, host, user string, port int, timeout time.Duration) RebootReport {
	m.mu.Lock()
	m.rebootCalled[host]++
	incomplete := m.rebootIncomplete[host]
	m.mu.Unlock()

	if incomplete {
		return RebootReport{Completed: false, Elapsed: timeout}
	}
	return RebootReport{Completed: true, Elapsed: time.Second}
}

func (m *MockExecutor) Close() {}

// === 验证方法 ===

func (m *MockExecutor) PatchCalled(host string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.patchCalled[host]
}

func (m *MockExecutor) RebootCalled(host string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rebootCalled[host]
}

func (m *MockExecutor) PrecheckCalled(host string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.precheckCalled[host]
}
