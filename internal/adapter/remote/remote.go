package remote

import (
	"context"
	"time"
)

// ExecOptions 单次命令执行选项
type ExecOptions struct {
	User    string        // 远程用户
	Port    int           // 远程端口
	Timeout time.Duration // 命令超时
	Sudo    bool          // 是否加sudo前缀
}

// ExecResult 单次命令执行结果
// Err 仅携带连接/认证/超时这类结构化错误; 非零退出通过ExitCode表达
type ExecResult struct {
	Success  bool   `json:"success"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Err      error  `json:"-"`
}

// CheckResult 单项前置检查结果
type CheckResult struct {
	Status   string `json:"status"` // passed/failed
	Message  string `json:"message"`
	Severity string `json:"severity"` // critical/warning
}

// PrecheckReport 前置检查汇总, 任一项失败则整体失败
type PrecheckReport struct {
	Passed bool                   `json:"passed"`
	Checks map[string]CheckResult `json:"checks"`
}

// FailedChecks 返回失败的检查项名称
func (r *PrecheckReport) FailedChecks() []string {
	var failed []string
	for name, check := range r.Checks {
		if check.Status != "passed" {
			failed = append(failed, name)
		}
	}
	return failed
}

// PatchStep 补丁序列中的一步
type PatchStep struct {
	Step    string `json:"step"` // refresh/upgrade/autoremove/clean/check_updates
	Command string `json:"command"`
	Success bool   `json:"success"`
	Output  string `json:"output"`
}

// PatchReport 补丁序列执行结果
type PatchReport struct {
	Success         bool        `json:"success"`
	Steps           []PatchStep `json:"steps"`
	PackagesUpdated int         `json:"packages_updated"`
	Err             error       `json:"-"` // 连接级失败或不支持的系统
}

// RebootReport 重启等待结果
type RebootReport struct {
	Completed bool          `json:"completed"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Executor 远程执行适配器接口
type Executor interface {

	// Execute 在目标主机上执行单条命令
	Execute(ctx context.Context, host, command string, opts ExecOptions) ExecResult

	// CheckPrerequisites 执行固定的前置检查组合
	// criticalServices 为该主机需要保持活跃的服务列表(sshd之外)
	CheckPrerequisites(ctx context.Context, host, user string, port int, criticalServices []string) PrecheckReport

	// CheckHealth 补丁后的健康检查: 可达性/关键服务/负载
	CheckHealth(ctx context.Context, host, user string, port int, criticalServices []string) PrecheckReport

	// RunPatchSequence 执行指定系统家族的补丁命令序列
	// dryRun 只列出可用更新, 不做任何变更
	RunPatchSequence(ctx context.Context, host, osFamily, user string, port int, dryRun bool) PatchReport

	// RebootRequired 判断补丁后是否需要重启
	RebootRequired(ctx context.Context, host, osFamily, user string, port int) (bool, error)

	// RebootAndWait 触发重启并轮询直到主机恢复可达或超时
	RebootAndWait(ctx context.Context, host, user string, port int, timeout time.Duration) RebootReport

	// Close 关闭全部缓存会话
	Close()
}
