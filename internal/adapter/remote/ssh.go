package remote

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"fleet-patch/internal/pkg/config"
	"fleet-patch/pkg/constants"
	"fleet-patch/pkg/errors"
)

// SSHClient 基于SSH的远程执行客户端
// 会话池按 user@host:port 缓存连接, 池操作互斥
type SSHClient struct {
	cfg    *config.SSHConfig
	logger *zap.Logger

	signer ssh.Signer

	rebootSettleDelay  time.Duration
	rebootPollInterval time.Duration

	poolMu sync.Mutex
	pool   map[string]*ssh.Client
}

// NewSSHClient 创建SSH客户端, 加载私钥
func NewSSHClient(cfg *config.SSHConfig, logger *zap.Logger) (*SSHClient, error) {
	keyBytes, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("读取SSH私钥失败: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("解析SSH私钥失败: %w", err)
	}

	return &SSHClient{
		cfg:                cfg,
		logger:             logger,
		signer:             signer,
		rebootSettleDelay:  30 * time.Second,
		rebootPollInterval: 15 * time.Second,
		pool:               make(map[string]*ssh.Client),
	}, nil
}

// SetRebootTiming 配置重启后的固定等待与探测间隔
func (c *SSHClient) SetRebootTiming(settle, poll time.Duration) {
	if settle > 0 {
		c.rebootSettleDelay = settle
	}
	if poll > 0 {
		c.rebootPollInterval = poll
	}
}

// sessionKey 会话池键
func sessionKey(user, host string, port int) string {
	return fmt.Sprintf("%s@%s:%d", user, host, port)
}

// getSession 取可用连接; 缓存失活时重建
func (c *SSHClient) getSession(host, user string, port int) (*ssh.Client, error) {
	if user == "" {
		user = c.cfg.DefaultUser
	}
	key := sessionKey(user, host, port)

	c.poolMu.Lock()
	defer c.poolMu.Unlock()

	if client, ok := c.pool[key]; ok {
		// keepalive探测, 失败则丢弃重建
		if _, _, err := client.SendRequest("keepalive@fleet-patch", true, nil); err == nil {
			return client, nil
		}
		_ = client.Close()
		delete(c.pool, key)
		c.logger.Debug("缓存会话已失活, 重新建连", zap.String("session", key))
	}

	client, err := c.dial(host, user, port)
	if err != nil {
		return nil, err
	}
	c.pool[key] = client
	return client, nil
}

// dial 建立新连接, 区分认证失败与连接失败
func (c *SSHClient) dial(host, user string, port int) (*ssh.Client, error) {
	sshConfig := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(c.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         config.Duration(c.cfg.ConnectTimeout, 10*time.Second),
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	client, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") ||
			strings.Contains(err.Error(), "no supported methods remain") {
			return nil, errors.Wrap(errors.KindAuthenticationFailed,
				fmt.Sprintf("主机 %s 认证失败", addr), err)
		}
		return nil, errors.Wrap(errors.KindConnectivityFailed,
			fmt.Sprintf("主机 %s 连接失败", addr), err)
	}
	return client, nil
}

// invalidateHost 丢弃指定主机的全部缓存会话(重启前调用)
func (c *SSHClient) invalidateHost(host string, port int) {
	suffix := fmt.Sprintf("@%s:%d", host, port)

	c.poolMu.Lock()
	defer c.poolMu.Unlock()

	for key, client := range c.pool {
		if strings.HasSuffix(key, suffix) {
			_ = client.Close()
			delete(c.pool, key)
		}
	}
}

// Execute 在目标主机上执行单条命令
func (c *SSHClient) Execute(ctx context.Context, host, command string, opts ExecOptions) ExecResult {
	client, err := c.getSession(host, opts.User, opts.Port)
	if err != nil {
		return ExecResult{Success: false, ExitCode: -1, Err: err}
	}

	session, err := client.NewSession()
	if err != nil {
		// 会话建立失败按连接问题处理, 下次Execute会重建连接
		c.invalidateHost(host, opts.Port)
		return ExecResult{Success: false, ExitCode: -1,
			Err: errors.Wrap(errors.KindConnectivityFailed, "创建SSH会话失败", err)}
	}
	defer session.Close()

	if opts.Sudo {
		command = "sudo -n " + command
	}

	// 超时分支读取输出时, Run的拷贝goroutine可能仍在写, 缓冲必须加锁
	var stdout, stderr syncBuffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = config.Duration(c.cfg.CommandTimeout, 60*time.Second)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case err = <-done:
	case <-time.After(timeout):
		_ = session.Close()
		return ExecResult{Success: false, ExitCode: -1,
			Stdout: stdout.String(), Stderr: stderr.String(),
			Err: errors.Newf(errors.KindTimeout, "命令执行超时(%s): %s", timeout, command)}
	case <-ctx.Done():
		_ = session.Close()
		return ExecResult{Success: false, ExitCode: -1,
			Stdout: stdout.String(), Stderr: stderr.String(),
			Err: errors.Wrap(errors.KindTimeout, "命令被取消", ctx.Err())}
	}

	result := ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err == nil {
		result.Success = true
		return result
	}

	// 非零退出与连接级错误区分
	if exitErr, ok := err.(*ssh.ExitError); ok {
		result.ExitCode = exitErr.ExitStatus()
		return result
	}
	result.ExitCode = -1
	result.Err = errors.Wrap(errors.KindConnectivityFailed, "命令执行中断", err)
	return result
}

// CheckPrerequisites 执行固定的前置检查组合, 任一项失败则整体失败
func (c *SSHClient) CheckPrerequisites(ctx context.Context, host, user string, port int, criticalServices []string) PrecheckReport {
	report := PrecheckReport{
		Passed: true,
		Checks: make(map[string]CheckResult),
	}

	record := func(name, status, message, severity string) {
		report.Checks[name] = CheckResult{Status: status, Message: message, Severity: severity}
		if status != constants.CheckStatusPassed {
			report.Passed = false
		}
	}

	opts := ExecOptions{User: user, Port: port}

	// 1. 可达性
	if res := c.Execute(ctx, host, "echo ok", opts); !res.Success {
		record(constants.CheckConnectivity, constants.CheckStatusFailed,
			execFailureMessage(res), constants.SeverityCritical)
		// 主机不可达时后续检查无意义
		return report
	}
	record(constants.CheckConnectivity, constants.CheckStatusPassed, "主机可达", constants.SeverityCritical)

	// 2. 免密sudo
	if res := c.Execute(ctx, host, "sudo -n true", opts); res.Success {
		record(constants.CheckSudo, constants.CheckStatusPassed, "免密sudo可用", constants.SeverityCritical)
	} else {
		record(constants.CheckSudo, constants.CheckStatusFailed,
			"免密sudo不可用", constants.SeverityCritical)
	}

	// 3. 磁盘使用率
	res := c.Execute(ctx, host, "df -P / | awk 'NR==2 {print $5}'", opts)
	if usage, err := parsePercent(res.Stdout); res.Success && err == nil {
		if usage < constants.DiskUsageThreshold {
			record(constants.CheckDiskSpace, constants.CheckStatusPassed,
				fmt.Sprintf("磁盘使用率 %.1f%%", usage), constants.SeverityWarning)
		} else {
			record(constants.CheckDiskSpace, constants.CheckStatusFailed,
				fmt.Sprintf("磁盘使用率 %.1f%% 超过阈值 %.0f%%", usage, constants.DiskUsageThreshold),
				constants.SeverityWarning)
		}
	} else {
		record(constants.CheckDiskSpace, constants.CheckStatusFailed,
			"无法获取磁盘使用率", constants.SeverityWarning)
	}

	// 4. 负载
	res = c.Execute(ctx, host, "cat /proc/loadavg", opts)
	if load, err := parseLoadAverage(res.Stdout); res.Success && err == nil {
		if load < constants.LoadAverageThreshold {
			record(constants.CheckLoadAverage, constants.CheckStatusPassed,
				fmt.Sprintf("1分钟负载 %.2f", load), constants.SeverityWarning)
		} else {
			record(constants.CheckLoadAverage, constants.CheckStatusFailed,
				fmt.Sprintf("1分钟负载 %.2f 超过阈值 %.1f", load, constants.LoadAverageThreshold),
				constants.SeverityWarning)
		}
	} else {
		record(constants.CheckLoadAverage, constants.CheckStatusFailed,
			"无法获取系统负载", constants.SeverityWarning)
	}

	// 5. 内存使用率
	res = c.Execute(ctx, host, `free | awk '/^Mem:/ {printf "%.1f", $3/$2*100}'`, opts)
	if usage, err := parsePercent(res.Stdout); res.Success && err == nil {
		if usage < constants.MemoryUsageThreshold {
			record(constants.CheckMemory, constants.CheckStatusPassed,
				fmt.Sprintf("内存使用率 %.1f%%", usage), constants.SeverityWarning)
		} else {
			record(constants.CheckMemory, constants.CheckStatusFailed,
				fmt.Sprintf("内存使用率 %.1f%% 超过阈值 %.0f%%", usage, constants.MemoryUsageThreshold),
				constants.SeverityWarning)
		}
	} else {
		record(constants.CheckMemory, constants.CheckStatusFailed,
			"无法获取内存使用率", constants.SeverityWarning)
	}

	// 6. 包管理器
	res = c.Execute(ctx, host, "command -v apt-get || command -v dnf || command -v yum", opts)
	if res.Success && strings.TrimSpace(res.Stdout) != "" {
		record(constants.CheckPackageManager, constants.CheckStatusPassed,
			fmt.Sprintf("包管理器: %s", strings.TrimSpace(res.Stdout)), constants.SeverityCritical)
	} else {
		record(constants.CheckPackageManager, constants.CheckStatusFailed,
			"未找到可用的包管理器", constants.SeverityCritical)
	}

	// 7. 关键服务(sshd必查)
	services := append([]string{"sshd"}, criticalServices...)
	var inactive []string
	for _, svc := range services {
		res = c.Execute(ctx, host, fmt.Sprintf("systemctl is-active %s", svc), opts)
		if !res.Success || strings.TrimSpace(res.Stdout) != "active" {
			inactive = append(inactive, svc)
		}
	}
	if len(inactive) == 0 {
		record(constants.CheckCriticalService, constants.CheckStatusPassed,
			"关键服务均为active", constants.SeverityCritical)
	} else {
		record(constants.CheckCriticalService, constants.CheckStatusFailed,
			fmt.Sprintf("服务未运行: %s", strings.Join(inactive, ",")), constants.SeverityCritical)
	}

	return report
}

// CheckHealth 补丁后的健康检查: 可达性/关键服务/负载
func (c *SSHClient) CheckHealth(ctx context.Context, host, user string, port int, criticalServices []string) PrecheckReport {
	report := PrecheckReport{
		Passed: true,
		Checks: make(map[string]CheckResult),
	}

	record := func(name, status, message, severity string) {
		report.Checks[name] = CheckResult{Status: status, Message: message, Severity: severity}
		if status != constants.CheckStatusPassed {
			report.Passed = false
		}
	}

	opts := ExecOptions{User: user, Port: port}

	// 1. 可达性
	if res := c.Execute(ctx, host, "echo ok", opts); !res.Success {
		record(constants.CheckConnectivity, constants.CheckStatusFailed,
			execFailureMessage(res), constants.SeverityCritical)
		return report
	}
	record(constants.CheckConnectivity, constants.CheckStatusPassed, "主机可达", constants.SeverityCritical)

	// 2. 关键服务
	services := append([]string{"sshd"}, criticalServices...)
	var inactive []string
	for _, svc := range services {
		res := c.Execute(ctx, host, fmt.Sprintf("systemctl is-active %s", svc), opts)
		if !res.Success || strings.TrimSpace(res.Stdout) != "active" {
			inactive = append(inactive, svc)
		}
	}
	if len(inactive) == 0 {
		record(constants.CheckCriticalService, constants.CheckStatusPassed,
			"关键服务均为active", constants.SeverityCritical)
	} else {
		record(constants.CheckCriticalService, constants.CheckStatusFailed,
			fmt.Sprintf("服务未运行: %s", strings.Join(inactive, ",")), constants.SeverityCritical)
	}

	// 3. 负载
	res := c.Execute(ctx, host, "cat /proc/loadavg", opts)
	if load, err := parseLoadAverage(res.Stdout); res.Success && err == nil {
		if load < constants.LoadAverageThreshold {
			record(constants.CheckLoadAverage, constants.CheckStatusPassed,
				fmt.Sprintf("1分钟负载 %.2f", load), constants.SeverityWarning)
		} else {
			record(constants.CheckLoadAverage, constants.CheckStatusFailed,
				fmt.Sprintf("1分钟负载 %.2f 超过阈值 %.1f", load, constants.LoadAverageThreshold),
				constants.SeverityWarning)
		}
	} else {
		record(constants.CheckLoadAverage, constants.CheckStatusFailed,
			"无法获取系统负载", constants.SeverityWarning)
	}

	return report
}

// RunPatchSequence 执行系统家族对应的补丁命令序列
// refresh/upgrade失败立即中止; cleanup步骤失败只记录
func (c *SSHClient) RunPatchSequence(ctx context.Context, host, osFamily, user string, port int, dryRun bool) PatchReport {
	patchTimeout := config.Duration(c.cfg.PatchTimeout, 30*time.Minute)
	opts := ExecOptions{User: user, Port: port, Timeout: patchTimeout, Sudo: true}

	if dryRun {
		cmd, ok := dryRunCommands[osFamily]
		if !ok {
			return PatchReport{Err: errors.Newf(errors.KindInternal, "不支持的操作系统家族: %s", osFamily)}
		}
		res := c.Execute(ctx, host, cmd.command, opts)
		success := res.Err == nil && cmd.exitCodeOK(res.ExitCode)
		return PatchReport{
			Success: success,
			Steps: []PatchStep{{
				Step: cmd.step, Command: cmd.command,
				Success: success, Output: combinedOutput(res),
			}},
			PackagesUpdated: countUpdatedPackages(osFamily, res.Stdout),
			Err:             res.Err,
		}
	}

	sequence, ok := patchSequences[osFamily]
	if !ok {
		return PatchReport{Err: errors.Newf(errors.KindInternal, "不支持的操作系统家族: %s", osFamily)}
	}

	report := PatchReport{Success: true}
	for _, cmd := range sequence {
		res := c.Execute(ctx, host, cmd.command, opts)
		stepOK := res.Err == nil && (res.Success || cmd.exitCodeOK(res.ExitCode))

		report.Steps = append(report.Steps, PatchStep{
			Step: cmd.step, Command: cmd.command,
			Success: stepOK, Output: combinedOutput(res),
		})

		if cmd.step == "upgrade" && stepOK {
			report.PackagesUpdated = countUpdatedPackages(osFamily, res.Stdout)
		}

		if !stepOK {
			if cmd.cleanup {
				// 清理步骤失败不翻转整体结果
				c.logger.Warn("补丁清理步骤失败",
					zap.String("host", host), zap.String("step", cmd.step))
				continue
			}
			report.Success = false
			report.Err = res.Err
			c.logger.Error("补丁步骤失败, 序列中止",
				zap.String("host", host), zap.String("step", cmd.step),
				zap.Int("exit_code", res.ExitCode))
			return report
		}
	}
	return report
}

// RebootRequired 判断补丁后是否需要重启
func (c *SSHClient) RebootRequired(ctx context.Context, host, osFamily, user string, port int) (bool, error) {
	command, ok := rebootCheckCommands[osFamily]
	if !ok {
		return false, errors.Newf(errors.KindInternal, "不支持的操作系统家族: %s", osFamily)
	}

	res := c.Execute(ctx, host, command, ExecOptions{User: user, Port: port, Sudo: osFamily == constants.OSFamilyRedHat})
	if res.Err != nil {
		return false, res.Err
	}

	switch osFamily {
	case constants.OSFamilyDebian:
		// 标记文件存在 → 退出0
		return res.Success, nil
	case constants.OSFamilyRedHat:
		// needs-restarting -r: 需要重启时退出1
		return !res.Success && res.ExitCode == 1, nil
	}
	return false, nil
}

// RebootAndWait 触发重启, 固定等待后按间隔轮询直至可达或超时
func (c *SSHClient) RebootAndWait(ctx context.Context, host, user string, port int, timeout time.Duration) RebootReport {
	start := time.Now()

	// 重启命令通常随连接中断一起失败, 忽略其结果
	_ = c.Execute(ctx, host, "reboot", ExecOptions{
		User: user, Port: port, Sudo: true, Timeout: 10 * time.Second,
	})

	// 重启后旧会话必然失效, 轮询前先丢弃
	c.invalidateHost(host, port)

	select {
	case <-time.After(c.rebootSettleDelay):
	case <-ctx.Done():
		return RebootReport{Completed: false, Elapsed: time.Since(start)}
	}

	for time.Since(start) < timeout {
		if client, err := c.getSession(host, user, port); err == nil {
			if _, _, err := client.SendRequest("keepalive@fleet-patch", true, nil); err == nil {
				elapsed := time.Since(start)
				c.logger.Info("主机重启完成",
					zap.String("host", host), zap.Duration("elapsed", elapsed))
				return RebootReport{Completed: true, Elapsed: elapsed}
			}
		}
		select {
		case <-time.After(c.rebootPollInterval):
		case <-ctx.Done():
			return RebootReport{Completed: false, Elapsed: time.Since(start)}
		}
	}

	c.logger.Warn("主机重启等待超时",
		zap.String("host", host), zap.Duration("timeout", timeout))
	return RebootReport{Completed: false, Elapsed: time.Since(start)}
}

// Close 关闭全部缓存会话
func (c *SSHClient) Close() {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()

	for key, client := range c.pool {
		_ = client.Close()
		delete(c.pool, key)
	}
}

// syncBuffer 互斥保护的输出缓冲, 写入方与读取方可能在不同goroutine
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// execFailureMessage 提取失败原因的可读描述
func execFailureMessage(res ExecResult) string {
	if res.Err != nil {
		return res.Err.Error()
	}
	if stderr := strings.TrimSpace(res.Stderr); stderr != "" {
		return stderr
	}
	return fmt.Sprintf("命令退出码 %d", res.ExitCode)
}

// combinedOutput 合并stdout/stderr作为步骤输出
func combinedOutput(res ExecResult) string {
	out := strings.TrimSpace(res.Stdout)
	if stderr := strings.TrimSpace(res.Stderr); stderr != "" {
		if out != "" {
			out += "\n"
		}
		out += stderr
	}
	return out
}
