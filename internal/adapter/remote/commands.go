package remote

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"fleet-patch/pkg/constants"
)

// patchCommand 补丁序列中的一条命令定义
type patchCommand struct {
	step    string
	command string
	// cleanup步骤失败不影响整体结果
	cleanup bool
	// 允许的非零退出码(yum check-update 有更新时退出100)
	okExitCodes []int
}

// patchSequences 各系统家族的补丁命令序列, 顺序执行
var patchSequences = map[string][]patchCommand{
	constants.OSFamilyDebian: {
		{step: "refresh", command: "apt-get update -q"},
		{step: "upgrade", command: "DEBIAN_FRONTEND=noninteractive apt-get upgrade -y -q"},
		{step: "autoremove", command: "apt-get autoremove -y -q", cleanup: true},
		{step: "clean", command: "apt-get clean", cleanup: true},
	},
	constants.OSFamilyRedHat: {
		{step: "refresh", command: "yum check-update -q", okExitCodes: []int{100}},
		{step: "upgrade", command: "yum update -y -q"},
		{step: "clean", command: "yum clean all -q", cleanup: true},
	},
}

// dryRunCommands 只读模式: 仅列出可用更新
var dryRunCommands = map[string]patchCommand{
	constants.OSFamilyDebian: {step: "check_updates", command: "apt list --upgradable 2>/dev/null"},
	constants.OSFamilyRedHat: {step: "check_updates", command: "yum check-update -q", okExitCodes: []int{100}},
}

// rebootCheckCommands 各家族的重启必要性检查
// Debian家族看标记文件, RedHat家族用needs-restarting(-r退出1表示需要重启)
var rebootCheckCommands = map[string]string{
	constants.OSFamilyDebian: "test -f /var/run/reboot-required",
	constants.OSFamilyRedHat: "needs-restarting -r",
}

// exitCodeOK 退出码是否在允许范围内
func (c *patchCommand) exitCodeOK(code int) bool {
	if code == 0 {
		return true
	}
	for _, ok := range c.okExitCodes {
		if code == ok {
			return true
		}
	}
	return false
}

// ================= 输出解析 =================

// parsePercent 解析"42%"或"42"形式的百分比
func parsePercent(output string) (float64, error) {
	trimmed := strings.TrimSuffix(strings.TrimSpace(output), "%")
	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("无法解析百分比: %q", output)
	}
	return value, nil
}

// parseLoadAverage 解析/proc/loadavg的1分钟负载
func parseLoadAverage(output string) (float64, error) {
	fields := strings.Fields(strings.TrimSpace(output))
	if len(fields) == 0 {
		return 0, fmt.Errorf("无法解析负载: %q", output)
	}
	value, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("无法解析负载: %q", output)
	}
	return value, nil
}

var aptUpgradedPattern = regexp.MustCompile(`(\d+)\s+upgraded`)

// countUpdatedPackages 从补丁输出估算涉及的软件包数量
// Debian: apt汇总行"N upgraded, ..."; 列表模式按"/"行计数
// RedHat: check-update输出中形如"pkg.arch  version  repo"的行
func countUpdatedPackages(osFamily, output string) int {
	switch osFamily {
	case constants.OSFamilyDebian:
		if m := aptUpgradedPattern.FindStringSubmatch(output); m != nil {
			n, _ := strconv.Atoi(m[1])
			return n
		}
		count := 0
		for _, line := range strings.Split(output, "\n") {
			// apt list --upgradable 行: "name/suite version arch [upgradable from: ...]"
			if strings.Contains(line, "/") && strings.Contains(line, "upgradable") {
				count++
			}
		}
		return count
	case constants.OSFamilyRedHat:
		count := 0
		for _, line := range strings.Split(output, "\n") {
			fields := strings.Fields(line)
			if len(fields) >= 3 && strings.Contains(fields[0], ".") {
				count++
			}
		}
		return count
	}
	return 0
}
