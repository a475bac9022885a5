package ingest

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"fleet-patch/pkg/constants"
)

// Registry 字段同义词注册表: 规范字段名 → 可接受的同义列名
// 导入时逐列解析一次, 编排核心只见规范字段名
type Registry struct {
	Version int                 `yaml:"version"`
	Fields  map[string][]string `yaml:"fields"`
}

// defaultRegistry 内置注册表, 覆盖常见的清单导出命名
func defaultRegistry() *Registry {
	fields := map[string][]string{
		"server_name":            {"hostname", "server", "fqdn", "host", "machine_name"},
		"host_group":             {"group", "hostgroup", "application_group", "app_group"},
		"operating_system":       {"os", "os_type", "platform", "distro"},
		"environment":            {"env", "stage"},
		"server_timezone":        {"timezone", "tz"},
		"primary_owner":          {"owner", "primary_contact"},
		"secondary_owner":        {"secondary_contact", "backup_owner"},
		"remote_user":            {"ssh_user", "login_user", "user"},
		"remote_port":            {"ssh_port", "port"},
		"current_quarter_status": {"patch_status", "quarter_status"},
		"active_status":          {"active", "state", "lifecycle"},
		"critical_services":      {"services", "critical_service_list"},
		"last_sync_date":         {"sync_date"},
		"sync_status":            {"sync_state"},
	}
	for _, q := range constants.Quarters {
		lq := strings.ToLower(q)
		fields[lq+"_patch_date"] = []string{lq + "_date", lq + "_schedule_date"}
		fields[lq+"_patch_time"] = []string{lq + "_time", lq + "_schedule_time"}
		fields[lq+"_approval_status"] = []string{lq + "_approval", lq + "_approved"}
	}
	return &Registry{Version: 1, Fields: fields}
}

// LoadRegistry 加载注册表文件, path为空时使用内置表
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return defaultRegistry(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取字段注册表失败: %w", err)
	}

	reg := &Registry{}
	if err := yaml.Unmarshal(data, reg); err != nil {
		return nil, fmt.Errorf("解析字段注册表失败: %w", err)
	}
	if len(reg.Fields) == 0 {
		return nil, fmt.Errorf("字段注册表为空: %s", path)
	}
	return reg, nil
}

// normalizeFieldName 列名归一化: 小写, 空格/横线折叠为下划线
// "Q1 Patch Date" 与 "q1_patch_date" 视为同一列
func normalizeFieldName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	name = strings.NewReplacer(" ", "_", "-", "_").Replace(name)
	for strings.Contains(name, "__") {
		name = strings.ReplaceAll(name, "__", "_")
	}
	return name
}

// Resolve 解析表头, 返回 规范字段名→列下标 与无法识别的列
func (r *Registry) Resolve(header []string) (map[string]int, []string) {
	lookup := make(map[string]string, len(r.Fields)*3)
	for canonical, synonyms := range r.Fields {
		lookup[normalizeFieldName(canonical)] = canonical
		for _, syn := range synonyms {
			lookup[normalizeFieldName(syn)] = canonical
		}
	}

	resolved := make(map[string]int, len(header))
	var unknown []string
	for i, col := range header {
		canonical, ok := lookup[normalizeFieldName(col)]
		if !ok {
			unknown = append(unknown, col)
			continue
		}
		// 同一规范字段出现多列时以首列为准
		if _, exists := resolved[canonical]; !exists {
			resolved[canonical] = i
		}
	}
	return resolved, unknown
}
