package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var GlobalConfig *Config

// Config 全局配置
type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	Store        StoreConfig        `mapstructure:"store"`
	SSH          SSHConfig          `mapstructure:"ssh"`
	Patch        PatchConfig        `mapstructure:"patch"`
	Notification NotificationConfig `mapstructure:"notification"`
	Schedule     ScheduleConfig     `mapstructure:"schedule"`
	Retention    RetentionConfig    `mapstructure:"retention"`
	Ingest       IngestConfig       `mapstructure:"ingest"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, console
	Output     string `mapstructure:"output"` // stdout, file
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

// StoreConfig 清单存储配置
type StoreConfig struct {
	DataDir      string `mapstructure:"data_dir" validate:"required"` // 数据目录
	BackupDir    string `mapstructure:"backup_dir"`                   // 备份目录, 默认<data_dir>/backups
	ServerFile   string `mapstructure:"server_file"`                  // 服务器清单文件名
	HistoryFile  string `mapstructure:"history_file"`                 // 补丁历史文件名
	PrecheckFile string `mapstructure:"precheck_file"`                // 前置检查历史文件名
	RollbackFile string `mapstructure:"rollback_file"`                // 回滚历史文件名
	ApprovalFile string `mapstructure:"approval_file"`                // 审批历史文件名
}

// SSHConfig 远程执行配置
type SSHConfig struct {
	KeyPath        string `mapstructure:"key_path"`        // 私钥路径
	DefaultUser    string `mapstructure:"default_user"`    // 默认远程用户
	ConnectTimeout string `mapstructure:"connect_timeout"` // 建连超时
	CommandTimeout string `mapstructure:"command_timeout"` // 单命令默认超时
	PatchTimeout   string `mapstructure:"patch_timeout"`   // 补丁命令超时
}

// PatchConfig 补丁编排配置
type PatchConfig struct {
	MaxParallel        int    `mapstructure:"max_parallel" validate:"omitempty,min=1"` // 批次并发数
	RebootTimeout      string `mapstructure:"reboot_timeout"`                          // 重启等待上限
	RebootSettleDelay  string `mapstructure:"reboot_settle_delay"`                     // 重启后的固定等待
	RebootPollInterval string `mapstructure:"reboot_poll_interval"`                    // 重启后的探测间隔
	DefaultOperator    string `mapstructure:"default_operator"`                        // 默认操作人
	OperationMaxAge    string `mapstructure:"operation_max_age"`                       // 活跃操作的陈旧阈值
}

// NotificationConfig 通知配置
type NotificationConfig struct {
	Enabled      bool   `mapstructure:"enabled"`       // 是否启用
	Provider     string `mapstructure:"provider"`      // 通知渠道: log/lark
	LarkWebhook  string `mapstructure:"lark_webhook"`  // Lark Webhook
	RetryCount   int    `mapstructure:"retry_count"`   // 投递重试次数
	RetryBackoff string `mapstructure:"retry_backoff"` // 重试固定间隔
}

// ScheduleConfig 定时任务配置
type ScheduleConfig struct {
	PatchCron       string `mapstructure:"patch_cron"`        // 补丁批次扫描的cron表达式(秒级)
	AutoPatch       bool   `mapstructure:"auto_patch"`        // 是否自动执行到期批次
	CleanupCron     string `mapstructure:"cleanup_cron"`      // 历史保留与陈旧操作清理
	DefaultParallel int    `mapstructure:"default_parallel"`  // 定时批次的并发数
	Group           string `mapstructure:"group"`             // 定时批次限定主机组, 空表示全部
	Environment     string `mapstructure:"environment"`       // 定时批次限定环境, 空表示全部
}

// RetentionConfig 历史保留配置
type RetentionConfig struct {
	MaxAgeDays int `mapstructure:"max_age_days"` // 历史行保留天数, 0表示不清理
}

// IngestConfig 清单导入配置
type IngestConfig struct {
	FieldRegistryPath string `mapstructure:"field_registry_path"` // 字段同义词注册表(yaml), 空则用内置表
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// 设置配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// 读取环境变量
	v.AutomaticEnv()

	setDefaults(v)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 解析配置
	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	// 校验配置
	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("校验配置失败: %w", err)
	}

	// 设置全局配置
	GlobalConfig = config

	return config, nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("store.data_dir", "data")
	v.SetDefault("store.server_file", "servers.csv")
	v.SetDefault("store.history_file", "patch_history.csv")
	v.SetDefault("store.precheck_file", "precheck_history.csv")
	v.SetDefault("store.rollback_file", "rollback_history.csv")
	v.SetDefault("store.approval_file", "approval_history.csv")

	v.SetDefault("ssh.connect_timeout", "10s")
	v.SetDefault("ssh.command_timeout", "60s")
	v.SetDefault("ssh.patch_timeout", "30m")

	v.SetDefault("patch.max_parallel", 5)
	v.SetDefault("patch.reboot_timeout", "10m")
	v.SetDefault("patch.reboot_settle_delay", "30s")
	v.SetDefault("patch.reboot_poll_interval", "15s")
	v.SetDefault("patch.operation_max_age", "4h")

	v.SetDefault("notification.retry_count", 3)
	v.SetDefault("notification.retry_backoff", "5s")

	v.SetDefault("schedule.patch_cron", "0 0 2 * * *") // 每天凌晨2点
	v.SetDefault("schedule.cleanup_cron", "0 30 3 * * *")

	v.SetDefault("retention.max_age_days", 365)
}

// Duration 解析duration字段, 解析失败时返回默认值
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
