package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"fleet-patch/internal/adapter/notification"
	"fleet-patch/internal/adapter/remote"
	"fleet-patch/internal/core"
	"fleet-patch/internal/ingest"
	"fleet-patch/internal/pkg/config"
	"fleet-patch/internal/pkg/logger"
	"fleet-patch/internal/scheduler"
	"fleet-patch/internal/store"
)

var (
	configFile = flag.String("config", "", "配置文件路径 (例如: -config=configs/config.yaml)")
	version    = flag.Bool("version", false, "显示版本信息")

	// 一次性模式: 执行完即退出, 不启动调度器
	once       = flag.Bool("once", false, "一次性执行指定季度的补丁批次后退出")
	quarter    = flag.String("quarter", "", "一次性模式的季度 (Q1-Q4), 为空时取当前季度")
	group      = flag.String("group", "", "限定主机组")
	env        = flag.String("env", "", "限定环境")
	force      = flag.Bool("force", false, "跳过审批门与前置检查阻断")
	dryRun     = flag.Bool("dry-run", false, "只列出可用更新, 不做变更")
	importFile = flag.String("import", "", "导入清单文件后退出")
)

const (
	appVersion = "1.0.0"
	appName    = "fleet-patch"
)

func main() {
	// 解析命令行参数
	flag.Parse()

	// 显示版本信息
	if *version {
		fmt.Printf("%s version %s\n", appName, appVersion)
		os.Exit(0)
	}

	// init config logger
	var cfg *config.Config
	{
		// 优先级: 命令行参数 > 环境变量 > 默认路径
		configPath := getConfigPath()

		// 加载配置
		c, err := config.Load(configPath)
		if err != nil {
			fmt.Printf("加载配置失败: %v\n", err)
			fmt.Println("\n使用方式:")
			fmt.Println("  1. 命令行参数指定:")
			fmt.Println("     ./fleet-patch -config=configs/config.yaml")
			fmt.Println("  2. 环境变量指定:")
			fmt.Println("     export CONFIG_FILE=configs/config.yaml")
			fmt.Println("     ./fleet-patch")
			fmt.Println("  3. 使用默认配置:")
			fmt.Println("     ./fleet-patch  (将使用 configs/config.yaml)")
			os.Exit(1)
		}
		cfg = c

		// 初始化日志
		if err := logger.Init(&cfg.Log); err != nil {
			fmt.Printf("初始化日志失败: %v\n", err)
			os.Exit(1)
		}
		logger.Info(fmt.Sprintf("Load config file: %s of %s", configPath, getConfigSource()))

		defer func() {
			_ = logger.Close()
		}()
	}

	logger.Info(fmt.Sprintf("服务 %s 启动中...", appName), zap.String("version", appVersion))

	// 初始化清单存储
	inventory, err := store.NewInventoryStore(&cfg.Store, logger.Log)
	if err != nil {
		logger.Fatal("初始化清单存储失败", zap.Error(err))
	}
	logger.Info("清单存储就绪", zap.String("data_dir", cfg.Store.DataDir))

	// 清单导入模式
	if *importFile != "" {
		runImport(cfg, inventory, *importFile)
		return
	}

	// 初始化远程执行器
	executor, err := remote.NewSSHClient(&cfg.SSH, logger.Log)
	if err != nil {
		logger.Fatal("初始化SSH客户端失败", zap.Error(err))
	}
	executor.SetRebootTiming(
		config.Duration(cfg.Patch.RebootSettleDelay, 0),
		config.Duration(cfg.Patch.RebootPollInterval, 0))
	defer executor.Close()

	// 初始化通知器: 按provider选择, 统一套投递重试
	notifier := buildNotifier(cfg)

	// 初始化编排引擎
	orchestrator := core.NewPatchOrchestrator(inventory, executor, notifier, &cfg.Patch, logger.Log)

	// 一次性批次模式
	if *once {
		runOnce(cfg, orchestrator)
		return
	}

	// 初始化并启动定时任务调度器
	taskScheduler := scheduler.NewScheduler(orchestrator, inventory, logger.Log, cfg)
	if err := taskScheduler.Start(); err != nil {
		logger.Fatal("定时任务调度器启动失败", zap.Error(err))
	}

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("服务正在关闭...")

	// 阻止未派发的工作流, 等待在途任务结束
	orchestrator.Cancel()
	taskScheduler.Stop()
	logger.Info("定时任务调度器已停止")

	logger.Info("服务已关闭")
}

// buildNotifier 按配置组装通知链
func buildNotifier(cfg *config.Config) notification.Notifier {
	var inner notification.Notifier
	switch cfg.Notification.Provider {
	case "lark":
		inner = notification.NewLarkNotifier(cfg.Notification.LarkWebhook, cfg.Notification.Enabled, logger.Log)
	default:
		inner = notification.NewLogNotifier(logger.Log)
	}
	return notification.NewRetryNotifier(inner,
		cfg.Notification.RetryCount,
		config.Duration(cfg.Notification.RetryBackoff, 0),
		logger.Log)
}

// runImport 清单导入模式
func runImport(cfg *config.Config, inventory *store.InventoryStore, path string) {
	registry, err := ingest.LoadRegistry(cfg.Ingest.FieldRegistryPath)
	if err != nil {
		logger.Fatal("加载字段注册表失败", zap.Error(err))
	}

	importer := ingest.NewImporter(inventory, registry, logger.Log)
	result, err := importer.ImportFile(path)
	if err != nil {
		logger.Fatal("清单导入失败", zap.Error(err))
	}

	fmt.Printf("导入完成: 总数=%d 新增=%d 更新=%d 跳过=%d\n",
		result.Total, result.Imported, result.Updated, result.Skipped)
	for _, rowErr := range result.Errors {
		fmt.Printf("  行%d %s: %s\n", rowErr.Line, rowErr.Server, rowErr.Reason)
	}
	if result.Skipped > 0 {
		os.Exit(1)
	}
}

// runOnce 一次性批次模式
func runOnce(cfg *config.Config, orchestrator *core.PatchOrchestrator) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 收到信号时阻止未派发的工作流
	go func() {
		<-ctx.Done()
		orchestrator.Cancel()
	}()

	q := *quarter
	if q == "" {
		q = scheduler.CurrentQuarter(time.Now())
	}

	results, err := orchestrator.PatchBatch(ctx, core.BatchOptions{
		Quarter:     q,
		Group:       *group,
		Environment: *env,
		Operator:    operatorName(cfg),
		Force:       *force,
		DryRun:      *dryRun,
	})
	if err != nil {
		logger.Fatal("补丁批次执行失败", zap.Error(err))
	}

	failed := 0
	for _, out := range results {
		status := "OK"
		if !out.Succeeded() {
			status = "FAILED"
			failed++
		}
		fmt.Printf("%-8s %s quarter=%s packages=%d reboot=%v error=%s\n",
			status, out.ServerName, out.Quarter, out.PackagesUpdated, out.RebootRequired, out.Error)
	}
	fmt.Printf("批次结束: 总数=%d 成功=%d 失败=%d\n", len(results), len(results)-failed, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

// operatorName 操作人: 配置默认值 > 当前系统用户
func operatorName(cfg *config.Config) string {
	if cfg.Patch.DefaultOperator != "" {
		return cfg.Patch.DefaultOperator
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "unknown"
}

// getConfigPath 获取配置文件路径
// 优先级: 命令行参数 > 环境变量 > 默认路径
func getConfigPath() string {
	// 1. 命令行参数
	if *configFile != "" {
		return *configFile
	}

	// 2. 环境变量
	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		return envConfig
	}

	// 3. 默认路径
	return "configs/config.yaml"
}

// getConfigSource 获取配置来源说明
func getConfigSource() string {
	if *configFile != "" {
		return "命令行参数"
	}
	if os.Getenv("CONFIG_FILE") != "" {
		return "环境变量"
	}
	return "默认配置"
}
