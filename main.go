package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gosuri/uitable"

	"github.com/nxstore/storefront/internal/app"
	"github.com/nxstore/storefront/internal/config"
	"github.com/nxstore/storefront/internal/logging"
	"github.com/nxstore/storefront/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	listOnly    bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["sources"] = config.SourceIDs(cfg.Sources)
		fields["enabled_sources"] = cfg.EnabledSources()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 日志 → 传输层/缓存/队列/目录/安装器 → 驱动循环。
	store, err := app.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化商店失败: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.listOnly {
		defer store.Close()
		if err := store.Catalog.Refresh(ctx); err != nil {
			fmt.Fprintf(stdErr, "刷新目录失败: %v\n", err)
			return 1
		}
		printCatalog(store)
		return 0
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sources"] = config.SourceIDs(cfg.Sources)
	fields["download_dir"] = cfg.Global.DownloadDir
	fields["install_dir"] = cfg.Global.InstallDir
	fields["diagnostics_port"] = cfg.Global.DiagnosticsPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := store.Run(ctx); err != nil {
		fmt.Fprintf(stdErr, "运行失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("storefront", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		listOnly   bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 STOREFRONT_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&listOnly, "list", false, "刷新目录并打印条目列表后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("STOREFRONT_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		listOnly:    listOnly,
	}, nil
}

// printCatalog 以表格形式输出目录条目。
func printCatalog(store *app.App) {
	table := uitable.New()
	table.MaxColWidth = 40
	table.AddRow("ID", "NAME", "VERSION", "SIZE", "CATEGORY")
	for _, e := range store.Catalog.All() {
		table.AddRow(e.ID, e.Name, e.Version, e.FormattedSize(), e.Category)
	}
	fmt.Fprintln(stdOut, table)
}
