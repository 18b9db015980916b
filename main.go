package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/build-hub/internal/config"
	"github.com/any-hub/build-hub/internal/logging"
	"github.com/any-hub/build-hub/internal/server"
	"github.com/any-hub/build-hub/internal/server/routes"
	"github.com/any-hub/build-hub/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	list        bool
	fetchID     string
	prefetch    bool
	clear       bool
	clean       bool
	maxAge      time.Duration
}

// oneShot 表示本次运行只执行一条缓存命令，不启动 HTTP 服务。
func (o cliOptions) oneShot() bool {
	return o.list || o.fetchID != "" || o.prefetch || o.clear || o.clean
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const shutdownTimeout = 10 * time.Second

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
		fields["builds"] = config.BuildIDs(cfg.Builds)
		fields["storage_path"] = cfg.Global.StoragePath
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序为“配置 → 目录 → 缓存 → 命令或 Fiber server”，所有入口共享同一个缓存实例。
	rt, err := newRuntime(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存失败: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["builds"] = rt.catalog.Len()
	fields["storage_path"] = rt.cache.Root()
	fields["cached"] = len(rt.cache.ListCached())
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if cfg.Global.CleanOnStartup {
		if _, err := rt.cache.CleanOlderThan(ctx, cfg.Global.MaxAge.DurationValue()); err != nil {
			logger.WithFields(logging.BaseFields("clean_on_startup", opts.configPath)).
				WithError(err).
				Warn("启动清理失败")
		}
	}

	if opts.oneShot() {
		if err := runCommand(ctx, rt, opts); err != nil {
			fmt.Fprintf(stdErr, "%v\n", err)
			return 1
		}
		return 0
	}

	if err := startHTTPServer(ctx, cfg, rt, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("build-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		opts       cliOptions
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 BUILD_HUB_CONFIG 覆盖）")
	fs.BoolVar(&opts.checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&opts.showVersion, "version", false, "显示版本信息")
	fs.BoolVar(&opts.list, "list", false, "以 JSON 输出已缓存的构建")
	fs.StringVar(&opts.fetchID, "fetch", "", "下载并缓存目录中的指定构建")
	fs.BoolVar(&opts.prefetch, "prefetch", false, "预取目录中全部未缓存的构建")
	fs.BoolVar(&opts.clear, "clear", false, "删除全部缓存构建")
	fs.BoolVar(&opts.clean, "clean", false, "删除超过 -max-age 的缓存构建")
	fs.DurationVar(&opts.maxAge, "max-age", 0, "配合 -clean 使用，默认取配置中的 MaxAge")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	if opts.maxAge < 0 {
		return cliOptions{}, errors.New("解析参数失败: -max-age 不能为负数")
	}

	path := os.Getenv("BUILD_HUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}
	opts.configPath = path

	return opts, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, rt *buildRuntime, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{Logger: logger})
	if err != nil {
		return err
	}
	routes.RegisterBuildRoutes(app, routes.Deps{
		Cache:           rt.cache,
		Catalog:         rt.catalog,
		Logger:          logger,
		DownloadTimeout: cfg.Global.DownloadDeadline(),
		MaxAge:          cfg.Global.MaxAge.DurationValue(),
		MaxConcurrent:   cfg.Global.MaxConcurrentDownloads,
	})
	routes.RegisterDiagnosticRoutes(app)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.WithField("action", "shutdown").Info("收到退出信号，停止 Fiber 服务")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	}
}
