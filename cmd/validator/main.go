package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"liuproxy_validator/internal/app"
	"liuproxy_validator/internal/shared/config"
	"liuproxy_validator/internal/shared/logger"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	input := flag.String("input", "", "Validate the URIs in this file (one per line, '-' for stdin), print JSON lines and exit")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "validator.ini")

	// 1. 加载 .ini 配置，缺失的键使用默认值
	cfg, err := config.Load(iniPath)
	if err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}
	config.ResolvePaths(cfg, *configDir)

	// 1.1 初始化日志系统。批处理模式下 stdout 只输出结果
	if err := logger.InitWithWriter(cfg.LogConf, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. 组装验证器并检查引擎
	server, err := app.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize validator")
	}
	if err := server.CheckEngine(ctx); err != nil {
		logger.Fatal().Err(err).Msgf("Engine binary '%s' is not usable", cfg.EngineConf.Binary)
	}

	// 3. 批处理或 Web 模式
	if *input != "" {
		os.Exit(runBatch(ctx, server, *input))
	}
	if err := server.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

func runBatch(ctx context.Context, server *app.AppServer, path string) int {
	var in io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			logger.Error().Err(err).Msgf("Failed to open input file '%s'", path)
			return 1
		}
		defer f.Close()
		in = f
	}
	res, err := server.RunBatch(ctx, in, os.Stdout)
	if err != nil {
		logger.Error().Err(err).Msg("Batch run failed")
		return 1
	}
	if res.Success == 0 && res.Total > 0 {
		return 2
	}
	return 0
}
