package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sensor-node/internal/config"
	"github.com/lorawan-server/lorawan-sensor-node/internal/storage"
)

// restartDelay stands in for the hardware reset after a failed cycle
const restartDelay = 10 * time.Second

func main() {
	// 命令行参数
	var (
		configFile string
		validate   bool
		showConfig bool
		once       bool
	)
	flag.StringVar(&configFile, "config", "config/sensor-node.yml", "配置文件路径")
	flag.BoolVar(&validate, "validate", false, "只校验配置后退出")
	flag.BoolVar(&showConfig, "show-config", false, "打印配置摘要")
	flag.BoolVar(&once, "once", false, "只运行一个唤醒周期")
	flag.Parse()

	// 设置日志
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// 加载配置
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("加载配置失败")
	}

	setupLogging(cfg.Log)

	if showConfig {
		cfg.PrintConfigSummary()
	}
	if validate {
		fmt.Println("configuration OK")
		return
	}

	log.Info().Str("config", configFile).Msg("LoRaWAN sensor node 启动中...")

	// 创建上下文
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 等待信号
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("收到信号，正在关闭...")
		cancel()
	}()

	// 持久存储相当于设备 flash，跨周期保留
	store, err := storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("打开存储失败")
	}
	defer store.Close()

	for cycle := 1; ; cycle++ {
		err := runCycle(ctx, cfg, store, cycle)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			log.Error().Err(err).Int("cycle", cycle).Msg("cycle aborted, restarting")
			if once {
				os.Exit(1)
			}
			if !sleepCtx(ctx, restartDelay) {
				break
			}
			continue
		}
		if once {
			break
		}
	}

	log.Info().Msg("sensor node 已停止")
}

// runCycle 从零构建所有组件，运行一个唤醒周期直到深度睡眠结束
func runCycle(parent context.Context, cfg *config.Config, store storage.Store, cycle int) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	c, err := buildCycle(cfg, store, cycle, cancel)
	if err != nil {
		return fmt.Errorf("build cycle: %w", err)
	}
	defer c.close()

	log.Info().
		Int("cycle", cycle).
		Str("cycleID", c.node.Session().CycleID.String()).
		Msg("wake")

	err = c.node.Run(ctx)
	if c.watchdogFired() {
		return errors.New("watchdog expired")
	}
	return err
}

func setupLogging(cfg config.LogConfig) {
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	// 设置日志级别
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
