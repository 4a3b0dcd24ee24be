package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/shellgate/shellgate/internal/cache"
	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/gateway"
	"github.com/shellgate/shellgate/internal/logging"
	"github.com/shellgate/shellgate/internal/metrics"
	"github.com/shellgate/shellgate/internal/proxy"
	"github.com/shellgate/shellgate/internal/server"
	"github.com/shellgate/shellgate/internal/server/routes"
)

// application 汇总一次启动创建的长生命周期组件。
type application struct {
	app        *fiber.App
	controller *gateway.Controller
	registry   *server.OriginRegistry
	metrics    *prometheus.Registry
	logger     *logrus.Logger
}

func bootstrap(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*application, error) {
	storage, err := cache.NewStorage(cfg.Global.StoragePath, cache.Options{
		Compress:         cfg.Global.CompressEntries,
		CompressionLevel: cfg.Global.CompressionLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	httpClient := server.NewUpstreamClient(cfg)
	registry, err := server.NewOriginRegistry(cfg, httpClient)
	if err != nil {
		return nil, fmt.Errorf("构建 Origin 注册表失败: %w", err)
	}
	shellRoute, ok := registry.ShellRoute()
	if !ok {
		return nil, errors.New("未找到承载 App Shell 的 Origin")
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	gatewayMetrics := metrics.New(promRegistry)

	controller := gateway.NewController(storage, shellRoute.Client, logger, gatewayMetrics)
	opts, err := gateway.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := controller.Start(ctx, opts); err != nil {
		return nil, fmt.Errorf("安装缓存版本 %s 失败: %w", opts.CacheName, err)
	}

	handler := proxy.NewHandler(controller, logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewForwarder(handler, logger),
		ListenPort: cfg.Global.ListenPort,
		AccessLog:  logger.IsLevelEnabled(logrus.DebugLevel),
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterControlRoutes(app, routes.ControlOptions{
		Controller: controller,
		Registry:   registry,
		Gatherer:   promRegistry,
		Logger:     logger,
	})

	logger.WithFields(logging.LifecycleFields("bootstrap", opts.CacheName, opts.Version)).
		Info("网关已就绪")

	return &application{
		app:        app,
		controller: controller,
		registry:   registry,
		metrics:    promRegistry,
		logger:     logger,
	}, nil
}
