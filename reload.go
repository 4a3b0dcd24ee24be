package main

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/gateway"
	"github.com/shellgate/shellgate/internal/logging"
)

// watchConfig 监听配置文件，CacheVersion 变化时注册新版本 Worker。
func watchConfig(ctx context.Context, path string, application *application, logger *logrus.Logger) {
	watcher, err := config.NewWatcher(path)
	if err != nil {
		logger.WithFields(logging.BaseFields("config_watch", path)).WithError(err).Error("配置监听启动失败")
		return
	}
	defer watcher.Close()

	logger.WithFields(logging.BaseFields("config_watch", path)).Info("开始监听配置变更")
	err = watcher.Run(ctx, func(cfg *config.Config, loadErr error) {
		applyReload(ctx, path, application, cfg, loadErr)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithFields(logging.BaseFields("config_watch", path)).WithError(err).Warn("配置监听退出")
	}
}

// applyReload 处理一次配置重载：调整日志级别，版本不变只记录日志，版本变化时安装新 Worker。
// 安装失败时旧版本继续服务。Origin 列表与监听端口需要重启才能生效。
func applyReload(ctx context.Context, path string, application *application, cfg *config.Config, loadErr error) {
	logger := application.logger
	fields := logging.BaseFields("config_reload", path)
	if loadErr != nil {
		logger.WithFields(fields).WithError(loadErr).Warn("配置重载失败，保持当前版本")
		return
	}

	if err := logging.ApplyLevel(logger, cfg.Global.LogLevel); err != nil {
		logger.WithFields(fields).WithError(err).Warn("日志级别未更新")
	}

	opts, err := gateway.OptionsFromConfig(cfg)
	if err != nil {
		logger.WithFields(fields).WithError(err).Warn("配置重载失败，保持当前版本")
		return
	}
	fields["cache_name"] = opts.CacheName

	if active := application.controller.Active(); active != nil && active.CacheName() == opts.CacheName {
		logger.WithFields(fields).Info("缓存版本未变化")
		return
	}

	worker, err := application.controller.Register(ctx, opts)
	if err != nil {
		logger.WithFields(fields).WithError(err).Error("新版本安装失败，保持当前版本")
		return
	}
	fields["state"] = string(worker.State())
	logger.WithFields(fields).Info("新版本已注册")
}
