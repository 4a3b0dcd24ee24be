package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 250 * time.Millisecond

// Watcher 监听配置文件所在目录，文件被写入或通过 rename 替换后重新 Load。
// 监听目录而非文件本身，以兼容编辑器和部署脚本的原子替换。
type Watcher struct {
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
}

// NewWatcher 为 path 创建监听器，调用方需在结束时 Close。
func NewWatcher(path string) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析配置路径失败: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建 fsnotify watcher 失败: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("监听配置目录失败: %w", err)
	}
	return &Watcher{
		path:     abs,
		debounce: defaultReloadDebounce,
		watcher:  fsw,
	}, nil
}

// Run 阻塞直到 ctx 结束。每次合并后的变更都会调用 onReload，Load 失败时 cfg 为 nil。
func (w *Watcher) Run(ctx context.Context, onReload func(cfg *Config, err error)) error {
	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			cfg, err := Load(w.path)
			onReload(cfg, err)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			onReload(nil, fmt.Errorf("fsnotify: %w", err))
		}
	}
}

// Close 释放底层 fsnotify 资源。
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
