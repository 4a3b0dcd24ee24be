package gateway

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/policy"
)

const (
	defaultNetworkTimeout = 10 * time.Second
	defaultMaxEntryBytes  = 32 << 20
)

// Options 描述一个部署版本；每次版本变化都会构造新的 Options 与 Worker。
type Options struct {
	// CacheName 是缓存仓名称，通常为 CachePrefix + Version。
	CacheName string
	Version   string
	// ShellURL 是壳资源所在源站，决定 basic 响应类型与安装目标。
	ShellURL *url.URL
	// ShellPaths 是安装时必须写入的根相对路径（已带 BasePath）。
	ShellPaths []string
	// FallbackPaths 按顺序尝试作为离线时的根文档。
	FallbackPaths  []string
	Rules          policy.Rules
	NetworkTimeout time.Duration
	MaxEntryBytes  int64
	SkipWaiting    bool
}

// OptionsFromConfig 将已校验的配置转换为 Worker 选项。
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	if cfg == nil {
		return Options{}, fmt.Errorf("config is nil")
	}
	shellURL, err := cfg.ShellURL()
	if err != nil {
		return Options{}, err
	}
	maxBytes, err := cfg.Global.MaxEntryBytes()
	if err != nil {
		return Options{}, err
	}
	return Options{
		CacheName:      cfg.Global.CacheName(),
		Version:        cfg.Global.CacheVersion,
		ShellURL:       shellURL,
		ShellPaths:     cfg.Global.ShellPaths(),
		FallbackPaths:  cfg.Global.FallbackPaths(),
		Rules:          cfg.Global.Rules(),
		NetworkTimeout: cfg.Global.NetworkTimeout.DurationValue(),
		MaxEntryBytes:  maxBytes,
		SkipWaiting:    cfg.Global.SkipWaiting,
	}, nil
}

func (o Options) validate() error {
	if strings.TrimSpace(o.CacheName) == "" {
		return fmt.Errorf("cache name is required")
	}
	if o.ShellURL == nil || o.ShellURL.Host == "" {
		return fmt.Errorf("shell url is required")
	}
	return nil
}

func (o Options) networkTimeout() time.Duration {
	if o.NetworkTimeout <= 0 {
		return defaultNetworkTimeout
	}
	return o.NetworkTimeout
}

func (o Options) maxEntryBytes() int64 {
	if o.MaxEntryBytes <= 0 {
		return defaultMaxEntryBytes
	}
	return o.MaxEntryBytes
}

// resolve 把根相对路径解析到壳源站上。
func (o Options) resolve(p string) *url.URL {
	return o.ShellURL.ResolveReference(&url.URL{Path: p})
}

// sameOrigin 判断目标是否与壳源站同源（scheme + host）。
func (o Options) sameOrigin(target *url.URL) bool {
	if target == nil || o.ShellURL == nil {
		return false
	}
	return strings.EqualFold(target.Scheme, o.ShellURL.Scheme) &&
		strings.EqualFold(target.Host, o.ShellURL.Host)
}
