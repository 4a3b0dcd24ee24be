package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/shellgate/shellgate/internal/cache"
	"github.com/shellgate/shellgate/internal/policy"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.NetworkTimeout.DurationValue() <= 0 {
		return newFieldError("Global.NetworkTimeout", "必须大于 0")
	}
	if g.CacheVersion == "" {
		return newFieldError("Global.CacheVersion", "不能为空，每次发布需提升版本")
	}
	if err := cache.ValidateName(g.CacheName()); err != nil {
		return newFieldError("Global.CachePrefix/CacheVersion", err.Error())
	}
	if g.BasePath != "" && !strings.HasPrefix(g.BasePath, "/") {
		return newFieldError("Global.BasePath", "必须以 / 开头")
	}
	if err := validateAppShell(g); err != nil {
		return err
	}
	if _, err := g.MaxEntryBytes(); err != nil {
		return newFieldError("Global.MaxEntrySize", fmt.Sprintf("无法解析: %v", err))
	}
	if g.CompressionLevel < 0 || g.CompressionLevel > 22 {
		return newFieldError("Global.CompressionLevel", "必须在 0-22")
	}
	for _, host := range g.APIHosts {
		if strings.ContainsAny(host, "/ ") {
			return newFieldError("Global.APIHosts", fmt.Sprintf("仅允许主机名片段: %s", host))
		}
	}
	for rawClass, rawMode := range g.Strategy {
		if _, ok := policy.ParseClass(rawClass); !ok {
			return newFieldError("Strategy."+rawClass, "未知分类，仅支持 navigation-html/api-host/static-asset")
		}
		if _, err := policy.ParseMode(rawMode); err != nil {
			return newFieldError("Strategy."+rawClass, "仅支持 network-first/cache-first")
		}
	}

	if len(c.Origins) == 0 {
		return errors.New("至少需要配置一个 Origin")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Origins {
		origin := &c.Origins[i]
		if origin.Name == "" {
			return newFieldError("Origin[].Name", "不能为空")
		}
		if _, exists := seenNames[origin.Name]; exists {
			return newFieldError(originField(origin.Name, "Name"), "重复")
		}
		seenNames[origin.Name] = struct{}{}

		if err := validateDomain(origin.Domain); err != nil {
			return fmt.Errorf("%s: %w", originField(origin.Name, "Domain"), err)
		}
		domain := strings.ToLower(origin.Domain)
		if _, exists := seenDomains[domain]; exists {
			return newFieldError(originField(origin.Name, "Domain"), "与其他 Origin 重复")
		}
		seenDomains[domain] = struct{}{}

		if (origin.Username == "") != (origin.Password == "") {
			return newFieldError(originField(origin.Name, "Username/Password"), "必须同时提供或同时留空")
		}
		if err := validateUpstream(origin.Upstream); err != nil {
			return fmt.Errorf("%s: %w", originField(origin.Name, "Upstream"), err)
		}
		if origin.Proxy != "" {
			if err := validateUpstream(origin.Proxy); err != nil {
				return fmt.Errorf("%s: %w", originField(origin.Name, "Proxy"), err)
			}
		}
	}

	if _, ok := c.ShellOriginConfig(); !ok {
		return newFieldError("Global.ShellOrigin", fmt.Sprintf("未找到名为 %s 的 Origin", g.ShellOrigin))
	}

	return nil
}

// validateAppShell 要求 App Shell 非空、路径为根相对形式且包含根文档。
func validateAppShell(g GlobalConfig) error {
	if len(g.AppShell) == 0 {
		return newFieldError("Global.AppShell", "不能为空")
	}
	hasRoot := false
	seen := map[string]struct{}{}
	for _, raw := range g.AppShell {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			return newFieldError("Global.AppShell", "包含空路径")
		}
		if strings.Contains(trimmed, "://") || strings.Contains(trimmed, "?") {
			return newFieldError("Global.AppShell", fmt.Sprintf("仅允许根相对路径: %s", raw))
		}
		joined := JoinBasePath(g.BasePath, trimmed)
		if _, dup := seen[joined]; dup {
			return newFieldError("Global.AppShell", fmt.Sprintf("重复路径: %s", raw))
		}
		seen[joined] = struct{}{}
		if joined == JoinBasePath(g.BasePath, "/") {
			hasRoot = true
		}
	}
	if !hasRoot {
		return newFieldError("Global.AppShell", "必须包含根文档 /")
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
