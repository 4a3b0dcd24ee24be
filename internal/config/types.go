package config

import (
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/shellgate/shellgate/internal/policy"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为以及网关缓存策略。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	NetworkTimeout  Duration `mapstructure:"NetworkTimeout"`

	// CachePrefix + CacheVersion 组成当前缓存仓名称；每次发布提升版本即可淘汰旧缓存。
	CachePrefix  string `mapstructure:"CachePrefix"`
	CacheVersion string `mapstructure:"CacheVersion"`

	// BasePath 用于子路径部署（例如 /FunkPhonic），AppShell 中每一项都会加上该前缀。
	BasePath           string   `mapstructure:"BasePath"`
	AppShell           []string `mapstructure:"AppShell"`
	APIHosts           []string `mapstructure:"APIHosts"`
	NavigationFallback string   `mapstructure:"NavigationFallback"`
	ShellOrigin        string   `mapstructure:"ShellOrigin"`
	SkipWaiting        bool     `mapstructure:"SkipWaiting"`
	MaxEntrySize       string   `mapstructure:"MaxEntrySize"`
	CompressEntries    bool     `mapstructure:"CompressEntries"`
	CompressionLevel   int      `mapstructure:"CompressionLevel"`
	WatchConfig        bool     `mapstructure:"WatchConfig"`

	// Strategy 以分类名为键覆盖抓取模式，例如 static-asset = "network-first"。
	Strategy map[string]string `mapstructure:"Strategy"`
}

// OriginConfig 将一个下游 Host 映射到上游站点。
type OriginConfig struct {
	Name     string `mapstructure:"Name"`
	Domain   string `mapstructure:"Domain"`
	Upstream string `mapstructure:"Upstream"`
	Proxy    string `mapstructure:"Proxy"`
	Username string `mapstructure:"Username"`
	Password string `mapstructure:"Password"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Origins []OriginConfig `mapstructure:"Origin"`
}

// HasCredentials 表示当前 Origin 是否配置了完整的上游凭证。
func (o OriginConfig) HasCredentials() bool {
	return o.Username != "" && o.Password != ""
}

// AuthMode 输出 `credentialed` 或 `anonymous`，供日志字段使用。
func (o OriginConfig) AuthMode() string {
	if o.HasCredentials() {
		return "credentialed"
	}
	return "anonymous"
}

// CredentialModes 返回所有 Origin 的鉴权模式摘要，例如 app:anonymous。
func CredentialModes(origins []OriginConfig) []string {
	if len(origins) == 0 {
		return nil
	}
	result := make([]string, len(origins))
	for i, origin := range origins {
		result[i] = fmt.Sprintf("%s:%s", origin.Name, origin.AuthMode())
	}
	return result
}

// CacheName 返回当前版本的缓存仓名称。
func (g GlobalConfig) CacheName() string {
	return g.CachePrefix + g.CacheVersion
}

// ShellPaths 返回加上 BasePath 前缀后的 App Shell 路径，顺序与配置一致。
func (g GlobalConfig) ShellPaths() []string {
	result := make([]string, 0, len(g.AppShell))
	for _, p := range g.AppShell {
		result = append(result, JoinBasePath(g.BasePath, p))
	}
	return result
}

// FallbackPaths 返回导航回退时依次尝试的根文档路径。
func (g GlobalConfig) FallbackPaths() []string {
	primary := JoinBasePath(g.BasePath, g.NavigationFallback)
	root := JoinBasePath(g.BasePath, "/")
	if primary == root {
		return []string{root}
	}
	return []string{primary, root}
}

// MaxEntryBytes 解析 MaxEntrySize（如 "32MB"），未配置时返回 0，由 gateway 使用默认上限。
func (g GlobalConfig) MaxEntryBytes() (int64, error) {
	raw := strings.TrimSpace(g.MaxEntrySize)
	if raw == "" {
		return 0, nil
	}
	size, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, err
	}
	return int64(size), nil
}

// Rules 将 APIHosts 与 Strategy 覆盖转换为 policy.Rules（假定 Validate 已通过）。
func (g GlobalConfig) Rules() policy.Rules {
	rules := policy.Rules{APIHosts: append([]string(nil), g.APIHosts...)}
	if len(g.Strategy) == 0 {
		return rules
	}
	rules.Overrides = make(map[policy.Class]policy.Mode, len(g.Strategy))
	for rawClass, rawMode := range g.Strategy {
		class, ok := policy.ParseClass(rawClass)
		if !ok {
			continue
		}
		mode, err := policy.ParseMode(rawMode)
		if err != nil {
			continue
		}
		rules.Overrides[class] = mode
	}
	return rules
}

// ShellOriginConfig 返回承载 App Shell 的 Origin；未指定时取第一个。
func (c *Config) ShellOriginConfig() (OriginConfig, bool) {
	if c == nil || len(c.Origins) == 0 {
		return OriginConfig{}, false
	}
	name := strings.TrimSpace(c.Global.ShellOrigin)
	if name == "" {
		return c.Origins[0], true
	}
	for _, origin := range c.Origins {
		if origin.Name == name {
			return origin, true
		}
	}
	return OriginConfig{}, false
}

// ShellURL 解析 Shell Origin 的上游地址。
func (c *Config) ShellURL() (*url.URL, error) {
	origin, ok := c.ShellOriginConfig()
	if !ok {
		return nil, fmt.Errorf("shell origin %q not configured", c.Global.ShellOrigin)
	}
	return url.Parse(origin.Upstream)
}

// JoinBasePath 把根相对路径挂到 BasePath 下，并保留末尾的斜杠。
func JoinBasePath(basePath, p string) string {
	base := strings.TrimRight(strings.TrimSpace(basePath), "/")
	p = strings.TrimSpace(p)
	p = strings.TrimPrefix(p, ".")
	if p == "" || p == "/" {
		return base + "/"
	}
	trailing := strings.HasSuffix(p, "/")
	joined := path.Clean(base + "/" + strings.TrimPrefix(p, "/"))
	if trailing && joined != "/" {
		joined += "/"
	}
	return joined
}
