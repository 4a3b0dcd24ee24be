package policy

import (
	"fmt"
	"strings"
)

// Mode 是抓取策略的核心选择。
type Mode string

const (
	ModeNetworkFirst Mode = "network-first"
	ModeCacheFirst   Mode = "cache-first"
)

// ParseMode 将配置中的模式名标准化。
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeNetworkFirst:
		return ModeNetworkFirst, nil
	case ModeCacheFirst:
		return ModeCacheFirst, nil
	default:
		return "", fmt.Errorf("unsupported strategy mode: %s", raw)
	}
}

// Strategy 描述某一分类的完整处理方式。
type Strategy struct {
	Class Class
	Mode  Mode
	// FallbackToRoot 表示网络失败且无匹配缓存时是否回退到缓存的根文档。
	// static-asset 只对导航模式请求生效。
	FallbackToRoot bool
}

var defaultStrategies = map[Class]Strategy{
	ClassNavigation: {Class: ClassNavigation, Mode: ModeNetworkFirst, FallbackToRoot: true},
	ClassAPI:        {Class: ClassAPI, Mode: ModeNetworkFirst},
	ClassStatic:     {Class: ClassStatic, Mode: ModeCacheFirst, FallbackToRoot: true},
}

// DefaultStrategy 返回分类的内置策略，未知分类按 static-asset 处理。
func DefaultStrategy(c Class) Strategy {
	if s, ok := defaultStrategies[c]; ok {
		return s
	}
	return defaultStrategies[ClassStatic]
}

// StrategyFor 合并默认策略与配置覆盖。
func (r Rules) StrategyFor(c Class) Strategy {
	strategy := DefaultStrategy(c)
	if mode, ok := r.Overrides[strategy.Class]; ok && mode != "" {
		strategy.Mode = mode
	}
	return strategy
}
