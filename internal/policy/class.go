package policy

import (
	"net/http"
	"net/url"
	"strings"
)

// Class 是单个请求的派生标签，只与请求本身有关。
type Class string

const (
	ClassNavigation Class = "navigation-html"
	ClassAPI        Class = "api-host"
	ClassStatic     Class = "static-asset"
)

// Classes 按判定顺序列出全部分类。
func Classes() []Class {
	return []Class{ClassNavigation, ClassAPI, ClassStatic}
}

// ParseClass 将配置中的分类名标准化。
func ParseClass(raw string) (Class, bool) {
	normalized := Class(strings.ToLower(strings.TrimSpace(raw)))
	for _, c := range Classes() {
		if c == normalized {
			return c, true
		}
	}
	return "", false
}

// Rules 描述一个部署的分类规则与策略覆盖。
type Rules struct {
	// APIHosts 是主机名子串白名单，目标主机名包含任一子串即视为 api-host。
	APIHosts []string
	// Overrides 允许逐分类替换默认抓取模式。
	Overrides map[Class]Mode
}

// Classify 按 navigation-html → api-host → static-asset 的顺序判定。
// rawURL 无法解析时保守地视为非 API 请求。
func (r Rules) Classify(accept, rawURL string) Class {
	if acceptsHTML(accept) {
		return ClassNavigation
	}
	if r.IsAPIURL(rawURL) {
		return ClassAPI
	}
	return ClassStatic
}

// ClassifyRequest 是 Classify 针对 *http.Request 的便捷封装。
func (r Rules) ClassifyRequest(req *http.Request) Class {
	if req == nil || req.URL == nil {
		return ClassStatic
	}
	return r.Classify(req.Header.Get("Accept"), req.URL.String())
}

// IsAPIURL 判断目标主机名是否命中 APIHosts。
func (r Rules) IsAPIURL(rawURL string) bool {
	if len(r.APIHosts) == 0 || strings.TrimSpace(rawURL) == "" {
		return false
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return false
	}
	for _, candidate := range r.APIHosts {
		candidate = strings.ToLower(strings.TrimSpace(candidate))
		if candidate != "" && strings.Contains(host, candidate) {
			return true
		}
	}
	return false
}

// IsNavigationRequest 报告请求是否为页面导航：要么 Accept 声明 HTML，
// 要么浏览器通过 Sec-Fetch-Mode 标记 navigate。
func IsNavigationRequest(req *http.Request) bool {
	if req == nil {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(req.Header.Get("Sec-Fetch-Mode")), "navigate") {
		return true
	}
	return acceptsHTML(req.Header.Get("Accept"))
}

func acceptsHTML(accept string) bool {
	return strings.Contains(strings.ToLower(accept), "text/html")
}
