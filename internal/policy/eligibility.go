package policy

import (
	"net/http"
	"strings"
)

// ResponseType 对应浏览器 Response.type 中与缓存相关的三种取值。
type ResponseType string

const (
	ResponseBasic  ResponseType = "basic"
	ResponseCORS   ResponseType = "cors"
	ResponseOpaque ResponseType = "opaque"
)

// audioPrefix 命中的响应永不落盘，避免生成语音导致缓存无限增长。
const audioPrefix = "audio/"

// TypeOf 计算响应类型：同源为 basic；跨源且带 Access-Control-Allow-Origin 为 cors；
// 其余跨源响应视为 opaque。
func TypeOf(sameOrigin bool, header http.Header) ResponseType {
	if sameOrigin {
		return ResponseBasic
	}
	if header != nil && strings.TrimSpace(header.Get("Access-Control-Allow-Origin")) != "" {
		return ResponseCORS
	}
	return ResponseOpaque
}

// Storable 是写入前的唯一资格检查。
func Storable(status int, typ ResponseType, header http.Header) bool {
	if status != http.StatusOK {
		return false
	}
	if typ != ResponseBasic && typ != ResponseCORS {
		return false
	}
	return !IsAudio(header)
}

// IsAudio 报告 Content-Type 是否以 audio/ 开头（大小写不敏感）。
func IsAudio(header http.Header) bool {
	if header == nil {
		return false
	}
	ct := strings.ToLower(strings.TrimSpace(header.Get("Content-Type")))
	return strings.HasPrefix(ct, audioPrefix)
}
