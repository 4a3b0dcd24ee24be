package gateway

import "errors"

var (
	// ErrNoResponse 表示网络失败且回退链全部落空。
	ErrNoResponse = errors.New("no response available")
	// ErrInstallFailed 表示 App Shell 未能完整写入缓存仓。
	ErrInstallFailed = errors.New("install failed")
	// ErrUnknownMessage 表示控制消息类型无法识别。
	ErrUnknownMessage = errors.New("unknown message type")
	// ErrNothingWaiting 表示 SKIP_WAITING 时没有处于 waiting 的 Worker。
	ErrNothingWaiting = errors.New("no waiting worker")
	// ErrNoActiveWorker 表示尚无激活的 Worker，调用方应直接透传请求。
	ErrNoActiveWorker = errors.New("no active worker")
	// ErrNotIntercepted 表示请求方法不是 GET，不参与缓存。
	ErrNotIntercepted = errors.New("request not intercepted")
	// ErrInvalidState 表示生命周期调用顺序不正确。
	ErrInvalidState = errors.New("invalid worker state")
	// ErrNetworkTimeout 表示在 NetworkTimeout 内未收到响应头。
	ErrNetworkTimeout = errors.New("network timeout")
)
