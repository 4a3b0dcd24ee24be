package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Network 是真正发出请求的一端，*http.Client 天然满足。
type Network interface {
	Do(req *http.Request) (*http.Response, error)
}

// fetch 发出请求并只等待 timeout 时长的响应头；超时视为网络失败。
// 正文读取不再受该计时器约束，关闭正文时释放派生的 context。
func fetch(ctx context.Context, network Network, req *http.Request, timeout time.Duration) (*http.Response, error) {
	if network == nil {
		return nil, fmt.Errorf("network is nil")
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	fired := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		cancel()
		close(fired)
	})

	resp, err := network.Do(req.Clone(fetchCtx))
	// Stop 返回 false 时回调已在执行，等它完成后 context 必然已取消。
	expired := false
	if !timer.Stop() {
		<-fired
		expired = true
	}
	if err != nil {
		cancel()
		if expired {
			return nil, fmt.Errorf("%w after %s: %v", ErrNetworkTimeout, timeout, err)
		}
		return nil, err
	}
	if expired {
		resp.Body.Close()
		return nil, fmt.Errorf("%w after %s", ErrNetworkTimeout, timeout)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// newGet 构造一个不带正文的 GET 请求，用于安装阶段。
func newGet(ctx context.Context, target string) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
}
