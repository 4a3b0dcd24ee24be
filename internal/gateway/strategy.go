package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shellgate/shellgate/internal/cache"
	"github.com/shellgate/shellgate/internal/policy"
)

// Respond 按请求分类执行对应策略。network 为空时使用 Worker 默认网络。
// 只有 GET 会被处理，其余方法返回 ErrNotIntercepted。
func (w *Worker) Respond(ctx context.Context, req *http.Request, network Network) (*Response, error) {
	if req == nil || req.URL == nil {
		return nil, fmt.Errorf("request is nil")
	}
	if req.Method != http.MethodGet {
		return nil, ErrNotIntercepted
	}
	if network == nil {
		network = w.network
	}

	class := w.opts.Rules.ClassifyRequest(req)
	strategy := w.opts.Rules.StrategyFor(class)
	ex := &exchange{
		worker:   w,
		req:      req,
		network:  network,
		locator:  cache.LocatorForURL(req.URL),
		class:    class,
		strategy: strategy,
		rootOK:   strategy.FallbackToRoot && (class == policy.ClassNavigation || policy.IsNavigationRequest(req)),
	}

	started := time.Now()
	var (
		resp *Response
		err  error
	)
	switch strategy.Mode {
	case policy.ModeCacheFirst:
		resp, err = ex.cacheFirst(ctx)
	default:
		resp, err = ex.networkFirst(ctx)
	}
	if err != nil {
		w.metrics.RecordRequest(string(class), "failed", time.Since(started))
		return nil, err
	}
	resp.Class = string(class)
	w.metrics.RecordRequest(string(class), string(resp.Source), time.Since(started))
	return resp, nil
}

// exchange 保存单次请求在策略执行期间需要的上下文。
type exchange struct {
	worker   *Worker
	req      *http.Request
	network  Network
	locator  cache.Locator
	class    policy.Class
	strategy policy.Strategy
	rootOK   bool
}

// networkFirst 先走网络；失败时依次尝试匹配缓存与根文档回退。
func (ex *exchange) networkFirst(ctx context.Context) (*Response, error) {
	resp, netErr := ex.fromNetwork(ctx)
	if netErr == nil {
		return resp, nil
	}
	ex.logNetworkFailure(netErr)

	if cached := ex.worker.match(ctx, ex.locator); cached != nil {
		ex.worker.metrics.RecordFallback("match")
		return cachedResponse(cached, SourceCache), nil
	}
	return ex.fallback(ctx, netErr)
}

// cacheFirst 命中缓存时完全不发起网络请求。
func (ex *exchange) cacheFirst(ctx context.Context) (*Response, error) {
	if cached := ex.worker.match(ctx, ex.locator); cached != nil {
		return cachedResponse(cached, SourceCache), nil
	}
	resp, netErr := ex.fromNetwork(ctx)
	if netErr == nil {
		return resp, nil
	}
	ex.logNetworkFailure(netErr)
	return ex.fallback(ctx, netErr)
}

func (ex *exchange) fallback(ctx context.Context, netErr error) (*Response, error) {
	if ex.rootOK {
		if cached := ex.worker.matchFallback(ctx); cached != nil {
			ex.worker.metrics.RecordFallback("root")
			return cachedResponse(cached, SourceFallback), nil
		}
	}
	ex.worker.metrics.RecordFallback("none")
	return nil, fmt.Errorf("%w: %v", ErrNoResponse, netErr)
}

// fromNetwork 拉取响应并在满足资格时写入缓存；正文读取失败同样视为网络失败。
func (ex *exchange) fromNetwork(ctx context.Context) (*Response, error) {
	w := ex.worker
	resp, err := fetch(ctx, ex.network, ex.req, w.opts.networkTimeout())
	if err != nil {
		return nil, err
	}

	typ := policy.TypeOf(w.opts.sameOrigin(ex.req.URL), resp.Header)
	if !policy.Storable(resp.StatusCode, typ, resp.Header) {
		w.metrics.RecordWrite("skipped")
		return &Response{
			Status: resp.StatusCode,
			Header: resp.Header,
			Body:   resp.Body,
			Source: SourceNetwork,
		}, nil
	}

	limit := w.opts.maxEntryBytes()
	buffered, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(buffered)) > limit {
		w.metrics.RecordWrite("oversize")
		w.logger.WithFields(logrus.Fields{
			"action":    "cache_write",
			"cache":     w.opts.CacheName,
			"locator":   ex.locator.String(),
			"max_bytes": limit,
		}).Debug("cache_write_skipped_oversize")
		return &Response{
			Status: resp.StatusCode,
			Header: resp.Header,
			Body:   &multiReadCloser{Reader: io.MultiReader(bytes.NewReader(buffered), resp.Body), closer: resp.Body},
			Source: SourceNetwork,
		}, nil
	}
	resp.Body.Close()

	w.put(ctx, ex.locator, cache.Metadata{
		URL:    ex.req.URL.String(),
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
	}, buffered)

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   io.NopCloser(bytes.NewReader(buffered)),
		Source: SourceNetwork,
	}, nil
}

func (ex *exchange) logNetworkFailure(err error) {
	ex.worker.logger.WithFields(logrus.Fields{
		"action":  "network_fetch",
		"cache":   ex.worker.opts.CacheName,
		"class":   string(ex.class),
		"mode":    string(ex.strategy.Mode),
		"locator": ex.locator.String(),
		"timeout": errors.Is(err, ErrNetworkTimeout),
	}).WithError(err).Warn("network_failed")
}

// put 同步写入缓存；写入失败只记录日志，不影响本次响应。
// 写入使用与请求取消解耦的 context，客户端断开不会中断持久化。
func (w *Worker) put(ctx context.Context, locator cache.Locator, meta cache.Metadata, body []byte) {
	store := w.currentStore()
	if store == nil {
		return
	}
	_, err := store.Put(context.WithoutCancel(ctx), locator, meta, bytes.NewReader(body))
	if err != nil {
		w.metrics.RecordWrite("failed")
		w.logger.WithFields(logrus.Fields{
			"action":  "cache_write",
			"cache":   w.opts.CacheName,
			"locator": locator.String(),
		}).WithError(err).Warn("cache_write_failed")
		return
	}
	w.metrics.RecordWrite("stored")
}

// match 读取缓存；除 ErrNotFound 以外的错误记录后按未命中处理。
func (w *Worker) match(ctx context.Context, locator cache.Locator) *cache.ReadResult {
	store := w.currentStore()
	if store == nil {
		return nil
	}
	result, err := store.Match(ctx, locator)
	switch {
	case err == nil:
		return result
	case errors.Is(err, cache.ErrNotFound):
		return nil
	default:
		w.logger.WithFields(logrus.Fields{
			"action":  "cache_match",
			"cache":   w.opts.CacheName,
			"locator": locator.String(),
		}).WithError(err).Warn("cache_match_failed")
		return nil
	}
}

func (w *Worker) matchFallback(ctx context.Context) *cache.ReadResult {
	for _, p := range w.opts.FallbackPaths {
		if result := w.match(ctx, cache.LocatorForURL(w.opts.resolve(p))); result != nil {
			return result
		}
	}
	return nil
}

func cachedResponse(result *cache.ReadResult, source Source) *Response {
	header := result.Entry.Metadata.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	status := result.Entry.Metadata.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &Response{
		Status: status,
		Header: header,
		Body:   result.Reader,
		Source: source,
	}
}

type multiReadCloser struct {
	io.Reader
	closer io.Closer
}

func (m *multiReadCloser) Close() error {
	return m.closer.Close()
}
