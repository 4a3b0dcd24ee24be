package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shellgate/shellgate/internal/cache"
	"github.com/shellgate/shellgate/internal/policy"
)

const (
	shellHTML = "<html>shell</html>"
	appJS     = "console.log('funk')"
)

// fakeNetwork 把请求交给内存 handler，可切换离线并统计每个 URL 的调用次数。
type fakeNetwork struct {
	mu      sync.Mutex
	calls   map[string]int
	offline bool
	handler http.HandlerFunc
}

func newFakeNetwork(handler http.HandlerFunc) *fakeNetwork {
	return &fakeNetwork{calls: make(map[string]int), handler: handler}
}

func (f *fakeNetwork) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.calls[req.URL.String()]++
	offline := f.offline
	f.mu.Unlock()
	if offline {
		return nil, errors.New("dial tcp: network is unreachable")
	}
	rec := httptest.NewRecorder()
	f.handler(rec, req)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

func (f *fakeNetwork) setOffline(offline bool) {
	f.mu.Lock()
	f.offline = offline
	f.mu.Unlock()
}

func (f *fakeNetwork) callsFor(raw string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[raw]
}

// funkHandler 模拟壳源站与一个 workers.dev API 主机。
func funkHandler(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Host == "app.example" && (r.URL.Path == "/FunkPhonic/" || r.URL.Path == "/FunkPhonic/index.html"):
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, shellHTML)
	case r.URL.Host == "app.example" && r.URL.Path == "/FunkPhonic/app.js":
		w.Header().Set("Content-Type", "application/javascript")
		_, _ = io.WriteString(w, appJS)
	case r.URL.Host == "app.example" && r.URL.Path == "/FunkPhonic/clip.mp3":
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte{0xff, 0xfb, 0x90, 0x64})
	default:
		http.NotFound(w, r)
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func funkOptions(version string) Options {
	return Options{
		CacheName:      "funkphonic-cache-" + version,
		Version:        version,
		ShellURL:       mustURL("https://app.example"),
		ShellPaths:     []string{"/FunkPhonic/", "/FunkPhonic/index.html"},
		FallbackPaths:  []string{"/FunkPhonic/index.html", "/FunkPhonic/"},
		Rules:          policy.Rules{APIHosts: []string{"workers.dev"}},
		NetworkTimeout: time.Second,
	}
}

func newTestStorage(t *testing.T) cache.Storage {
	t.Helper()
	storage, err := cache.NewStorage(t.TempDir(), cache.Options{})
	if err != nil {
		t.Fatalf("init storage error: %v", err)
	}
	return storage
}

// installedWorker 完成 install + activate 并返回 Worker。
func installedWorker(t *testing.T, storage cache.Storage, network Network, opts Options) *Worker {
	t.Helper()
	worker, err := NewWorker(opts, storage, network, testLogger(), nil)
	if err != nil {
		t.Fatalf("new worker error: %v", err)
	}
	if err := worker.Install(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if err := worker.Activate(context.Background()); err != nil {
		t.Fatalf("activate error: %v", err)
	}
	return worker
}

func getRequest(t *testing.T, raw string, accept string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, raw, nil)
	if err != nil {
		t.Fatalf("build request error: %v", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	return req
}

func readResponse(t *testing.T, resp *Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body error: %v", err)
	}
	return string(body)
}

func storeLen(t *testing.T, storage cache.Storage, name string) int {
	t.Helper()
	store, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open store error: %v", err)
	}
	n, err := store.Len(context.Background())
	if err != nil {
		t.Fatalf("len error: %v", err)
	}
	return n
}

func mustURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// failingStorage 包装真实 Storage，对 failURL 的写入返回错误，模拟磁盘写满。
type failingStorage struct {
	cache.Storage
	failURL string
}

func (s *failingStorage) Open(ctx context.Context, name string) (cache.Store, error) {
	store, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &failingStore{Store: store, failURL: s.failURL}, nil
}

type failingStore struct {
	cache.Store
	failURL string
}

func (s *failingStore) Put(ctx context.Context, locator cache.Locator, meta cache.Metadata, body io.Reader) (*cache.Entry, error) {
	if meta.URL == s.failURL {
		return nil, errors.New("disk full")
	}
	return s.Store.Put(ctx, locator, meta, body)
}

// staleKeysStorage 在 Keys 结果中多报一个已被删除的缓存仓，模拟列举后紧接着发生的清理。
type staleKeysStorage struct {
	cache.Storage
	stale string
}

func (s *staleKeysStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := s.Storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	return append(names, s.stale), nil
}

// blockingNetwork 在放行前挂起对 target 的请求，其余请求直接交给 next。
type blockingNetwork struct {
	next    Network
	target  string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingNetwork(next Network, target string) *blockingNetwork {
	return &blockingNetwork{
		next:    next,
		target:  target,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (b *blockingNetwork) Do(req *http.Request) (*http.Response, error) {
	if req.URL.String() == b.target {
		b.once.Do(func() { close(b.entered) })
		<-b.release
	}
	return b.next.Do(req)
}
