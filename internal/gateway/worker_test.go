package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shellgate/shellgate/internal/cache"
	"github.com/shellgate/shellgate/internal/policy"
)

func TestInstallThenOfflineServesEveryShellPath(t *testing.T) {
	storage := newTestStorage(t)
	network := newFakeNetwork(funkHandler)
	opts := funkOptions("v1.0.0")
	worker := installedWorker(t, storage, network, opts)

	if got := storeLen(t, storage, opts.CacheName); got != len(opts.ShellPaths) {
		t.Fatalf("安装后条目数应为 %d，得到 %d", len(opts.ShellPaths), got)
	}

	network.setOffline(true)
	for _, p := range opts.ShellPaths {
		resp, err := worker.Respond(context.Background(), getRequest(t, "https://app.example"+p, "text/html"), nil)
		if err != nil {
			t.Fatalf("离线请求 %s 失败: %v", p, err)
		}
		if resp.Status != http.StatusOK || resp.Source != SourceCache {
			t.Fatalf("%s 应命中缓存，得到 status=%d source=%s", p, resp.Status, resp.Source)
		}
		if body := readResponse(t, resp); body != shellHTML {
			t.Fatalf("%s 正文不符: %q", p, body)
		}
	}
}

func TestStaticCacheHitSkipsNetwork(t *testing.T) {
	storage := newTestStorage(t)
	network := newFakeNetwork(funkHandler)
	worker := installedWorker(t, storage, network, funkOptions("v1"))

	target := "https://app.example/FunkPhonic/app.js"
	first, err := worker.Respond(context.Background(), getRequest(t, target, "*/*"), nil)
	if err != nil {
		t.Fatalf("首次请求失败: %v", err)
	}
	if first.Source != SourceNetwork || first.Class != string(policy.ClassStatic) {
		t.Fatalf("首次请求应来自网络且为 static，得到 %s/%s", first.Source, first.Class)
	}
	readResponse(t, first)

	second, err := worker.Respond(context.Background(), getRequest(t, target, "*/*"), nil)
	if err != nil {
		t.Fatalf("二次请求失败: %v", err)
	}
	if second.Source != SourceCache {
		t.Fatalf("二次请求应命中缓存，得到 %s", second.Source)
	}
	if body := readResponse(t, second); body != appJS {
		t.Fatalf("缓存正文不符: %q", body)
	}
	if calls := network.callsFor(target); calls != 1 {
		t.Fatalf("缓存命中不应访问网络，调用次数 %d", calls)
	}
}

func TestNavigationOfflineFallsBackToRoot(t *testing.T) {
	storage := newTestStorage(t)
	network := newFakeNetwork(funkHandler)
	worker := installedWorker(t, storage, network, funkOptions("v1"))

	network.setOffline(true)
	resp, err := worker.Respond(context.Background(), getRequest(t, "https://app.example/FunkPhonic/voices/new", "text/html,application/xhtml+xml"), nil)
	if err != nil {
		t.Fatalf("导航请求应回退到根文档: %v", err)
	}
	if resp.Source != SourceFallback || resp.Class != string(policy.ClassNavigation) {
		t.Fatalf("应为 fallback/navigation，得到 %s/%s", resp.Source, resp.Class)
	}
	if body := readResponse(t, resp); body != shellHTML {
		t.Fatalf("回退正文不符: %q", body)
	}
}

func TestStaticNavigateModeFallsBackToRoot(t *testing.T) {
	storage := newTestStorage(t)
	network := newFakeNetwork(funkHandler)
	worker := installedWorker(t, storage, network, funkOptions("v1"))
	network.setOffline(true)

	req := getRequest(t, "https://app.example/FunkPhonic/settings", "*/*")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	resp, err := worker.Respond(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("navigate 模式应回退: %v", err)
	}
	if resp.Source != SourceFallback {
		t.Fatalf("应为 fallback，得到 %s", resp.Source)
	}
	readResponse(t, resp)

	_, err = worker.Respond(context.Background(), getRequest(t, "https://app.example/FunkPhonic/missing.css", "text/css"), nil)
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("非导航静态资源离线未命中应失败，得到 %v", err)
	}
}

func TestAudioResponsesAreNeverStored(t *testing.T) {
	storage := newTestStorage(t)
	network := newFakeNetwork(funkHandler)
	opts := funkOptions("v1")
	worker := installedWorker(t, storage, network, opts)

	target := "https://app.example/FunkPhonic/clip.mp3"
	for i := 0; i < 2; i++ {
		resp, err := worker.Respond(context.Background(), getRequest(t, target, "*/*"), nil)
		if err != nil {
			t.Fatalf("音频请求失败: %v", err)
		}
		if resp.Source != SourceNetwork {
			t.Fatalf("音频应始终来自网络，得到 %s", resp.Source)
		}
		readResponse(t, resp)
	}
	if calls := network.callsFor(target); calls != 2 {
		t.Fatalf("音频不应被缓存，网络调用次数 %d", calls)
	}
	if got := storeLen(t, storage, opts.CacheName); got != len(opts.ShellPaths) {
		t.Fatalf("音频不应写入缓存，条目数 %d", got)
	}
}

func TestActivateLeavesOnlyCurrentStore(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	for _, name := range []string{"funkphonic-cache-v0.9.0", "unrelated-cache"} {
		store, err := storage.Open(ctx, name)
		if err != nil {
			t.Fatalf("open %s error: %v", name, err)
		}
		if _, err := store.Put(ctx, cache.Locator{Host: "app.example", Path: "/old"}, cache.Metadata{Status: 200}, strings.NewReader("old")); err != nil {
			t.Fatalf("put error: %v", err)
		}
	}

	opts := funkOptions("v1.0.0")
	worker := installedWorker(t, storage, newFakeNetwork(funkHandler), opts)

	for i := 0; i < 2; i++ {
		names, err := storage.Keys(ctx)
		if err != nil {
			t.Fatalf("keys error: %v", err)
		}
		if len(names) != 1 || names[0] != opts.CacheName {
			t.Fatalf("激活后应只剩当前缓存仓，得到 %v", names)
		}
		if err := worker.Activate(ctx); err != nil {
			t.Fatalf("重复激活不应失败: %v", err)
		}
	}
	if worker.State() != StateActivated {
		t.Fatalf("状态应为 activated，得到 %s", worker.State())
	}
}

func TestConcurrentRequestsForUncachedAsset(t *testing.T) {
	storage := newTestStorage(t)
	network := newFakeNetwork(funkHandler)
	opts := funkOptions("v1")
	worker := installedWorker(t, storage, network, opts)

	const clients = 8
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	requests := make([]*http.Request, clients)
	for i := range requests {
		requests[i] = getRequest(t, "https://app.example/FunkPhonic/app.js", "*/*")
	}
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(req *http.Request) {
			defer wg.Done()
			resp, err := worker.Respond(context.Background(), req, nil)
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				errs <- err
				return
			}
			if string(body) != appJS {
				errs <- errors.New("unexpected body: " + string(body))
			}
		}(requests[i])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("并发请求失败: %v", err)
	}
	if got := storeLen(t, storage, opts.CacheName); got != len(opts.ShellPaths)+1 {
		t.Fatalf("并发写入后应只有一条资源条目，总数 %d", got)
	}
}

func TestRootShellScenarioServesOffline(t *testing.T) {
	storage := newTestStorage(t)
	network := newFakeNetwork(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" || r.URL.Path == "/index.html" {
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, shellHTML)
			return
		}
		http.NotFound(w, r)
	})
	opts := funkOptions("v1")
	opts.ShellPaths = []string{"/", "/index.html"}
	opts.FallbackPaths = []string{"/index.html", "/"}
	worker := installedWorker(t, storage, network, opts)

	network.setOffline(true)
	resp, err := worker.Respond(context.Background(), getRequest(t, "https://app.example/", "text/html"), nil)
	if err != nil {
		t.Fatalf("离线请求根路径失败: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("应返回缓存的 200，得到 %d", resp.Status)
	}
	if body := readResponse(t, resp); body != shellHTML {
		t.Fatalf("根文档正文不符: %q", body)
	}
}

func TestAPIServerErrorNotCachedThenJSONCached(t *testing.T) {
	storage := newTestStorage(t)
	var healthy atomic.Bool
	network := newFakeNetwork(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Host == "tts.funk.workers.dev" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			if !healthy.Load() {
				http.Error(w, "boom", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"voices":["funk"]}`)
			return
		}
		funkHandler(w, r)
	})
	opts := funkOptions("v1")
	worker := installedWorker(t, storage, network, opts)
	target := "https://tts.funk.workers.dev/voices"

	resp, err := worker.Respond(context.Background(), getRequest(t, target, "application/json"), nil)
	if err != nil {
		t.Fatalf("API 请求失败: %v", err)
	}
	if resp.Status != http.StatusInternalServerError || resp.Class != string(policy.ClassAPI) {
		t.Fatalf("应透传 500 且分类为 api-host，得到 %d/%s", resp.Status, resp.Class)
	}
	readResponse(t, resp)
	if got := storeLen(t, storage, opts.CacheName); got != len(opts.ShellPaths) {
		t.Fatalf("500 不应缓存，条目数 %d", got)
	}

	healthy.Store(true)
	resp, err = worker.Respond(context.Background(), getRequest(t, target, "application/json"), nil)
	if err != nil {
		t.Fatalf("API 请求失败: %v", err)
	}
	readResponse(t, resp)
	if got := storeLen(t, storage, opts.CacheName); got != len(opts.ShellPaths)+1 {
		t.Fatalf("200 JSON 应缓存，条目数 %d", got)
	}

	network.setOffline(true)
	resp, err = worker.Respond(context.Background(), getRequest(t, target, "application/json"), nil)
	if err != nil {
		t.Fatalf("离线 API 应返回缓存: %v", err)
	}
	if resp.Source != SourceCache {
		t.Fatalf("离线 API 应来自缓存，得到 %s", resp.Source)
	}
	if body := readResponse(t, resp); body != `{"voices":["funk"]}` {
		t.Fatalf("缓存正文不符: %q", body)
	}

	_, err = worker.Respond(context.Background(), getRequest(t, "https://tts.funk.workers.dev/other", "application/json"), nil)
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("API 未命中不应回退根文档，得到 %v", err)
	}
}

func TestOpaqueResponsesAreNotStored(t *testing.T) {
	storage := newTestStorage(t)
	network := newFakeNetwork(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Host == "cdn.example" {
			w.Header().Set("Content-Type", "text/css")
			_, _ = io.WriteString(w, "body{}")
			return
		}
		funkHandler(w, r)
	})
	opts := funkOptions("v1")
	worker := installedWorker(t, storage, network, opts)

	resp, err := worker.Respond(context.Background(), getRequest(t, "https://cdn.example/site.css", "text/css"), nil)
	if err != nil {
		t.Fatalf("跨源请求失败: %v", err)
	}
	readResponse(t, resp)
	if got := storeLen(t, storage, opts.CacheName); got != len(opts.ShellPaths) {
		t.Fatalf("opaque 响应不应缓存，条目数 %d", got)
	}
}

func TestNetworkTimeoutFallsBackToCache(t *testing.T) {
	var slow atomic.Bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if slow.Load() {
			select {
			case <-time.After(2 * time.Second):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, shellHTML)
	}))
	defer upstream.Close()

	storage := newTestStorage(t)
	opts := funkOptions("v1")
	opts.ShellURL = mustURL(upstream.URL)
	opts.NetworkTimeout = 100 * time.Millisecond
	worker := installedWorker(t, storage, upstream.Client(), opts)

	slow.Store(true)
	started := time.Now()
	resp, err := worker.Respond(context.Background(), getRequest(t, upstream.URL+"/FunkPhonic/", "text/html"), nil)
	if err != nil {
		t.Fatalf("超时后应回退缓存: %v", err)
	}
	if resp.Source != SourceCache {
		t.Fatalf("应来自缓存，得到 %s", resp.Source)
	}
	readResponse(t, resp)
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("超时回退耗时过长: %s", elapsed)
	}
}

func TestOversizeBodyStreamedButNotStored(t *testing.T) {
	large := bytes.Repeat([]byte("a"), 64)
	storage := newTestStorage(t)
	network := newFakeNetwork(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/FunkPhonic/big.bin" {
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(large)
			return
		}
		funkHandler(w, r)
	})
	opts := funkOptions("v1")
	opts.MaxEntryBytes = 32
	worker := installedWorker(t, storage, network, opts)

	resp, err := worker.Respond(context.Background(), getRequest(t, "https://app.example/FunkPhonic/big.bin", "*/*"), nil)
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if body := readResponse(t, resp); body != string(large) {
		t.Fatalf("超限正文应完整返回，长度 %d", len(body))
	}
	if got := storeLen(t, storage, opts.CacheName); got != len(opts.ShellPaths) {
		t.Fatalf("超限正文不应缓存，条目数 %d", got)
	}
}

func TestInstallIsAllOrNothing(t *testing.T) {
	storage := newTestStorage(t)
	opts := funkOptions("v2")
	opts.ShellPaths = append(opts.ShellPaths, "/FunkPhonic/missing.js")

	worker, err := NewWorker(opts, storage, newFakeNetwork(funkHandler), testLogger(), nil)
	if err != nil {
		t.Fatalf("new worker error: %v", err)
	}
	err = worker.Install(context.Background())
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("缺失资源应导致安装失败，得到 %v", err)
	}
	if worker.State() != StateRedundant {
		t.Fatalf("失败后应为 redundant，得到 %s", worker.State())
	}
	exists, err := storage.Has(context.Background(), opts.CacheName)
	if err != nil {
		t.Fatalf("has error: %v", err)
	}
	if exists {
		t.Fatalf("安装失败不应留下缓存仓")
	}
}

func TestNonGetIsNotIntercepted(t *testing.T) {
	storage := newTestStorage(t)
	worker := installedWorker(t, storage, newFakeNetwork(funkHandler), funkOptions("v1"))

	req, _ := http.NewRequest(http.MethodPost, "https://tts.funk.workers.dev/synthesize", strings.NewReader("{}"))
	if _, err := worker.Respond(context.Background(), req, nil); !errors.Is(err, ErrNotIntercepted) {
		t.Fatalf("POST 应返回 ErrNotIntercepted，得到 %v", err)
	}
}

func TestStrategyOverrideNetworkFirstForStatic(t *testing.T) {
	storage := newTestStorage(t)
	network := newFakeNetwork(funkHandler)
	opts := funkOptions("v1")
	opts.Rules.Overrides = map[policy.Class]policy.Mode{policy.ClassStatic: policy.ModeNetworkFirst}
	worker := installedWorker(t, storage, network, opts)

	target := "https://app.example/FunkPhonic/app.js"
	for i := 0; i < 2; i++ {
		resp, err := worker.Respond(context.Background(), getRequest(t, target, "*/*"), nil)
		if err != nil {
			t.Fatalf("请求失败: %v", err)
		}
		if resp.Source != SourceNetwork {
			t.Fatalf("network-first 覆盖后应来自网络，得到 %s", resp.Source)
		}
		readResponse(t, resp)
	}
	if calls := network.callsFor(target); calls != 2 {
		t.Fatalf("network-first 应每次访问网络，调用次数 %d", calls)
	}
}

func TestFailedReinstallRestoresExistingEntries(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	opts := funkOptions("v1")
	installedWorker(t, storage, newFakeNetwork(funkHandler), opts)

	rebuilt := newFakeNetwork(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "<html>rebuilt</html>")
	})
	failing := &failingStorage{Storage: storage, failURL: "https://app.example/FunkPhonic/index.html"}
	worker, err := NewWorker(opts, failing, rebuilt, testLogger(), nil)
	if err != nil {
		t.Fatalf("new worker error: %v", err)
	}
	if err := worker.Install(ctx); !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("写入失败时安装应失败，得到 %v", err)
	}

	if got := storeLen(t, storage, opts.CacheName); got != len(opts.ShellPaths) {
		t.Fatalf("回滚后条目数应保持 %d，得到 %d", len(opts.ShellPaths), got)
	}
	store, err := storage.Open(ctx, opts.CacheName)
	if err != nil {
		t.Fatalf("open store error: %v", err)
	}
	result, err := store.Match(ctx, cache.LocatorForURL(mustURL("https://app.example/FunkPhonic/")))
	if err != nil {
		t.Fatalf("根文档应被恢复: %v", err)
	}
	defer result.Reader.Close()
	body, _ := io.ReadAll(result.Reader)
	if string(body) != shellHTML {
		t.Fatalf("根文档应恢复为安装前内容，得到 %q", string(body))
	}
	if ct := result.Entry.Metadata.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("恢复后的响应头不符: %q", ct)
	}
}

func TestInstallRejectsAudioShellResource(t *testing.T) {
	storage := newTestStorage(t)
	opts := funkOptions("v1")
	opts.ShellPaths = append(opts.ShellPaths, "/FunkPhonic/clip.mp3")
	worker, err := NewWorker(opts, storage, newFakeNetwork(funkHandler), testLogger(), nil)
	if err != nil {
		t.Fatalf("new worker error: %v", err)
	}
	if err := worker.Install(context.Background()); !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("壳清单含音频时安装应失败，得到 %v", err)
	}
	if ok, _ := storage.Has(context.Background(), opts.CacheName); ok {
		t.Fatalf("安装失败不应留下缓存仓")
	}
}

func TestInstallRejectsNonOKShellStatus(t *testing.T) {
	storage := newTestStorage(t)
	network := newFakeNetwork(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/FunkPhonic/index.html" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		funkHandler(w, r)
	})
	worker, err := NewWorker(funkOptions("v1"), storage, network, testLogger(), nil)
	if err != nil {
		t.Fatalf("new worker error: %v", err)
	}
	if err := worker.Install(context.Background()); !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("204 壳资源不可缓存，安装应失败，得到 %v", err)
	}
}
