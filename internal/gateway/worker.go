package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shellgate/shellgate/internal/cache"
	"github.com/shellgate/shellgate/internal/logging"
	"github.com/shellgate/shellgate/internal/metrics"
	"github.com/shellgate/shellgate/internal/policy"
)

// State 对应 Worker 生命周期中的各个阶段。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Worker 绑定一个缓存版本，负责安装壳资源、清理旧缓存仓以及处理 GET 请求。
type Worker struct {
	opts    Options
	storage cache.Storage
	network Network
	logger  *logrus.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	state State
	store cache.Store
}

// NewWorker 创建处于 parsed 状态的 Worker，尚未触碰磁盘。
func NewWorker(opts Options, storage cache.Storage, network Network, logger *logrus.Logger, m *metrics.Metrics) (*Worker, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if storage == nil {
		return nil, fmt.Errorf("storage is nil")
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Worker{
		opts:    opts,
		storage: storage,
		network: network,
		logger:  logger,
		metrics: m,
		state:   StateParsed,
	}, nil
}

func (w *Worker) CacheName() string { return w.opts.CacheName }

func (w *Worker) Version() string { return w.opts.Version }

func (w *Worker) Options() Options { return w.opts }

// State 返回当前生命周期阶段。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *Worker) currentStore() cache.Store {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.store
}

type shellResource struct {
	path    string
	locator cache.Locator
	meta    cache.Metadata
	body    []byte
}

// Install 拉取全部壳资源后一次性写入缓存仓。任一拉取失败、非 2xx 或不可缓存
// （如 audio/*）时整批放弃。写入阶段失败时回滚：新建的缓存仓整体删除，
// 已有缓存仓恢复被覆盖前的条目。
func (w *Worker) Install(ctx context.Context) (err error) {
	w.mu.Lock()
	if w.state != StateParsed {
		current := w.state
		w.mu.Unlock()
		return fmt.Errorf("%w: install from %s", ErrInvalidState, current)
	}
	w.state = StateInstalling
	w.mu.Unlock()

	started := time.Now()
	defer func() {
		w.metrics.RecordLifecycle("install", err)
		fields := logging.LifecycleFields("install", w.opts.CacheName, w.opts.Version)
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		fields["shell_paths"] = len(w.opts.ShellPaths)
		if err != nil {
			w.setState(StateRedundant)
			w.logger.WithFields(fields).WithError(err).Error("worker_install_failed")
			return
		}
		w.setState(StateInstalled)
		w.logger.WithFields(fields).Info("worker_installed")
	}()

	existed, err := w.storage.Has(ctx, w.opts.CacheName)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}

	resources := make([]shellResource, 0, len(w.opts.ShellPaths))
	for _, p := range w.opts.ShellPaths {
		res, fetchErr := w.fetchShell(ctx, p)
		if fetchErr != nil {
			return fmt.Errorf("%w: %s: %v", ErrInstallFailed, p, fetchErr)
		}
		resources = append(resources, res)
	}

	store, err := w.storage.Open(ctx, w.opts.CacheName)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}

	written := make([]priorEntry, 0, len(resources))
	for _, res := range resources {
		prior := priorEntry{locator: res.locator}
		if existed {
			snap, snapErr := snapshot(ctx, store, res.locator)
			if snapErr != nil {
				w.rollback(store, existed, written)
				return fmt.Errorf("%w: snapshot %s: %v", ErrInstallFailed, res.path, snapErr)
			}
			prior = snap
		}
		if _, putErr := store.Put(ctx, res.locator, res.meta, bytes.NewReader(res.body)); putErr != nil {
			w.rollback(store, existed, written)
			return fmt.Errorf("%w: store %s: %v", ErrInstallFailed, res.path, putErr)
		}
		written = append(written, prior)
	}

	w.mu.Lock()
	w.store = store
	w.mu.Unlock()
	return nil
}

func (w *Worker) fetchShell(ctx context.Context, p string) (shellResource, error) {
	target := w.opts.resolve(p)
	req, err := newGet(ctx, target.String())
	if err != nil {
		return shellResource{}, err
	}
	resp, err := fetch(ctx, w.network, req, w.opts.networkTimeout())
	if err != nil {
		return shellResource{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return shellResource{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if !policy.Storable(resp.StatusCode, policy.TypeOf(true, resp.Header), resp.Header) {
		return shellResource{}, fmt.Errorf("not storable: status %d, content-type %q",
			resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return shellResource{}, err
	}
	return shellResource{
		path:    p,
		locator: cache.LocatorForURL(target),
		meta: cache.Metadata{
			URL:    target.String(),
			Status: resp.StatusCode,
			Header: resp.Header.Clone(),
		},
		body: body,
	}, nil
}

// priorEntry 记录安装批次覆盖前的条目，found 为 false 表示原先不存在。
type priorEntry struct {
	locator cache.Locator
	found   bool
	meta    cache.Metadata
	body    []byte
}

func snapshot(ctx context.Context, store cache.Store, locator cache.Locator) (priorEntry, error) {
	prior := priorEntry{locator: locator}
	result, err := store.Match(ctx, locator)
	if errors.Is(err, cache.ErrNotFound) {
		return prior, nil
	}
	if err != nil {
		return prior, err
	}
	defer result.Reader.Close()
	body, err := io.ReadAll(result.Reader)
	if err != nil {
		return prior, err
	}
	prior.found = true
	prior.meta = result.Entry.Metadata
	prior.body = body
	return prior, nil
}

// rollback 撤销本批次写入：新建的缓存仓整体删除，已有缓存仓恢复被覆盖的条目。
func (w *Worker) rollback(store cache.Store, existed bool, written []priorEntry) {
	ctx := context.Background()
	fields := logging.LifecycleFields("install_rollback", w.opts.CacheName, w.opts.Version)
	if !existed {
		if _, err := w.storage.Delete(ctx, store.Name()); err != nil {
			w.logger.WithFields(fields).WithError(err).Warn("rollback_delete_failed")
		}
		return
	}
	for i := len(written) - 1; i >= 0; i-- {
		prior := written[i]
		if !prior.found {
			if err := store.Remove(ctx, prior.locator); err != nil {
				w.logger.WithFields(fields).WithError(err).WithField("locator", prior.locator.String()).
					Warn("rollback_remove_failed")
			}
			continue
		}
		if _, err := store.Put(ctx, prior.locator, prior.meta, bytes.NewReader(prior.body)); err != nil {
			w.logger.WithFields(fields).WithError(err).WithField("locator", prior.locator.String()).
				Warn("rollback_restore_failed")
		}
	}
}

// Adopt 在无法安装时接管磁盘上已存在的同名缓存仓，使离线重启仍可服务。
func (w *Worker) Adopt(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateParsed && w.state != StateRedundant {
		return fmt.Errorf("%w: adopt from %s", ErrInvalidState, w.state)
	}
	ok, err := w.storage.Has(ctx, w.opts.CacheName)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: store %s not found", ErrInstallFailed, w.opts.CacheName)
	}
	store, err := w.storage.Open(ctx, w.opts.CacheName)
	if err != nil {
		return err
	}
	w.store = store
	w.state = StateInstalled
	w.logger.WithFields(logging.LifecycleFields("adopt", w.opts.CacheName, w.opts.Version)).
		Warn("worker_adopted_existing_store")
	return nil
}

// Activate 删除除当前版本以外的全部缓存仓。可重复调用，结果保持只剩一个缓存仓。
func (w *Worker) Activate(ctx context.Context) (err error) {
	w.mu.Lock()
	if w.state != StateInstalled && w.state != StateActivated {
		current := w.state
		w.mu.Unlock()
		return fmt.Errorf("%w: activate from %s", ErrInvalidState, current)
	}
	previous := w.state
	w.state = StateActivating
	w.mu.Unlock()

	purged := 0
	defer func() {
		w.metrics.RecordLifecycle("activate", err)
		w.metrics.RecordPurged(purged)
		fields := logging.LifecycleFields("activate", w.opts.CacheName, w.opts.Version)
		fields["purged"] = purged
		if err != nil {
			w.setState(previous)
			w.logger.WithFields(fields).WithError(err).Error("worker_activate_failed")
			return
		}
		w.setState(StateActivated)
		w.logger.WithFields(fields).Info("worker_activated")
	}()

	names, err := w.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list stores: %w", err)
	}
	for _, name := range names {
		if name == w.opts.CacheName {
			continue
		}
		deleted, delErr := w.storage.Delete(ctx, name)
		if delErr != nil {
			return fmt.Errorf("delete store %s: %w", name, delErr)
		}
		if deleted {
			purged++
		}
	}
	return nil
}

// markRedundant 标记被替换或放弃的 Worker。
func (w *Worker) markRedundant() {
	w.setState(StateRedundant)
}

// Response 是策略执行后的最终结果，调用方负责关闭 Body。
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
	Source Source
	Class  string
}

// Source 标记响应来源，对应 X-Shellgate-Cache 头。
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
	SourceBypass   Source = "bypass"
)

