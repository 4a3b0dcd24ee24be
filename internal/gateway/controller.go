package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/shellgate/shellgate/internal/cache"
	"github.com/shellgate/shellgate/internal/logging"
	"github.com/shellgate/shellgate/internal/metrics"
)

// MessageSkipWaiting 让 waiting Worker 立即激活。
const MessageSkipWaiting = "SKIP_WAITING"

// Message 是带外控制消息。
type Message struct {
	Type string `json:"type"`
}

// Controller 持有 active 与 waiting 两个槽位。active 通过原子指针切换，
// 正在处理的请求会在其开始时的 Worker 上完成。
type Controller struct {
	storage cache.Storage
	network Network
	logger  *logrus.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	active  atomic.Pointer[Worker]
	waiting *Worker
}

// NewController 创建尚无 Worker 的控制器。
func NewController(storage cache.Storage, network Network, logger *logrus.Logger, m *metrics.Metrics) *Controller {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Controller{
		storage: storage,
		network: network,
		logger:  logger,
		metrics: m,
	}
}

// Register 为新版本创建并安装 Worker。与当前 active 或 waiting 版本相同的注册不做任何事。
// 安装在锁外进行，期间 Status 与 SKIP_WAITING 不受阻塞。
// 安装成功后：没有 active Worker 或 SkipWaiting 为 true 时立即激活，否则进入 waiting。
// 安装失败时原 active Worker 保持不变。
func (c *Controller) Register(ctx context.Context, opts Options) (*Worker, error) {
	c.mu.Lock()
	existing := c.registeredLocked(opts.CacheName)
	c.mu.Unlock()
	if existing != nil {
		return existing, nil
	}

	worker, err := NewWorker(opts, c.storage, c.network, c.logger, c.metrics)
	if err != nil {
		return nil, err
	}
	if err := worker.Install(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing := c.registeredLocked(opts.CacheName); existing != nil {
		worker.markRedundant()
		return existing, nil
	}
	// 安装期间另一个版本的 activate 可能已清理掉本缓存仓。
	ok, err := c.storage.Has(ctx, opts.CacheName)
	if err != nil || !ok {
		worker.markRedundant()
		return nil, fmt.Errorf("%w: store %s removed during install", ErrInstallFailed, opts.CacheName)
	}
	return worker, c.promoteLocked(ctx, worker)
}

// registeredLocked 返回已占据 active 或 waiting 槽位的同名 Worker。
func (c *Controller) registeredLocked(cacheName string) *Worker {
	if current := c.active.Load(); current != nil && current.CacheName() == cacheName {
		return current
	}
	if c.waiting != nil && c.waiting.CacheName() == cacheName {
		return c.waiting
	}
	return nil
}

// Start 用于进程启动：优先安装；安装失败但磁盘上已有同名缓存仓时接管该仓。
func (c *Controller) Start(ctx context.Context, opts Options) (*Worker, error) {
	worker, err := c.Register(ctx, opts)
	if err == nil {
		return worker, nil
	}
	if !errors.Is(err, ErrInstallFailed) {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	adopted, newErr := NewWorker(opts, c.storage, c.network, c.logger, c.metrics)
	if newErr != nil {
		return nil, newErr
	}
	if adoptErr := adopted.Adopt(ctx); adoptErr != nil {
		return nil, fmt.Errorf("%v; %w", err, adoptErr)
	}
	if c.active.Load() != nil {
		return adopted, c.promoteLocked(ctx, adopted)
	}
	return adopted, c.activateLocked(ctx, adopted)
}

func (c *Controller) promoteLocked(ctx context.Context, worker *Worker) error {
	if c.waiting != nil {
		c.waiting.markRedundant()
	}
	c.waiting = worker
	if c.active.Load() == nil || worker.opts.SkipWaiting {
		return c.activateLocked(ctx, worker)
	}
	c.logger.WithFields(logging.LifecycleFields("waiting", worker.CacheName(), worker.Version())).
		Info("worker_waiting")
	return nil
}

// activateLocked 执行 activate 后再切换 active，保证清理完成于接管之前。
func (c *Controller) activateLocked(ctx context.Context, worker *Worker) error {
	if err := worker.Activate(ctx); err != nil {
		return err
	}
	if c.waiting == worker {
		c.waiting = nil
	}
	previous := c.active.Swap(worker)
	if previous != nil && previous != worker {
		previous.markRedundant()
	}
	fields := logging.LifecycleFields("claim", worker.CacheName(), worker.Version())
	if previous != nil {
		fields["previous"] = previous.CacheName()
	}
	c.logger.WithFields(fields).Info("worker_claimed")
	return nil
}

// SkipWaiting 立即激活 waiting Worker。
func (c *Controller) SkipWaiting(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiting == nil {
		return ErrNothingWaiting
	}
	return c.activateLocked(ctx, c.waiting)
}

// PostMessage 处理带外控制消息，目前只识别 SKIP_WAITING。
func (c *Controller) PostMessage(ctx context.Context, msg Message) error {
	switch strings.TrimSpace(msg.Type) {
	case MessageSkipWaiting:
		return c.SkipWaiting(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// Active 返回当前 active Worker，可能为 nil。
func (c *Controller) Active() *Worker {
	return c.active.Load()
}

// Waiting 返回 waiting Worker，可能为 nil。
func (c *Controller) Waiting() *Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting
}

// Respond 把请求交给当前 active Worker。
func (c *Controller) Respond(ctx context.Context, req *http.Request, network Network) (*Response, error) {
	worker := c.active.Load()
	if worker == nil {
		return nil, ErrNoActiveWorker
	}
	return worker.Respond(ctx, req, network)
}

// WorkerInfo 是 Worker 的只读快照。
type WorkerInfo struct {
	CacheName string `json:"cacheName"`
	Version   string `json:"version"`
	State     State  `json:"state"`
}

// Status 描述控制器当前槽位。
type Status struct {
	Active  *WorkerInfo `json:"active"`
	Waiting *WorkerInfo `json:"waiting"`
}

// Status 返回 active/waiting 快照。
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Active:  describe(c.active.Load()),
		Waiting: describe(c.waiting),
	}
}

func describe(w *Worker) *WorkerInfo {
	if w == nil {
		return nil
	}
	return &WorkerInfo{CacheName: w.CacheName(), Version: w.Version(), State: w.State()}
}

// StoreInfo 描述磁盘上的一个缓存仓。
type StoreInfo struct {
	Name    string `json:"name"`
	Current bool   `json:"current"`
	Entries int    `json:"entries"`
}

// Caches 列出磁盘上的缓存仓以及当前使用的是哪一个。
func (c *Controller) Caches(ctx context.Context) ([]StoreInfo, error) {
	names, err := c.storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	current := ""
	if worker := c.active.Load(); worker != nil {
		current = worker.CacheName()
	}
	infos := make([]StoreInfo, 0, len(names))
	for _, name := range names {
		info := StoreInfo{Name: name, Current: name == current}
		n, lenErr := c.storage.Len(ctx, name)
		if errors.Is(lenErr, cache.ErrNotFound) {
			continue
		}
		if lenErr == nil {
			info.Entries = n
		}
		infos = append(infos, info)
	}
	return infos, nil
}
