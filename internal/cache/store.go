package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// Storage 管理 StoragePath 下的全部命名缓存仓，对应浏览器的 CacheStorage。
type Storage interface {
	// Open 打开（必要时创建）指定名称的缓存仓。
	Open(ctx context.Context, name string) (Store, error)
	// Has 报告缓存仓是否已存在于磁盘。
	Has(ctx context.Context, name string) (bool, error)
	// Keys 返回所有缓存仓名称，按字典序排列。
	Keys(ctx context.Context) ([]string, error)
	// Delete 删除整个缓存仓并使其已打开的句柄失效，返回是否确实删除了内容。
	Delete(ctx context.Context, name string) (bool, error)
	// Len 只读地统计缓存仓条目数，不会创建目录；缓存仓不存在时返回 ErrNotFound。
	Len(ctx context.Context, name string) (int, error)
}

// Store 负责单个版本缓存仓内条目的读写。
type Store interface {
	Name() string

	// Match 返回可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Match(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 写入一条响应。实现需通过临时文件 + rename 保证原子性，同一 Locator
	// 的并发写入以最后一次为准。
	Put(ctx context.Context, locator Locator, meta Metadata, body io.Reader) (*Entry, error)

	// Remove 删除单个条目，主要用于安装批次失败时回滚。
	Remove(ctx context.Context, locator Locator) error

	// Len 返回当前条目数量。
	Len(ctx context.Context) (int, error)
}

// Locator 唯一定位一个缓存条目（目标主机 + URL 路径风格的相对路径）。
type Locator struct {
	Host string
	Path string
}

// String 返回便于日志输出的形式。
func (l Locator) String() string {
	return l.Host + l.Path
}

// LocatorForURL 根据目标 URL 计算 Locator，查询串以 /__qs/<sha1> 形式折叠进路径。
func LocatorForURL(u *url.URL) Locator {
	if u == nil {
		return Locator{}
	}
	clean := u.EscapedPath()
	if clean == "" {
		clean = "/"
	}
	trailing := strings.HasSuffix(clean, "/") && clean != "/"
	clean = path.Clean("/" + clean)
	if trailing {
		clean += "/"
	}
	if u.RawQuery != "" {
		sum := sha1.Sum([]byte(u.RawQuery))
		clean = fmt.Sprintf("%s/__qs/%s", strings.TrimSuffix(clean, "/"), hex.EncodeToString(sum[:]))
	}
	return Locator{
		Host: strings.ToLower(u.Host),
		Path: clean,
	}
}

// Metadata 是随正文一起持久化的响应描述。
type Metadata struct {
	URL    string      `json:"url"`
	Status int         `json:"status"`
	Header http.Header `json:"header"`
}

// Entry 表示一次写入或命中的条目信息。
type Entry struct {
	Locator   Locator   `json:"locator"`
	Metadata  Metadata  `json:"metadata"`
	SizeBytes int64     `json:"size_bytes"`
	Encoding  string    `json:"encoding,omitempty"`
	StoredAt  time.Time `json:"stored_at"`
	FilePath  string    `json:"-"`
}

// ReadResult 组合 Entry 与正文 Reader，调用方负责 Close。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadCloser
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrStoreDeleted 表示缓存仓已被 Storage.Delete 移除，句柄不可再写。
	ErrStoreDeleted = errors.New("cache store deleted")
	// ErrInvalidName 表示缓存仓名称无法安全映射为目录。
	ErrInvalidName = errors.New("invalid cache store name")
)

// ValidateName 检查缓存仓名称能否安全地作为单级目录名。
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	switch {
	case trimmed == "", trimmed != name:
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case trimmed == "." || trimmed == "..", strings.HasPrefix(trimmed, "."):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(trimmed, `/\:`):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
