package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".meta"

	encodingZstd = "zstd"
)

// Options 控制磁盘写入的可选行为。
type Options struct {
	// Compress 为 true 时正文以 zstd 压缩落盘，读取时透明解压。
	Compress bool
	// CompressionLevel 对应 zstd 级别（1-22），<=0 时使用默认级别。
	CompressionLevel int
}

// NewStorage 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStorage(basePath string, opts Options) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		opts:     opts,
		stores:   make(map[string]*fileStore),
	}, nil
}

// fileStorage 记录已打开的 fileStore，Delete 时统一失效。
type fileStorage struct {
	basePath string
	opts     Options

	mu     sync.Mutex
	stores map[string]*fileStore
}

func (s *fileStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.stores[name]; existing != nil && !existing.isDeleted() {
		return existing, nil
	}

	dir := filepath.Join(s.basePath, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store %s: %w", name, err)
	}
	store := &fileStore{
		name:  name,
		dir:   dir,
		opts:  s.opts,
		locks: make(map[string]*entryLock),
	}
	s.stores[name] = store
	return store, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := ValidateName(name); err != nil {
		return false, err
	}
	info, err := os.Stat(filepath.Join(s.basePath, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := ValidateName(name); err != nil {
		return false, err
	}

	s.mu.Lock()
	store := s.stores[name]
	delete(s.stores, name)
	s.mu.Unlock()

	if store != nil {
		store.markDeleted()
	}

	dir := filepath.Join(s.basePath, name)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("delete store %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStorage) Len(ctx context.Context, name string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := ValidateName(name); err != nil {
		return 0, err
	}
	dir := filepath.Join(s.basePath, name)
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	if !info.IsDir() {
		return 0, ErrNotFound
	}
	return countEntries(ctx, dir)
}

// fileStore 通过 entryLock 避免同一 Locator 并发写入；gate 保证删除与写入互斥。
type fileStore struct {
	name string
	dir  string
	opts Options

	gate    sync.RWMutex
	deleted bool

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Name() string {
	return s.name
}

func (s *fileStore) Match(ctx context.Context, locator Locator) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.deleted {
		return nil, ErrNotFound
	}

	base, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	unlock := s.lockEntry(locator)
	defer unlock()

	entry, err := readMeta(base + metaSuffix)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	entry.Locator = locator
	entry.FilePath = base + bodySuffix

	reader, err := s.wrapReader(f, entry.Encoding)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &ReadResult{Entry: entry, Reader: reader}, nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, meta Metadata, body io.Reader) (*Entry, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.deleted {
		return nil, ErrStoreDeleted
	}

	base, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}

	unlock := s.lockEntry(locator)
	defer unlock()

	dir := filepath.Dir(base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	encoding := ""
	if s.opts.Compress {
		encoding = encodingZstd
	}

	bodyTemp, written, err := s.writeBodyTemp(ctx, dir, body, encoding)
	if err != nil {
		return nil, err
	}

	entry := Entry{
		Locator:   locator,
		Metadata:  meta,
		SizeBytes: written,
		Encoding:  encoding,
		StoredAt:  time.Now().UTC(),
		FilePath:  base + bodySuffix,
	}
	metaTemp, err := writeMetaTemp(dir, entry)
	if err != nil {
		os.Remove(bodyTemp)
		return nil, err
	}

	if err := os.Rename(bodyTemp, base+bodySuffix); err != nil {
		os.Remove(bodyTemp)
		os.Remove(metaTemp)
		return nil, err
	}
	if err := os.Rename(metaTemp, base+metaSuffix); err != nil {
		os.Remove(metaTemp)
		return nil, err
	}
	return &entry, nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.deleted {
		return nil
	}

	base, err := s.entryPath(locator)
	if err != nil {
		return err
	}

	unlock := s.lockEntry(locator)
	defer unlock()

	for _, suffix := range []string{metaSuffix, bodySuffix} {
		if err := os.Remove(base + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *fileStore) Len(ctx context.Context) (int, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.deleted {
		return 0, nil
	}
	return countEntries(ctx, s.dir)
}

// countEntries 统计目录下的元数据文件数量，目录在遍历中被删除时按已统计数返回。
func countEntries(ctx context.Context, dir string) (int, error) {
	count := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), metaSuffix) && !strings.HasPrefix(d.Name(), ".") {
			count++
		}
		return nil
	})
	return count, err
}

func (s *fileStore) markDeleted() {
	s.gate.Lock()
	s.deleted = true
	s.gate.Unlock()
}

func (s *fileStore) isDeleted() bool {
	s.gate.RLock()
	defer s.gate.RUnlock()
	return s.deleted
}

func (s *fileStore) lockEntry(locator Locator) func() {
	key := locatorKey(locator)
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// entryPath 返回不含后缀的条目路径：<dir>/<host>/<path>。
func (s *fileStore) entryPath(locator Locator) (string, error) {
	host := hostDir(locator.Host)

	rel := locator.Path
	switch {
	case rel == "" || rel == "/":
		rel = "_root"
	case strings.HasSuffix(rel, "/"):
		rel += "_index"
	}
	rel = path.Clean("/" + rel)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		rel = "_root"
	}

	hostRoot := filepath.Join(s.dir, host)
	filePath := filepath.Join(hostRoot, filepath.FromSlash(rel))
	if !strings.HasPrefix(filePath, hostRoot+string(filepath.Separator)) {
		return "", errors.New("invalid cache path")
	}
	return filePath, nil
}

func (s *fileStore) writeBodyTemp(ctx context.Context, dir string, body io.Reader, encoding string) (string, int64, error) {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return "", 0, err
	}
	tempName := tempFile.Name()

	var (
		written int64
		copyErr error
	)
	if encoding == encodingZstd {
		written, copyErr = s.copyCompressed(ctx, tempFile, body)
	} else {
		written, copyErr = copyWithContext(ctx, tempFile, body)
	}
	closeErr := tempFile.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		os.Remove(tempName)
		return "", 0, copyErr
	}
	return tempName, written, nil
}

func (s *fileStore) copyCompressed(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	opts := []zstd.EOption{}
	if s.opts.CompressionLevel > 0 {
		opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(s.opts.CompressionLevel)))
	}
	encoder, err := zstd.NewWriter(dst, opts...)
	if err != nil {
		return 0, fmt.Errorf("create zstd encoder: %w", err)
	}
	written, err := copyWithContext(ctx, encoder, src)
	if err != nil {
		encoder.Close()
		return written, err
	}
	return written, encoder.Close()
}

func (s *fileStore) wrapReader(f *os.File, encoding string) (io.ReadCloser, error) {
	switch encoding {
	case "":
		return f, nil
	case encodingZstd:
		decoder, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		return &zstdReadCloser{decoder: decoder, file: f}, nil
	default:
		return nil, fmt.Errorf("unsupported cache encoding: %s", encoding)
	}
}

type zstdReadCloser struct {
	decoder *zstd.Decoder
	file    *os.File
}

func (z *zstdReadCloser) Read(p []byte) (int, error) {
	return z.decoder.Read(p)
}

func (z *zstdReadCloser) Close() error {
	z.decoder.Close()
	return z.file.Close()
}

func readMeta(filePath string) (Entry, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode cache metadata: %w", err)
	}
	return entry, nil
}

func writeMetaTemp(dir string, entry Entry) (string, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	tempFile, err := os.CreateTemp(dir, ".meta-*")
	if err != nil {
		return "", err
	}
	tempName := tempFile.Name()
	_, err = tempFile.Write(raw)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", err
	}
	return tempName, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func hostDir(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return "_local"
	}
	host = strings.NewReplacer(":", "_", "/", "_", `\`, "_").Replace(host)
	if strings.HasPrefix(host, ".") {
		host = "_" + host
	}
	return host
}

func locatorKey(locator Locator) string {
	return locator.Host + "::" + locator.Path
}
