package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-get/internal/logging"
)

// Option 调整 Open 返回的 Store。
type Option func(*fileStore)

// WithLogger 指定记录缓存维护告警（例如残留文件清理失败）的日志器。
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *fileStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open 以 dir 为根目录打开磁盘缓存，目录不存在时自动创建。
// 路径已存在但不是目录时返回 ErrNotADirectory；其它创建失败原样包装返回，
// 由调用方决定是否降级为“本次不使用缓存”。
func Open(dir string, opts ...Option) (Store, error) {
	if dir == "" {
		return nil, errors.New("cache directory required")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache directory: %w", err)
	}

	info, err := os.Stat(abs)
	switch {
	case err == nil && !info.IsDir():
		return nil, fmt.Errorf("%w: %s", ErrNotADirectory, abs)
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("stat cache directory: %w", err)
	}

	// MkdirAll 对并发创建者是幂等的：目录已存在时直接返回 nil。
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	store := &fileStore{
		dir:    abs,
		now:    time.Now,
		remove: os.Remove,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

// fileStore 把所有互斥交给 index.lock，不持有任何进程内状态，
// 因此同一目录可以被任意多个 fileStore 实例（或进程）共享。
type fileStore struct {
	dir    string
	now    func() time.Time
	remove func(string) error
	logger logrus.FieldLogger
}

func (s *fileStore) Dir() string {
	return s.dir
}

func (s *fileStore) Lookup(ctx context.Context, uri string) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock, err := lockIndex(ctx, s.dir, false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	idx, err := readIndex(s.dir)
	if err != nil {
		return nil, err
	}
	entry, ok := idx.Entries[uri]
	if !ok {
		return nil, ErrNotFound
	}
	entry.FilePath = s.artifactPath(entry.ArtifactID)

	// 在锁内打开文件：即使之后条目被替换、文件被删除，已打开的句柄仍然可读。
	f, err := os.Open(entry.FilePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, ErrNotFound
	}
	entry.SizeBytes = info.Size()

	return &ReadResult{
		Entry:  entry,
		Reader: f,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, uri string, body io.Reader) (*Entry, error) {
	if uri == "" {
		return nil, errors.New("source uri required")
	}

	unlock, err := lockIndex(ctx, s.dir, true)
	if err != nil {
		return nil, err
	}
	defer unlock()

	artifactID := uuid.NewString()
	filePath := s.artifactPath(artifactID)

	tempFile, err := os.CreateTemp(s.dir, ".artifact-*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	if err == nil {
		err = tempFile.Sync()
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return nil, err
	}

	// 合并前重新读取磁盘上的索引，避免覆盖先提交的并发写入者。
	idx, err := readIndex(s.dir)
	if err != nil {
		os.Remove(filePath)
		return nil, err
	}

	previous, replaced := idx.Entries[uri]
	entry := Entry{
		URI:        uri,
		ArtifactID: artifactID,
		SizeBytes:  written,
		StoredAt:   s.now().UTC(),
	}
	idx.Entries[uri] = entry

	if err := writeIndex(s.dir, idx); err != nil {
		os.Remove(filePath)
		return nil, err
	}

	// 索引已提交，旧文件删不掉只会留下无人引用的孤儿，不影响本次写入。
	if replaced {
		if err := s.remove(s.artifactPath(previous.ArtifactID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.WithFields(logrus.Fields{
				"action":      "cache_put",
				"uri":         uri,
				"artifact_id": previous.ArtifactID,
			}).WithError(err).Warn("remove replaced artifact failed")
		}
	}

	entry.FilePath = filePath
	return &entry, nil
}

func (s *fileStore) List(ctx context.Context) ([]Entry, error) {
	unlock, err := lockIndex(ctx, s.dir, false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	idx, err := readIndex(s.dir)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(idx.Entries))
	for _, entry := range idx.Entries {
		entry.FilePath = s.artifactPath(entry.ArtifactID)
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].URI < entries[j].URI })
	return entries, nil
}

func (s *fileStore) Remove(ctx context.Context, uri string) error {
	unlock, err := lockIndex(ctx, s.dir, true)
	if err != nil {
		return err
	}
	defer unlock()

	idx, err := readIndex(s.dir)
	if err != nil {
		return err
	}
	entry, ok := idx.Entries[uri]
	if !ok {
		return ErrNotFound
	}
	delete(idx.Entries, uri)
	if err := writeIndex(s.dir, idx); err != nil {
		return err
	}

	if err := os.Remove(s.artifactPath(entry.ArtifactID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) artifactPath(artifactID string) string {
	return filepath.Join(s.dir, artifactID)
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
