package download

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
)

// stagedFile 是输出目录中的临时文件，正文写完并校验通过后才 rename 到目标路径，
// 因此目标路径上永远不会出现半写的文件。
type stagedFile struct {
	file *os.File
	path string
}

func stage(outputPath string) (*stagedFile, error) {
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(outputPath)+".part-*")
	if err != nil {
		return nil, err
	}
	return &stagedFile{file: f, path: f.Name()}, nil
}

// reset 清空已写内容，供重试时从头写入。
func (s *stagedFile) reset() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return s.file.Truncate(0)
}

// rewind 把文件指针移回开头，供写入缓存时重新读取。
func (s *stagedFile) rewind() (io.Reader, error) {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return s.file, nil
}

func (s *stagedFile) discard() {
	_ = s.file.Close()
	_ = os.Remove(s.path)
}

// publish 原子替换目标文件并把 mtime 设为 now。
func (s *stagedFile) publish(outputPath string, now time.Time) error {
	if err := s.file.Sync(); err != nil {
		s.discard()
		return err
	}
	if err := s.file.Close(); err != nil {
		_ = os.Remove(s.path)
		return err
	}
	if err := os.Rename(s.path, outputPath); err != nil {
		_ = os.Remove(s.path)
		return err
	}
	return os.Chtimes(outputPath, now, now)
}

// copyCached 把缓存内容写入 dst，读取端与写入端的错误分开返回：
// 缓存读坏了可以回退到网络，输出目录写不进去则重新下载也一样失败。
func copyCached(dst io.Writer, src io.Reader) (written int64, readErr, writeErr error) {
	tracked := &sourceReader{r: src}
	written, err := io.Copy(dst, tracked)
	if err == nil {
		return written, nil, nil
	}
	if tracked.err != nil {
		return written, tracked.err, nil
	}
	return written, nil, err
}

type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}

// newProgressBar 在 w 非空时构造字节进度条；长度未知时显示为 spinner。
func newProgressBar(w io.Writer, name string, length int64) *progressbar.ProgressBar {
	if w == nil {
		return nil
	}
	if length <= 0 {
		length = -1
	}
	return progressbar.NewOptions64(
		length,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetDescription(name),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(w)
		}),
	)
}
