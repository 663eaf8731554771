package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotatingFile 将日志行写入指定目录，并按文件大小轮转。
// 当前文件名为 <prefix>-current.txt；写入将超出 maxBytes 时，当前文件改名为
// <prefix>-<UTC 时间戳>.txt 并重新创建。maxBackups>0 时只保留最近的若干个历史文件。
type RotatingFile struct {
	dir        string
	prefix     string
	maxBytes   int64
	maxBackups int

	mu      sync.Mutex
	f       *os.File
	curSize int64
}

// NewRotatingFile 使用默认前缀 clarifai，不限制历史文件数量。
func NewRotatingFile(dir string, maxBytes int64) *RotatingFile {
	return NewRotatingFileWith(dir, "clarifai", maxBytes, 0)
}

// NewRotatingFileWith 指定文件前缀与历史文件上限。
func NewRotatingFileWith(dir, prefix string, maxBytes int64, maxBackups int) *RotatingFile {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = "clarifai"
	}
	return &RotatingFile{dir: dir, prefix: prefix, maxBytes: maxBytes, maxBackups: maxBackups}
}

func (w *RotatingFile) currentPath() string {
	return filepath.Join(w.dir, w.prefix+"-current.txt")
}

// WriteLine 追加一行（自动补换行）。
func (w *RotatingFile) WriteLine(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ensureOpen(); err != nil {
		return err
	}
	lineLen := int64(len(b) + 1)
	if w.curSize > 0 && w.curSize+lineLen > w.maxBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	n, err := w.f.Write(append(b, '\n'))
	w.curSize += int64(n)
	return err
}

func (w *RotatingFile) ensureOpen() error {
	if w.f != nil {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.currentPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	w.curSize = 0
	if st, err := f.Stat(); err == nil {
		w.curSize = st.Size()
	}
	return nil
}

func (w *RotatingFile) rotate() error {
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	// 纳秒精度时间戳避免同秒覆盖
	ts := time.Now().UTC().Format("20060102-150405.000000000")
	rotated := filepath.Join(w.dir, fmt.Sprintf("%s-%s.txt", w.prefix, ts))
	if err := os.Rename(w.currentPath(), rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename rotated file: %w", err)
	}
	w.prune()
	return w.ensureOpen()
}

// prune 删除超出 maxBackups 的最旧历史文件；失败忽略。
func (w *RotatingFile) prune() {
	if w.maxBackups <= 0 {
		return
	}
	matches, err := filepath.Glob(filepath.Join(w.dir, w.prefix+"-*.txt"))
	if err != nil {
		return
	}
	cur := w.currentPath()
	backups := matches[:0]
	for _, m := range matches {
		if m != cur {
			backups = append(backups, m)
		}
	}
	// 时间戳定长，字典序即时间序
	sort.Strings(backups)
	for len(backups) > w.maxBackups {
		_ = os.Remove(backups[0])
		backups = backups[1:]
	}
}

// Close 关闭当前打开的文件句柄。
func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
