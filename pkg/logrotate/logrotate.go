package logrotate

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	DefaultMaxSize     = 10 << 20 // 10 MiB
	DefaultGenerations = 3
)

// Writer is an append-only, size-bounded log sink. When the active file
// would exceed MaxSize the file is rotated: mind.log becomes mind.log.1,
// mind.log.1 becomes mind.log.2, and so on, keeping a bounded number of
// generations. Rotation happens between writes, so a line is never split
// across generations.
type Writer struct {
	mu   sync.Mutex
	path string
	f    *os.File
	size int64

	maxSize     int64
	generations int
}

// Option tunes a Writer.
type Option func(*Writer)

// WithMaxSize sets the rotation threshold in bytes.
func WithMaxSize(n int64) Option {
	return func(w *Writer) { w.maxSize = n }
}

// WithGenerations sets how many rotated files are kept.
func WithGenerations(n int) Option {
	return func(w *Writer) { w.generations = n }
}

// Open opens (or creates) the log file at path, appending to whatever is
// already there.
func Open(path string, opts ...Option) (*Writer, error) {
	w := &Writer{
		path:        path,
		maxSize:     DefaultMaxSize,
		generations: DefaultGenerations,
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", w.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat %s: %w", w.path, err)
	}
	w.f = f
	w.size = info.Size()
	return nil
}

// Write appends p, rotating first when the write would push the active
// file past the threshold.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return 0, fmt.Errorf("log %s is closed", w.path)
	}

	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *Writer) rotate() error {
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("failed to close for rotation: %w", err)
	}
	w.f = nil

	// Shift generations upward; the oldest falls off the end.
	for i := w.generations - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", w.path, i)
		to := fmt.Sprintf("%s.%d", w.path, i+1)
		if _, err := os.Stat(from); err == nil {
			os.Rename(from, to)
		}
	}
	if err := os.Rename(w.path, w.path+".1"); err != nil {
		return fmt.Errorf("failed to rotate %s: %w", w.path, err)
	}

	return w.open()
}

// Path returns the active file path.
func (w *Writer) Path() string {
	return w.path
}

// Close closes the active file. Further writes fail.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
