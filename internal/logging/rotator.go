package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileRotator is an io.Writer over a log file that rolls the file over when
// it grows past Config.MaxSize megabytes or the calendar day changes.
type FileRotator struct {
	cfg    *Config
	mu     sync.Mutex
	file   *os.File
	size   int64
	opened time.Time
}

// NewFileRotator opens (or creates) cfg.FilePath for appending.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	r := &FileRotator{cfg: cfg}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	f, err := os.OpenFile(r.cfg.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = f
	r.size = info.Size()
	r.opened = time.Now()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.due(int64(len(p))) {
		if err := r.roll(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) due(incoming int64) bool {
	if r.cfg.MaxSize > 0 && r.size+incoming > r.cfg.MaxSize*1024*1024 {
		return true
	}
	return r.opened.YearDay() != time.Now().YearDay()
}

func (r *FileRotator) roll() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	r.file = nil

	dir, name, ext := r.parts()
	rolled := filepath.Join(dir, fmt.Sprintf("%s-%s%s", name, time.Now().Format("20060102-150405"), ext))
	if err := os.Rename(r.cfg.FilePath, rolled); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}

	if err := r.open(); err != nil {
		return err
	}

	go func() {
		if r.cfg.Compress {
			gzipFile(rolled)
		}
		r.prune()
	}()
	return nil
}

func (r *FileRotator) parts() (dir, name, ext string) {
	base := filepath.Base(r.cfg.FilePath)
	ext = filepath.Ext(base)
	return filepath.Dir(r.cfg.FilePath), strings.TrimSuffix(base, ext), ext
}

// Backups lists rotated files, oldest first.
func (r *FileRotator) Backups() []string {
	dir, name, ext := r.parts()
	matches, _ := filepath.Glob(filepath.Join(dir, name+"-*"+ext+"*"))

	mod := make(map[string]time.Time, len(matches))
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil {
			mod[m] = info.ModTime()
		}
	}
	files := make([]string, 0, len(mod))
	for m := range mod {
		files = append(files, m)
	}
	sort.Slice(files, func(i, j int) bool { return mod[files[i]].Before(mod[files[j]]) })
	return files
}

func (r *FileRotator) prune() {
	files := r.Backups()
	cutoff := time.Now().AddDate(0, 0, -r.cfg.MaxAge)
	for i, f := range files {
		tooMany := r.cfg.MaxBackups > 0 && i < len(files)-r.cfg.MaxBackups
		info, err := os.Stat(f)
		tooOld := r.cfg.MaxAge > 0 && err == nil && info.ModTime().Before(cutoff)
		if tooMany || tooOld {
			os.Remove(f)
		}
	}
}

func gzipFile(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(path)

	_, err = io.Copy(gz, in)
	if cerr := gz.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

// Close closes the underlying file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Sync flushes the underlying file.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}
