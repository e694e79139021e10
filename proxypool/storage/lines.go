package storage

import (
	"os"
	"strings"
	"sync"
)

// LineFile 保存一行一个链接的列表文件（订阅源列表、保存的节点列表）。
type LineFile struct {
	path string
	mu   sync.Mutex
}

func NewLineFile(path string) *LineFile {
	return &LineFile{path: path}
}

func (f *LineFile) Path() string { return f.path }

// Read returns the non-empty, trimmed lines. A missing file reads as empty.
func (f *LineFile) Read() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	lines := make([]string, 0)
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// Write replaces the file content with lines.
func (f *LineFile) Write(lines []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return writeFileAtomic(f.path, []byte(strings.Join(lines, "\n")))
}
