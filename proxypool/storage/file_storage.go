package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"liuproxy_validator/internal/shared/logger"
	"liuproxy_validator/proxypool/model"
)

const (
	delimiter = "|"
	numFields = 11 // Protocol|Host|Port|OK|Latency|Kind|CountryCode|LastChecked|SuccessCount|FailureCount|URI
)

// Storage 接口定义了验证历史持久化的行为。
type Storage interface {
	Load() (map[string]*model.Record, error)
	Save(records map[string]*model.Record) error
}

// FileStorage 实现了 Storage 接口，使用纯文本文件进行持久化。
// URI 放在最后一列，因此其中出现的分隔符不影响解析。
type FileStorage struct {
	filePath string
	mu       sync.RWMutex
}

// NewFileStorage 创建一个新的 FileStorage 实例。
func NewFileStorage(filePath string) *FileStorage {
	return &FileStorage{
		filePath: filePath,
	}
}

// Load 从纯文本文件加载记录到内存 map 中。
func (fs *FileStorage) Load() (map[string]*model.Record, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	l := logger.WithComponent("ProxyPool/Storage")

	file, err := os.Open(fs.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", fs.filePath).Msg("Results file not found, starting with an empty history.")
			return make(map[string]*model.Record), nil
		}
		return nil, err
	}
	defer file.Close()

	records := make(map[string]*model.Record)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		fields := strings.SplitN(line, delimiter, numFields)
		if len(fields) != numFields {
			l.Warn().Int("line", lineNum).Int("expected", numFields).Int("got", len(fields)).Msg("Skipping malformed line in results file.")
			continue
		}

		r, err := parseRecord(fields)
		if err != nil {
			l.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse record from line, skipping.")
			continue
		}
		records[r.URI] = r
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	l.Info().Int("count", len(records)).Msg("Loaded results history from file.")
	return records, nil
}

// Save 将内存中的记录持久化到纯文本文件。
func (fs *FileStorage) Save(records map[string]*model.Record) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	l := logger.WithComponent("ProxyPool/Storage")

	list := make([]*model.Record, 0, len(records))
	for _, r := range records {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].URI < list[j].URI
	})

	var sb strings.Builder
	for _, r := range list {
		sb.WriteString(formatRecord(r))
		sb.WriteString("\n")
	}

	if err := writeFileAtomic(fs.filePath, []byte(sb.String())); err != nil {
		return err
	}

	l.Debug().Int("count", len(list)).Msg("Saved results history to file.")
	return nil
}

// formatRecord 将 Record 格式化为一行文本。
func formatRecord(r *model.Record) string {
	ok := "0"
	if r.OK {
		ok = "1"
	}
	var checked int64
	if !r.LastChecked.IsZero() {
		checked = r.LastChecked.Unix()
	}
	return strings.Join([]string{
		string(r.Protocol),
		clean(r.Host),
		strconv.Itoa(r.Port),
		ok,
		strconv.FormatInt(r.LatencyMs, 10),
		string(r.Kind),
		clean(r.CountryCode),
		strconv.FormatInt(checked, 10),
		strconv.Itoa(r.SuccessCount),
		strconv.Itoa(r.FailureCount),
		model.Sanitize(r.URI),
	}, delimiter)
}

// clean keeps the delimiter out of the fixed columns.
func clean(s string) string {
	return strings.ReplaceAll(model.Sanitize(s), delimiter, "_")
}

// parseRecord 从字符串切片解析出一个 Record 对象。
func parseRecord(fields []string) (*model.Record, error) {
	port, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}
	latencyMs, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latency: %w", err)
	}
	checkedUnix, err := strconv.ParseInt(fields[7], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid last_checked: %w", err)
	}
	successCount, err := strconv.Atoi(fields[8])
	if err != nil {
		return nil, fmt.Errorf("invalid success_count: %w", err)
	}
	failureCount, err := strconv.Atoi(fields[9])
	if err != nil {
		return nil, fmt.Errorf("invalid failure_count: %w", err)
	}
	if fields[10] == "" {
		return nil, fmt.Errorf("empty uri")
	}

	r := &model.Record{
		Protocol:     model.Protocol(fields[0]),
		Host:         fields[1],
		Port:         port,
		OK:           fields[3] == "1",
		LatencyMs:    latencyMs,
		Kind:         model.FailureKind(fields[5]),
		CountryCode:  fields[6],
		SuccessCount: successCount,
		FailureCount: failureCount,
		URI:          fields[10],
	}
	if checkedUnix > 0 {
		r.LastChecked = time.Unix(checkedUnix, 0)
	}
	return r, nil
}

// writeFileAtomic 先写临时文件再 rename，避免中途崩溃留下半个文件。
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
