// Package supervisor owns the lifecycle of the external proxy-engine process:
// config file on disk, process start, settle window, and guaranteed teardown.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"liuproxy_validator/internal/core/engineconf"
	"liuproxy_validator/internal/shared/logger"
	"liuproxy_validator/proxypool/model"
)

// ConfigPlaceholder is replaced by the temp config path in Options.Args.
const ConfigPlaceholder = "{config}"

const (
	defaultSettleDelay = 800 * time.Millisecond
	defaultStopGrace   = 2 * time.Second
	stderrLimit        = 8 << 10
)

// Options 描述如何启动外部代理引擎。
type Options struct {
	Binary      string
	Args        []string // must contain ConfigPlaceholder
	VersionArgs []string // used by CheckBinary, defaults to ["version"]
	Env         []string // appended to the current environment
	SettleDelay time.Duration
	StopGrace   time.Duration
	TempDir     string
}

// Supervisor starts one engine process per job. It holds no per-job state and is safe
// for concurrent use.
type Supervisor struct {
	opts   Options
	logger zerolog.Logger
}

func New(opts Options) *Supervisor {
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = defaultSettleDelay
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	if len(opts.Args) == 0 {
		opts.Args = []string{"run", "-config", ConfigPlaceholder}
	}
	if len(opts.VersionArgs) == 0 {
		opts.VersionArgs = []string{"version"}
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	return &Supervisor{
		opts:   opts,
		logger: logger.WithComponent("Engine/Supervisor"),
	}
}

// SplitArgs turns the ini "args" string into an argument list.
func SplitArgs(s string) []string {
	return strings.Fields(s)
}

// Run 把 cfg 写入唯一命名的临时文件，启动引擎并等待固定的 settle 时间。
// 返回的 Handle 必须被 Release；Run 自身失败时已经完成清理。
func (s *Supervisor) Run(ctx context.Context, cfg *engineconf.LocalProxyConfig) (*Handle, error) {
	data, err := cfg.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal engine config: %v: %w", err, model.ErrProcessLaunch)
	}

	port := cfg.InboundPort()
	path := filepath.Join(s.opts.TempDir, fmt.Sprintf("engine-%d-%s.json", port, uuid.NewString()))
	if err := writeExclusive(path, data); err != nil {
		return nil, fmt.Errorf("write engine config: %v: %w", err, model.ErrProcessLaunch)
	}

	args := make([]string, len(s.opts.Args))
	for i, a := range s.opts.Args {
		args[i] = strings.ReplaceAll(a, ConfigPlaceholder, path)
	}

	stderr := &tailBuffer{limit: stderrLimit}
	cmd := exec.Command(s.opts.Binary, args...)
	cmd.Env = append(os.Environ(), s.opts.Env...)
	cmd.Stderr = stderr
	cmd.WaitDelay = s.opts.StopGrace
	setProcAttr(cmd)

	h := &Handle{
		cmd:        cmd,
		configPath: path,
		port:       port,
		stderr:     stderr,
		done:       make(chan struct{}),
		stopGrace:  s.opts.StopGrace,
		logger:     s.logger.With().Int("port", port).Logger(),
	}

	if err := cmd.Start(); err != nil {
		h.removeConfig()
		return nil, fmt.Errorf("start %s: %v: %w", s.opts.Binary, err, model.ErrProcessLaunch)
	}
	h.logger = h.logger.With().Int("pid", cmd.Process.Pid).Logger()
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()
	h.logger.Debug().Str("config", path).Msg("Engine process started.")

	// 没有显式的就绪握手：settle 期间进程退出即视为启动失败，
	// 监听端口晚于 settle 才打开的情况由探测超时兜底。
	timer := time.NewTimer(s.opts.SettleDelay)
	defer timer.Stop()
	select {
	case <-h.done:
		reason := extractErr(stderr.String())
		if reason == "" && h.waitErr != nil {
			reason = h.waitErr.Error()
		}
		h.Release()
		return nil, fmt.Errorf("engine exited during startup: %s: %w", reason, model.ErrProcessLaunch)
	case <-ctx.Done():
		h.Release()
		return nil, fmt.Errorf("startup interrupted: %v: %w", ctx.Err(), model.ErrProcessLaunch)
	case <-timer.C:
	}
	return h, nil
}

// CheckBinary runs the engine's version command and returns its first output line.
func (s *Supervisor) CheckBinary(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, s.opts.Binary, s.opts.VersionArgs...)
	cmd.Env = append(os.Environ(), s.opts.Env...)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("engine check failed for %s: %w", s.opts.Binary, err)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return line, nil
}

// Handle 代表一个正在运行的引擎进程及其临时配置文件。
type Handle struct {
	cmd        *exec.Cmd
	configPath string
	port       int
	stderr     *tailBuffer
	stopGrace  time.Duration
	logger     zerolog.Logger

	done    chan struct{}
	waitErr error
	once    sync.Once
}

func (h *Handle) Pid() int           { return h.cmd.Process.Pid }
func (h *Handle) Port() int          { return h.port }
func (h *Handle) ConfigPath() string { return h.configPath }

// Exited reports whether the process has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Stderr returns a short summary of what the engine printed to stderr.
func (h *Handle) Stderr() string {
	return extractErr(h.stderr.String())
}

// Release terminates the process, waits for it and deletes the config file.
// It runs its body exactly once no matter how many times it is called.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.stop()
		h.removeConfig()
	})
}

func (h *Handle) stop() {
	if h.Exited() {
		h.logger.Debug().Msg("Engine process had already exited before release.")
		return
	}
	if err := terminate(h.cmd); err != nil {
		h.logger.Warn().Err(err).Msg("SIGTERM failed, killing engine process.")
	}
	grace := time.NewTimer(h.stopGrace)
	defer grace.Stop()
	select {
	case <-h.done:
		return
	case <-grace.C:
	}

	h.logger.Warn().Dur("grace", h.stopGrace).Msg("Engine did not exit after SIGTERM, sending SIGKILL.")
	if err := kill(h.cmd); err != nil {
		h.logger.Warn().Err(err).Msg("SIGKILL failed.")
	}
	select {
	case <-h.done:
	case <-time.After(h.stopGrace):
		h.logger.Error().Msg("Engine process could not be reaped.")
	}
}

func (h *Handle) removeConfig() {
	err := os.Remove(h.configPath)
	if err == nil || os.IsNotExist(err) {
		if err != nil {
			h.logger.Debug().Str("config", h.configPath).Msg("Config file was already removed.")
		}
		return
	}
	time.Sleep(50 * time.Millisecond)
	if err := os.Remove(h.configPath); err != nil && !os.IsNotExist(err) {
		h.logger.Warn().Err(err).Str("config", h.configPath).Msg("Failed to remove engine config file.")
	}
}

func writeExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

// extractErr keeps up to three non-informational stderr lines, each truncated.
func extractErr(stderr string) string {
	var errs []string
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		if strings.Contains(lower, "[info]") || strings.Contains(lower, "[debug]") || strings.Contains(lower, "[warning]") {
			continue
		}
		if len(line) > 120 {
			line = line[:120] + "..."
		}
		errs = append(errs, line)
		if len(errs) >= 3 {
			break
		}
	}
	return strings.Join(errs, " | ")
}
