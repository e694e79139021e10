// Package health periodically re-validates the saved server list.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"liuproxy_validator/internal/shared/logger"
	"liuproxy_validator/proxypool/model"
)

// Scanner 是 Checker 依赖的扫描能力，由 manager 实现。
type Scanner interface {
	Scan(ctx context.Context, uris []string) (string, <-chan model.Outcome)
	SavedServers() ([]string, error)
}

// Report summarises one health pass.
type Report struct {
	ScanID  string
	Total   int
	Healthy int
	Down    int
	Failed  []string // URIs that failed
}

// Checker 对已保存的服务器列表做周期性检查。
type Checker struct {
	scanner  Scanner
	interval time.Duration
	logger   zerolog.Logger
}

// New 创建一个新的 Checker 实例。interval <= 0 时 Run 立即返回。
func New(scanner Scanner, interval time.Duration) *Checker {
	return &Checker{
		scanner:  scanner,
		interval: interval,
		logger:   logger.WithComponent("Health/Checker"),
	}
}

// Check runs one pass over the saved servers. An empty list is not an error.
func (c *Checker) Check(ctx context.Context) (Report, error) {
	var r Report
	uris, err := c.scanner.SavedServers()
	if err != nil {
		return r, fmt.Errorf("failed to read saved servers: %w", err)
	}
	if len(uris) == 0 {
		c.logger.Debug().Msg("HealthCheck: no saved servers.")
		return r, nil
	}

	id, outcomes := c.scanner.Scan(ctx, uris)
	r.ScanID = id
	for o := range outcomes {
		r.Total++
		if o.Result.OK {
			r.Healthy++
			continue
		}
		r.Down++
		r.Failed = append(r.Failed, o.URI)
		c.logger.Debug().Str("uri", model.Sanitize(o.URI)).Str("kind", string(o.Result.Kind)).
			Str("reason", o.Result.Reason).Msg("HealthCheck: saved server is down.")
	}
	return r, nil
}

// Run 按 interval 周期执行 Check，直到 ctx 结束。
func (c *Checker) Run(ctx context.Context) {
	if c.interval <= 0 {
		return
	}
	c.logger.Info().Dur("interval", c.interval).Msg("Periodic health check enabled.")
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r, err := c.Check(ctx)
			if err != nil {
				c.logger.Error().Err(err).Msg("HealthCheck failed.")
				continue
			}
			if r.Total > 0 {
				c.logger.Info().Str("scan_id", r.ScanID).Int("total", r.Total).
					Int("healthy", r.Healthy).Int("down", r.Down).Msg("HealthCheck finished.")
			}
		}
	}
}
