package validator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"liuproxy_validator/internal/core/engineconf"
	"liuproxy_validator/internal/core/portpool"
	"liuproxy_validator/internal/core/probe"
	"liuproxy_validator/internal/core/supervisor"
	"liuproxy_validator/internal/geo"
	"liuproxy_validator/internal/shared/logger"
	"liuproxy_validator/proxypool/model"
	"liuproxy_validator/proxypool/parser"
)

// jobState 只用于日志，任务严格按顺序经过这些状态。
type jobState string

const (
	stateQueued       jobState = "queued"
	statePortAcquired jobState = "port_acquired"
	stateRunning      jobState = "process_running"
	stateProbing      jobState = "probing"
	stateCompleted    jobState = "completed"
)

// job is one input line: a parsed descriptor, or the reason it could not be parsed.
type job struct {
	uri        string
	descriptor *model.ProxyDescriptor
	parseErr   error
}

// Validator 编排验证任务：租用端口、启动引擎、探测、回收，然后查询地理位置。
// 并发度等于端口池容量。
type Validator struct {
	pool    *portpool.Pool
	builder *engineconf.Builder
	engine  *supervisor.Supervisor
	prober  probe.Prober
	geo     geo.Lookup

	inFlight atomic.Int64
}

// NewValidator wires the collaborators. lookup may be nil to skip geolocation.
func NewValidator(pool *portpool.Pool, builder *engineconf.Builder, engine *supervisor.Supervisor,
	prober probe.Prober, lookup geo.Lookup) *Validator {
	return &Validator{
		pool:    pool,
		builder: builder,
		engine:  engine,
		prober:  prober,
		geo:     lookup,
	}
}

// Pool exposes the port pool for status reporting.
func (v *Validator) Pool() *portpool.Pool { return v.pool }

// InFlight returns the number of jobs between acquire and completion.
func (v *Validator) InFlight() int { return int(v.inFlight.Load()) }

// geoTimeout bounds one geolocation call, including the wait for a rate-limit token.
const geoTimeout = 15 * time.Second

// OutcomeFunc is called exactly once per job from the job's goroutine, before the outcome
// is offered to the channel. It also sees outcomes that are dropped after cancellation.
type OutcomeFunc func(model.Outcome)

// Run validates descriptors and streams one outcome per descriptor in completion order.
// The channel is closed after the last job ends. Once ctx is done, no new jobs start and
// outcomes that can no longer be delivered are dropped; running jobs still clean up.
func (v *Validator) Run(ctx context.Context, descriptors []*model.ProxyDescriptor) <-chan model.Outcome {
	jobs := make([]job, len(descriptors))
	for i, d := range descriptors {
		jobs[i] = job{descriptor: d}
		if d == nil {
			jobs[i].parseErr = fmt.Errorf("nil descriptor: %w", model.ErrMalformedDescriptor)
		} else {
			jobs[i].uri = d.URI
		}
	}
	return v.run(ctx, jobs, nil)
}

// Validate parses raw URIs and validates them. Blank lines are skipped; lines that fail to
// parse still yield exactly one failed outcome.
func (v *Validator) Validate(ctx context.Context, uris []string) <-chan model.Outcome {
	return v.ValidateNotify(ctx, uris, nil)
}

// ValidateNotify is Validate with a completion hook; done may be nil.
func (v *Validator) ValidateNotify(ctx context.Context, uris []string, done OutcomeFunc) <-chan model.Outcome {
	jobs := make([]job, 0, len(uris))
	for _, raw := range uris {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		d, err := parser.Parse(raw)
		jobs = append(jobs, job{uri: raw, descriptor: d, parseErr: err})
	}
	return v.run(ctx, jobs, done)
}

func (v *Validator) run(ctx context.Context, jobs []job, done OutcomeFunc) <-chan model.Outcome {
	l := logger.WithComponent("ProxyPool/Validator")
	out := make(chan model.Outcome)

	go func() {
		defer close(out)
		if len(jobs) == 0 {
			return
		}
		l.Info().Int("count", len(jobs)).Int("concurrency", v.pool.Capacity()).Msg("Starting validation batch...")
		start := time.Now()
		var ok, failed atomic.Int64

		finish := func(o model.Outcome) {
			if o.Result.OK {
				ok.Add(1)
			} else {
				failed.Add(1)
			}
			if done != nil {
				done(o)
			}
			select {
			case out <- o:
			case <-ctx.Done():
			}
		}

		var g errgroup.Group
		g.SetLimit(v.pool.Capacity())
		// 地理查询在工作槽之外进行，不占用并发额度
		var annotating sync.WaitGroup
	schedule:
		for i := range jobs {
			select {
			case <-ctx.Done():
				l.Warn().Int("skipped", len(jobs)-i).Msg("Batch cancelled, remaining jobs not started.")
				break schedule
			default:
			}
			j := jobs[i]
			g.Go(func() error {
				o := v.runJob(ctx, j)
				if o.Result.OK && v.geo != nil {
					annotating.Add(1)
					go func() {
						defer annotating.Done()
						v.locate(ctx, &o)
						finish(o)
					}()
					return nil
				}
				finish(o)
				return nil
			})
		}
		_ = g.Wait()
		annotating.Wait()

		l.Info().
			Int64("success", ok.Load()).
			Int64("failed", failed.Load()).
			Dur("elapsed", time.Since(start)).
			Msg("Validation batch finished.")
	}()
	return out
}

// runJob 执行单个任务。资源回收在 validateOne 内部完成。
func (v *Validator) runJob(ctx context.Context, j job) model.Outcome {
	o := model.Outcome{URI: j.uri, Descriptor: j.descriptor}
	if j.parseErr != nil {
		o.Result = model.FailureFromError(j.parseErr)
	} else {
		o.Result = v.validateOne(ctx, j.descriptor)
	}
	o.CheckedAt = time.Now()
	return o
}

// locate annotates a successful outcome. The engine for it is already gone.
func (v *Validator) locate(ctx context.Context, o *model.Outcome) {
	lctx, cancel := context.WithTimeout(ctx, geoTimeout)
	defer cancel()
	loc := v.geo.Lookup(lctx, o.Descriptor.Host)
	o.Location = &loc
}

func (v *Validator) validateOne(ctx context.Context, d *model.ProxyDescriptor) (res model.ProbeResult) {
	l := logger.WithComponent("ProxyPool/Validator").With().
		Str("protocol", string(d.Protocol)).
		Str("server", d.Address()).
		Logger()
	transition(l, stateQueued)

	defer func() {
		if r := recover(); r != nil {
			l.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("Validation job panicked.")
			res = model.Failure(model.FailureInternal, fmt.Sprintf("internal error: %v", r))
		}
		l.Debug().Str("state", string(stateCompleted)).Bool("ok", res.OK).
			Str("kind", string(res.Kind)).Int64("latency_ms", res.LatencyMs).
			Str("reason", res.Reason).Msg("Job state changed.")
	}()

	// 描述符级别的错误不占用端口
	if err := v.builder.Check(d); err != nil {
		return model.FailureFromError(err)
	}

	port, err := v.pool.Acquire(ctx)
	if err != nil {
		return model.Failure(model.FailureCancelled, fmt.Sprintf("scan ended before a port was free: %v", err))
	}
	defer v.pool.Release(port)
	v.inFlight.Add(1)
	defer v.inFlight.Add(-1)
	l = l.With().Int("port", port).Logger()
	transition(l, statePortAcquired)

	cfg, err := v.builder.Build(d, port)
	if err != nil {
		return model.FailureFromError(err)
	}
	h, err := v.engine.Run(ctx, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return model.Failure(model.FailureCancelled, fmt.Sprintf("scan ended while starting the engine: %v", err))
		}
		if !errors.Is(err, model.ErrProcessLaunch) {
			err = fmt.Errorf("%v: %w", err, model.ErrProcessLaunch)
		}
		return model.FailureFromError(err)
	}
	defer h.Release()
	transition(l.With().Int("pid", h.Pid()).Logger(), stateRunning)

	transition(l, stateProbing)
	// 探测一旦开始就不随批次取消而中断
	return v.prober.Probe(context.WithoutCancel(ctx), port)
}

func transition(l zerolog.Logger, s jobState) {
	l.Debug().Str("state", string(s)).Msg("Job state changed.")
}
