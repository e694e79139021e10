package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"liuproxy_validator/proxypool/model"
)

// Mode 选择探测方式。
type Mode string

const (
	// ModeHandshake 手写 SOCKS5 握手 + CONNECT，只等到 CONNECT 应答。
	ModeHandshake Mode = "handshake"
	// ModeDial 通过 x/net/proxy 的 SOCKS5 dialer 建立完整隧道。
	ModeDial Mode = "dial"
)

// Prober measures one local inbound port.
type Prober interface {
	Probe(ctx context.Context, port int) model.ProbeResult
}

// New returns a prober for mode. An empty mode means ModeHandshake.
func New(mode Mode, target string, timeout time.Duration) (Prober, error) {
	if target == "" {
		target = DefaultTarget
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if _, _, err := splitTarget(target); err != nil {
		return nil, fmt.Errorf("invalid probe target %q: %w", target, err)
	}
	switch mode {
	case ModeHandshake, "":
		return &Handshake{Target: target, Timeout: timeout}, nil
	case ModeDial:
		return &Dial{Target: target, Timeout: timeout}, nil
	default:
		return nil, fmt.Errorf("unknown probe mode %q", mode)
	}
}

type Handshake struct {
	Target  string
	Timeout time.Duration
}

func (h *Handshake) Probe(ctx context.Context, port int) model.ProbeResult {
	return Measure(ctx, port, h.Target, h.Timeout)
}

// Dial 使用 proxy.SOCKS5 拨号到目标，成功建立隧道即视为可用。
type Dial struct {
	Target  string
	Timeout time.Duration
}

func (d *Dial) Probe(ctx context.Context, port int) model.ProbeResult {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	dialer, err := proxy.SOCKS5("tcp", addr, nil, &net.Dialer{Timeout: d.Timeout})
	if err != nil {
		return model.Failure(model.FailureProtocol, "failed to create SOCKS5 dialer: "+err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	start := time.Now()
	conn, err := dialer.(proxy.ContextDialer).DialContext(ctx, "tcp", d.Target)
	if err != nil {
		return classify("dial", err)
	}
	conn.Close()

	latency := time.Since(start).Milliseconds()
	if max := d.Timeout.Milliseconds(); latency > max {
		latency = max
	}
	return model.Success(latency)
}
