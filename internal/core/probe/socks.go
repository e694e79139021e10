// Package probe measures latency through a local SOCKS5 listener.
//
// Measure performs the minimal exchange: greeting with the single "no auth" method,
// then a CONNECT to a fixed target addressed by domain name. It never returns an error;
// every outcome, including bad input, is a model.ProbeResult.
package probe

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"syscall"
	"time"

	"liuproxy_validator/proxypool/model"
)

const (
	DefaultTarget  = "www.google.com:443"
	DefaultTimeout = 5 * time.Second

	socksVersion  = 0x05
	methodNoAuth  = 0x00
	cmdConnect    = 0x01
	atypIPv4      = 0x01
	atypDomain    = 0x03
	atypIPv6      = 0x04
	replySucceded = 0x00
)

var replyText = map[byte]string{
	0x01: "general SOCKS server failure",
	0x02: "connection not allowed by ruleset",
	0x03: "network unreachable",
	0x04: "host unreachable",
	0x05: "connection refused by destination",
	0x06: "TTL expired",
	0x07: "command not supported",
	0x08: "address type not supported",
}

// Measure 连接 127.0.0.1:port，完成 SOCKS5 握手与 CONNECT，返回从开始连接到收到
// CONNECT 应答的耗时（毫秒）。整个过程共用一个截止时间。
func Measure(ctx context.Context, port int, target string, timeout time.Duration) model.ProbeResult {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	host, targetPort, err := splitTarget(target)
	if err != nil {
		return model.Failure(model.FailureProtocol, "invalid probe target: "+err.Error())
	}
	req, err := connectRequest(host, targetPort)
	if err != nil {
		return model.Failure(model.FailureProtocol, err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	deadline, _ := ctx.Deadline()

	start := time.Now()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return classify("connect", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(deadline)

	if err := greet(conn); err != nil {
		return classify("greeting", err)
	}
	if _, err := conn.Write(req); err != nil {
		return classify("connect request", err)
	}
	if err := readConnectReply(conn); err != nil {
		return classify("connect reply", err)
	}

	latency := time.Since(start).Milliseconds()
	if max := timeout.Milliseconds(); latency > max {
		latency = max
	}
	return model.Success(latency)
}

func greet(conn net.Conn) error {
	if _, err := conn.Write([]byte{socksVersion, 0x01, methodNoAuth}); err != nil {
		return err
	}
	var resp [2]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		return err
	}
	if resp[0] != socksVersion {
		return fmt.Errorf("unexpected SOCKS version 0x%02x in method reply: %w", resp[0], model.ErrProbeProtocol)
	}
	if resp[1] != methodNoAuth {
		return fmt.Errorf("server selected method 0x%02x instead of no-auth: %w", resp[1], model.ErrProbeProtocol)
	}
	return nil
}

// connectRequest encodes VER CMD RSV ATYP(domain) LEN HOST PORT.
func connectRequest(host string, port uint16) ([]byte, error) {
	if len(host) == 0 || len(host) > 255 {
		return nil, fmt.Errorf("target host length %d out of range", len(host))
	}
	req := make([]byte, 0, 7+len(host))
	req = append(req, socksVersion, cmdConnect, 0x00, atypDomain, byte(len(host)))
	req = append(req, host...)
	req = binary.BigEndian.AppendUint16(req, port)
	return req, nil
}

func readConnectReply(conn net.Conn) error {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return err
	}
	if hdr[0] != socksVersion {
		return fmt.Errorf("unexpected SOCKS version 0x%02x in connect reply: %w", hdr[0], model.ErrProbeProtocol)
	}
	if hdr[1] != replySucceded {
		text, ok := replyText[hdr[1]]
		if !ok {
			text = "unknown reply"
		}
		return fmt.Errorf("CONNECT rejected: %s (0x%02x): %w", text, hdr[1], model.ErrProbeProtocol)
	}

	var addrLen int
	switch hdr[3] {
	case atypIPv4:
		addrLen = net.IPv4len
	case atypIPv6:
		addrLen = net.IPv6len
	case atypDomain:
		var l [1]byte
		if _, err := io.ReadFull(conn, l[:]); err != nil {
			return err
		}
		addrLen = int(l[0])
	default:
		return fmt.Errorf("unknown bound address type 0x%02x: %w", hdr[3], model.ErrProbeProtocol)
	}
	// BND.ADDR + BND.PORT
	if _, err := io.CopyN(io.Discard, conn, int64(addrLen+2)); err != nil {
		return err
	}
	return nil
}

func splitTarget(target string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return "", 0, err
	}
	if host == "" {
		return "", 0, errors.New("empty host")
	}
	p, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || p == 0 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, uint16(p), nil
}

// classify 把底层错误归类为 timeout / connection_refused / protocol_error。
func classify(step string, err error) model.ProbeResult {
	var kind model.FailureKind
	var netErr net.Error
	switch {
	case errors.Is(err, model.ErrProbeProtocol):
		kind = model.FailureProtocol
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		kind = model.FailureTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = model.FailureRefused
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, syscall.ECONNRESET):
		kind = model.FailureProtocol
		err = fmt.Errorf("connection closed by proxy: %w", err)
	default:
		kind = model.FailureProtocol
	}
	return model.Failure(kind, step+": "+err.Error())
}
