package probe

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"liuproxy_validator/internal/testutil/fakeengine"
	"liuproxy_validator/proxypool/model"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln
}

func portOf(ln net.Listener) int {
	return ln.Addr().(*net.TCPAddr).Port
}

// startTarget accepts and immediately closes connections; it is the CONNECT destination.
func startTarget(t *testing.T) string {
	t.Helper()
	ln := listen(t)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	return "127.0.0.1:" + strconv.Itoa(portOf(ln))
}

func startSOCKS(t *testing.T) int {
	t.Helper()
	ln := listen(t)
	srv, err := fakeengine.NewSOCKS5()
	if err != nil {
		t.Fatalf("NewSOCKS5: %v", err)
	}
	go srv.Serve(ln)
	return portOf(ln)
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := portOf(ln)
	ln.Close()
	return port
}

func TestMeasure_Success(t *testing.T) {
	port := startSOCKS(t)
	target := startTarget(t)

	res := Measure(context.Background(), port, target, 2*time.Second)
	if !res.OK {
		t.Fatalf("expected success, got %s: %s", res.Kind, res.Reason)
	}
	if res.LatencyMs < 0 || res.LatencyMs > 2000 {
		t.Errorf("latency %d out of [0, 2000]", res.LatencyMs)
	}
}

func TestMeasure_WrongVersionIsProtocolError(t *testing.T) {
	ln := listen(t)
	go fakeengine.ServeBadVersion(ln)

	res := Measure(context.Background(), portOf(ln), "example.com:443", time.Second)
	if res.OK || res.Kind != model.FailureProtocol {
		t.Fatalf("expected protocol_error, got %+v", res)
	}
	if !strings.Contains(res.Reason, "0x04") {
		t.Errorf("reason should name the version byte, got %q", res.Reason)
	}
}

func TestMeasure_Refused(t *testing.T) {
	res := Measure(context.Background(), closedPort(t), "example.com:443", time.Second)
	if res.OK || res.Kind != model.FailureRefused {
		t.Fatalf("expected connection_refused, got %+v", res)
	}
}

func TestMeasure_SilentServerTimesOut(t *testing.T) {
	ln := listen(t)
	var mu sync.Mutex
	var held []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			held = append(held, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range held {
			c.Close()
		}
	})

	start := time.Now()
	res := Measure(context.Background(), portOf(ln), "example.com:443", 200*time.Millisecond)
	if res.OK || res.Kind != model.FailureTimeout {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Measure took %v, deadline not applied", elapsed)
	}
}

func TestMeasure_ConnectRejectedNamesReplyCode(t *testing.T) {
	port := startSOCKS(t)
	dead := "127.0.0.1:" + strconv.Itoa(closedPort(t))

	res := Measure(context.Background(), port, dead, 2*time.Second)
	if res.OK || res.Kind != model.FailureProtocol {
		t.Fatalf("expected protocol_error, got %+v", res)
	}
	if !strings.Contains(res.Reason, "CONNECT rejected") {
		t.Errorf("unexpected reason %q", res.Reason)
	}
}

func TestMeasure_InvalidTarget(t *testing.T) {
	for _, target := range []string{"no-port", ":443", "host:0", "host:99999"} {
		res := Measure(context.Background(), 1, target, time.Second)
		if res.OK || res.Kind != model.FailureProtocol {
			t.Errorf("target %q: expected protocol_error, got %+v", target, res)
		}
	}
}

func TestConnectRequestEncoding(t *testing.T) {
	req, err := connectRequest("www.google.com", 443)
	if err != nil {
		t.Fatalf("connectRequest: %v", err)
	}
	want := append([]byte{0x05, 0x01, 0x00, 0x03, 14}, "www.google.com"...)
	want = append(want, 0x01, 0xbb)
	if string(req) != string(want) {
		t.Errorf("got % x, want % x", req, want)
	}

	if _, err := connectRequest(strings.Repeat("a", 256), 80); err == nil {
		t.Error("expected error for 256-byte host")
	}
}
