// Package fakeengine stands in for the external proxy engine in tests. The test binary
// re-executes itself (TestHelperProcess) and Main serves a real SOCKS5 listener on the
// configured inbound port, or misbehaves depending on the outbound server host.
package fakeengine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/armon/go-socks5"

	"liuproxy_validator/internal/core/engineconf"
)

// EnvHelper marks a process as the fake engine.
const EnvHelper = "LIUPROXY_FAKE_ENGINE"

// Outbound hosts that select a failure behaviour. Any other host gets a working SOCKS5 server.
const (
	HostRefuse     = "refuse.invalid"     // never opens the inbound port
	HostSilent     = "silent.invalid"     // accepts connections, never answers
	HostCrash      = "crash.invalid"      // exits with an error during startup
	HostBadVersion = "badversion.invalid" // answers the greeting with SOCKS version 4
)

// Command returns binary, args and env that make the supervisor run the helper test.
func Command(helperTest string) (string, []string, []string) {
	args := []string{"-test.run=^" + helperTest + "$", "--", "-config", "{config}"}
	return os.Args[0], args, []string{EnvHelper + "=1"}
}

// VersionArgs are the arguments for the supervisor's version check.
func VersionArgs(helperTest string) []string {
	return []string{"-test.run=^" + helperTest + "$", "--", "version"}
}

// Main runs the fake engine and exits when the process was started as the helper.
// In a normal test run it returns immediately.
func Main() {
	if os.Getenv(EnvHelper) != "1" {
		return
	}
	os.Exit(run(os.Args))
}

func run(args []string) int {
	var path string
	for i, a := range args {
		if a == "version" {
			fmt.Println("Xray 25.1.30 (fake engine)")
			return 0
		}
		if a == "-config" && i+1 < len(args) {
			path = args[i+1]
		}
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "fake engine: missing -config")
		return 2
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}
	var cfg engineconf.LocalProxyConfig
	if err := json.Unmarshal(data, &cfg); err != nil || len(cfg.Outbounds) != 1 {
		fmt.Fprintf(os.Stderr, "Failed to start: invalid config: %v\n", err)
		return 1
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.InboundPort()))
	host := ServerHost(cfg.Outbounds[0].Settings)

	switch host {
	case HostCrash:
		fmt.Fprintln(os.Stderr, "Failed to start: main: failed to create server > outbound: unreachable")
		return 23
	case HostRefuse:
		return waitForSignal()
	case HostSilent:
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return 1
		}
		go func() {
			var held []net.Conn
			for {
				c, err := ln.Accept()
				if err != nil {
					return
				}
				held = append(held, c)
			}
		}()
		return waitForSignal()
	case HostBadVersion:
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return 1
		}
		go ServeBadVersion(ln)
		return waitForSignal()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}
	srv, err := NewSOCKS5()
	if err != nil {
		return 1
	}
	go srv.Serve(ln)
	return waitForSignal()
}

// NewSOCKS5 returns a no-auth SOCKS5 server that only dials loopback destinations.
func NewSOCKS5() (*socks5.Server, error) {
	return socks5.New(&socks5.Config{
		Logger: log.New(io.Discard, "", 0),
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	})
}

// ServeBadVersion answers every client greeting with a SOCKS4 version byte.
func ServeBadVersion(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			buf := make([]byte, 3)
			if _, err := io.ReadFull(c, buf); err != nil {
				return
			}
			c.Write([]byte{0x04, 0x00})
		}(c)
	}
}

// ServerHost digs the outbound server address out of vnext, servers or flat (hysteria) settings.
func ServerHost(settings any) string {
	m, ok := settings.(map[string]any)
	if !ok {
		return ""
	}
	if addr, ok := m["address"].(string); ok {
		return addr
	}
	for _, key := range []string{"vnext", "servers"} {
		list, ok := m[key].([]any)
		if !ok || len(list) == 0 {
			continue
		}
		if entry, ok := list[0].(map[string]any); ok {
			if addr, ok := entry["address"].(string); ok {
				return addr
			}
		}
	}
	return ""
}

func waitForSignal() int {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, os.Interrupt)
	<-ch
	return 0
}
