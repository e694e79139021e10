package model

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want FailureKind
	}{
		{fmt.Errorf("build: %w", ErrUnsupportedProtocol), FailureUnsupported},
		{fmt.Errorf("vless: %w", ErrMalformedDescriptor), FailureMalformed},
		{fmt.Errorf("start xray: %w", ErrProcessLaunch), FailureLaunch},
		{fmt.Errorf("read: %w", os.ErrDeadlineExceeded), FailureTimeout},
		{fmt.Errorf("dial: %w", syscall.ECONNREFUSED), FailureRefused},
		{fmt.Errorf("greeting: %w", ErrProbeProtocol), FailureProtocol},
		{fmt.Errorf("acquire port: %w", context.Canceled), FailureCancelled},
		{fmt.Errorf("job: %w", ErrInternal), FailureInternal},
	}
	for _, c := range cases {
		if got := KindOf(c.err); got != c.want {
			t.Errorf("KindOf(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestOutcomeView_SanitizesAndFlattens(t *testing.T) {
	o := &Outcome{
		URI:        "trojan://pw@example.com:443#a\nb",
		Descriptor: &ProxyDescriptor{Protocol: ProtoTrojan, Host: "example.com", Port: 443, Remark: "line\x01break"},
		Result:     Success(42),
		Location:   &Location{CountryCode: "DE", Country: "Germany", Flag: "🇩🇪"},
	}
	v := o.View()
	if v.Status != "SUCCESS" || v.Latency != 42 {
		t.Fatalf("unexpected status/latency: %+v", v)
	}
	if v.URI != "trojan://pw@example.com:443#a b" {
		t.Errorf("URI not sanitized: %q", v.URI)
	}
	if v.Remarks != "line break" {
		t.Errorf("remarks not sanitized: %q", v.Remarks)
	}
	if v.CountryCode != "DE" {
		t.Errorf("expected country code DE, got %q", v.CountryCode)
	}
}

func TestSuccess_ClampsNegativeLatency(t *testing.T) {
	if r := Success(-3); r.LatencyMs != 0 || !r.OK {
		t.Errorf("Success(-3) = %+v", r)
	}
}

func TestFailureKind_ProxyFault(t *testing.T) {
	for _, k := range []FailureKind{FailureMalformed, FailureUnsupported, FailureLaunch, FailureTimeout, FailureRefused, FailureProtocol} {
		if !k.ProxyFault() {
			t.Errorf("%s should count as a proxy fault", k)
		}
	}
	for _, k := range []FailureKind{FailureCancelled, FailureInternal} {
		if k.ProxyFault() {
			t.Errorf("%s must not count as a proxy fault", k)
		}
	}
}
