package model

import (
	"strings"
	"time"
)

// FailureKind 是失败原因的分类，会原样出现在 SSE/JSON 输出中。
type FailureKind string

const (
	FailureMalformed   FailureKind = "malformed_descriptor"
	FailureUnsupported FailureKind = "unsupported_protocol"
	FailureLaunch      FailureKind = "process_launch"
	FailureTimeout     FailureKind = "timeout"
	FailureRefused     FailureKind = "connection_refused"
	FailureProtocol    FailureKind = "protocol_error"

	// 以下两类不是代理本身的问题，不计入验证历史
	FailureCancelled FailureKind = "cancelled"
	FailureInternal  FailureKind = "internal_error"
)

// ProxyFault reports whether the kind says something about the proxy itself.
func (k FailureKind) ProxyFault() bool {
	return k != FailureCancelled && k != FailureInternal
}

// ProbeResult is the tagged outcome of one probe: OK with a latency, or a failure kind + reason.
type ProbeResult struct {
	OK        bool        `json:"ok"`
	LatencyMs int64       `json:"latency"`
	Kind      FailureKind `json:"kind,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

func Success(latencyMs int64) ProbeResult {
	if latencyMs < 0 {
		latencyMs = 0
	}
	return ProbeResult{OK: true, LatencyMs: latencyMs}
}

func Failure(kind FailureKind, reason string) ProbeResult {
	return ProbeResult{Kind: kind, Reason: reason}
}

// FailureFromError builds a failure result, deriving the kind from err.
func FailureFromError(err error) ProbeResult {
	return Failure(KindOf(err), err.Error())
}

// Location 是地理位置查询的结果。CountryCode 为 UnknownCountry 表示未知。
type Location struct {
	CountryCode string `json:"country_code"`
	Country     string `json:"country"`
	Flag        string `json:"flag"`
}

// UnknownCountry is the sentinel code used when geolocation is unavailable.
const UnknownCountry = "ZZZ"

// Outcome 是每个输入描述符对外可见的最终结果，按完成顺序产出。
type Outcome struct {
	URI        string
	Descriptor *ProxyDescriptor // nil when the URI could not be parsed
	Result     ProbeResult
	Location   *Location
	CheckedAt  time.Time
}

// Status returns "SUCCESS" or "FAILED", the wording the web UI expects.
func (o *Outcome) Status() string {
	if o.Result.OK {
		return "SUCCESS"
	}
	return "FAILED"
}

// OutcomeView is the flat JSON record streamed to clients and written by the batch CLI.
type OutcomeView struct {
	Status      string      `json:"status"`
	URI         string      `json:"uri"`
	Remarks     string      `json:"remarks"`
	Protocol    Protocol    `json:"protocol,omitempty"`
	Host        string      `json:"host,omitempty"`
	Latency     int64       `json:"latency"`
	Kind        FailureKind `json:"kind,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	CountryCode string      `json:"country_code,omitempty"`
	Country     string      `json:"country,omitempty"`
	Flag        string      `json:"flag,omitempty"`
	CheckedAt   time.Time   `json:"checked_at"`
}

// View flattens the outcome. Remarks and URI are stripped of control characters.
func (o *Outcome) View() OutcomeView {
	v := OutcomeView{
		Status:    o.Status(),
		URI:       Sanitize(o.URI),
		Latency:   o.Result.LatencyMs,
		Kind:      o.Result.Kind,
		Reason:    o.Result.Reason,
		CheckedAt: o.CheckedAt,
	}
	if d := o.Descriptor; d != nil {
		v.Remarks = Sanitize(d.Remark)
		v.Protocol = d.Protocol
		v.Host = d.Host
	}
	if l := o.Location; l != nil {
		v.CountryCode = l.CountryCode
		v.Country = l.Country
		v.Flag = l.Flag
	}
	return v
}

// Sanitize replaces C0/C1 control characters with spaces so a record always fits on one SSE line.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || (r >= 0x7f && r <= 0x9f) {
			return ' '
		}
		return r
	}, s)
}
