package model

import "time"

// Record 是某个链接最近一次验证结果的持久化形式，按 URI 索引。
type Record struct {
	URI          string
	Protocol     Protocol
	Host         string
	Port         int
	OK           bool
	LatencyMs    int64
	Kind         FailureKind
	CountryCode  string
	LastChecked  time.Time
	SuccessCount int
	FailureCount int
}

// Apply folds an outcome into the record. Consecutive counters reset on a change of state.
func (r *Record) Apply(o *Outcome) {
	r.URI = o.URI
	if d := o.Descriptor; d != nil {
		r.Protocol = d.Protocol
		r.Host = d.Host
		r.Port = d.Port
	}
	r.OK = o.Result.OK
	r.LatencyMs = o.Result.LatencyMs
	r.Kind = o.Result.Kind
	r.LastChecked = o.CheckedAt
	if o.Location != nil {
		r.CountryCode = o.Location.CountryCode
	}
	if r.OK {
		r.SuccessCount++
		r.FailureCount = 0
	} else {
		r.FailureCount++
		r.SuccessCount = 0
	}
}
