package model

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
)

var (
	ErrMalformedDescriptor = errors.New("malformed descriptor")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrProcessLaunch       = errors.New("process launch failed")
	ErrProbeTimeout        = errors.New("probe timeout")
	ErrProbeRefused        = errors.New("probe connection refused")
	ErrProbeProtocol       = errors.New("probe protocol error")
	ErrInternal            = errors.New("internal error")
)

// KindOf maps an error produced anywhere inside a job to its failure kind.
// Network errors that were not wrapped by the probe are classified here as well.
func KindOf(err error) FailureKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedDescriptor):
		return FailureMalformed
	case errors.Is(err, ErrUnsupportedProtocol):
		return FailureUnsupported
	case errors.Is(err, ErrProcessLaunch):
		return FailureLaunch
	case errors.Is(err, ErrProbeTimeout), errors.Is(err, os.ErrDeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, ErrProbeRefused), errors.Is(err, syscall.ECONNREFUSED):
		return FailureRefused
	case errors.Is(err, ErrProbeProtocol):
		return FailureProtocol
	case errors.Is(err, ErrInternal):
		return FailureInternal
	case errors.Is(err, context.Canceled):
		return FailureCancelled
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	return FailureProtocol
}
