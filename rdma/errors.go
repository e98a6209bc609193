package rdma

import (
	"fmt"

	"go.uber.org/zap"
)

// FaultClass classifies a fatal condition per the error-handling taxonomy:
// configuration faults, address faults, and transport faults are all fatal;
// resource limits are surfaced as ordinary error returns instead.
type FaultClass int

const (
	FaultConfiguration FaultClass = iota
	FaultAddress
	FaultTransport
)

func (c FaultClass) String() string {
	switch c {
	case FaultConfiguration:
		return "configuration"
	case FaultAddress:
		return "address"
	case FaultTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// FatalError wraps an unrecoverable invariant or state-machine violation.
// The core's policy is that such violations end the process; FatalError is
// the payload logged immediately before that happens.
type FatalError struct {
	Class  FaultClass
	Rank   int
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rdma: fatal %s fault (rank %d): %s: %v", e.Class, e.Rank, e.Reason, e.Err)
	}
	return fmt.Sprintf("rdma: fatal %s fault (rank %d): %s", e.Class, e.Rank, e.Reason)
}

func (e *FatalError) Unwrap() error { return e.Err }

// fatalExit logs a per-rank diagnostic and terminates the process, matching the
// core's "fatal abort" exit for state-machine and invariant violations.
// Connection re-establishment is out of scope, so there is no recovery path.
var fatalExit = func(logger *zap.Logger, err *FatalError) {
	if logger != nil {
		logger.Error("fatal fault", zap.Int("rank", err.Rank), zap.String("class", err.Class.String()), zap.String("reason", err.Reason), zap.Error(err.Err))
	}
	panic(err)
}

func fatal(logger *zap.Logger, rank int, class FaultClass, reason string, cause error) {
	fatalExit(logger, &FatalError{Class: class, Rank: rank, Reason: reason, Err: cause})
}
