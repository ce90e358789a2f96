package bridge

import (
	"context"
	"errors"
	"time"
)

// Chunk is a sequence-numbered slice of PCM samples sized for one remote
// request. Ownership transfers to the I/O side when it leaves the scheduler.
type Chunk struct {
	Sequence uint64
	Start    time.Duration // stream offset of the first sample
	End      time.Duration
	Samples  []int16
	Final    bool
}

// ResultStatus classifies how a sequence was resolved.
type ResultStatus string

const (
	StatusResolved  ResultStatus = "resolved"
	StatusTimeout   ResultStatus = "timeout"
	StatusTruncated ResultStatus = "truncated"
	StatusAborted   ResultStatus = "aborted"
)

// Result is what the bridge emits downstream, in sequence order for
// non-partial results.
type Result struct {
	Sequence   uint64
	SessionID  string
	Text       string
	Confidence float64
	Partial    bool
	Status     ResultStatus
	Start      time.Duration
	End        time.Duration
}

// TransportResult is a raw recognition result arriving from a session.
type TransportResult struct {
	Sequence   uint64
	Text       string
	Confidence float64
	Partial    bool
}

// SessionHandle is one open connection to the remote service.
type SessionHandle interface {
	ID() string
	Submit(ctx context.Context, chunk Chunk) error
	// Results delivers recognition results until the session ends; the
	// channel is closed when the connection is gone.
	Results() <-chan TransportResult
	Close() error
}

// Transport opens sessions against the remote service. Open performs the
// full handshake including authentication.
type Transport interface {
	Open(ctx context.Context) (SessionHandle, error)
}

// ErrAuthRejected marks authentication failures; they are fatal immediately,
// no retry value.
var ErrAuthRejected = errors.New("transport: authentication rejected")

// ErrBridgeFailed is returned once reconnection attempts are exhausted.
var ErrBridgeFailed = errors.New("bridge: remote session failed permanently")
