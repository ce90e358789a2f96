package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// SessionState enumerates the connection lifecycle.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateAuthenticated
	StateStreaming
	StateDraining
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// timeoutFailureThreshold is how many consecutive chunk timeouts we tolerate
// before treating the connection itself as dead.
const timeoutFailureThreshold = 3

// Session owns the single logical connection to the remote service: connect,
// authenticate, stream, drain, fail, reconnect. Exactly one is active per
// bridge; it runs entirely on the I/O goroutine.
type Session struct {
	transport     Transport
	retry         RetryPolicy
	resultTimeout time.Duration
	drainGrace    time.Duration
	bp            *Backpressure
	demux         *Demuxer
	logger        *slog.Logger
	metrics       *Metrics
	clock         func() time.Time

	state         atomic.Int32
	handle        SessionHandle
	unacked       []Chunk // submitted in sequence order, not yet resolved
	attempts      int     // connect attempts since the link last carried traffic
	everConnected bool
	reconnects    uint64
}

// errClosed signals that connect was interrupted by cancellation and the
// session already shut down cleanly.
var errClosed = errors.New("session closed")

func NewSession(transport Transport, retry RetryPolicy, resultTimeout, drainGrace time.Duration,
	bp *Backpressure, demux *Demuxer, metrics *Metrics, logger *slog.Logger) *Session {
	return &Session{
		transport:     transport,
		retry:         retry,
		resultTimeout: resultTimeout,
		drainGrace:    drainGrace,
		bp:            bp,
		demux:         demux,
		metrics:       metrics,
		logger:        logger.With(slog.String("component", "session")),
		clock:         time.Now,
	}
}

// State reports the current lifecycle state. Safe from any goroutine.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(state SessionState) {
	if SessionState(s.state.Swap(int32(state))) != state {
		s.logger.Debug("session state", slog.String("state", state.String()))
	}
}

// Run drives the send/receive loop until the stream drains, the context is
// cancelled, or reconnection attempts are exhausted.
func (s *Session) Run(ctx context.Context, chunks <-chan Chunk) error {
	ticker := time.NewTicker(s.pollInterval())
	defer ticker.Stop()
	defer s.closeHandle()

	var results <-chan TransportResult
	draining := false
	timeoutStreak := 0

	for {
		// A lost connection with unresolved chunks is reconnected eagerly
		// so results keep flowing even when no new chunks arrive.
		if s.handle == nil && len(s.unacked) > 0 {
			if err := s.connect(ctx); err != nil {
				if errors.Is(err, errClosed) {
					return nil
				}
				return err
			}
			results = s.handle.Results()
			if !s.resend(ctx) {
				results = nil
				continue
			}
		}

		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				if len(s.unacked) == 0 {
					s.closeHandle()
					s.setState(StateDisconnected)
					return nil
				}
				continue
			}
			if chunk.Final {
				draining = true
				s.setState(StateDraining)
			}
			if s.handle == nil {
				// Joins the unacked list first so a fatal connect still
				// resolves it with a marker.
				s.unacked = append(s.unacked, chunk)
				s.demux.Track(chunk, s.clock().Add(s.resultTimeout))
				if err := s.connect(ctx); err != nil {
					if errors.Is(err, errClosed) {
						return nil
					}
					return err
				}
				results = s.handle.Results()
				if !s.resend(ctx) {
					results = nil
				}
				continue
			}
			if !s.submit(ctx, chunk) {
				results = nil
				continue
			}

		case tr, ok := <-results:
			if !ok {
				s.logger.Warn("session connection lost")
				s.disconnect()
				results = nil
				continue
			}
			s.attempts = 0
			resolved := s.demux.Offer(s.handle.ID(), tr)
			if len(resolved) > 0 {
				timeoutStreak = 0
				s.resolve(resolved)
			}

		case now := <-ticker.C:
			before := s.demux.Timeouts()
			resolved := s.demux.Expire(now)
			s.resolve(resolved)
			expired := int(s.demux.Timeouts() - before)
			if expired > 0 {
				timeoutStreak += expired
				s.metrics.AddTimeouts(expired)
				if timeoutStreak >= timeoutFailureThreshold && s.handle != nil {
					s.logger.Warn("repeated result timeouts, recycling connection",
						slog.Int("streak", timeoutStreak))
					s.disconnect()
					results = nil
					timeoutStreak = 0
				}
			}

		case <-ctx.Done():
			return s.shutdown()
		}

		// Once the final chunk went out, the scheduler produces nothing
		// more; an empty unacked list means the stream fully drained.
		if draining && len(s.unacked) == 0 {
			s.closeHandle()
			s.setState(StateDisconnected)
			return nil
		}
	}
}

// connect establishes and authenticates a new session, applying the retry
// policy across consecutive failures. Authentication rejections are fatal
// immediately. The attempt counter is not reset here: an open that dies
// before carrying any traffic still counts toward the budget.
func (s *Session) connect(ctx context.Context) error {
	for {
		s.attempts++
		if s.retry.Exhausted(s.attempts) {
			s.setState(StateFailed)
			return fmt.Errorf("%w: %d connection attempts", ErrBridgeFailed, s.attempts-1)
		}
		if s.attempts > 1 {
			delay := s.retry.Backoff(s.attempts - 1)
			s.logger.Info("reconnecting", slog.Int("attempt", s.attempts), slog.Duration("backoff", delay))
			select {
			case <-ctx.Done():
				s.shutdown()
				return errClosed
			case <-time.After(delay):
			}
		}
		s.setState(StateConnecting)
		handle, err := s.transport.Open(ctx)
		if err != nil {
			if errors.Is(err, ErrAuthRejected) {
				s.setState(StateFailed)
				return fmt.Errorf("open session: %w", err)
			}
			if ctx.Err() != nil {
				s.shutdown()
				return errClosed
			}
			s.logger.Warn("session open failed", slog.String("error", err.Error()))
			continue
		}
		if s.everConnected {
			s.reconnects++
			s.metrics.AddReconnect()
		}
		s.everConnected = true
		s.handle = handle
		s.setState(StateAuthenticated)
		s.logger.Info("session established", slog.String("session_id", handle.ID()))
		return nil
	}
}

// resend pushes every unresolved chunk onto a fresh connection, in sequence
// order, with refreshed deadlines. At-least-once delivery; the demuxer
// deduplicates by sequence. Reports false if the connection died again.
func (s *Session) resend(ctx context.Context) bool {
	for _, chunk := range s.unacked {
		s.demux.Track(chunk, s.clock().Add(s.resultTimeout))
		if err := s.handle.Submit(ctx, chunk); err != nil {
			s.logger.Warn("resend failed", slog.Uint64("seq", chunk.Sequence), slog.String("error", err.Error()))
			s.disconnect()
			return false
		}
		s.metrics.AddChunk(len(chunk.Samples))
	}
	if len(s.unacked) > 0 {
		s.attempts = 0
		s.setState(StateStreaming)
	}
	return true
}

// submit sends one newly admitted chunk. The chunk joins the unacked list
// before the write so a failed connection never loses it. Reports false if
// the connection died.
func (s *Session) submit(ctx context.Context, chunk Chunk) bool {
	s.unacked = append(s.unacked, chunk)
	s.demux.Track(chunk, s.clock().Add(s.resultTimeout))
	if err := s.handle.Submit(ctx, chunk); err != nil {
		s.logger.Warn("submit failed", slog.Uint64("seq", chunk.Sequence), slog.String("error", err.Error()))
		s.disconnect()
		return false
	}
	s.attempts = 0
	if s.State() != StateDraining {
		s.setState(StateStreaming)
	}
	s.metrics.AddChunk(len(chunk.Samples))
	return true
}

// resolve drops resolved sequences from the unacked list and releases their
// backpressure slots.
func (s *Session) resolve(seqs []uint64) {
	for _, seq := range seqs {
		for i, chunk := range s.unacked {
			if chunk.Sequence == seq {
				s.unacked = append(s.unacked[:i], s.unacked[i+1:]...)
				break
			}
		}
		s.bp.Release()
	}
}

// shutdown drains outstanding results up to the grace period, then truncates
// whatever is left.
func (s *Session) shutdown() error {
	deadline := s.clock().Add(s.drainGrace)
	if s.handle != nil && len(s.unacked) > 0 {
		s.setState(StateDraining)
		results := s.handle.Results()
		for results != nil && len(s.unacked) > 0 && s.clock().Before(deadline) {
			wait := time.NewTimer(s.pollInterval())
			select {
			case tr, ok := <-results:
				wait.Stop()
				if !ok {
					results = nil
					continue
				}
				s.resolve(s.demux.Offer(s.handle.ID(), tr))
			case <-wait.C:
				s.resolve(s.demux.Expire(s.clock()))
			}
		}
	}
	s.resolve(s.demux.Truncate())
	s.closeHandle()
	s.setState(StateDisconnected)
	return nil
}

// disconnect drops the current handle but keeps unacked chunks for resend.
func (s *Session) disconnect() {
	s.closeHandle()
}

func (s *Session) closeHandle() {
	if s.handle != nil {
		if err := s.handle.Close(); err != nil {
			s.logger.Debug("session close error", slog.String("error", err.Error()))
		}
		s.handle = nil
	}
}

func (s *Session) pollInterval() time.Duration {
	interval := s.resultTimeout / 8
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	if interval > 250*time.Millisecond {
		interval = 250 * time.Millisecond
	}
	return interval
}
