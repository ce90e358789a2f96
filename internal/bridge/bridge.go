// Package bridge reconciles a fixed-rate, non-blocking audio callback with
// an asynchronous remote speech service. Samples flow callback → ring →
// chunk scheduler → handoff queue → session → remote, and results flow back
// through the demuxer in strict sequence order. The callback's latency never
// depends on remote latency.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/config"
)

// FailureMode decides what happens after reconnection attempts are
// exhausted.
type FailureMode string

const (
	// FailAbort resolves all outstanding sequences with abort markers and
	// rejects further input.
	FailAbort FailureMode = "abort"
	// FailStall keeps accepting input and silently stops emitting output.
	FailStall FailureMode = "stall"
)

// Config carries the bridge's tunables, already converted to native units.
type Config struct {
	SampleRate     int
	ChunkDuration  time.Duration
	RingCapacity   int // samples
	HandoffQueue   int
	MaxInflight    int
	ResumeInflight int
	OverrunPolicy  OverrunPolicy
	ResultTimeout  time.Duration
	DrainGrace     time.Duration
	FailureMode    FailureMode
	EmitPartials   bool
	Retry          RetryPolicy
}

// ConfigFrom converts the YAML configuration section.
func ConfigFrom(cfg config.BridgeConfig) Config {
	return Config{
		SampleRate:     cfg.SampleRate,
		ChunkDuration:  time.Duration(cfg.ChunkDurationMS) * time.Millisecond,
		RingCapacity:   cfg.SampleRate * cfg.RingCapacityMS / 1000,
		HandoffQueue:   cfg.HandoffQueue,
		MaxInflight:    cfg.MaxInflight,
		ResumeInflight: cfg.ResumeInflight,
		OverrunPolicy:  OverrunPolicy(cfg.OverrunPolicy),
		ResultTimeout:  time.Duration(cfg.ResultTimeoutMS) * time.Millisecond,
		DrainGrace:     time.Duration(cfg.DrainGraceMS) * time.Millisecond,
		FailureMode:    FailureMode(cfg.FailureMode),
		EmitPartials:   cfg.EmitPartials,
		Retry: RetryPolicy{
			Base:        time.Duration(cfg.Retry.BaseMS) * time.Millisecond,
			Multiplier:  cfg.Retry.Multiplier,
			Cap:         time.Duration(cfg.Retry.MaxMS) * time.Millisecond,
			MaxAttempts: cfg.Retry.MaxAttempts,
		},
	}
}

// Bridge is one stream instance. Process and Flush make up the real-time
// contract; everything else runs on two internal goroutines (chunk scheduler
// and session I/O).
type Bridge struct {
	cfg     Config
	logger  *slog.Logger
	ring    *Ring
	chunker *Chunker
	bp      *Backpressure
	demux   *Demuxer
	session *Session
	metrics *Metrics
	out     func(Result)

	handoff  chan Chunk
	wake     chan struct{}
	flushReq atomic.Bool
	aborted  atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
	err    error
	wg     sync.WaitGroup
}

// New builds a bridge around the given transport. out receives results in
// sequence order (partials interleaved as they arrive) and is invoked from
// the I/O goroutine only.
func New(cfg Config, transport Transport, out func(Result), logger *slog.Logger) (*Bridge, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("bridge: sample rate must be positive")
	}
	chunkSize := int(time.Duration(cfg.SampleRate) * cfg.ChunkDuration / time.Second)
	if chunkSize <= 0 {
		return nil, fmt.Errorf("bridge: chunk duration %s too short for %d Hz", cfg.ChunkDuration, cfg.SampleRate)
	}
	if cfg.RingCapacity < chunkSize {
		return nil, fmt.Errorf("bridge: ring capacity %d below one chunk (%d samples)", cfg.RingCapacity, chunkSize)
	}

	b := &Bridge{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "bridge")),
		out:     out,
		handoff: make(chan Chunk, cfg.HandoffQueue),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.ring = NewRing(cfg.RingCapacity, cfg.OverrunPolicy)
	b.chunker = NewChunker(b.ring, chunkSize, cfg.SampleRate)
	b.bp = NewBackpressure(cfg.MaxInflight, cfg.ResumeInflight)
	b.demux = NewDemuxer(b.emit, cfg.EmitPartials)

	metrics, err := NewMetrics(b.ring, b.bp, b.demux)
	if err != nil {
		logger.Warn("bridge metrics unavailable", slog.String("error", err.Error()))
	}
	b.metrics = metrics

	b.session = NewSession(transport, cfg.Retry, cfg.ResultTimeout, cfg.DrainGrace,
		b.bp, b.demux, metrics, b.logger)
	return b, nil
}

// Start launches the scheduler and I/O goroutines.
func (b *Bridge) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.runScheduler(ctx)
	}()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		err := b.session.Run(ctx, b.handoff)
		b.finish(err)
	}()
}

// Process is the real-time callback: it copies samples into the ring and
// returns how many were consumed. It touches nothing that can block on the
// network.
func (b *Bridge) Process(samples []int16) int {
	if b.aborted.Load() {
		return 0
	}
	n := b.ring.Push(samples)
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return n
}

// Flush signals end-of-stream. Trailing samples shorter than one chunk go
// out as a short final chunk.
func (b *Bridge) Flush() {
	b.flushReq.Store(true)
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Close forces shutdown: in-flight chunks get the configured grace period,
// then unresolved sequences are truncated. Returns the terminal error, if
// any.
func (b *Bridge) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	return b.Err()
}

// Done closes once the stream fully drained or failed terminally.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Err reports the terminal error after Done closes; nil on a clean drain.
func (b *Bridge) Err() error {
	select {
	case <-b.done:
		return b.err
	default:
		return nil
	}
}

// State reports the session lifecycle state.
func (b *Bridge) State() SessionState {
	return b.session.State()
}

// Overruns reports samples lost or refused at the ring.
func (b *Bridge) Overruns() uint64 {
	return b.ring.Overruns()
}

// Watermark reports the lowest unresolved sequence.
func (b *Bridge) Watermark() uint64 {
	return b.demux.Watermark()
}

func (b *Bridge) emit(res Result) {
	if b.out != nil {
		b.out(res)
	}
}

// runScheduler carves buffered samples into chunks and pushes them through
// backpressure onto the handoff queue. It exits after the final chunk.
func (b *Bridge) runScheduler(ctx context.Context) {
	defer close(b.handoff)
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.wake:
		}
		for {
			chunk, ok := b.chunker.Next(b.flushReq.Load())
			if !ok {
				break
			}
			if err := b.bp.Admit(ctx); err != nil {
				return
			}
			select {
			case b.handoff <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.Final {
				return
			}
		}
	}
}

// finish records the session outcome and applies the failure mode.
func (b *Bridge) finish(err error) {
	abort := false
	if err != nil {
		b.logger.Error("bridge session failed", slog.String("error", err.Error()))
		switch b.cfg.FailureMode {
		case FailStall:
			// Deliberate: input keeps flowing into the ring, output stalls.
		default:
			abort = true
			b.aborted.Store(true)
			for range b.demux.Abort() {
				b.bp.Release()
			}
		}
	}
	if b.cancel != nil {
		b.cancel()
	}
	if abort {
		// Chunks admitted but never submitted still get markers. The
		// scheduler closes the queue once it observes the cancellation.
		for chunk := range b.handoff {
			b.emit(Result{Sequence: chunk.Sequence, Status: StatusAborted, Start: chunk.Start, End: chunk.End})
			b.bp.Release()
		}
	}
	b.metrics.Close()
	b.err = err
	close(b.done)
}
