package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-bridge/internal/bridge"
)

// Mock answers every chunk with a synthetic transcript after an optional
// delay. Useful for wiring checks and load runs without a real service.
type Mock struct {
	Latency time.Duration
}

func NewMock(latency time.Duration) *Mock {
	return &Mock{Latency: latency}
}

func (m *Mock) Open(_ context.Context) (bridge.SessionHandle, error) {
	return &mockSession{
		id:      uuid.NewString(),
		latency: m.Latency,
		results: make(chan bridge.TransportResult, 32),
	}, nil
}

type mockSession struct {
	id      string
	latency time.Duration
	results chan bridge.TransportResult

	mu     sync.Mutex
	closed bool
}

func (s *mockSession) ID() string { return s.id }

func (s *mockSession) Submit(ctx context.Context, chunk bridge.Chunk) error {
	go func() {
		if s.latency > 0 {
			select {
			case <-time.After(s.latency):
			case <-ctx.Done():
				return
			}
		}
		s.deliver(bridge.TransportResult{
			Sequence:   chunk.Sequence,
			Text:       fmt.Sprintf("[transcript seq=%d samples=%d]", chunk.Sequence, len(chunk.Samples)),
			Confidence: 1,
		})
	}()
	return nil
}

func (s *mockSession) deliver(res bridge.TransportResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.results <- res:
	default:
	}
}

func (s *mockSession) Results() <-chan bridge.TransportResult { return s.results }

func (s *mockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.results)
	}
	return nil
}
