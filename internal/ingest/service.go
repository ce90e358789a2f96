// Package ingest feeds audio frames arriving on the bus into per-session
// bridges and publishes the ordered results back out.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-bridge/internal/bridge"
	"github.com/loqalabs/loqa-bridge/internal/bus"
	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/journal"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
	"github.com/loqalabs/loqa-bridge/internal/transport"
)

type Service struct {
	cfg       config.Config
	bus       *bus.Client
	transport bridge.Transport
	journal   *journal.Journal
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*stream

	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup
	ready  bool
}

type stream struct {
	bridge *bridge.Bridge
}

func NewService(parent context.Context, cfg config.Config, busClient *bus.Client,
	tr bridge.Transport, jnl *journal.Journal, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		transport: tr,
		journal:   jnl,
		log:       log.With(slog.String("component", "ingest")),
		sessions:  make(map[string]*stream),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Ingest.Enabled {
		return nil
	}
	subject := s.cfg.Ingest.SubjectPrefix + ".>"
	sub, err := s.bus.Conn().Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.mu.Lock()
	streams := make([]*stream, 0, len(s.sessions))
	for _, st := range s.sessions {
		streams = append(streams, st)
	}
	s.mu.Unlock()
	for _, st := range streams {
		_ = st.bridge.Close()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Ingest.Enabled || s.ready
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slog.String("error", err.Error()))
		return
	}
	if frame.SessionID == "" {
		s.log.Warn("audio frame without session id dropped")
		return
	}

	st, err := s.session(frame.SessionID)
	if err != nil {
		s.log.Warn("failed to open session",
			slog.String("session_id", frame.SessionID), slog.String("error", err.Error()))
		return
	}

	samples, err := transport.DecodePCM(frame.PCM)
	if err != nil {
		s.log.Warn("malformed pcm payload",
			slog.String("session_id", frame.SessionID), slog.String("error", err.Error()))
		return
	}
	if len(samples) > 0 {
		accepted := st.bridge.Process(samples)
		if accepted < len(samples) {
			s.log.Warn("samples refused at the ring",
				slog.String("session_id", frame.SessionID),
				slog.Int("refused", len(samples)-accepted))
		}
	}
	if frame.Final {
		st.bridge.Flush()
	}
}

// session returns the running bridge for the given id, creating it on first
// use.
func (s *Service) session(sessionID string) (*stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[sessionID]; ok {
		return st, nil
	}

	b, err := bridge.New(bridge.ConfigFrom(s.cfg.Bridge), s.transport, func(res bridge.Result) {
		s.publishResult(sessionID, res)
	}, s.log)
	if err != nil {
		return nil, err
	}
	b.Start(s.ctx)

	if err := s.journal.RecordSession(s.ctx, sessionID, s.cfg.Bridge.SampleRate, s.cfg.Bridge.Channels); err != nil {
		s.log.Warn("journal session failed", slog.String("error", err.Error()))
	}
	if err := s.journal.RecordEvent(s.ctx, sessionID, "session_started", ""); err != nil {
		s.log.Warn("journal event failed", slog.String("error", err.Error()))
	}
	s.publishStatus(sessionID, "streaming", nil)

	st := &stream{bridge: b}
	s.sessions[sessionID] = st

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-b.Done()
		state := "drained"
		detail := ""
		err := b.Err()
		if err != nil {
			state = "failed"
			detail = err.Error()
		}
		s.publishStatus(sessionID, state, err)
		if jerr := s.journal.RecordEvent(context.Background(), sessionID, "session_"+state, detail); jerr != nil {
			s.log.Warn("journal event failed", slog.String("error", jerr.Error()))
		}
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
	}()
	return st, nil
}

func (s *Service) publishResult(sessionID string, res bridge.Result) {
	subject := protocol.SubjectResultFinal
	if res.Partial {
		subject = protocol.SubjectResultPartial
	}
	msg := protocol.BridgeResult{
		SessionID:  sessionID,
		Sequence:   res.Sequence,
		Text:       res.Text,
		Partial:    res.Partial,
		Status:     string(res.Status),
		Confidence: res.Confidence,
		StartMS:    res.Start.Milliseconds(),
		EndMS:      res.End.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("failed to marshal result", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.log.Warn("failed to publish result", slog.String("error", err.Error()))
	}
	if err := s.journal.RecordResult(s.ctx, sessionID, res); err != nil {
		s.log.Warn("journal result failed", slog.String("error", err.Error()))
	}
}

func (s *Service) publishStatus(sessionID, state string, cause error) {
	msg := protocol.SessionStatus{
		SessionID: sessionID,
		State:     state,
		Timestamp: time.Now().UTC(),
	}
	if cause != nil {
		msg.Error = cause.Error()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectSessionStatus, data); err != nil {
		s.log.Warn("failed to publish session status", slog.String("error", err.Error()))
	}
}
