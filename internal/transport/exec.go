package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-bridge/internal/bridge"
	"github.com/loqalabs/loqa-bridge/internal/config"
)

// Exec runs a local recognizer binary once per chunk. The chunk is written
// to a temporary WAV file and the command's stdout is parsed as JSON.
type Exec struct {
	args   []string
	cfg    config.TransportConfig
	format AudioFormat
	logger *slog.Logger
}

type execOutput struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExec(cfg config.TransportConfig, format AudioFormat, logger *slog.Logger) (*Exec, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse transport command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transport command is empty")
	}
	return &Exec{
		args:   args,
		cfg:    cfg,
		format: format,
		logger: logger.With(slog.String("component", "exec-transport")),
	}, nil
}

func (e *Exec) Open(_ context.Context) (bridge.SessionHandle, error) {
	return &execSession{
		id:      uuid.NewString(),
		tr:      e,
		results: make(chan bridge.TransportResult, 32),
	}, nil
}

type execSession struct {
	id      string
	tr      *Exec
	results chan bridge.TransportResult

	mu     sync.Mutex // serializes subprocess runs
	closed bool
}

func (s *execSession) ID() string { return s.id }

func (s *execSession) Submit(ctx context.Context, chunk bridge.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session closed")
	}
	if len(chunk.Samples) == 0 {
		// Nothing to recognize in an empty final chunk.
		s.deliverLocked(bridge.TransportResult{Sequence: chunk.Sequence})
		return nil
	}

	out, err := s.tr.recognize(ctx, chunk.Samples)
	if err != nil {
		return err
	}
	s.deliverLocked(bridge.TransportResult{
		Sequence:   chunk.Sequence,
		Text:       out.Text,
		Confidence: out.Confidence,
	})
	return nil
}

func (s *execSession) deliverLocked(res bridge.TransportResult) {
	select {
	case s.results <- res:
	default:
	}
}

func (s *execSession) Results() <-chan bridge.TransportResult { return s.results }

func (s *execSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.results)
	}
	return nil
}

func (e *Exec) recognize(ctx context.Context, samples []int16) (execOutput, error) {
	file, err := os.CreateTemp(os.TempDir(), "loqa_bridge_*.wav")
	if err != nil {
		return execOutput{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writeWAV(file, samples, e.format); err != nil {
		return execOutput{}, err
	}

	cmdArgs := append([]string{}, e.args[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if e.cfg.Model != "" {
		cmdArgs = append(cmdArgs, "--model", e.cfg.Model)
	}
	if e.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", e.cfg.Language)
	}

	command := exec.CommandContext(ctx, e.args[0], cmdArgs...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return execOutput{}, fmt.Errorf("recognizer command failed: %w: %s", err, stderr.String())
	}
	var out execOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return execOutput{}, fmt.Errorf("decode recognizer output: %w", err)
	}
	return out, nil
}

func writeWAV(file *os.File, samples []int16, format AudioFormat) error {
	buffer := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		Data:   make([]int, len(samples)),
	}
	for i, s := range samples {
		buffer.Data[i] = int(s)
	}

	enc := wav.NewEncoder(file, format.SampleRate, 16, format.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
