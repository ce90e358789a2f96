// loqa-feed streams a WAV file onto the bus as audio frames at real-time
// cadence and prints the ordered results as they come back. Useful for
// exercising a running daemon end to end.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-bridge/internal/protocol"
	"github.com/loqalabs/loqa-bridge/internal/transport"
)

func main() {
	var (
		filePath  string
		servers   string
		sessionID string
		frameMS   int
		waitFor   time.Duration
	)

	flag.StringVar(&filePath, "file", "", "WAV file to stream (16-bit PCM)")
	flag.StringVar(&servers, "servers", "nats://localhost:4222", "NATS server URLs")
	flag.StringVar(&sessionID, "session", "", "Session id (random when empty)")
	flag.IntVar(&frameMS, "frame-ms", 20, "Frame duration in milliseconds")
	flag.DurationVar(&waitFor, "wait", 30*time.Second, "How long to wait for the stream to drain")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if filePath == "" {
		logger.Error("-file is required")
		os.Exit(1)
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if err := run(logger, filePath, servers, sessionID, frameMS, waitFor); err != nil {
		logger.Error("feed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger, filePath, servers, sessionID string, frameMS int, waitFor time.Duration) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open wav: %w", err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return fmt.Errorf("decode wav: %w", err)
	}
	if dec.BitDepth != 16 {
		return fmt.Errorf("only 16-bit PCM is supported, got %d-bit", dec.BitDepth)
	}
	sampleRate := buf.Format.SampleRate
	channels := buf.Format.NumChannels
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}

	conn, err := nats.Connect(servers, nats.Name("loqa-feed"))
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	resultSub, err := conn.Subscribe(protocol.SubjectResultFinal, func(msg *nats.Msg) {
		var res protocol.BridgeResult
		if err := json.Unmarshal(msg.Data, &res); err != nil {
			return
		}
		if res.SessionID != sessionID {
			return
		}
		fmt.Printf("[%d] %s %s\n", res.Sequence, res.Status, res.Text)
	})
	if err != nil {
		return fmt.Errorf("subscribe results: %w", err)
	}
	defer resultSub.Unsubscribe()

	done := make(chan protocol.SessionStatus, 1)
	statusSub, err := conn.Subscribe(protocol.SubjectSessionStatus, func(msg *nats.Msg) {
		var status protocol.SessionStatus
		if err := json.Unmarshal(msg.Data, &status); err != nil {
			return
		}
		if status.SessionID != sessionID || status.State == "streaming" {
			return
		}
		select {
		case done <- status:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe status: %w", err)
	}
	defer statusSub.Unsubscribe()

	frameSamples := sampleRate * channels * frameMS / 1000
	if frameSamples <= 0 {
		return fmt.Errorf("frame duration too short")
	}

	logger.Info("streaming",
		slog.String("session_id", sessionID),
		slog.Int("sample_rate", sampleRate),
		slog.Int("channels", channels),
		slog.Int("samples", len(samples)))

	subject := protocol.SubjectAudioFramePrefix + "." + sessionID
	ticker := time.NewTicker(time.Duration(frameMS) * time.Millisecond)
	defer ticker.Stop()

	seq := 0
	for offset := 0; offset < len(samples); offset += frameSamples {
		<-ticker.C
		end := offset + frameSamples
		if end > len(samples) {
			end = len(samples)
		}
		frame := protocol.AudioFrame{
			SessionID:  sessionID,
			Sequence:   seq,
			SampleRate: sampleRate,
			Channels:   channels,
			PCM:        transport.EncodePCM(samples[offset:end]),
			Final:      end == len(samples),
		}
		data, err := json.Marshal(frame)
		if err != nil {
			return fmt.Errorf("marshal frame: %w", err)
		}
		if err := conn.Publish(subject, data); err != nil {
			return fmt.Errorf("publish frame %d: %w", seq, err)
		}
		seq++
	}
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	select {
	case status := <-done:
		if status.State == "failed" {
			return fmt.Errorf("stream failed: %s", status.Error)
		}
		logger.Info("stream drained", slog.Int("frames", seq))
	case <-time.After(waitFor):
		logger.Warn("timed out waiting for the stream to drain")
	}
	return nil
}
