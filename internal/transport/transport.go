// Package transport provides the remote speech service connections the
// bridge streams over: a websocket client for network services, a
// subprocess adapter for local recognizer binaries, and an in-memory mock.
package transport

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/bridge"
	"github.com/loqalabs/loqa-bridge/internal/config"
)

// AudioFormat describes the PCM stream the transport will carry.
type AudioFormat struct {
	SampleRate int
	Channels   int
}

// New builds the transport selected by the configuration.
func New(cfg config.TransportConfig, format AudioFormat, logger *slog.Logger) (bridge.Transport, error) {
	switch cfg.Mode {
	case "mock":
		return NewMock(0), nil
	case "ws":
		return NewWS(cfg, format, logger), nil
	case "exec":
		return NewExec(cfg, format, logger)
	default:
		return nil, fmt.Errorf("unknown transport mode %q", cfg.Mode)
	}
}

func connectTimeout(cfg config.TransportConfig) time.Duration {
	if cfg.ConnectTimeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(cfg.ConnectTimeout) * time.Millisecond
}
