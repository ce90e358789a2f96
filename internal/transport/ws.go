package transport

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-bridge/internal/bridge"
	"github.com/loqalabs/loqa-bridge/internal/config"
)

// wsMessage is the single frame shape used in both directions. Type selects
// which fields are meaningful.
type wsMessage struct {
	Type string `json:"type"`

	// auth
	APIKey     string `json:"api_key,omitempty"`
	Model      string `json:"model,omitempty"`
	Language   string `json:"language,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`

	// ready / error
	SessionID string `json:"session_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`

	// chunk / result
	Sequence   uint64  `json:"sequence"`
	Final      bool    `json:"final,omitempty"`
	Audio      string  `json:"audio,omitempty"` // base64 little-endian PCM16
	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Partial    bool    `json:"partial,omitempty"`
}

// WS streams chunks over a websocket connection. Each Open performs the
// authentication handshake before any audio flows.
type WS struct {
	cfg    config.TransportConfig
	format AudioFormat
	logger *slog.Logger
	dialer *websocket.Dialer
}

func NewWS(cfg config.TransportConfig, format AudioFormat, logger *slog.Logger) *WS {
	return &WS{
		cfg:    cfg,
		format: format,
		logger: logger.With(slog.String("component", "ws-transport")),
		dialer: &websocket.Dialer{HandshakeTimeout: connectTimeout(cfg)},
	}
}

func (w *WS) Open(ctx context.Context) (bridge.SessionHandle, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout(w.cfg))
	defer cancel()

	conn, _, err := w.dialer.DialContext(dialCtx, w.cfg.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", w.cfg.Endpoint, err)
	}

	auth := wsMessage{
		Type:       "auth",
		APIKey:     w.cfg.APIKey,
		Model:      w.cfg.Model,
		Language:   w.cfg.Language,
		SampleRate: w.format.SampleRate,
		Channels:   w.format.Channels,
	}
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(connectTimeout(w.cfg)))
	var resp wsMessage
	if err := conn.ReadJSON(&resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	switch resp.Type {
	case "ready":
	case "error":
		conn.Close()
		if resp.Code == "unauthorized" || resp.Code == "forbidden" {
			return nil, fmt.Errorf("%w: %s", bridge.ErrAuthRejected, resp.Message)
		}
		return nil, fmt.Errorf("handshake rejected: %s: %s", resp.Code, resp.Message)
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected handshake frame %q", resp.Type)
	}

	s := &wsSession{
		id:      resp.SessionID,
		conn:    conn,
		logger:  w.logger,
		results: make(chan bridge.TransportResult, 32),
		done:    make(chan struct{}),
	}
	if s.id == "" {
		s.id = w.cfg.Endpoint
	}
	go s.readLoop()
	return s, nil
}

type wsSession struct {
	id      string
	conn    *websocket.Conn
	logger  *slog.Logger
	results chan bridge.TransportResult
	done    chan struct{}

	writeMu sync.Mutex
	once    sync.Once
}

func (s *wsSession) ID() string { return s.id }

func (s *wsSession) Submit(_ context.Context, chunk bridge.Chunk) error {
	msg := wsMessage{
		Type:     "chunk",
		Sequence: chunk.Sequence,
		Final:    chunk.Final,
		Audio:    base64.StdEncoding.EncodeToString(EncodePCM(chunk.Samples)),
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write chunk %d: %w", chunk.Sequence, err)
	}
	return nil
}

func (s *wsSession) Results() <-chan bridge.TransportResult { return s.results }

// readLoop is the sole sender on the results channel; it closes the channel
// when the connection dies. The send races against done so a consumer that
// stopped reading a buffered-full channel cannot strand the goroutine after
// Close.
func (s *wsSession) readLoop() {
	defer close(s.results)
	for {
		var msg wsMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read loop ended", slog.String("error", err.Error()))
			}
			return
		}
		if msg.Type != "result" {
			continue
		}
		select {
		case s.results <- bridge.TransportResult{
			Sequence:   msg.Sequence,
			Text:       msg.Text,
			Confidence: msg.Confidence,
			Partial:    msg.Partial,
		}:
		case <-s.done:
			return
		}
	}
}

func (s *wsSession) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.conn.Close()
	})
	return nil
}

// EncodePCM serializes samples as little-endian 16-bit PCM.
func EncodePCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM parses little-endian 16-bit PCM.
func DecodePCM(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned: %d bytes", len(data))
	}
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out, nil
}
