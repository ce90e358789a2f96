package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-bridge/internal/bridge"
	"github.com/loqalabs/loqa-bridge/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPCMEncodeDecodeRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 12345}
	out, err := DecodePCM(EncodePCM(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("length mismatch: %d vs %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("sample %d: got %d, want %d", i, out[i], in[i])
		}
	}
	if _, err := DecodePCM([]byte{1}); err == nil {
		t.Fatalf("odd payload must be rejected")
	}
}

// speechServer fakes the remote service: it checks the api key during the
// handshake and answers every chunk with its decoded sample count.
func speechServer(t *testing.T, apiKey string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var auth wsMessage
		if err := conn.ReadJSON(&auth); err != nil || auth.Type != "auth" {
			return
		}
		if auth.APIKey != apiKey {
			conn.WriteJSON(wsMessage{Type: "error", Code: "unauthorized", Message: "bad key"})
			return
		}
		conn.WriteJSON(wsMessage{Type: "ready", SessionID: "srv-session-1"})

		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type != "chunk" {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				return
			}
			samples, err := DecodePCM(raw)
			if err != nil {
				return
			}
			conn.WriteJSON(wsMessage{
				Type:       "result",
				Sequence:   msg.Sequence,
				Text:       fmt.Sprintf("heard %d samples", len(samples)),
				Confidence: 0.9,
			})
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSHandshakeAndRoundTrip(t *testing.T) {
	srv := speechServer(t, "secret")
	defer srv.Close()

	tr := NewWS(config.TransportConfig{
		Endpoint:       wsURL(srv),
		APIKey:         "secret",
		ConnectTimeout: 2000,
	}, AudioFormat{SampleRate: 16000, Channels: 1}, testLogger())

	handle, err := tr.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer handle.Close()

	if handle.ID() != "srv-session-1" {
		t.Fatalf("expected server session id, got %q", handle.ID())
	}
	chunk := bridge.Chunk{Sequence: 7, Samples: []int16{1, 2, 3, 4}}
	if err := handle.Submit(context.Background(), chunk); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case res := <-handle.Results():
		if res.Sequence != 7 {
			t.Fatalf("expected sequence 7, got %d", res.Sequence)
		}
		if res.Text != "heard 4 samples" {
			t.Fatalf("unexpected text %q", res.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no result arrived")
	}
}

func TestWSAuthRejectionMapsToSentinel(t *testing.T) {
	srv := speechServer(t, "secret")
	defer srv.Close()

	tr := NewWS(config.TransportConfig{
		Endpoint:       wsURL(srv),
		APIKey:         "wrong",
		ConnectTimeout: 2000,
	}, AudioFormat{SampleRate: 16000, Channels: 1}, testLogger())

	_, err := tr.Open(context.Background())
	if !errors.Is(err, bridge.ErrAuthRejected) {
		t.Fatalf("expected auth rejection sentinel, got %v", err)
	}
}

func TestWSResultsChannelClosesOnDisconnect(t *testing.T) {
	srv := speechServer(t, "secret")

	tr := NewWS(config.TransportConfig{
		Endpoint:       wsURL(srv),
		APIKey:         "secret",
		ConnectTimeout: 2000,
	}, AudioFormat{SampleRate: 16000, Channels: 1}, testLogger())

	handle, err := tr.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	srv.CloseClientConnections()
	srv.Close()

	select {
	case _, ok := <-handle.Results():
		if ok {
			t.Fatalf("expected closed channel, got a result")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("results channel never closed")
	}
	handle.Close()
}

func TestWSReadLoopStopsAfterClose(t *testing.T) {
	// Server floods far more results than the channel buffers while nobody
	// consumes them, then Close must still let the read loop finish and
	// close the channel.
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var auth wsMessage
		if err := conn.ReadJSON(&auth); err != nil || auth.Type != "auth" {
			return
		}
		conn.WriteJSON(wsMessage{Type: "ready", SessionID: "srv-session-2"})
		for i := 0; i < 128; i++ {
			if err := conn.WriteJSON(wsMessage{Type: "result", Sequence: uint64(i), Text: "x"}); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	tr := NewWS(config.TransportConfig{
		Endpoint:       wsURL(srv),
		ConnectTimeout: 2000,
	}, AudioFormat{SampleRate: 16000, Channels: 1}, testLogger())

	handle, err := tr.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Give the read loop time to fill the buffer and park on the send.
	time.Sleep(50 * time.Millisecond)
	handle.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-handle.Results():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("results channel never closed after close")
		}
	}
}

func TestExecRejectsBadCommand(t *testing.T) {
	format := AudioFormat{SampleRate: 16000, Channels: 1}
	if _, err := NewExec(config.TransportConfig{Command: ""}, format, testLogger()); err == nil {
		t.Fatalf("empty command must be rejected")
	}
	if _, err := NewExec(config.TransportConfig{Command: "recognizer 'unterminated"}, format, testLogger()); err == nil {
		t.Fatalf("unparsable command must be rejected")
	}
}

func TestMockResolvesEveryChunk(t *testing.T) {
	tr := NewMock(0)
	handle, err := tr.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer handle.Close()

	if err := handle.Submit(context.Background(), bridge.Chunk{Sequence: 3, Samples: make([]int16, 10)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case res := <-handle.Results():
		if res.Sequence != 3 || res.Text == "" {
			t.Fatalf("unexpected result %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatalf("mock never answered")
	}
}

func TestFactorySelectsMode(t *testing.T) {
	format := AudioFormat{SampleRate: 16000, Channels: 1}
	if _, err := New(config.TransportConfig{Mode: "mock"}, format, testLogger()); err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, err := New(config.TransportConfig{Mode: "ws", Endpoint: "ws://localhost:1"}, format, testLogger()); err != nil {
		t.Fatalf("ws: %v", err)
	}
	if _, err := New(config.TransportConfig{Mode: "exec", Command: "recognizer --fast"}, format, testLogger()); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if _, err := New(config.TransportConfig{Mode: "bogus"}, format, testLogger()); err == nil {
		t.Fatalf("unknown mode must be rejected")
	}
}
