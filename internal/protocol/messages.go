package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// BridgeResult is one ordered recognition result broadcast on the bus.
type BridgeResult struct {
	SessionID  string    `json:"session_id"`
	Sequence   uint64    `json:"sequence"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Status     string    `json:"status"` // resolved, timeout, truncated, aborted
	Confidence float64   `json:"confidence,omitempty"`
	StartMS    int64     `json:"start_ms"`
	EndMS      int64     `json:"end_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// SessionStatus announces bridge lifecycle transitions for one stream.
type SessionStatus struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectResultPartial    = "bridge.result.partial"
	SubjectResultFinal      = "bridge.result.final"
	SubjectSessionStatus    = "bridge.session.status"
)
