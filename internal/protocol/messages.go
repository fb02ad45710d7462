package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
}

// SessionControl starts, stops or closes the human turn of a session.
type SessionControl struct {
	SessionID string `json:"session_id"`
	Depth     string `json:"depth,omitempty"`
}

// SessionAck answers a SessionControl request when the sender asked for a reply.
type SessionAck struct {
	SessionID string `json:"session_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// Response describes what the agent decided to say, or that it chose silence.
type Response struct {
	SessionID     string    `json:"session_id"`
	TurnID        string    `json:"turn_id"`
	Arm           string    `json:"arm"`
	Category      string    `json:"category,omitempty"`
	Utterance     string    `json:"utterance,omitempty"`
	Silence       bool      `json:"silence"`
	PauseBeforeMS int64     `json:"pause_before_ms"`
	PauseAfterMS  int64     `json:"pause_after_ms"`
	Timestamp     time.Time `json:"timestamp"`
}

// AudioChunk carries synthesized PCM to the playback target.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Target     string `json:"target"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Sequence   int    `json:"sequence"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// PlaybackStatus announces playback start and completion.
type PlaybackStatus struct {
	SessionID string    `json:"session_id"`
	Target    string    `json:"target"`
	Started   bool      `json:"started,omitempty"`
	Completed bool      `json:"completed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectSessionStart     = "session.start"
	SubjectSessionStop      = "session.stop"
	SubjectSessionDone      = "session.done"
	SubjectTranscriptFinal  = "stt.text.final"
	SubjectResponse         = "presence.response"
	SubjectTTSAudio         = "tts.audio"
	SubjectTTSStarted       = "tts.started"
	SubjectTTSDone          = "tts.done"
)

func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}
