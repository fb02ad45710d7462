package capture

import "time"

// Segment is a finalized chunk of captured audio. It is never mutated after
// creation; Audio returns a copy.
type Segment struct {
	audio          []byte
	SessionID      string
	SpeechDuration time.Duration
	StartedAt      time.Time
	CreatedAt      time.Time
}

func NewSegment(sessionID string, audio []byte, speech time.Duration, startedAt, createdAt time.Time) Segment {
	return Segment{
		audio:          append([]byte(nil), audio...),
		SessionID:      sessionID,
		SpeechDuration: speech,
		StartedAt:      startedAt,
		CreatedAt:      createdAt,
	}
}

func (s Segment) Audio() []byte { return append([]byte(nil), s.audio...) }

func (s Segment) ByteSize() int { return len(s.audio) }

// WallDuration is the span between the first tick of the segment and its finalization.
func (s Segment) WallDuration() time.Duration { return s.CreatedAt.Sub(s.StartedAt) }

// Merge appends other to s, summing speech. Used when coalescing queued segments.
func (s Segment) Merge(other Segment) Segment {
	merged := make([]byte, 0, len(s.audio)+len(other.audio))
	merged = append(merged, s.audio...)
	merged = append(merged, other.audio...)
	return Segment{
		audio:          merged,
		SessionID:      s.SessionID,
		SpeechDuration: s.SpeechDuration + other.SpeechDuration,
		StartedAt:      s.StartedAt,
		CreatedAt:      other.CreatedAt,
	}
}

// Gate decides which segments are worth transcribing. Misses are preferred
// over transcripts hallucinated from room tone.
type Gate struct {
	MinBytes  int
	MinSpeech time.Duration
}

var DefaultGate = Gate{MinBytes: 1000, MinSpeech: 300 * time.Millisecond}

// Eligible reports ByteSize > MinBytes and SpeechDuration >= MinSpeech.
func (g Gate) Eligible(s Segment) bool {
	return s.ByteSize() > g.MinBytes && s.SpeechDuration >= g.MinSpeech
}
