package tts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-presence/internal/config"
	"github.com/loqalabs/loqa-presence/internal/protocol"
	"github.com/loqalabs/loqa-presence/internal/turnlock"
)

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	chunks   []protocol.AudioChunk
}

func (r *recordingPublisher) PublishJSON(subject string, v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	if c, ok := v.(protocol.AudioChunk); ok {
		r.chunks = append(r.chunks, c)
	}
	return nil
}

func (r *recordingPublisher) Subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.subjects...)
}

type failingSynth struct{}

func (failingSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	errs <- errors.New("voice model missing")
	close(chunks)
	close(errs)
	return chunks, errs
}

func testPlayer(synth Synthesizer, lock *turnlock.Lock, pub Publisher, claimTimeoutMS int) (*Player, *[]time.Duration) {
	cfg := config.Default().TTS
	cfg.ClaimTimeoutMS = claimTimeoutMS
	p := NewPlayer(cfg, synth, lock, pub, nil)
	var sleeps []time.Duration
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return p, &sleeps
}

func TestPlayClaimsAndReleases(t *testing.T) {
	lock := turnlock.New()
	var seen []turnlock.State
	lock.Subscribe(func(tr turnlock.Transition) { seen = append(seen, tr.To) })
	pub := &recordingPublisher{}
	p, sleeps := testPlayer(NewMockSynth(16000, 1), lock, pub, 1000)

	err := p.Play(context.Background(), Utterance{SessionID: "s1", Text: "I'm here.", PauseBefore: 900 * time.Millisecond, PauseAfter: 400 * time.Millisecond})
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if lock.State() != turnlock.Unclaimed {
		t.Fatalf("channel not released: %s", lock.State())
	}
	if len(seen) != 2 || seen[0] != turnlock.HeldByPlayback || seen[1] != turnlock.Unclaimed {
		t.Fatalf("unexpected transitions %v", seen)
	}
	want := []string{protocol.SubjectTTSStarted, protocol.SubjectTTSAudio, protocol.SubjectTTSDone}
	got := pub.Subjects()
	if len(got) != len(want) {
		t.Fatalf("published %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("published %v, want %v", got, want)
		}
	}
	if len(pub.chunks) != 1 || len(pub.chunks[0].PCM) != 2*16000*2*300/1000 {
		t.Fatalf("unexpected audio chunks %d", len(pub.chunks))
	}
	if len(*sleeps) != 2 || (*sleeps)[0] != 900*time.Millisecond || (*sleeps)[1] != 400*time.Millisecond {
		t.Fatalf("unexpected pauses %v", *sleeps)
	}
}

func TestPlaySilenceDoesNotClaim(t *testing.T) {
	lock := turnlock.New()
	pub := &recordingPublisher{}
	p, _ := testPlayer(NewMockSynth(16000, 1), lock, pub, 1000)
	if err := p.Play(context.Background(), Utterance{SessionID: "s1"}); err != nil {
		t.Fatalf("play: %v", err)
	}
	if lock.PlaybackEpoch() != 0 || len(pub.Subjects()) != 0 {
		t.Fatalf("silence should not touch the channel")
	}
}

func TestPlayWaitsForCapture(t *testing.T) {
	lock := turnlock.New()
	ticket, err := lock.Acquire(turnlock.RoleCapture)
	if err != nil {
		t.Fatalf("acquire capture: %v", err)
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = lock.Release(ticket)
	}()
	p, _ := testPlayer(NewMockSynth(16000, 1), lock, &recordingPublisher{}, 3000)
	if err := p.Play(context.Background(), Utterance{SessionID: "s1", Text: "Mm."}); err != nil {
		t.Fatalf("play: %v", err)
	}
	if lock.PlaybackEpoch() != 1 {
		t.Fatalf("expected one playback claim, got %d", lock.PlaybackEpoch())
	}
}

func TestPlayAbandonedWhenCaptureKeepsChannel(t *testing.T) {
	lock := turnlock.New()
	if _, err := lock.Acquire(turnlock.RoleCapture); err != nil {
		t.Fatalf("acquire capture: %v", err)
	}
	pub := &recordingPublisher{}
	p, _ := testPlayer(NewMockSynth(16000, 1), lock, pub, 150)
	err := p.Play(context.Background(), Utterance{SessionID: "s1", Text: "Mm."})
	if !errors.Is(err, turnlock.ErrLockDenied) {
		t.Fatalf("expected lock denied, got %v", err)
	}
	if len(pub.Subjects()) != 0 {
		t.Fatalf("nothing should be published")
	}
	if lock.State() != turnlock.HeldByCapture {
		t.Fatalf("capture should keep the channel")
	}
}

func TestPlayReleasesOnSynthFailure(t *testing.T) {
	lock := turnlock.New()
	p, _ := testPlayer(failingSynth{}, lock, &recordingPublisher{}, 1000)
	if err := p.Play(context.Background(), Utterance{SessionID: "s1", Text: "Mm."}); err == nil {
		t.Fatalf("expected synth error")
	}
	if lock.State() != turnlock.Unclaimed {
		t.Fatalf("channel not released after failure")
	}
}

func TestNewSynthesizer(t *testing.T) {
	cfg := config.Default().TTS
	if _, err := NewSynthesizer(cfg); err != nil {
		t.Fatalf("mock synth: %v", err)
	}
	cfg.Mode = "exec"
	cfg.Command = ""
	if _, err := NewSynthesizer(cfg); err == nil {
		t.Fatalf("expected error for empty exec command")
	}
}
