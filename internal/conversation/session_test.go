package conversation

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-presence/internal/capture"
	"github.com/loqalabs/loqa-presence/internal/config"
	"github.com/loqalabs/loqa-presence/internal/guidance"
	"github.com/loqalabs/loqa-presence/internal/protocol"
	"github.com/loqalabs/loqa-presence/internal/rollout"
	"github.com/loqalabs/loqa-presence/internal/stt"
	"github.com/loqalabs/loqa-presence/internal/tts"
	"github.com/loqalabs/loqa-presence/internal/turnlock"
	"github.com/loqalabs/loqa-presence/internal/voice"
)

type fakeDevice struct {
	mu    sync.Mutex
	level float64
	bytes int
}

func (d *fakeDevice) Open(context.Context) error { return nil }
func (d *fakeDevice) Close() error               { return nil }
func (d *fakeDevice) Read() (capture.Batch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return capture.Batch{PCM: make([]byte, d.bytes), Level: d.level}, nil
}
func (d *fakeDevice) setLevel(l float64) {
	d.mu.Lock()
	d.level = l
	d.mu.Unlock()
}

type fakeRecognizer struct {
	calls atomic.Int32
	fn    func() (stt.Result, error)
}

func (r *fakeRecognizer) Transcribe(context.Context, stt.Audio) (stt.Result, error) {
	r.calls.Add(1)
	return r.fn()
}

type countingAnalyzer struct {
	calls atomic.Int32
	sig   guidance.Signal
}

func (a *countingAnalyzer) Analyze(context.Context, guidance.Request) guidance.Signal {
	a.calls.Add(1)
	return a.sig
}

type fakeBaseline struct {
	text string
	err  error
}

func (b fakeBaseline) Respond(context.Context, string, string, []string) (string, error) {
	return b.text, b.err
}

type fakePlayer struct {
	mu     sync.Mutex
	played []tts.Utterance
}

func (p *fakePlayer) Play(_ context.Context, u tts.Utterance) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = append(p.played, u)
	return nil
}

func (p *fakePlayer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.played)
}

type memoryPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (m *memoryPublisher) PublishJSON(subject string, _ any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects = append(m.subjects, subject)
	return nil
}

func (m *memoryPublisher) has(subject string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subjects {
		if s == subject {
			return true
		}
	}
	return false
}

type virtualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *virtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *virtualClock) set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type harness struct {
	session   *Session
	lock      *turnlock.Lock
	device    *fakeDevice
	rec       *fakeRecognizer
	analyzer  *countingAnalyzer
	player    *fakePlayer
	publisher *memoryPublisher
	router    *rollout.Router
	clock     *virtualClock
	base      time.Time
}

func newHarness(t *testing.T, depth capture.Depth, rolloutCfg rollout.Config, baseline Responder) *harness {
	t.Helper()
	store, err := rollout.NewStore(rolloutCfg)
	if err != nil {
		t.Fatalf("rollout store: %v", err)
	}
	base := time.Unix(1700000000, 0)
	h := &harness{
		lock:      turnlock.New(),
		device:    &fakeDevice{bytes: 320},
		rec:       &fakeRecognizer{fn: func() (stt.Result, error) { return stt.Result{Text: "I feel a bit lost today"}, nil }},
		analyzer:  &countingAnalyzer{sig: guidance.Signal{Category: guidance.Presence, Confidence: 0.8}},
		player:    &fakePlayer{},
		publisher: &memoryPublisher{},
		router:    rollout.NewRouter(store, nil, nil),
		clock:     &virtualClock{now: base},
		base:      base,
	}
	if baseline == nil {
		baseline = fakeBaseline{text: "That sounds like a really meaningful experience to reflect on."}
	}
	cfg := config.Default()
	h.session = NewSession(context.Background(), "s-1", Deps{
		Shared: Shared{
			Recognizer: h.rec,
			Router:     h.router,
			Guidance:   h.analyzer,
			Voice:      voice.NewGenerator(0.8, rand.New(rand.NewPCG(1, 2))),
			Baseline:   baseline,
			Publisher:  h.publisher,
		},
		Lock:   h.lock,
		Device: h.device,
		Player: h.player,
	}, Options{
		Depth:        depth,
		Capture:      cfg.Capture,
		STT:          cfg.STT,
		ContextTurns: cfg.Guidance.ContextTurns,
		Now:          h.clock.Now,
	})
	t.Cleanup(h.session.Close)
	return h
}

func (h *harness) tick(ms int) {
	now := h.base.Add(time.Duration(ms) * time.Millisecond)
	h.clock.set(now)
	h.session.capture.Tick(now)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var constrainedFor = rollout.Config{Mode: rollout.ModeCurrent, TestSessions: []string{"s-1"}}

func TestStaleTranscriptNeverReachesGuidance(t *testing.T) {
	h := newHarness(t, capture.DepthNormal, constrainedFor, nil)
	h.rec.fn = func() (stt.Result, error) {
		// The agent starts speaking while transcription is in flight.
		if _, err := h.lock.Acquire(turnlock.RolePlayback); err != nil {
			t.Errorf("acquire playback: %v", err)
		}
		return stt.Result{Text: "words spoken over the agent"}, nil
	}

	seg := capture.NewSegment("s-1", make([]byte, 4000), time.Second, h.base, h.base.Add(3*time.Second))
	h.session.onSegment(seg)

	waitFor(t, "dispatch", func() bool {
		return h.rec.calls.Load() == 1 && !h.session.dispatcher.Inflight("s-1")
	})
	if n := h.analyzer.calls.Load(); n != 0 {
		t.Fatalf("guidance called %d times for a discarded transcript", n)
	}
	if len(h.session.History()) != 0 {
		t.Fatalf("discarded transcript must not enter history")
	}
	if h.publisher.has(protocol.SubjectTranscriptFinal) || h.publisher.has(protocol.SubjectResponse) {
		t.Fatalf("nothing should be published for a discarded transcript")
	}
}

func TestDeepDepthDispatchesOnce(t *testing.T) {
	h := newHarness(t, capture.DepthDeep, constrainedFor, nil)
	if err := h.session.capture.Start(context.Background()); err != nil {
		t.Fatalf("start capture: %v", err)
	}

	h.device.setLevel(0.3)
	for ms := 100; ms <= 2000; ms += 100 {
		h.tick(ms)
	}
	h.device.setLevel(0.05)
	for ms := 2100; ms < 10000; ms += 100 {
		h.tick(ms)
	}
	if h.rec.calls.Load() != 0 {
		t.Fatalf("dispatched before the deep timeout")
	}
	h.tick(10000)

	waitFor(t, "playback", func() bool { return h.player.count() == 1 })
	if n := h.rec.calls.Load(); n != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", n)
	}
	if n := h.analyzer.calls.Load(); n != 1 {
		t.Fatalf("expected one guidance call, got %d", n)
	}

	turns := h.session.History()
	if len(turns) != 2 || turns[0].Speaker != SpeakerHuman || turns[1].Speaker != SpeakerAgent {
		t.Fatalf("unexpected history %+v", turns)
	}
	if got := turns[0].EndedAt.Sub(turns[0].StartedAt); got != 10*time.Second {
		t.Fatalf("human turn should span the segment, got %v", got)
	}
	agent := turns[1]
	if agent.Arm != rollout.ArmConstrained || !voice.Contains(guidance.Presence, agent.Content) {
		t.Fatalf("unexpected agent turn %+v", agent)
	}
	records := h.router.Records()
	if len(records) != 1 || records[0].Arm != rollout.ArmConstrained || records[0].WasSilence {
		t.Fatalf("unexpected metrics %+v", records)
	}
	if !h.publisher.has(protocol.SubjectTranscriptFinal) || !h.publisher.has(protocol.SubjectResponse) {
		t.Fatalf("transcript and response should be published")
	}
}

func TestConstrainedArmRefusesToElaborate(t *testing.T) {
	h := newHarness(t, capture.DepthNormal, constrainedFor, nil)
	h.session.respond(context.Background(), "can you explain what I should do?")
	if h.analyzer.calls.Load() != 0 {
		t.Fatalf("elaboration requests bypass guidance")
	}
	turns := h.session.History()
	if len(turns) != 1 || turns[0].Content != voice.NewGenerator(0.8, nil).CannotElaborate().Text() {
		t.Fatalf("unexpected history %+v", turns)
	}
}

func TestBaselineArm(t *testing.T) {
	t.Run("model answers", func(t *testing.T) {
		h := newHarness(t, capture.DepthNormal, rollout.Config{Mode: rollout.ModeCurrent}, nil)
		h.session.respond(context.Background(), "I went hiking")
		records := h.router.Records()
		if len(records) != 1 || records[0].Arm != rollout.ArmBaseline || records[0].WordCount != 10 {
			t.Fatalf("unexpected metrics %+v", records)
		}
		if h.analyzer.calls.Load() != 0 {
			t.Fatalf("baseline arm must not call guidance")
		}
		if h.player.count() != 1 {
			t.Fatalf("baseline answer should be played")
		}
	})
	t.Run("model down", func(t *testing.T) {
		h := newHarness(t, capture.DepthNormal, rollout.Config{Mode: rollout.ModeCurrent}, fakeBaseline{err: errors.New("connection refused")})
		h.session.respond(context.Background(), "I went hiking")
		turns := h.session.History()
		if len(turns) != 1 || turns[0].Silence {
			t.Fatalf("expected ambient presence, got %+v", turns)
		}
		if !voice.Contains(turns[0].Category, turns[0].Content) {
			t.Fatalf("fallback must come from the pools, got %q", turns[0].Content)
		}
	})
}

func TestSilentPlanIsNotPlayed(t *testing.T) {
	h := newHarness(t, capture.DepthNormal, constrainedFor, nil)
	h.analyzer.sig = guidance.Signal{Category: guidance.Silence, SuggestSilence: true}
	for i := 0; i < 20; i++ {
		h.session.respond(context.Background(), "...")
	}
	silent := 0
	for _, turn := range h.session.History() {
		if turn.Silence {
			silent++
		}
	}
	if silent == 0 || h.player.count() != 20-silent {
		t.Fatalf("silent=%d played=%d", silent, h.player.count())
	}
}

func TestHistoryContext(t *testing.T) {
	var h History
	h.Append(Turn{Speaker: SpeakerHuman, Content: "one"})
	h.Append(Turn{Speaker: SpeakerAgent, Silence: true})
	h.Append(Turn{Speaker: SpeakerAgent, Content: "two"})
	h.Append(Turn{Speaker: SpeakerHuman, Content: "three"})
	got := h.Context(2)
	if len(got) != 2 || got[0] != "agent: two" || got[1] != "human: three" {
		t.Fatalf("unexpected context %v", got)
	}
	if h.Len() != 4 {
		t.Fatalf("history should keep silent turns")
	}
}
