package guidance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loqalabs/loqa-presence/internal/config"
)

type stubOracle struct {
	out   []byte
	err   error
	calls int
}

func (s *stubOracle) Analyze(ctx context.Context, req Request) ([]byte, error) {
	s.calls++
	return s.out, s.err
}

func TestParseValidRecord(t *testing.T) {
	sig, err := Parse([]byte(`{"category":"emotional","suggest_silence":true,"phase":"dissolution","element":"water","confidence":0.82}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := Signal{Category: Emotional, SuggestSilence: true, Phase: PhaseDissolution, Element: ElementWater, Confidence: 0.82}
	if sig != want {
		t.Fatalf("got %+v want %+v", sig, want)
	}
}

func TestParseNormalisesOutOfVocabulary(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want Signal
	}{
		{"unknown category", `{"category":"philosophy","confidence":0.4}`, Signal{Category: Acknowledgment, Confidence: 0.4}},
		{"confidence above one", `{"category":"question","confidence":7}`, Signal{Category: Question, Confidence: 1}},
		{"confidence below zero", `{"category":"presence","confidence":-2}`, Signal{Category: Presence, Confidence: 0}},
		{"unknown tags dropped", `{"category":"presence","phase":"zenith","element":"metal"}`, Signal{Category: Presence}},
		{"silence implies suggestion", `{"category":"SILENCE"}`, Signal{Category: Silence, SuggestSilence: true}},
		{"camel case flag", `{"category":"presence","suggestSilence":true}`, Signal{Category: Presence, SuggestSilence: true}},
		{"missing category", `{}`, Signal{Category: Acknowledgment}},
		{"confidence as string", `{"category":"emotional","confidence":"0.9"}`, Signal{Category: Emotional, Confidence: 0.9}},
		{"confidence not a number", `{"category":"emotional","confidence":"high"}`, Signal{Category: Emotional}},
		{"confidence object", `{"category":"question","confidence":{"value":1}}`, Signal{Category: Question}},
		{"flag as string", `{"category":"presence","suggest_silence":"true"}`, Signal{Category: Presence, SuggestSilence: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig, err := Parse([]byte(tc.in))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if sig != tc.want {
				t.Fatalf("got %+v want %+v", sig, tc.want)
			}
		})
	}
}

func TestParseRepairsMalformedJSON(t *testing.T) {
	sig, err := Parse([]byte(`{category: 'question', confidence: 0.6,}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sig.Category != Question || sig.Confidence != 0.6 {
		t.Fatalf("unexpected signal %+v", sig)
	}
}

func TestParseFailure(t *testing.T) {
	for _, in := range []string{"", "   ", `"just a string"`, `[1,2,3]`} {
		if _, err := Parse([]byte(in)); !errors.Is(err, ErrParseFailure) {
			t.Fatalf("input %q: expected parse failure, got %v", in, err)
		}
	}
}

func TestHeuristic(t *testing.T) {
	cases := []struct {
		text     string
		category Category
		phase    Phase
	}{
		{"", Silence, ""},
		{"hmm...", Silence, ""},
		{"I miss her so much and I keep crying", Emotional, ""},
		{"I don't know what I want anymore", Uncertainty, ""},
		{"what should I do next?", Question, ""},
		{"can I just sit with this for a bit", Presence, ""},
		{"I went to the store today", Acknowledgment, ""},
		{"thank you, that's all for today", Acknowledgment, PhaseClosing},
		{"it feels like everything is fading", Acknowledgment, PhaseDissolution},
	}
	for _, tc := range cases {
		sig := Heuristic(tc.text)
		if sig.Category != tc.category || sig.Phase != tc.phase {
			t.Fatalf("%q: got %s/%s want %s/%s", tc.text, sig.Category, sig.Phase, tc.category, tc.phase)
		}
		if sig.Confidence != HeuristicConfidence {
			t.Fatalf("%q: unexpected confidence %v", tc.text, sig.Confidence)
		}
	}
}

func TestEngineFallsBackToHeuristic(t *testing.T) {
	t.Run("oracle error", func(t *testing.T) {
		oracle := &stubOracle{err: errors.New("connection refused")}
		sig := NewEngine(oracle, time.Second, nil).Analyze(context.Background(), Request{Text: "why is this happening?"})
		if sig.Category != Question || oracle.calls != 1 {
			t.Fatalf("unexpected signal %+v after %d calls", sig, oracle.calls)
		}
	})
	t.Run("garbage output", func(t *testing.T) {
		oracle := &stubOracle{out: []byte(`I think the user is sad. Respond warmly and at length.`)}
		sig := NewEngine(oracle, time.Second, nil).Analyze(context.Background(), Request{Text: "I feel so sad"})
		if sig.Category != Emotional || sig.Confidence != HeuristicConfidence {
			t.Fatalf("unexpected signal %+v", sig)
		}
	})
	t.Run("no oracle", func(t *testing.T) {
		sig := NewEngine(nil, 0, nil).Analyze(context.Background(), Request{Text: "ok"})
		if sig.Category != Acknowledgment {
			t.Fatalf("unexpected signal %+v", sig)
		}
	})
}

func TestEngineUsesOracleSignal(t *testing.T) {
	oracle := &stubOracle{out: []byte(`{"category":"presence","suggest_silence":true,"confidence":0.9}`)}
	sig := NewEngine(oracle, time.Second, nil).Analyze(context.Background(), Request{Text: "what should I do?"})
	if sig.Category != Presence || !sig.SuggestSilence || sig.Confidence != 0.9 {
		t.Fatalf("unexpected signal %+v", sig)
	}
}

func TestOllamaOracle(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(ollamaResponse{Response: `{"category":"question","confidence":0.7}`, Done: true})
	}))
	defer srv.Close()

	cfg := config.Default().Guidance
	cfg.Mode = "ollama"
	cfg.Endpoint = srv.URL
	oracle, err := NewOracle(cfg, srv.Client())
	if err != nil {
		t.Fatalf("new oracle: %v", err)
	}
	sig := NewEngine(oracle, time.Second, nil).Analyze(context.Background(), Request{Text: "hello", Context: []string{"human: hi"}})
	if sig.Category != Question || sig.Confidence != 0.7 {
		t.Fatalf("unexpected signal %+v", sig)
	}
	if got.Format != "json" || got.Stream {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestNewOracleRejectsUnknownMode(t *testing.T) {
	cfg := config.Default().Guidance
	cfg.Mode = "telepathy"
	if _, err := NewOracle(cfg, nil); err == nil {
		t.Fatalf("expected error")
	}
}
