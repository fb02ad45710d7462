package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-presence/internal/eventstore"
	"github.com/loqalabs/loqa-presence/internal/rollout"
)

type turnReader interface {
	ListTurns(ctx context.Context, sessionID string, limit int) ([]eventstore.Turn, error)
}

// adminAPI exposes rollout control and session history over HTTP.
type adminAPI struct {
	router     *rollout.Router
	turns      turnReader
	minSamples int
	logger     *slog.Logger
}

type comparisonView struct {
	rollout.Comparison
	MinSamples        int  `json:"min_samples"`
	ReadyForPromotion bool `json:"ready_for_promotion"`
}

type turnView struct {
	ID        string    `json:"id"`
	Speaker   string    `json:"speaker"`
	Content   string    `json:"content,omitempty"`
	Arm       string    `json:"arm,omitempty"`
	Category  string    `json:"category,omitempty"`
	Silence   bool      `json:"silence"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

func (a *adminAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /rollout", a.handleGetRollout)
	mux.HandleFunc("POST /rollout/testing", a.handleEnableForTesting)
	mux.HandleFunc("POST /rollout/percentage", a.handleSetPercentage)
	mux.HandleFunc("POST /rollout/launch", a.handleLaunch)
	mux.HandleFunc("GET /rollout/compare", a.handleCompare)
	mux.HandleFunc("GET /sessions/{id}/turns", a.handleTurns)
}

func (a *adminAPI) handleGetRollout(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.router.Store().Load())
}

func (a *adminAPI) handleEnableForTesting(w http.ResponseWriter, req *http.Request) {
	var body struct {
		SessionIDs []string `json:"session_ids"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.update(w, "enable_for_testing", func() (rollout.Config, error) {
		return a.router.Store().EnableForTesting(body.SessionIDs)
	})
}

func (a *adminAPI) handleSetPercentage(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Percentage *int `json:"percentage"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Percentage == nil {
		writeError(w, http.StatusBadRequest, errors.New("percentage is required"))
		return
	}
	a.update(w, "set_percentage", func() (rollout.Config, error) {
		return a.router.Store().SetRolloutPercentage(*body.Percentage)
	})
}

func (a *adminAPI) handleLaunch(w http.ResponseWriter, _ *http.Request) {
	a.update(w, "launch_full_rollout", a.router.Store().LaunchFullRollout)
}

func (a *adminAPI) update(w http.ResponseWriter, op string, fn func() (rollout.Config, error)) {
	cfg, err := fn()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	a.logger.Info("rollout updated",
		slog.String("op", op),
		slog.Bool("enabled", cfg.Enabled),
		slog.String("mode", string(cfg.Mode)),
		slog.Int("split_percentage", cfg.SplitPercentage),
		slog.Int("test_sessions", len(cfg.TestSessions)))
	writeJSON(w, http.StatusOK, cfg)
}

func (a *adminAPI) handleCompare(w http.ResponseWriter, _ *http.Request) {
	cmp := a.router.Compare()
	writeJSON(w, http.StatusOK, comparisonView{
		Comparison:        cmp,
		MinSamples:        a.minSamples,
		ReadyForPromotion: cmp.ReadyForPromotion(a.minSamples),
	})
}

func (a *adminAPI) handleTurns(w http.ResponseWriter, req *http.Request) {
	limit := 100
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	turns, err := a.turns.ListTurns(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]turnView, 0, len(turns))
	for _, t := range turns {
		out = append(out, turnView{
			ID:        t.ID,
			Speaker:   t.Speaker,
			Content:   t.Content,
			Arm:       t.Arm,
			Category:  t.Category,
			Silence:   t.Silence,
			StartedAt: t.StartedAt,
			EndedAt:   t.EndedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
