package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/simrunner/internal/errors"
	"github.com/3leaps/simrunner/pkg/engine"
	"github.com/3leaps/simrunner/pkg/job"
	"github.com/3leaps/simrunner/pkg/manifest"
	"github.com/3leaps/simrunner/pkg/resultstore"
	"github.com/3leaps/simrunner/pkg/scheduler"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 4 << 20

// Jobs serves the job control endpoints of an engine.
type Jobs struct {
	engine *engine.Engine
}

func NewJobs(e *engine.Engine) *Jobs {
	return &Jobs{engine: e}
}

// Routes mounts the job endpoints on r.
func (h *Jobs) Routes(r chi.Router) {
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.Submit)
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)
		r.Post("/{id}/cancel", h.Cancel)
	})
	r.Route("/batches", func(r chi.Router) {
		r.Post("/", h.SubmitBatch)
		r.Get("/{name}", h.Batch)
		r.Post("/{name}/cancel", h.CancelBatch)
	})
	r.Get("/results", h.Results)
	r.Get("/results/aggregate", h.Aggregate)
	r.Get("/summary", h.Summary)
	r.Get("/processes", h.Processes)
}

type submitResponse struct {
	ID string `json:"id"`
}

// Submit accepts one job spec as JSON.
func (h *Jobs) Submit(w http.ResponseWriter, r *http.Request) {
	var spec job.Spec
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		respondWithError(w, r, apperrors.NewInvalidRequest("invalid job spec body", err))
		return
	}

	id, err := h.engine.Submit(spec)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{ID: id})
}

// SubmitBatch accepts a batch manifest (YAML or JSON). ?resume=true skips
// jobs that already completed.
func (h *Jobs) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondWithError(w, r, apperrors.NewInvalidRequest("read manifest body", err))
		return
	}

	name := ""
	if strings.Contains(r.Header.Get("Content-Type"), "json") {
		name = "manifest.json"
	}
	m, err := manifest.LoadFromBytes(data, name)
	if err != nil {
		if errors.Is(err, manifest.ErrValidationFailed) {
			h.fail(w, r, err)
			return
		}
		respondWithError(w, r, apperrors.NewInvalidRequest("invalid manifest", err))
		return
	}
	specs, err := m.Specs()
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var opts []engine.BatchOption
	if resume, _ := strconv.ParseBool(r.URL.Query().Get("resume")); resume {
		opts = append(opts, engine.SkipCompleted())
	}
	report, err := h.engine.SubmitBatch(m.Batch, specs, opts...)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, report)
}

// List returns the scheduler snapshot.
func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Snapshot())
}

type jobResponse struct {
	Job    *job.Job    `json:"job,omitempty"`
	Result *job.Result `json:"result,omitempty"`
}

// Get returns a job and, once it finished, its result. Jobs recorded by
// earlier runs are served from the result store.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var resp jobResponse
	if j, err := h.engine.Job(id); err == nil {
		resp.Job = j
	}
	if res, err := h.engine.Store().Query(id); err == nil {
		resp.Result = res
	}
	if resp.Job == nil && resp.Result == nil {
		respondWithError(w, r, apperrors.NewNotFound(fmt.Sprintf("job %s not found", id)))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Cancel cancels a job. A running job is terminated; the result is
// recorded once the process exits.
func (h *Jobs) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.Cancel(id); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "cancelled": true})
}

type batchResponse struct {
	Name     string                     `json:"name"`
	Summary  engine.Summary             `json:"summary"`
	Counters *resultstore.BatchCounters `json:"counters,omitempty"`
}

func (h *Jobs) Batch(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	sum, ok := h.engine.BatchSummary(name)
	counters, stored := h.engine.Store().Batch(name)
	if !ok && !stored {
		respondWithError(w, r, apperrors.NewNotFound(fmt.Sprintf("batch %s not found", name)))
		return
	}
	resp := batchResponse{Name: name, Summary: sum}
	if stored {
		resp.Counters = &counters
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Jobs) CancelBatch(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ids := h.engine.CancelBatch(name)
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"batch": name, "cancelled": ids})
}

// Results lists recorded results filtered by ?batch=, ?status=, ?limit=.
func (h *Jobs) Results(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := resultstore.Filter{Batch: q.Get("batch")}
	if s := q.Get("status"); s != "" {
		st, err := job.ParseState(s)
		if err != nil {
			respondWithError(w, r, apperrors.NewInvalidRequest("invalid status", err))
			return
		}
		f.Status = st
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			respondWithError(w, r, apperrors.NewInvalidRequest("invalid limit", fmt.Errorf("limit must be a non-negative integer")))
			return
		}
		f.Limit = n
	}
	results := h.engine.Store().List(f)
	if results == nil {
		results = []*job.Result{}
	}
	writeJSON(w, http.StatusOK, results)
}

// Aggregate summarizes the results for ?ids=a,b or every result.
func (h *Jobs) Aggregate(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	writeJSON(w, http.StatusOK, h.engine.Store().Aggregate(ids))
}

func (h *Jobs) Summary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"summary": h.engine.Summary(),
		"stats":   h.engine.Stats(),
	})
}

// Processes lists running processes with their resource usage.
func (h *Jobs) Processes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Active())
}

func (h *Jobs) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrNotAccepting), errors.Is(err, scheduler.ErrClosed):
		respondWithError(w, r, apperrors.NewNotAccepting(err.Error()))
	case errors.Is(err, scheduler.ErrTerminal):
		respondWithError(w, r, apperrors.NewConflict("job already finished", err))
	case errors.Is(err, manifest.ErrValidationFailed):
		app := apperrors.NewInvalidRequest("invalid manifest", err)
		var verrs manifest.ValidationErrors
		if errors.As(err, &verrs) {
			app = app.WithDetails(map[string]any{"fields": verrs.Fields()})
		}
		respondWithError(w, r, app)
	default:
		respondWithError(w, r, apperrors.FromJobError(r.Context(), err))
	}
}
