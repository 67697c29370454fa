package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aulendur/cortex/internal/breaker"
	"github.com/aulendur/cortex/internal/container"
	"github.com/aulendur/cortex/internal/cortexerr"
	"github.com/aulendur/cortex/internal/health"
	"github.com/aulendur/cortex/internal/lifecycle"
	"github.com/aulendur/cortex/internal/registry"
	"github.com/aulendur/cortex/internal/store"
	"github.com/aulendur/cortex/pkg/models"
)

// imageReporter is the slice of *container.Driver the admin surface needs
// for GET /admin/system/docker-images — named narrowly so the handler
// depends on a capability, not the concrete driver.
type imageReporter interface {
	ImageReport(ctx context.Context, required []string) ([]container.ImageInfo, bool, error)
}

// Admin serves the operator-facing Model CRUD, registry introspection, and
// offline-image-readiness routes (§6.2).
type Admin struct {
	store     store.Store
	lifecycle *lifecycle.Manager
	poller    *health.Poller
	breakers  *breaker.Registry
	registry  *registry.Registry
	images    imageReporter
	healthTTL time.Duration
}

// NewAdmin builds the admin-surface handler group.
func NewAdmin(st store.Store, lm *lifecycle.Manager, poller *health.Poller, breakers *breaker.Registry, reg *registry.Registry, images imageReporter, healthTTL time.Duration) *Admin {
	if healthTTL <= 0 {
		healthTTL = 15 * time.Second
	}
	return &Admin{
		store:     st,
		lifecycle: lm,
		poller:    poller,
		breakers:  breakers,
		registry:  reg,
		images:    images,
		healthTTL: healthTTL,
	}
}

func modelIDFromPath(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func writeModelErr(w http.ResponseWriter, err error) {
	var nf *store.ErrNotFound
	if errors.As(err, &nf) {
		writeError(w, cortexerr.KindNotFound, "model not found")
		return
	}
	var cerr *cortexerr.Error
	if errors.As(err, &cerr) {
		cortexerr.WriteJSON(w, cerr)
		return
	}
	writeError(w, cortexerr.KindInternal, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ── Model CRUD ───────────────────────────────────────────────

// ListModels serves GET /admin/models.
func (a *Admin) ListModels(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{IncludeArchived: r.URL.Query().Get("include_archived") == "true"}
	list, err := a.store.ListModels(r.Context(), filter)
	if err != nil {
		writeModelErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetModel serves GET /admin/models/{id}.
func (a *Admin) GetModel(w http.ResponseWriter, r *http.Request) {
	id, err := modelIDFromPath(r)
	if err != nil {
		writeError(w, cortexerr.KindInvalidRequest, "invalid model id")
		return
	}
	mdl, err := a.store.GetModel(r.Context(), id)
	if err != nil {
		writeModelErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mdl)
}

// CreateModel serves POST /admin/models. The created Model always starts
// in the stopped state — starting is a separate, explicit action.
func (a *Admin) CreateModel(w http.ResponseWriter, r *http.Request) {
	var mdl models.Model
	if err := json.NewDecoder(r.Body).Decode(&mdl); err != nil {
		writeError(w, cortexerr.KindInvalidRequest, "invalid model payload")
		return
	}
	mdl.ID = 0
	mdl.State = models.StateStopped
	now := time.Now().UTC()
	mdl.CreatedAt, mdl.UpdatedAt = now, now

	if err := a.store.CreateModel(r.Context(), &mdl); err != nil {
		writeModelErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &mdl)
}

// UpdateModel serves PATCH /admin/models/{id}, delegating engine-parameter
// changes to Reconfigure so a running Model's config edits are validated
// and persisted the same way regardless of lifecycle state.
func (a *Admin) UpdateModel(w http.ResponseWriter, r *http.Request) {
	id, err := modelIDFromPath(r)
	if err != nil {
		writeError(w, cortexerr.KindInvalidRequest, "invalid model id")
		return
	}
	var patch struct {
		DisplayName       *string                   `json:"display_name"`
		TransformerParams *models.TransformerParams `json:"transformer_params"`
		QuantizedParams   *models.QuantizedParams   `json:"quantized_params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, cortexerr.KindInvalidRequest, "invalid patch payload")
		return
	}

	if patch.TransformerParams != nil || patch.QuantizedParams != nil {
		if err := a.lifecycle.Reconfigure(r.Context(), id, patch.TransformerParams, patch.QuantizedParams); err != nil {
			writeModelErr(w, err)
			return
		}
	}

	mdl, err := a.store.GetModel(r.Context(), id)
	if err != nil {
		writeModelErr(w, err)
		return
	}
	if patch.DisplayName != nil {
		mdl.DisplayName = *patch.DisplayName
		mdl.UpdatedAt = time.Now().UTC()
		if err := a.store.UpdateModel(r.Context(), mdl); err != nil {
			writeModelErr(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, mdl)
}

// DeleteModel serves DELETE /admin/models/{id}.
func (a *Admin) DeleteModel(w http.ResponseWriter, r *http.Request) {
	id, err := modelIDFromPath(r)
	if err != nil {
		writeError(w, cortexerr.KindInvalidRequest, "invalid model id")
		return
	}
	if err := a.lifecycle.Delete(r.Context(), id); err != nil {
		writeModelErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Model actions ────────────────────────────────────────────

// Action dispatches POST /admin/models/{id}/{start|stop|cancel|archive|dry-run|test}.
func (a *Admin) Action(w http.ResponseWriter, r *http.Request) {
	id, err := modelIDFromPath(r)
	if err != nil {
		writeError(w, cortexerr.KindInvalidRequest, "invalid model id")
		return
	}
	switch chi.URLParam(r, "action") {
	case "start":
		if err := a.lifecycle.Start(r.Context(), id); err != nil {
			writeModelErr(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "starting"})
	case "stop":
		if err := a.lifecycle.Stop(r.Context(), id); err != nil {
			writeModelErr(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopped"})
	case "cancel":
		if err := a.lifecycle.Cancel(r.Context(), id); err != nil {
			writeModelErr(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopped"})
	case "archive":
		if err := a.lifecycle.Archive(r.Context(), id); err != nil {
			writeModelErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
	case "dry-run":
		result, err := a.lifecycle.DryRun(r.Context(), id)
		if err != nil {
			writeModelErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case "test":
		a.testModel(w, r, id)
	default:
		writeError(w, cortexerr.KindInvalidRequest, "unknown model action")
	}
}

// testModel issues a direct liveness probe against a running Model's
// engine, independent of the health poller's schedule, so an operator
// gets an immediate answer instead of waiting up to the probe interval.
func (a *Admin) testModel(w http.ResponseWriter, r *http.Request, id int64) {
	mdl, err := a.store.GetModel(r.Context(), id)
	if err != nil {
		writeModelErr(w, err)
		return
	}
	if mdl.State != models.StateRunning && mdl.State != models.StateLoading {
		writeError(w, cortexerr.KindConflict, "model is not running")
		return
	}

	url := fmt.Sprintf("localhost:%d", mdl.Port)
	path := "/health"
	if mdl.EngineKind == models.EngineQuantized {
		path = "/v1/models"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+url+path, nil)
	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	defer resp.Body.Close()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          resp.StatusCode >= 200 && resp.StatusCode < 300,
		"status_code": resp.StatusCode,
		"latency_ms":  latency.Milliseconds(),
	})
}

// Logs serves GET /admin/models/{id}/logs?tail=N.
func (a *Admin) Logs(w http.ResponseWriter, r *http.Request) {
	id, err := modelIDFromPath(r)
	if err != nil {
		writeError(w, cortexerr.KindInvalidRequest, "invalid model id")
		return
	}
	tail := 200
	if raw := r.URL.Query().Get("tail"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			tail = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"model_id": id,
		"lines":    a.lifecycle.Logs(id, tail),
	})
}

// ── Registry introspection ──────────────────────────────────

// upstreamView is one url's combined registry/health/breaker state, the
// shape GET /admin/upstreams reports per entry.
type upstreamView struct {
	URL     string              `json:"url"`
	Health  models.HealthRecord `json:"health"`
	Breaker breakerView         `json:"breaker"`
}

type breakerView struct {
	State     models.BreakerStatus `json:"state"`
	OpenUntil time.Time            `json:"open_until,omitempty"`
}

// Upstreams serves GET /admin/upstreams.
func (a *Admin) Upstreams(w http.ResponseWriter, r *http.Request) {
	snapshot := a.registry.All()
	healthByURL := a.poller.AllRecords()

	upstreams := make(map[string][]upstreamView, len(snapshot))
	for servedName, entries := range snapshot {
		views := make([]upstreamView, 0, len(entries))
		for _, e := range entries {
			status, until := a.breakers.Status(e.URL)
			views = append(views, upstreamView{
				URL:     e.URL,
				Health:  healthByURL[e.URL],
				Breaker: breakerView{State: status, OpenUntil: until},
			})
		}
		upstreams[servedName] = views
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"registry":      snapshot,
		"health":        healthByURL,
		"breakers_on":   a.breakers.Enabled(),
		"upstreams":     upstreams,
		"now":           time.Now().UTC(),
		"health_ttl_sec": int(a.healthTTL.Seconds()),
	})
}

// RefreshHealth serves POST /admin/upstreams/refresh-health.
func (a *Admin) RefreshHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	a.poller.ProbeNow(ctx)
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// DockerImages serves GET /admin/system/docker-images.
func (a *Admin) DockerImages(w http.ResponseWriter, r *http.Request) {
	required := a.lifecycle.RequiredImages()
	report, ready, err := a.images.ImageReport(r.Context(), required)
	if err != nil {
		writeError(w, cortexerr.KindInternal, "failed to inspect local images")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"images":    report,
		"ready":     ready,
		"required":  required,
	})
}
