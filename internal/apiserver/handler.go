// Package apiserver exposes the runner, manifest, planner, CalDoc, and job
// index packages over HTTP: one long-lived SSE stream per run plus a small
// set of JSON control/read endpoints (chi route handlers, JSON error
// envelope, SSE framing).
package apiserver

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/dubpipe/internal/caldoc"
	"github.com/allaspectsdev/dubpipe/internal/manifest"
	"github.com/allaspectsdev/dubpipe/internal/manifest/store"
	"github.com/allaspectsdev/dubpipe/internal/phase"
	"github.com/allaspectsdev/dubpipe/internal/pipelineerr"
	"github.com/allaspectsdev/dubpipe/internal/planner"
	"github.com/allaspectsdev/dubpipe/internal/runner"
	"github.com/allaspectsdev/dubpipe/internal/stream"
)

// manifestFilename and caldocRelpath are the workspace's two well-known
// paths, per the workspace layout (spec §6).
const (
	manifestFilename = "manifest.json"
	caldocRelpath    = "state/caldoc.json"
)

// WorkspaceResolver maps a workspace id (as it appears in the URL) to its
// absolute root directory on disk. The handler never invents this mapping
// itself, the same way ProxyHandler never invents a provider's base URL.
type WorkspaceResolver interface {
	Resolve(id string) (root string, ok bool)
}

// WorkspaceResolverFunc adapts a plain function to WorkspaceResolver.
type WorkspaceResolverFunc func(id string) (string, bool)

func (f WorkspaceResolverFunc) Resolve(id string) (string, bool) { return f(id) }

// Handler is the HTTP surface over one phase registry shared by every
// workspace it serves.
type Handler struct {
	Resolver    WorkspaceResolver
	Registry    *phase.Registry
	ConfigSlice runner.ConfigSliceFunc
	Strict      bool
	Controller  *stream.Controller
	JobIndex    *store.Index
	Logger      zerolog.Logger
}

// NewHandler creates a Handler whose Logger is a component-scoped logger
// derived from the global zerolog logger.
func NewHandler(resolver WorkspaceResolver, registry *phase.Registry, configSlice runner.ConfigSliceFunc, jobIndex *store.Index) *Handler {
	return &Handler{
		Resolver:    resolver,
		Registry:    registry,
		ConfigSlice: configSlice,
		Controller:  stream.NewController(),
		JobIndex:    jobIndex,
		Logger:      log.With().Str("component", "apiserver").Logger(),
	}
}

func (h *Handler) workspaceRoot(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	root, ok := h.Resolver.Resolve(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown workspace %q", id)
		return "", false
	}
	return root, true
}

// loadManifest loads the workspace's manifest, minting a fresh job ID only
// if no manifest.json exists yet.
func (h *Handler) loadManifest(root string) (*manifest.Manifest, error) {
	return manifest.Load(filepath.Join(root, manifestFilename), uuid.NewString(), root)
}

// runRequest is the body of POST .../run.
type runRequest struct {
	FromPhase string `json:"from_phase"`
	ToPhase   string `json:"to_phase"`
}

// HandleRun starts or resumes a run and streams its progress as SSE. Only
// one run may be active per workspace at a time; a concurrent attempt gets
// 409 Conflict.
func (h *Handler) HandleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	root, ok := h.workspaceRoot(w, r)
	if !ok {
		return
	}

	var req runRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body: %v", err)
			return
		}
	}

	man, err := h.loadManifest(root)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "load manifest: %v", err)
		return
	}

	plan, err := planner.Build(h.Registry, man, req.FromPhase, req.ToPhase, nil)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "build plan: %v", err)
		return
	}

	runCtx, events, err := h.Controller.Start(r.Context(), id, 64)
	if err != nil {
		writeJSONError(w, http.StatusConflict, "%v", err)
		return
	}

	rn := runner.New(root, h.Registry, h.ConfigSlice)
	rn.Strict = h.Strict
	rn.Logger = h.Logger.With().Str("workspace", id).Logger()

	go func() {
		defer h.Controller.Finish(id)
		if err := rn.Run(runCtx, man, plan, events); err != nil {
			h.Logger.Error().Err(err).Str("workspace", id).Msg("run ended with error")
		}
		if h.JobIndex != nil {
			last := lastPhaseStatus(man, plan)
			if err := h.JobIndex.Upsert(man.JobID(), root, last.phase, last.status); err != nil {
				h.Logger.Error().Err(err).Msg("job index upsert failed")
			}
		}
	}()

	h.streamEvents(w, r, events)
}

type phaseStatusPair struct {
	phase  string
	status string
}

// lastPhaseStatus reports the most recently touched phase/status pair in
// plan order, for the job index's coarse "where is this job" summary.
func lastPhaseStatus(man *manifest.Manifest, plan *planner.Plan) phaseStatusPair {
	var last phaseStatusPair
	for _, name := range plan.Phases {
		if rec := man.GetPhase(name); rec != nil {
			last = phaseStatusPair{phase: name, status: string(rec.Status)}
		}
	}
	return last
}

// streamEvents relays events onto the response as SSE until the channel is
// closed or the client disconnects.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request, events <-chan stream.Event) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sw := stream.NewSSEWriter(w)
	sw.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := sw.WriteEvent(evt.ToSSEEvent()); err != nil {
				h.Logger.Error().Err(err).Msg("writing SSE event failed, dropping subscriber")
				return
			}
		}
	}
}

// HandleCancel cancels the active run for a workspace, if any.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.Controller.Cancel(id) {
		writeJSONError(w, http.StatusNotFound, "no active run for workspace %q", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// blessRequest is the body of POST .../bless.
type blessRequest struct {
	Phase string `json:"phase"`
}

// HandleBless runs the bless operation for one phase's outputs.
func (h *Handler) HandleBless(w http.ResponseWriter, r *http.Request) {
	root, ok := h.workspaceRoot(w, r)
	if !ok {
		return
	}

	var req blessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Phase == "" {
		writeJSONError(w, http.StatusBadRequest, "request body must be {\"phase\": \"<name>\"}")
		return
	}

	man, err := h.loadManifest(root)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "load manifest: %v", err)
		return
	}

	if err := runner.Bless(root, man, req.Phase); err != nil {
		status := http.StatusInternalServerError
		if isUnknownPhase(err) {
			status = http.StatusNotFound
		}
		writeJSONError(w, status, "bless %s: %v", req.Phase, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "blessed", "phase": req.Phase})
}

func isUnknownPhase(err error) bool {
	pe, ok := err.(*pipelineerr.Error)
	return ok && pe.Kind == pipelineerr.KindUnknownPhase
}

// HandlePassGate passes a declared gate.
func (h *Handler) HandlePassGate(w http.ResponseWriter, r *http.Request) {
	root, ok := h.workspaceRoot(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")

	man, err := h.loadManifest(root)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "load manifest: %v", err)
		return
	}

	if _, declared := man.GateStatusOf(key); !declared {
		writeJSONError(w, http.StatusNotFound, "no such gate %q", key)
		return
	}

	man.PassGate(key)
	if err := man.Save(); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "save manifest: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "passed", "gate": key})
}

// stageView groups a set of phases under one user-facing stage label, in
// registry order.
type stageView struct {
	Label  string   `json:"label"`
	Phases []string `json:"phases"`
}

// statusResponse is the status endpoint's payload: the manifest's phase and
// gate tables, plus a derived stage grouping.
type statusResponse struct {
	Phases map[string]manifest.PhaseRecord `json:"phases"`
	Gates  map[string]manifest.Gate        `json:"gates"`
	Stages []stageView                     `json:"stages"`
}

// HandleStatus reports a workspace's current manifest state.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	root, ok := h.workspaceRoot(w, r)
	if !ok {
		return
	}

	man, err := h.loadManifest(root)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "load manifest: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Phases: man.Phases(),
		Gates:  man.Gates(),
		Stages: h.stages(),
	})
}

// stages groups the registry's phases by Spec.Label, in registry order,
// falling back to the phase's own name for phases with no label.
func (h *Handler) stages() []stageView {
	var out []stageView
	index := make(map[string]int)
	for _, spec := range h.Registry.Order() {
		label := spec.Label
		if label == "" {
			label = spec.Name
		}
		if i, ok := index[label]; ok {
			out[i].Phases = append(out[i].Phases, spec.Name)
			continue
		}
		index[label] = len(out)
		out = append(out, stageView{Label: label, Phases: []string{spec.Name}})
	}
	return out
}

// HandleGetCalDoc returns the workspace's current CalDoc.
func (h *Handler) HandleGetCalDoc(w http.ResponseWriter, r *http.Request) {
	root, ok := h.workspaceRoot(w, r)
	if !ok {
		return
	}

	path := filepath.Join(root, filepath.FromSlash(caldocRelpath))
	if !caldoc.Exists(path) {
		writeJSONError(w, http.StatusNotFound, "no caldoc at %s", caldocRelpath)
		return
	}

	doc, err := caldoc.Load(path)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "load caldoc: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, doc)
}

// HandlePutCalDoc replaces the workspace's CalDoc, bumping its revision and
// recomputing its overlap flags and canonical fingerprint via Doc.Save.
func (h *Handler) HandlePutCalDoc(w http.ResponseWriter, r *http.Request) {
	root, ok := h.workspaceRoot(w, r)
	if !ok {
		return
	}

	var doc caldoc.Doc
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body: %v", err)
		return
	}

	path := filepath.Join(root, filepath.FromSlash(caldocRelpath))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "create state directory: %v", err)
		return
	}
	if err := doc.Save(path); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "save caldoc: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, doc)
}

// HandleListJobs returns the cross-workspace job index.
func (h *Handler) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	if h.JobIndex == nil {
		writeJSON(w, http.StatusOK, []store.JobRecord{})
		return
	}
	jobs, err := h.JobIndex.List()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "list jobs: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// HandleHealth reports liveness: the process is up and able to answer HTTP.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady reports readiness: liveness plus the job index (if configured)
// is actually reachable.
func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	if h.JobIndex != nil {
		if _, err := h.JobIndex.List(); err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, "job index unreachable: %v", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
