package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/contextsync/internal/embedding"
	"github.com/kalambet/contextsync/internal/ingest"
	"github.com/kalambet/contextsync/internal/provider"
	"github.com/kalambet/contextsync/internal/reactor"
	"github.com/kalambet/contextsync/internal/retrieval"
	"github.com/kalambet/contextsync/internal/scheduler"
	"github.com/kalambet/contextsync/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Poller is the scheduler surface the API drives.
type Poller interface {
	StartPolling(ctx context.Context, userID string) ([]ingest.Kind, error)
	StopPolling(userID string)
	Status(userID string) []scheduler.SourceStatus
	RunNow(ctx context.Context, userID string, kind ingest.Kind) (ingest.Result, error)
	RunAll(ctx context.Context, userID string) ([]scheduler.Outcome, error)
}

type Sweeper interface {
	RunOnce(ctx context.Context) (reactor.SweepResult, error)
}

type Searcher interface {
	Search(ctx context.Context, userID, query string, opts retrieval.Options) (retrieval.Response, error)
	GetContextForQuery(ctx context.Context, userID, query string, maxResults int) (retrieval.Context, error)
}

type Renderer interface {
	Render(ctx retrieval.Context) string
}

type GatewayStatus interface {
	Status() embedding.Status
}

type AppDeps struct {
	Store     *storage.Store
	Poller    Poller
	Reactor   Sweeper
	Retriever Searcher
	Composer  Renderer
	Gateway   GatewayStatus // optional
	Token     string
}

// NewAppHandler returns the control API. /health is served without auth.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/reactor/sweep", handleSweep(deps))

		r.Route("/users/{user}", func(r chi.Router) {
			r.Post("/polling/start", handleStartPolling(deps))
			r.Post("/polling/stop", handleStopPolling(deps))
			r.Get("/polling", handlePollingStatus(deps))
			r.Post("/ingest", handleIngest(deps))
			r.Post("/search", handleSearch(deps))
			r.Get("/context", handleContext(deps))
			r.Get("/events", handleListEvents(deps))
			r.Get("/status", handleStatus(deps))
			r.Put("/credentials/{provider}", handlePutCredentials(deps))
			r.Delete("/credentials/{provider}", handleDeleteCredentials(deps))
			r.Post("/instructions", handleCreateInstruction(deps))
			r.Get("/instructions", handleListInstructions(deps))
			r.Delete("/instructions/{id}", handleDeleteInstruction(deps))
			r.Get("/work-items", handleListWorkItems(deps))
		})
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleStartPolling(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := chi.URLParam(r, "user")
		kinds, err := deps.Poller.StartPolling(r.Context(), user)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to start polling: %v", err)
			return
		}
		if kinds == nil {
			kinds = []ingest.Kind{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user":    user,
			"sources": kinds,
			"polling": deps.Poller.Status(user),
		})
	}
}

func handleStopPolling(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := chi.URLParam(r, "user")
		deps.Poller.StopPolling(user)
		writeJSON(w, http.StatusOK, map[string]any{
			"user":    user,
			"polling": deps.Poller.Status(user),
		})
	}
}

func handlePollingStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := chi.URLParam(r, "user")
		writeJSON(w, http.StatusOK, map[string]any{
			"user":    user,
			"polling": nonNilStatus(deps.Poller.Status(user)),
		})
	}
}

type IngestRequest struct {
	Source string `json:"source"`
}

// IngestOutcome extends ingest.Result with the failure states a run can end
// in.
type IngestOutcome struct {
	Source    ingest.Kind `json:"source"`
	Status    string      `json:"status"`
	Processed int         `json:"processed"`
	Created   int         `json:"created"`
	Message   string      `json:"message,omitempty"`
}

const (
	outcomeUnavailable = "unavailable"
	outcomeAuthExpired = "auth_expired"
	outcomeError       = "error"
)

func toOutcome(kind ingest.Kind, res ingest.Result, err error) IngestOutcome {
	out := IngestOutcome{
		Source:    kind,
		Status:    string(res.Status),
		Processed: res.Processed,
		Created:   res.Created,
		Message:   res.Message,
	}
	switch {
	case err == nil:
	case errors.Is(err, ingest.ErrUpstreamUnavailable):
		out.Status, out.Message = outcomeUnavailable, err.Error()
	case errors.Is(err, ingest.ErrAuthExpired):
		out.Status, out.Message = outcomeAuthExpired, err.Error()
	default:
		out.Status, out.Message = outcomeError, err.Error()
	}
	return out
}

func handleIngest(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := chi.URLParam(r, "user")

		var req IngestRequest
		if r.ContentLength != 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}
		if req.Source == "" {
			req.Source = r.URL.Query().Get("source")
		}

		if req.Source == "" || req.Source == "all" {
			outcomes, err := deps.Poller.RunAll(r.Context(), user)
			if err != nil && len(outcomes) == 0 {
				httpError(w, http.StatusInternalServerError, "api_error", "ingestion failed: %v", err)
				return
			}
			results := make([]IngestOutcome, 0, len(outcomes))
			for _, o := range outcomes {
				results = append(results, toOutcome(o.Result.Source, o.Result, o.Err))
			}
			writeJSON(w, http.StatusOK, map[string]any{"user": user, "results": results})
			return
		}

		kind, ok := ingest.ParseKind(req.Source)
		if !ok {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown source %q", req.Source)
			return
		}
		res, err := deps.Poller.RunNow(r.Context(), user, kind)
		switch {
		case errors.Is(err, scheduler.ErrBusy):
			httpError(w, http.StatusConflict, "busy", "%s ingestion already running", kind)
			return
		case errors.Is(err, ingest.ErrNoCredentials):
			httpError(w, http.StatusNotFound, "not_connected", "%s is not connected for %s", kind.Provider(), user)
			return
		case errors.Is(err, scheduler.ErrUnknownSource):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "source %s is not configured", kind)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user":    user,
			"results": []IngestOutcome{toOutcome(kind, res, err)},
		})
	}
}

func handleSweep(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Reactor.RunOnce(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "sweep failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type SearchRequest struct {
	Query     string  `json:"query"`
	Type      string  `json:"type"`
	Limit     int     `json:"limit"`
	Threshold float64 `json:"threshold"`
}

// handleSearch answers a single-type search with a ranked list, and an
// empty or "all" type with per-type buckets.
func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := chi.URLParam(r, "user")
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Limit < 0 || req.Threshold < 0 || req.Threshold > 1 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be >= 0 and threshold within [0, 1]")
			return
		}

		if req.Type == "" || strings.EqualFold(req.Type, "all") {
			buckets, err := deps.Retriever.GetContextForQuery(r.Context(), user, req.Query, req.Limit)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
				return
			}
			writeJSON(w, http.StatusOK, buckets)
			return
		}

		t, ok := storage.ParseSourceType(req.Type)
		if !ok {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown type %q", req.Type)
			return
		}
		resp, err := deps.Retriever.Search(r.Context(), user, req.Query, retrieval.Options{
			Types:     []storage.SourceType{t},
			Limit:     req.Limit,
			Threshold: req.Threshold,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleContext(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := chi.URLParam(r, "user")
		query := r.URL.Query().Get("q")
		if strings.TrimSpace(query) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		maxResults := parseIntParam(r, "max", retrieval.DefaultContextResults, 50)

		buckets, err := deps.Retriever.GetContextForQuery(r.Context(), user, query, maxResults)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "context lookup failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"context": deps.Composer.Render(buckets),
			"results": buckets,
		})
	}
}

func handleListEvents(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := chi.URLParam(r, "user")
		var t storage.SourceType
		if s := r.URL.Query().Get("type"); s != "" {
			var ok bool
			if t, ok = storage.ParseSourceType(s); !ok {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown type %q", s)
				return
			}
		}
		limit := parseIntParam(r, "limit", 20, 100)

		events, err := deps.Store.ListSyncEvents(r.Context(), user, t, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list events: %v", err)
			return
		}
		if events == nil {
			events = []storage.SyncEvent{}
		}
		writeJSON(w, http.StatusOK, events)
	}
}

type StatusResponse struct {
	User          string                     `json:"user"`
	Records       map[storage.SourceType]int `json:"records"`
	Polling       []scheduler.SourceStatus   `json:"polling"`
	PendingEvents int                        `json:"pendingEvents"`
	Embedding     *embedding.Status          `json:"embedding,omitempty"`
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := chi.URLParam(r, "user")
		counts, err := deps.Store.CountRecords(r.Context(), user)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count records: %v", err)
			return
		}
		pending, err := deps.Store.CountPendingSyncEvents(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count events: %v", err)
			return
		}
		resp := StatusResponse{
			User:          user,
			Records:       counts,
			Polling:       nonNilStatus(deps.Poller.Status(user)),
			PendingEvents: pending,
		}
		if deps.Gateway != nil {
			st := deps.Gateway.Status()
			resp.Embedding = &st
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type CredentialsRequest struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func validProvider(name string) bool {
	return name == provider.Google || name == provider.HubSpot
}

// handlePutCredentials stores tokens and restarts the user's timers so the
// newly connected sources start polling.
func handlePutCredentials(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := chi.URLParam(r, "user")
		prov := chi.URLParam(r, "provider")
		if !validProvider(prov) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown provider %q", prov)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req CredentialsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.AccessToken == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "access_token is required")
			return
		}

		if err := deps.Store.SaveCredential(r.Context(), storage.Credential{
			UserID:       user,
			Provider:     prov,
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
			ExpiresAt:    req.ExpiresAt,
		}); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save credentials: %v", err)
			return
		}
		kinds, err := deps.Poller.StartPolling(r.Context(), user)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saved credentials but failed to start polling: %v", err)
			return
		}
		if kinds == nil {
			kinds = []ingest.Kind{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "saved", "sources": kinds})
	}
}

func handleDeleteCredentials(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := chi.URLParam(r, "user")
		prov := chi.URLParam(r, "provider")
		if !validProvider(prov) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown provider %q", prov)
			return
		}
		if err := deps.Store.DeleteCredential(r.Context(), user, prov); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete credentials: %v", err)
			return
		}
		kinds, err := deps.Poller.StartPolling(r.Context(), user)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleted credentials but failed to restart polling: %v", err)
			return
		}
		if kinds == nil {
			kinds = []ingest.Kind{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "sources": kinds})
	}
}

type InstructionRequest struct {
	Content string `json:"content"`
}

func handleCreateInstruction(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := chi.URLParam(r, "user")
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req InstructionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}

		in, err := deps.Store.CreateInstruction(r.Context(), storage.Instruction{UserID: user, Content: req.Content})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create instruction: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, in)
	}
}

func handleListInstructions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Store.ListInstructions(r.Context(), chi.URLParam(r, "user"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list instructions: %v", err)
			return
		}
		if list == nil {
			list = []storage.Instruction{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleDeleteInstruction(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Store.DeleteInstruction(r.Context(), chi.URLParam(r, "user"), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "instruction not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete instruction: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleListWorkItems(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		items, err := deps.Store.ListWorkItems(r.Context(), chi.URLParam(r, "user"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list work items: %v", err)
			return
		}
		if items == nil {
			items = []storage.WorkItem{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func nonNilStatus(s []scheduler.SourceStatus) []scheduler.SourceStatus {
	if s == nil {
		return []scheduler.SourceStatus{}
	}
	return s
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
