package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"goa.design/clue/debug"
	"goa.design/clue/health"

	"github.com/swarmlab/overseer/runtime/forge"
	"github.com/swarmlab/overseer/runtime/store"
	"github.com/swarmlab/overseer/runtime/task"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "overseer"

// maxWebhookBody bounds webhook payload reads.
const maxWebhookBody = 5 << 20

// handler builds the HTTP surface: the webhook ingress plus the
// administrative read endpoints.
func (o *Orchestrator) handler() http.Handler {
	mux := chi.NewRouter()

	mux.Post("/webhook", o.handleWebhook)

	mux.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedMethods: []string{http.MethodGet},
			AllowedOrigins: []string{"*"},
		}))
		r.Get("/health", o.handleHealth)
		r.Get("/tasks", o.handleListTasks)
		r.Get("/tasks/{id}", o.handleGetTask)
	})

	mux.Method(http.MethodGet, "/livez",
		health.Handler(health.NewChecker(o.pingers...)))
	debug.MountDebugLogEnabler(debugMuxer{mux})

	return mux
}

// debugMuxer adapts *chi.Mux to debug.Muxer: chi declares HandleFunc with the
// named http.HandlerFunc type while clue's interface uses the raw func type.
type debugMuxer struct{ *chi.Mux }

func (m debugMuxer) HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	m.Mux.HandleFunc(pattern, handler)
}

// handleWebhook verifies the delivery signature and routes the event. An
// invalid signature answers 401 without logging the payload; store or remote
// API failures answer 5xx so the platform retries; everything else is 200.
func (o *Orchestrator) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if !verifySignature(o.webhookSecret, r.Header.Get(signatureHeader), body) {
		o.metrics.IncCounter("webhook.rejected", 1)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	kind := r.Header.Get(eventHeader)
	o.metrics.IncCounter("webhook.received", 1, "kind", kind)
	if err := o.router.HandleEvent(r.Context(), kind, body); err != nil {
		if errors.Is(err, store.ErrUnavailable) || errors.Is(err, forge.ErrRemote) {
			o.logger.Error(r.Context(), "webhook handling failed", "kind", kind, "err", err)
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		// Anything else is a precondition the router chose not to skip;
		// answering 200 keeps the platform from retrying a delivery that
		// will never succeed.
		o.logger.Warn(r.Context(), "webhook handled with error", "kind", kind, "err", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (o *Orchestrator) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	payload := map[string]string{"status": "ok", "service": ServiceName}
	for _, p := range o.pingers {
		if err := p.Ping(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			payload["status"] = "degraded"
			payload[p.Name()] = err.Error()
		}
	}
	writeJSON(w, status, payload)
}

func (o *Orchestrator) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := o.machine.ListActiveTasks(r.Context())
	if err != nil {
		http.Error(w, "list tasks", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (o *Orchestrator) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := o.machine.GetTask(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, task.ErrNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "get task", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Ping lets the orchestrator's own HTTP server participate in health checks
// of upstream deployments.
func (o *Orchestrator) Ping(ctx context.Context) error {
	for _, p := range o.pingers {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}
