package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Router wraps the standard http.ServeMux.
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func onlyMethod(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != method {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(w, req)
	}
}

// RegisterCheckInRoutes webhooks, manual trigger, history and escalation views.
func (r *Router) RegisterCheckInRoutes(h *Handler) {
	// provider webhooks
	r.Handle("/webhooks/voice/post-call", onlyMethod(http.MethodPost, h.PostCall))
	r.Handle("/webhooks/voice/analytics", onlyMethod(http.MethodPost, h.Analytics))

	// patients/{id}/calls, patients/{id}/calls/export
	r.Handle("/api/v1/patients/", func(w http.ResponseWriter, req *http.Request) {
		rest := strings.TrimPrefix(req.URL.Path, "/api/v1/patients/")
		parts := strings.Split(rest, "/")
		if len(parts) < 2 || parts[0] == "" || parts[1] != "calls" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		patientID := parts[0]

		switch {
		case len(parts) == 2:
			switch req.Method {
			case http.MethodPost:
				h.PlaceCall(w, req, patientID)
			case http.MethodGet:
				h.ListCalls(w, req, patientID)
			default:
				w.WriteHeader(http.StatusMethodNotAllowed)
			}
		case len(parts) == 3 && parts[2] == "export":
			if req.Method != http.MethodGet {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			h.ExportCalls(w, req, patientID)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	// calls/{attempt_id} (transcript link target in escalation alerts)
	r.Handle("/api/v1/calls/", onlyMethod(http.MethodGet, func(w http.ResponseWriter, req *http.Request) {
		id := strings.TrimPrefix(req.URL.Path, "/api/v1/calls/")
		if id == "" || strings.Contains(id, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.GetCall(w, req, id)
	}))

	r.Handle("/api/v1/escalations", onlyMethod(http.MethodGet, h.ListEscalations))
	r.Handle("/healthz", onlyMethod(http.MethodGet, h.Health))
}
