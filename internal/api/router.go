package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shaun/inkwell/internal/metrics"
	"github.com/shaun/inkwell/internal/session"
)

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter wires the handlers. Middlewares run after CORS, in order;
// typically request logging and then auth.
func NewRouter(h *Handler, middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(cors)
	r.Use(middlewares...)

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Get("/user", h.User)
	r.Get("/settings", h.GetSettings)
	r.Put("/settings", h.SaveSettings)

	r.Get("/repos", h.ListRepositories)
	r.Route("/repos/{repoID}", func(r chi.Router) {
		r.Get("/", h.GetRepository)

		r.Get("/files", h.ListFiles)
		r.Post("/files", h.CreateFile)
		r.Get("/files/*", h.GetFile)
		r.Put("/files/*", h.SaveFile)
		r.Delete("/files/*", h.DeleteFile)

		r.Post("/sync", h.start(session.KindFullPull))
		r.Post("/pull", h.start(session.KindPull))
		r.Post("/push", h.start(session.KindPush))
		r.Get("/status", h.Status)
		r.Delete("/status", h.ClearStatus)

		r.Post("/rename", h.Rename)
		r.Post("/discard", h.Discard)
		r.Get("/events", h.Events)
	})
	return r
}
