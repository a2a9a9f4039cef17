package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter mounts the REST API under /api/v1 and, when ws is non-nil, the
// progress websocket at /ws. Unknown routes answer a JSON 404.
func NewRouter(rest *REST, ws *WS, middlewares ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middlewares...)
	r.NotFound(NotFound)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})
	r.Route("/api/v1", rest.Routes)
	if ws != nil {
		r.Method(http.MethodGet, "/ws", ws)
	}
	return r
}
