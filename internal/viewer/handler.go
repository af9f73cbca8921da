package viewer

import (
	"embed"
	"io/fs"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

//go:embed static/*
var staticFiles embed.FS

// NewRouter serves the viewer page at / and the event feed at /ws.
func NewRouter(hub *Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	staticFS, _ := fs.Sub(staticFiles, "static")
	r.Get("/ws", hub.ServeWS)
	r.Handle("/*", http.FileServer(http.FS(staticFS)))
	return r
}
