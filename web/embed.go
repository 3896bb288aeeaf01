// Package web embeds the browser dashboard (dist/) and serves it as a
// single-page application. The page follows the live feed over SSE.
package web

import (
	"embed"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
)

//go:embed all:dist
var distFS embed.FS

// reserved prefixes never fall back to the dashboard page, so a mistyped API
// path gets a 404 instead of HTML.
var reserved = []string{"api/", "ws/", "storage/"}

// SPAHandler returns an http.Handler that serves the embedded dashboard.
// Unknown paths outside the API fall back to index.html.
func SPAHandler() http.Handler {
	subFS, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic("web: failed to create sub filesystem: " + err.Error())
	}
	files := http.FileServer(http.FS(subFS))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		for _, p := range reserved {
			if strings.HasPrefix(name, p) {
				http.NotFound(w, r)
				return
			}
		}

		if name != "" && name != "index.html" && exists(subFS, name) {
			files.ServeHTTP(w, r)
			return
		}

		// The page is tiny and changes with every release.
		w.Header().Set("Cache-Control", "no-cache")
		r.URL.Path = "/"
		files.ServeHTTP(w, r)
	})
}

func exists(fsys fs.FS, name string) bool {
	f, err := fsys.Open(name)
	if err != nil {
		return false
	}
	if closeErr := f.Close(); closeErr != nil {
		slog.Debug("web: failed to close embedded file", "path", name, "error", closeErr)
	}
	return true
}
