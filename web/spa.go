// Package web serves the built frontend as a single-page application (SPA).
//
// The frontend is not compiled into the binary; STATIC_DIR points at the
// directory holding index.html and its assets. When it is unset, only the
// API and websocket routes are served.
package web

import (
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

// SPAHandler returns an http.Handler that serves files from dir, falling
// back to index.html for any path that doesn't match a file (client-side
// routing).
func SPAHandler(dir string) http.Handler {
	return spaHandler(os.DirFS(dir))
}

func spaHandler(root fs.FS) http.Handler {
	fileServer := http.FileServer(http.FS(root))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		if path == "" {
			path = "index.html"
		}

		if f, err := root.Open(path); err == nil {
			if closeErr := f.Close(); closeErr != nil {
				slog.Debug("web: failed to close static file", "path", path, "error", closeErr)
			}
			fileServer.ServeHTTP(w, r)
			return
		}

		// Not found: serve index.html for SPA routing.
		r.URL.Path = "/"
		fileServer.ServeHTTP(w, r)
	})
}
